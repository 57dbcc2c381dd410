package cmds

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/prefork/pkg/config"
)

type rootOptions struct {
	RepoRoot string
	Config   string
}

func AddRootFlags(root *cobra.Command) {
	root.PersistentFlags().String("repo-root", "", "Application root (defaults to current directory)")
	root.PersistentFlags().String("config", "", "Path to config file (defaults to .prefork.yaml under repo-root)")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	repoRoot, err := cmd.Root().PersistentFlags().GetString("repo-root")
	if err != nil {
		return rootOptions{}, err
	}
	if repoRoot == "" {
		repoRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	repoRoot, err = filepath.Abs(repoRoot)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	if cfgPath == "" {
		cfgPath = config.DefaultPath(repoRoot)
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(repoRoot, cfgPath)
	}

	return rootOptions{RepoRoot: repoRoot, Config: cfgPath}, nil
}

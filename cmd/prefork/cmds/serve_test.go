package cmds

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/prefork/pkg/config"
	"github.com/go-go-golems/prefork/pkg/state"
	"github.com/go-go-golems/prefork/pkg/supervise"
)

func reloadStubFactory(sp supervise.WorkerSpawn) (*exec.Cmd, error) {
	script := fmt.Sprintf(
		`echo $$ > %q; trap 'exit 0' TERM; while true; do sleep 0.05; done`,
		sp.ReadyFile)
	return exec.Command("bash", "-c", script), nil
}

func loadWorkerPIDs(root string) []int {
	st, err := state.Load(root)
	if err != nil {
		return nil
	}
	var pids []int
	for _, w := range st.Workers {
		if w.PID > 0 && state.ProcessAlive(w.PID) {
			pids = append(pids, w.PID)
		}
	}
	return pids
}

// Touching a file under the watched tree in reload mode must cycle
// every worker through the watcher wiring, end to end.
func TestServe_FileChangeTriggersRollingRestart(t *testing.T) {
	root := t.TempDir()

	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	cfg.Workers = 2
	cfg.App = "demo:app"
	cfg.Reload = true
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.StartupTimeout = 5 * time.Second

	sup, err := supervise.New(supervise.Options{
		RepoRoot:       root,
		Config:         cfg,
		Factory:        reloadStubFactory,
		RespawnBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sup.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var before []int
	require.Eventually(t, func() bool {
		before = loadWorkerPIDs(root)
		return len(before) == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, startWatcher(ctx, rootOptions{RepoRoot: root}, cfg, sup))

	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte("v2"), 0o644))

	old := map[int]bool{}
	for _, pid := range before {
		old[pid] = true
	}
	require.Eventually(t, func() bool {
		fresh := loadWorkerPIDs(root)
		if len(fresh) != 2 {
			return false
		}
		for _, pid := range fresh {
			if old[pid] {
				return false
			}
		}
		return true
	}, 20*time.Second, 100*time.Millisecond)
}

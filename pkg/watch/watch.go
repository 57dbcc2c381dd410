// Package watch observes source trees for changes and coalesces the
// resulting events. It drives the development reload path: a burst of
// file writes becomes one change notification.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// Paths are the roots to watch, recursively.
	Paths []string
	// Debounce is how long to wait after the last event before
	// notifying. Defaults to 500ms.
	Debounce time.Duration
	// IgnorePrefixes are path prefixes that never trigger (the state
	// directory, editor temp dirs).
	IgnorePrefixes []string
}

type Watcher struct {
	opts    Options
	watcher *fsnotify.Watcher
}

func New(opts Options) (*Watcher, error) {
	if len(opts.Paths) == 0 {
		return nil, errors.New("no paths to watch")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}

	w := &Watcher{opts: opts, watcher: fw}
	for _, p := range opts.Paths {
		if err := w.addRecursive(p); err != nil {
			_ = fw.Close()
			return nil, errors.Wrapf(err, "watch %s", p)
		}
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run delivers debounced change sets to onChange until ctx is done.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	var timer *time.Timer
	var timerC <-chan time.Time
	pending := map[string]struct{}{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// New directories join the watch set.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(ev.Name); err != nil {
						log.Warn().Err(err).Str("path", ev.Name).Msg("failed to watch new directory")
					}
				}
			}
			pending[ev.Name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.opts.Debounce)
			}
			timerC = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")
		case <-timerC:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			timerC = nil
			onChange(paths)
		}
	}
}

func (w *Watcher) ignored(path string) bool {
	for _, prefix := range w.opts.IgnorePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(path) || (path != root && strings.HasPrefix(filepath.Base(path), ".")) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

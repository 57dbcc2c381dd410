package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_CoalescesBurstIntoOneNotification(t *testing.T) {
	dir := t.TempDir()

	w, err := New(Options{Paths: []string{dir}, Debounce: 100 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	go func() {
		_ = w.Run(ctx, func(paths []string) { changes <- paths })
	}()

	// Give the run loop a moment to start.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("x"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case paths := <-changes:
		require.NotEmpty(t, paths)
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification")
	}

	// The burst must not produce a second notification.
	select {
	case <-changes:
		t.Fatal("burst produced multiple notifications")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_SeesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()

	w, err := New(Options{Paths: []string{dir}, Debounce: 50 * time.Millisecond})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 16)
	go func() {
		_ = w.Run(ctx, func(paths []string) { changes <- paths })
	}()
	time.Sleep(50 * time.Millisecond)

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	// Wait out the mkdir notification, then write inside the new dir.
	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("mkdir not observed")
	}

	require.NoError(t, os.WriteFile(filepath.Join(sub, "new.py"), []byte("x"), 0o644))
	select {
	case paths := <-changes:
		require.Contains(t, paths, filepath.Join(sub, "new.py"))
	case <-time.After(3 * time.Second):
		t.Fatal("write in new subdirectory not observed")
	}
}

func TestWatcher_IgnoresPrefixes(t *testing.T) {
	dir := t.TempDir()
	stateDir := filepath.Join(dir, ".prefork")
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	w, err := New(Options{
		Paths:          []string{dir},
		Debounce:       50 * time.Millisecond,
		IgnorePrefixes: []string{stateDir},
	})
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	go func() {
		_ = w.Run(ctx, func(paths []string) { changes <- paths })
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "state.json"), []byte("{}"), 0o644))

	select {
	case paths := <-changes:
		t.Fatalf("ignored path triggered notification: %v", paths)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNew_RequiresPaths(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/prefork/pkg/listener"

	_ "github.com/go-go-golems/prefork/pkg/app/demoapp"
)

// noKeepAliveClient closes connections after each response so pooled
// idle connections never pin a worker slot between requests.
func noKeepAliveClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func listenerFD(t *testing.T) (uintptr, string) {
	t.Helper()
	ln, err := listener.Bind("127.0.0.1:0")
	require.NoError(t, err)
	f, err := listener.File(ln)
	require.NoError(t, err)
	addr := ln.Addr().String()
	// The worker owns the dup; the original can go.
	require.NoError(t, ln.Close())
	t.Cleanup(func() { _ = f.Close() })
	return f.Fd(), addr
}

func TestRun_ServesAndDrains(t *testing.T) {
	fd, addr := listenerFD(t)

	readyFile := filepath.Join(t.TempDir(), "ready")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			App:             "demo:app",
			Threads:         2,
			FD:              fd,
			ReadyFile:       readyFile,
			ShutdownTimeout: 5 * time.Second,
		})
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(readyFile)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := noKeepAliveClient(5 * time.Second).Get("http://" + addr + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not drain")
	}
}

func TestRun_AdmitsExactlyThreadsConcurrentRequests(t *testing.T) {
	fd, addr := listenerFD(t)

	const threads = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{App: "demo:app", Threads: threads, FD: fd, ShutdownTimeout: 2 * time.Second})
	}()

	waitServing(t, addr)

	// threads+1 slow requests: the first `threads` proceed in
	// parallel, the extra one queues behind a freed slot. All finish.
	const sleep = 400 * time.Millisecond
	var wg sync.WaitGroup
	start := time.Now()
	errs := make(chan error, threads+1)
	for i := 0; i < threads+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := noKeepAliveClient(10 * time.Second)
			resp, err := client.Get(fmt.Sprintf("http://%s/sleep?d=%s", addr, sleep))
			if err != nil {
				errs <- err
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			errs <- nil
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Two batches: the overflow request waited for a slot.
	require.GreaterOrEqual(t, elapsed, 2*sleep)
	require.Less(t, elapsed, 4*sleep)
}

func TestRun_UnresolvableAppIsBootFailure(t *testing.T) {
	fd, _ := listenerFD(t)

	err := Run(context.Background(), Options{App: "no:such", Threads: 1, FD: fd})
	require.Error(t, err)
	require.True(t, IsBootFailure(err))
}

func TestIsBootFailure_FalseForOtherErrors(t *testing.T) {
	require.False(t, IsBootFailure(fmt.Errorf("plain")))
	require.False(t, IsBootFailure(nil))
}

func waitServing(t *testing.T, addr string) {
	t.Helper()
	client := noKeepAliveClient(time.Second)
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
}

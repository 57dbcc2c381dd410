// Package app defines the boundary between the launcher and the
// application it serves: an application is anything that can handle
// one HTTP request and produce one response. The launcher resolves an
// entry point string to a handler at startup and knows nothing else
// about the application.
package app

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Factory constructs the application handler. It runs once per
// process, at startup; an error here is a boot failure.
type Factory func() (http.Handler, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes an application available under an entry point of the
// form "registry:name". It is intended to be called from init or from
// a command's main before the entry point is resolved.
func Register(entry string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[entry] = f
}

// Resolve looks up and constructs the application for an entry point.
// An unknown entry or a failing factory is a startup error; callers
// are expected to fail fast.
func Resolve(entry string) (http.Handler, error) {
	if entry == "" {
		return nil, errors.New("empty app entry point")
	}
	if !strings.Contains(entry, ":") {
		return nil, errors.Errorf("app entry point %q must be registry:name", entry)
	}

	mu.RLock()
	f, ok := factories[entry]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown app entry point %q (registered: %s)", entry, strings.Join(Entries(), ", "))
	}

	h, err := f()
	if err != nil {
		return nil, errors.Wrapf(err, "construct app %q", entry)
	}
	if h == nil {
		return nil, errors.Errorf("app %q factory returned nil handler", entry)
	}
	return h, nil
}

// Entries returns the registered entry points, sorted.
func Entries() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

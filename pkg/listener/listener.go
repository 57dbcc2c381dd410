// Package listener owns the shared listening socket. The supervisor
// binds it exactly once; workers recover it from an inherited file
// descriptor and never re-bind.
package listener

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// WorkerFD is the file descriptor number at which a spawned worker
// finds the inherited listener (the first ExtraFiles slot).
const WorkerFD = 3

// Bind opens the TCP listener for the given host:port. A bind failure
// (port taken, bad address) is a startup failure for the caller.
func Bind(addr string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind %s", addr)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, errors.Errorf("unexpected listener type %T", ln)
	}
	return tcp, nil
}

// File duplicates the listener's descriptor for passing to a worker
// via exec.Cmd.ExtraFiles. The caller owns the returned file.
func File(ln *net.TCPListener) (*os.File, error) {
	f, err := ln.File()
	if err != nil {
		return nil, errors.Wrap(err, "dup listener fd")
	}
	return f, nil
}

// FromFD recovers the inherited listener inside a worker process. The
// inherited descriptor itself stays open for the life of the process;
// net.FileListener works on a dup.
func FromFD(fd uintptr) (net.Listener, error) {
	f := os.NewFile(fd, "listener")
	if f == nil {
		return nil, errors.Errorf("no inherited fd %d", fd)
	}

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, errors.Wrap(err, "recover inherited listener")
	}
	return ln, nil
}

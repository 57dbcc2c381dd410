package listener

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Bounded caps the number of connections in flight at once. Accept
// blocks while all slots are taken; closing an accepted connection
// frees its slot. This is the worker's handler pool: with capacity K,
// exactly K requests can be served concurrently before the accept
// loop starts queuing.
type Bounded struct {
	net.Listener
	sem *semaphore.Weighted
}

func NewBounded(ln net.Listener, capacity int) *Bounded {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bounded{
		Listener: ln,
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

func (b *Bounded) Accept() (net.Conn, error) {
	if err := b.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	conn, err := b.Listener.Accept()
	if err != nil {
		b.sem.Release(1)
		return nil, err
	}
	return &slotConn{Conn: conn, release: func() { b.sem.Release(1) }}, nil
}

type slotConn struct {
	net.Conn
	once    sync.Once
	release func()
}

// Close is safe to call more than once; the slot is released exactly
// once.
func (c *slotConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

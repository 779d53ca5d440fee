package cluster

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalGroup links size in-process ranks through unbuffered channels, so a
// send completes only when the receiving rank takes the message.
type LocalGroup struct {
	size int

	// down[r] carries root -> rank r messages; up[r] carries rank r -> root.
	down []chan []byte
	up   []chan []byte

	abortOnce sync.Once
	aborted   chan struct{}
	cause     error
}

// LocalComm is one rank's handle on a LocalGroup.
type LocalComm struct {
	g    *LocalGroup
	rank int
}

// NewLocalGroup creates a group of size ranks and returns one handle per rank.
func NewLocalGroup(size int) ([]*LocalComm, error) {
	if err := checkGroup(Root, size); err != nil {
		return nil, err
	}
	g := &LocalGroup{
		size:    size,
		down:    make([]chan []byte, size),
		up:      make([]chan []byte, size),
		aborted: make(chan struct{}),
	}
	comms := make([]*LocalComm, size)
	for r := range size {
		g.down[r] = make(chan []byte)
		g.up[r] = make(chan []byte)
		comms[r] = &LocalComm{g: g, rank: r}
	}
	return comms, nil
}

// RunLocal runs fn once per rank of a fresh LocalGroup, each on its own
// goroutine, and waits for all of them. It returns the first error.
// The context passed to fn is cancelled when any rank fails.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, comm *LocalComm) error) error {
	comms, err := NewLocalGroup(size)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, comm := range comms {
		g.Go(func() error {
			if err := fn(gctx, comm); err != nil {
				comm.Abort(err)
				return fmt.Errorf("rank %d: %w", comm.rank, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Rank returns this handle's rank.
func (c *LocalComm) Rank() int {
	return c.rank
}

// Size returns the number of ranks in the group.
func (c *LocalComm) Size() int {
	return c.g.size
}

// Abort fails the whole group with cause. Only the first cause is kept.
func (c *LocalComm) Abort(cause error) {
	c.g.abortOnce.Do(func() {
		c.g.cause = cause
		close(c.g.aborted)
	})
}

// abortErr returns the group abort error; valid once aborted is closed.
func (c *LocalComm) abortErr() error {
	return abortError(c.g.cause)
}

func (c *LocalComm) checkAborted() error {
	select {
	case <-c.g.aborted:
		return c.abortErr()
	default:
		return nil
	}
}

func (c *LocalComm) send(ctx context.Context, ch chan []byte, data []byte) error {
	if err := c.checkAborted(); err != nil {
		return err
	}
	select {
	case ch <- clone(data):
		return nil
	case <-c.g.aborted:
		return c.abortErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LocalComm) recv(ctx context.Context, ch chan []byte) ([]byte, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	select {
	case data := <-ch:
		return data, nil
	case <-c.g.aborted:
		return nil, c.abortErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast sends data from the root to every rank. Non-root ranks pass nil
// and receive a copy of the root's data.
func (c *LocalComm) Broadcast(ctx context.Context, data []byte) ([]byte, error) {
	if c.rank != Root {
		return c.recv(ctx, c.g.down[c.rank])
	}
	for r := 1; r < c.g.size; r++ {
		if err := c.send(ctx, c.g.down[r], data); err != nil {
			return nil, err
		}
	}
	return clone(data), nil
}

// Scatter sends parts[r] from the root to rank r and returns this rank's
// part. The root must pass exactly Size() parts; other ranks pass nil.
func (c *LocalComm) Scatter(ctx context.Context, parts [][]byte) ([]byte, error) {
	if c.rank != Root {
		return c.recv(ctx, c.g.down[c.rank])
	}
	if len(parts) != c.g.size {
		err := fmt.Errorf("%w: scatter of %d parts to %d ranks", ErrInvalidGroup, len(parts), c.g.size)
		c.Abort(err)
		return nil, err
	}
	for r := 1; r < c.g.size; r++ {
		if err := c.send(ctx, c.g.down[r], parts[r]); err != nil {
			return nil, err
		}
	}
	return clone(parts[Root]), nil
}

// Gather collects one part from every rank at the root, indexed by rank.
// Non-root ranks return nil.
func (c *LocalComm) Gather(ctx context.Context, part []byte) ([][]byte, error) {
	if c.rank != Root {
		return nil, c.send(ctx, c.g.up[c.rank], part)
	}
	out := make([][]byte, c.g.size)
	out[Root] = clone(part)
	for r := 1; r < c.g.size; r++ {
		data, err := c.recv(ctx, c.g.up[r])
		if err != nil {
			return nil, err
		}
		out[r] = data
	}
	return out, nil
}

// Close is a no-op; in-process groups hold no transport resources.
func (c *LocalComm) Close() error {
	return nil
}

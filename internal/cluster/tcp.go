package cluster

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// handshakeMagic opens every TCP link ("CVC1").
const handshakeMagic uint32 = 0x43564331

const (
	handshakeSize     = 12
	dialRetryInterval = 100 * time.Millisecond
	abortWriteTimeout = time.Second
)

// ErrHandshake is returned when a peer's handshake does not match the group.
var ErrHandshake = errors.New("cluster: handshake failed")

// tcpPeer is one end of a TCP link. The root holds one per worker; a worker
// holds one for the root.
type tcpPeer struct {
	rank int
	conn net.Conn

	// wmu serialises frame writes; collectives and abort relays share a link.
	wmu sync.Mutex

	// inbox delivers data frames in arrival order. It is closed when the
	// reader stops, after err is set.
	inbox chan []byte
	err   error
}

// TCPComm runs collectives over TCP. The root (rank 0) listens and every
// other rank dials it, so the topology is a star and all traffic passes
// through the root.
//
// An abort on a worker is sent to the root, which relays it to every other
// worker.
type TCPComm struct {
	rank  int
	size  int
	peers []*tcpPeer // indexed by rank on the root; peers[0] is the root on a worker
	codec *frameCodec
	ln    net.Listener

	abortOnce sync.Once
	aborted   chan struct{}
	cause     error

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func newTCPComm(rank, size int) (*TCPComm, error) {
	codec, err := newFrameCodec()
	if err != nil {
		return nil, err
	}
	n := 1
	if rank == Root {
		n = size
	}
	return &TCPComm{
		rank:    rank,
		size:    size,
		peers:   make([]*tcpPeer, n),
		codec:   codec,
		aborted: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Listen binds addr and waits for size-1 workers to connect. It returns the
// root's comm once every rank has completed the handshake.
func Listen(ctx context.Context, addr string, size int) (*TCPComm, error) {
	if err := checkGroup(Root, size); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cluster: listen %s: %w", addr, err)
	}
	return ListenOn(ctx, ln, size)
}

// ListenOn is Listen with a caller-supplied listener, which the comm owns
// from then on.
func ListenOn(ctx context.Context, ln net.Listener, size int) (*TCPComm, error) {
	if err := checkGroup(Root, size); err != nil {
		_ = ln.Close()
		return nil, err
	}
	c, err := newTCPComm(Root, size)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	c.ln = ln

	fail := func(err error) (*TCPComm, error) {
		c.closeLinks()
		c.codec.close()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	// A failed handshake or a cancelled ctx unblocks Accept. Once every
	// peer is in, Wait cancels gctx and the listener is no longer needed.
	stop := context.AfterFunc(gctx, func() { _ = ln.Close() })
	defer stop()

	var mu sync.Mutex
	for range size - 1 {
		conn, err := ln.Accept()
		if err != nil {
			if werr := g.Wait(); werr != nil {
				return fail(werr)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(ctxErr)
			}
			return fail(fmt.Errorf("cluster: accept: %w", err))
		}
		g.Go(func() error {
			rank, err := c.acceptHandshake(gctx, conn)
			if err != nil {
				_ = conn.Close()
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if c.peers[rank] != nil {
				_ = conn.Close()
				return fmt.Errorf("%w: rank %d connected twice", ErrHandshake, rank)
			}
			c.peers[rank] = &tcpPeer{rank: rank, conn: conn, inbox: make(chan []byte)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	for _, p := range c.peers[1:] {
		c.startReader(p)
	}
	return c, nil
}

// acceptHandshake reads a worker's {magic, rank, size} and echoes it back.
func (c *TCPComm) acceptHandshake(ctx context.Context, conn net.Conn) (int, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var buf [handshakeSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: read from %s: %w", ErrHandshake, conn.RemoteAddr(), err)
	}
	magic := binary.BigEndian.Uint32(buf[0:])
	rank := int(binary.BigEndian.Uint32(buf[4:]))
	size := int(binary.BigEndian.Uint32(buf[8:]))
	switch {
	case magic != handshakeMagic:
		return 0, fmt.Errorf("%w: bad magic %#x from %s", ErrHandshake, magic, conn.RemoteAddr())
	case size != c.size:
		return 0, fmt.Errorf("%w: peer %s expects size %d, group has %d", ErrHandshake, conn.RemoteAddr(), size, c.size)
	case rank <= Root || rank >= c.size:
		return 0, fmt.Errorf("%w: peer %s claims rank %d", ErrHandshake, conn.RemoteAddr(), rank)
	}
	if _, err := conn.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: reply to rank %d: %w", ErrHandshake, rank, err)
	}
	return rank, nil
}

// Dial connects worker rank to the root at addr, retrying until the root is
// listening or ctx is done.
func Dial(ctx context.Context, addr string, rank, size int) (*TCPComm, error) {
	if err := checkGroup(rank, size); err != nil {
		return nil, err
	}
	if rank == Root {
		return nil, fmt.Errorf("%w: rank 0 must listen, not dial", ErrInvalidGroup)
	}

	var d net.Dialer
	var conn net.Conn
	for {
		var err error
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("cluster: dial %s: %w", addr, err)
		case <-time.After(dialRetryInterval):
		}
	}

	c, err := newTCPComm(rank, size)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := dialHandshake(ctx, conn, rank, size); err != nil {
		_ = conn.Close()
		c.codec.close()
		return nil, err
	}
	c.peers[0] = &tcpPeer{rank: Root, conn: conn, inbox: make(chan []byte)}
	c.startReader(c.peers[0])
	return c, nil
}

func dialHandshake(ctx context.Context, conn net.Conn, rank, size int) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var buf [handshakeSize]byte
	binary.BigEndian.PutUint32(buf[0:], handshakeMagic)
	binary.BigEndian.PutUint32(buf[4:], uint32(rank))
	binary.BigEndian.PutUint32(buf[8:], uint32(size))
	if _, err := conn.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: send: %w", ErrHandshake, err)
	}
	var reply [handshakeSize]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("%w: root closed the link: %w", ErrHandshake, err)
	}
	if reply != buf {
		return fmt.Errorf("%w: unexpected reply", ErrHandshake)
	}
	return nil
}

// startReader pumps frames from p into its inbox until the link fails.
// Abort frames abort this comm and, on the root, are relayed to the others.
func (c *TCPComm) startReader(p *tcpPeer) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(p.inbox)
		for {
			kind, payload, err := c.codec.readFrame(p.conn)
			if err != nil {
				p.err = fmt.Errorf("cluster: link to rank %d: %w", p.rank, err)
				return
			}
			switch kind {
			case frameAbort:
				c.abort(fmt.Errorf("rank %d: %s", p.rank, payload), p.rank)
			case frameData:
				select {
				case p.inbox <- payload:
				case <-c.aborted:
				case <-c.done:
					return
				}
			}
		}
	}()
}

// Rank returns this process's rank.
func (c *TCPComm) Rank() int {
	return c.rank
}

// Size returns the number of ranks in the group.
func (c *TCPComm) Size() int {
	return c.size
}

// Abort fails the group with cause on every rank.
func (c *TCPComm) Abort(cause error) {
	c.abort(cause, -1)
}

// abort latches cause and notifies every peer except skip.
func (c *TCPComm) abort(cause error, skip int) {
	c.abortOnce.Do(func() {
		c.cause = cause
		close(c.aborted)

		msg := []byte("aborted")
		if cause != nil {
			msg = []byte(cause.Error())
		}
		for _, p := range c.peers {
			if p == nil || p.rank == skip {
				continue
			}
			if !p.wmu.TryLock() {
				// A send is stuck on this link; dropping it fails the peer's
				// pending receive instead.
				_ = p.conn.Close()
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(abortWriteTimeout))
			_ = c.codec.writeFrame(p.conn, frameAbort, msg)
			p.wmu.Unlock()
		}
	})
}

func (c *TCPComm) checkAborted() error {
	select {
	case <-c.aborted:
		return abortError(c.cause)
	default:
		return nil
	}
}

func (c *TCPComm) send(ctx context.Context, p *tcpPeer, data []byte) error {
	if err := c.checkAborted(); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	_ = p.conn.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = p.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	if err := c.codec.writeFrame(p.conn, frameData, data); err != nil {
		if abortErr := c.checkAborted(); abortErr != nil {
			return abortErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("cluster: send to rank %d: %w", p.rank, err)
	}
	return nil
}

func (c *TCPComm) recv(ctx context.Context, p *tcpPeer) ([]byte, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	select {
	case data, ok := <-p.inbox:
		if !ok {
			if err := c.checkAborted(); err != nil {
				return nil, err
			}
			return nil, p.err
		}
		return data, nil
	case <-c.aborted:
		return nil, abortError(c.cause)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast sends data from the root to every rank.
func (c *TCPComm) Broadcast(ctx context.Context, data []byte) ([]byte, error) {
	if c.rank != Root {
		return c.recv(ctx, c.peers[0])
	}
	for _, p := range c.peers[1:] {
		if err := c.send(ctx, p, data); err != nil {
			return nil, err
		}
	}
	return clone(data), nil
}

// Scatter sends parts[r] from the root to rank r.
func (c *TCPComm) Scatter(ctx context.Context, parts [][]byte) ([]byte, error) {
	if c.rank != Root {
		return c.recv(ctx, c.peers[0])
	}
	if len(parts) != c.size {
		err := fmt.Errorf("%w: scatter of %d parts to %d ranks", ErrInvalidGroup, len(parts), c.size)
		c.Abort(err)
		return nil, err
	}
	for _, p := range c.peers[1:] {
		if err := c.send(ctx, p, parts[p.rank]); err != nil {
			return nil, err
		}
	}
	return clone(parts[Root]), nil
}

// Gather collects one part per rank at the root, indexed by rank.
func (c *TCPComm) Gather(ctx context.Context, part []byte) ([][]byte, error) {
	if c.rank != Root {
		return nil, c.send(ctx, c.peers[0], part)
	}
	out := make([][]byte, c.size)
	out[Root] = clone(part)
	for _, p := range c.peers[1:] {
		data, err := c.recv(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p.rank] = data
	}
	return out, nil
}

// Addr returns the root's listening address, or nil on a worker.
func (c *TCPComm) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Close tears down every link and waits for the readers to stop.
func (c *TCPComm) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.closeLinks()
	c.wg.Wait()
	c.codec.close()
	return nil
}

func (c *TCPComm) closeLinks() {
	if c.ln != nil {
		_ = c.ln.Close()
	}
	for _, p := range c.peers {
		if p != nil {
			_ = p.conn.Close()
		}
	}
}

// Package rawconn implements the raw connection: a Noise XX handshake
// over a byte-duplex, followed by a cooperative select loop that encrypts
// outbound frames, decrypts and routes inbound frames through a
// mux.Multiplexer, answers Pings, sends periodic heartbeats, and enforces
// the connection idle cap. One errgroup of driver goroutines per
// connection; any one failing goroutine tears down its siblings through
// the shared context.
package rawconn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/noiseconn"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xerr"
)

// Duplex is the whole-message byte transport a Conn runs over. wsconn.Conn
// implements this, as does any test fake.
type Duplex interface {
	WriteMessage([]byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

const (
	// HeartbeatInterval is how often an idle connection sends a Ping.
	HeartbeatInterval = 15 * time.Second
	// IdleTimeout is the maximum idle connection lifetime before the
	// server may close it.
	IdleTimeout = 40 * time.Second
)

// heartbeatPayload is the fixed 2-byte Ping payload.
var heartbeatPayload = [2]byte{'h', 'b'}

// Conn is one established, authenticated-at-the-transport-layer (Noise,
// not licks identity) connection.
type Conn struct {
	duplex  Duplex
	session *noiseconn.Session
	mux     *mux.Multiplexer

	outbox  chan wire.Frame
	inbound chan wire.Frame

	enforceIdle bool

	mu           sync.Mutex
	lastActivity time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient performs the initiator side of the Noise handshake over duplex
// and starts the connection's driver goroutines.
func NewClient(ctx context.Context, duplex Duplex) (*Conn, error) {
	return newConn(ctx, duplex, true, false)
}

// NewServer performs the responder side of the Noise handshake over duplex
// and starts the connection's driver goroutines, enforcing the idle
// timeout (a behavior only the server side applies).
func NewServer(ctx context.Context, duplex Duplex) (*Conn, error) {
	return newConn(ctx, duplex, false, true)
}

func newConn(ctx context.Context, duplex Duplex, initiator, enforceIdle bool) (*Conn, error) {
	var session *noiseconn.Session
	var err error
	if initiator {
		session, err = noiseconn.HandshakeClient(duplex)
	} else {
		session, err = noiseconn.HandshakeServer(duplex)
	}
	if err != nil {
		return nil, fmt.Errorf("rawconn: noise handshake: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		duplex:       duplex,
		session:      session,
		mux:          mux.New(),
		outbox:       make(chan wire.Frame, 64),
		inbound:      make(chan wire.Frame, 64),
		enforceIdle:  enforceIdle,
		lastActivity: time.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go c.run(runCtx)
	return c, nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.heartbeatLoop(gctx) })
	g.Go(func() error {
		// readLoop blocks in ReadMessage, which does not watch gctx; closing
		// the duplex once any sibling fails or Close cancels unblocks it.
		<-gctx.Done()
		_ = c.duplex.Close()
		return nil
	})

	err := g.Wait()
	c.teardown(err)
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.outbox:
			raw, err := wire.Encode(frame)
			if err != nil {
				// A frame we ourselves built failed to encode: this is a
				// bug, not a transport fault, but we must not wedge the
				// loop — drop and continue.
				continue
			}
			sealed, err := c.session.Seal(nil, raw)
			if err != nil {
				return xerr.NewTransport(xerr.SendConnectionClosed, err)
			}
			if err := c.duplex.WriteMessage(sealed); err != nil {
				return xerr.NewTransport(xerr.SendConnectionClosed, err)
			}
			c.touch()
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		raw, err := c.duplex.ReadMessage()
		if err != nil {
			return xerr.NewTransport(xerr.ReceiveConnectionClosed, err)
		}
		plain, err := c.session.Open(nil, raw)
		if err != nil {
			return xerr.NewTransport(xerr.ReceiveConnectionClosed, err)
		}
		frame, err := wire.Decode(plain)
		if err != nil {
			// Malformed body: dropped.
			continue
		}
		c.touch()

		if frame.RequestID.IsNil() {
			if err := c.handleUnsolicited(frame); err != nil {
				return err
			}
			continue
		}
		if !c.mux.Route(frame) {
			// Not a response to anything this connection's mux is
			// awaiting: it is an inbound request for the application layer
			// (the server side dispatching a client's request, or a client
			// receiving a server-pushed request-shaped frame) to handle.
			select {
			case c.inbound <- frame:
			default:
				// Application layer isn't keeping up; drop rather than
				// block the read loop indefinitely.
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *Conn) handleUnsolicited(frame wire.Frame) error {
	switch body := frame.Body.(type) {
	case wire.Ping:
		return c.enqueue(wire.Frame{RequestID: ids.ClientRequestId{}, Body: wire.Pong{Payload: body.Payload}})
	case wire.Pong:
		// Heartbeat response: no action beyond the activity touch already
		// recorded in readLoop.
		return nil
	default:
		// Anything else under the nil id is dropped.
		return nil
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	var idleTicker *time.Ticker
	var idleC <-chan time.Time
	if c.enforceIdle {
		idleTicker = time.NewTicker(5 * time.Second)
		defer idleTicker.Stop()
		idleC = idleTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Since(c.lastActivityTime()) >= HeartbeatInterval {
				if err := c.enqueue(wire.Frame{RequestID: ids.ClientRequestId{}, Body: wire.Ping{Payload: heartbeatPayload}}); err != nil {
					return err
				}
			}
		case <-idleC:
			if time.Since(c.lastActivityTime()) >= IdleTimeout {
				return xerr.NewTransport(xerr.ReceiveConnectionClosed, fmt.Errorf("rawconn: idle timeout exceeded"))
			}
		}
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) lastActivityTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) enqueue(frame wire.Frame) error {
	select {
	case c.outbox <- frame:
		return nil
	default:
		// Outbox full under sustained backpressure is a send-side fault.
		return xerr.NewTransport(xerr.SendConnectionClosed, fmt.Errorf("rawconn: outbox full"))
	}
}

// Request sends body under a fresh request id and blocks for the single
// response. Context cancellation or a connection teardown both unblock it.
func (c *Conn) Request(ctx context.Context, body wire.Body) (wire.Body, error) {
	id := ids.NewClientRequestId()
	respCh := c.mux.NewPending(id)
	if err := c.enqueue(wire.Frame{RequestID: id, Body: body}); err != nil {
		return nil, err
	}
	select {
	case res := <-respCh:
		return res.Body, res.Err
	case <-ctx.Done():
		return nil, xerr.NewTransport(xerr.Timeout, ctx.Err())
	case <-c.done:
		return nil, xerr.NewTransport(xerr.ReceiveConnectionClosed, fmt.Errorf("rawconn: connection closed"))
	}
}

// Subscribe sends a subscribe-style request (e.g. SubscribeToAddress)
// under a fresh id, awaits its ack, and returns a stream of subsequent
// deliveries under the same id. Subscribe-style requests bypass the retry
// middleware (duplicate subscriptions would leak resources), so Subscribe
// has no retry wrapper, unlike Request.
func (c *Conn) Subscribe(ctx context.Context, body wire.Body) (wire.Body, <-chan mux.StreamItem, ids.ClientRequestId, error) {
	id := ids.NewClientRequestId()
	ackCh, stream := c.mux.NewListener(id, true)
	if err := c.enqueue(wire.Frame{RequestID: id, Body: body}); err != nil {
		return nil, nil, id, err
	}
	select {
	case res := <-ackCh:
		if res.Err != nil {
			return nil, nil, id, res.Err
		}
		return res.Body, stream, id, nil
	case <-ctx.Done():
		return nil, nil, id, xerr.NewTransport(xerr.Timeout, ctx.Err())
	case <-c.done:
		return nil, nil, id, xerr.NewTransport(xerr.ReceiveConnectionClosed, fmt.Errorf("rawconn: connection closed"))
	}
}

// Inbound returns the stream of frames addressed to this connection that
// were not responses to anything this connection's own Request/Subscribe
// calls registered — i.e. requests the application layer (internal/server,
// chiefly) must dispatch and reply to with SendFrame.
func (c *Conn) Inbound() <-chan wire.Frame { return c.inbound }

// SendFrame writes an arbitrary frame (a reply to an Inbound request, or a
// server-pushed delivery) without registering it with the multiplexer.
func (c *Conn) SendFrame(ctx context.Context, frame wire.Frame) error {
	select {
	case c.outbox <- frame:
		return nil
	case <-ctx.Done():
		return xerr.NewTransport(xerr.Timeout, ctx.Err())
	case <-c.done:
		return xerr.NewTransport(xerr.SendConnectionClosed, fmt.Errorf("rawconn: connection closed"))
	}
}

// CancelSubscription removes id's listener from the multiplexer. Callers
// still need to perform the wire-level StopListening exchange separately
// (it is an ordinary Request); this only detaches the local stream.
func (c *Conn) CancelSubscription(id ids.ClientRequestId) {
	c.mux.StopListening(id)
}

// Done returns a channel closed once the connection's driver goroutines
// have exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close cancels the connection's driver goroutines and waits for them to
// exit. Nothing is flushed: pending requests complete with a closed error.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// teardown runs exactly once, from run, after every driver goroutine has
// exited — so closing inbound here cannot race its sole sender (readLoop).
func (c *Conn) teardown(err error) {
	if err == nil {
		err = xerr.NewTransport(xerr.ReceiveConnectionClosed, fmt.Errorf("rawconn: closed"))
	}
	c.mux.CancelAll(err)
	close(c.inbound)
	_ = c.duplex.Close()
}

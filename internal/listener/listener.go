// Package listener implements the client listener engine: one task per
// (profile, group) that subscribes to the current epoch's blinded
// address, delivers inbound ciphertexts to the group's MLS engine, and on
// a reported commit rotates onto the new epoch's address while retaining
// recent past-epoch subscriptions inside a bounded window. A single
// goroutine drains the merged input channel; per-epoch forward goroutines
// fan subscription streams into it.
package listener

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/licks-chat/licks/internal/blindaddr"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mls"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// WindowSize bounds the distinct epochs held in the listener's window.
const WindowSize = 50

// Conn is the subset of rawconn.Conn (or internal/connpool.Pool, wrapped
// to a fixed key) a Listener needs to drive subscriptions.
type Conn interface {
	Subscribe(ctx context.Context, body wire.Body) (wire.Body, <-chan mux.StreamItem, ids.ClientRequestId, error)
	Request(ctx context.Context, body wire.Body) (wire.Body, error)
}

// subscriptionCanceler is implemented by rawconn.Conn; Listener uses it to
// release the local multiplexer entry once a wire-level StopListening has
// been acknowledged. Conn implementations that don't support it (e.g. test
// fakes) simply skip the local detach.
type subscriptionCanceler interface {
	CancelSubscription(id ids.ClientRequestId)
}

// Callbacks are the listener's effects on the outside world: persisting an
// application message and surfacing a notification are the caller's
// concern (internal/client.Profile), not the listener's.
type Callbacks struct {
	// OnApplication is called for every EventApplication the MLS engine
	// reports, in delivery order.
	OnApplication func(ev mls.Event)
	// OnError is called when a single frame fails to process; a single
	// bad frame must not kill the listener.
	OnError func(err error)
}

type epochSub struct {
	listenerID ids.ListenerId
	requestID  ids.ClientRequestId
	token      [32]byte
}

type frame struct {
	body wire.MlsMessage
	err  error
}

// Listener is the per-(profile, group) subscription task.
type Listener struct {
	conn   Conn
	suite  xcrypto.Suite
	engine mls.Engine
	group  ids.GroupIdentifier
	cb     Callbacks
	log    zerolog.Logger

	mu     sync.Mutex
	window *epochWindow
	subs   map[uint64]*epochSub

	input  chan frame
	cancel context.CancelFunc
	done   chan struct{}

	// runCtx is Start's long-lived context, reused by Rotate so a
	// caller-driven rotation's background forward goroutine survives past
	// the short-lived context of whatever call triggered it.
	runCtx context.Context
}

// New constructs a Listener for one group, not yet started.
func New(conn Conn, suite xcrypto.Suite, engine mls.Engine, group ids.GroupIdentifier, cb Callbacks, log zerolog.Logger) *Listener {
	return &Listener{
		conn:   conn,
		suite:  suite,
		engine: engine,
		group:  group,
		cb:     cb,
		log:    log.With().Str("group", group.String()).Logger(),
		window: newEpochWindow(WindowSize),
		subs:   make(map[uint64]*epochSub),
		input:  make(chan frame, SubscriberInputBuffer),
	}
}

// SubscriberInputBuffer bounds the fan-in channel merging every active
// epoch subscription's stream into the listener's single run loop.
const SubscriberInputBuffer = 128

// Start subscribes to the group's current epoch and begins the run loop.
func (l *Listener) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.runCtx = runCtx

	if err := l.subscribeEpoch(runCtx, l.engine.Epoch()); err != nil {
		cancel()
		return err
	}
	l.pushEpoch(l.engine.Epoch())

	go l.run(runCtx)
	return nil
}

// Rotate subscribes to the engine's current epoch address and retires
// whatever epoch the window evicts to make room for it. It is for a caller
// that advanced the engine directly — the member that initiated a Commit —
// rather than via Process, since handleFrame's EventCommit branch only
// fires for an incoming ciphertext.
func (l *Listener) Rotate(ctx context.Context) error {
	newEpoch := l.engine.Epoch()
	if err := l.subscribeEpoch(l.runCtx, newEpoch); err != nil {
		return err
	}
	if evicted, ok := l.pushEpoch(newEpoch); ok {
		l.stopEpoch(ctx, evicted)
	}
	return nil
}

func (l *Listener) subscribeEpoch(ctx context.Context, epoch uint64) error {
	secret, public, err := blindaddr.Derive(l.suite, l.engine.DeriveGroupSecret())
	if err != nil {
		return fmt.Errorf("listener: derive blinded address: %w", err)
	}
	_ = secret // the send-capability secret is this client's own; not needed to subscribe

	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return fmt.Errorf("listener: generate listener token: %w", err)
	}
	commitment := l.suite.Hash(token[:])

	ack, stream, reqID, err := l.conn.Subscribe(ctx, wire.SubscribeToAddress{
		ListenerCommitment: commitment,
		PublicTag:          public,
	})
	if err != nil {
		return fmt.Errorf("listener: subscribe epoch %d: %w", epoch, err)
	}
	started, ok := ack.(wire.ListenStarted)
	if !ok {
		return fmt.Errorf("listener: subscribe epoch %d: unexpected ack %T", epoch, ack)
	}

	l.mu.Lock()
	l.subs[epoch] = &epochSub{listenerID: started.ListenerID, requestID: reqID, token: token}
	l.mu.Unlock()

	go l.forward(ctx, stream)
	return nil
}

func (l *Listener) forward(ctx context.Context, stream <-chan mux.StreamItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-stream:
			if !ok {
				return
			}
			f := frame{err: item.Err}
			if item.Err == nil {
				msg, ok := item.Body.(wire.MlsMessage)
				if !ok {
					continue
				}
				f.body = msg
			}
			select {
			case l.input <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-l.input:
			if f.err != nil {
				l.log.Debug().Err(f.err).Msg("listener: subscription stream ended")
				continue
			}
			l.handleFrame(ctx, f.body)
		}
	}
}

func (l *Listener) handleFrame(ctx context.Context, msg wire.MlsMessage) {
	ev, err := l.engine.Process(msg.Ciphertext)
	if err != nil {
		if l.cb.OnError != nil {
			l.cb.OnError(err)
		}
		return
	}

	switch ev.Kind {
	case mls.EventApplication:
		if l.cb.OnApplication != nil {
			l.cb.OnApplication(ev)
		}
	case mls.EventCommit:
		newEpoch := l.engine.Epoch()
		if err := l.subscribeEpoch(ctx, newEpoch); err != nil {
			if l.cb.OnError != nil {
				l.cb.OnError(err)
			}
			return
		}
		evicted, ok := l.pushEpoch(newEpoch)
		if ok {
			l.stopEpoch(ctx, evicted)
		}
	case mls.EventIgnore:
		// nothing to do.
	}
}

func (l *Listener) pushEpoch(epoch uint64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window.Push(epoch)
}

func (l *Listener) stopEpoch(ctx context.Context, epoch uint64) {
	l.mu.Lock()
	sub, ok := l.subs[epoch]
	if ok {
		delete(l.subs, epoch)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	_, err := l.conn.Request(ctx, wire.StopListening{ListenerID: sub.listenerID, Token: sub.token})
	if err != nil {
		l.log.Warn().Err(err).Uint64("epoch", epoch).Msg("listener: stop listening failed")
	}
	if canceler, ok := l.conn.(subscriptionCanceler); ok {
		canceler.CancelSubscription(sub.requestID)
	}
}

// Stop releases every epoch remaining in the window, then cancels and
// drains the run loop. Stop blocks until the run loop has acknowledged
// cancellation, so the owning handle is always dropped last.
func (l *Listener) Stop(ctx context.Context) {
	l.mu.Lock()
	epochs := make([]uint64, 0, len(l.subs))
	for e := range l.subs {
		epochs = append(epochs, e)
	}
	l.mu.Unlock()

	for _, e := range epochs {
		l.stopEpoch(ctx, e)
	}

	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

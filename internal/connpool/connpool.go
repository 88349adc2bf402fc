// Package connpool implements the connection manager: two logical pools
// (unauthenticated, keyed by server URL; authenticated, keyed by a
// profile handle) sharing one generic acquisition protocol, plus the
// timeout and retry-once request middleware every pooled request passes
// through. Middleware is plain function composition over RequestFunc;
// singleflight collapses concurrent acquirers racing on the same key, so
// the dial function never runs twice concurrently for one key.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xerr"
)

// MinRequestBudget is the minimum per-request timeout floor.
const MinRequestBudget = 3 * time.Second

// RequestFunc matches rawconn.Conn.Request's shape so middleware can wrap
// it uniformly.
type RequestFunc func(ctx context.Context, body wire.Body) (wire.Body, error)

// Dialer establishes a brand-new connection for key K — a Noise handshake
// at minimum; the authenticated pool additionally performs the nonce
// challenge before Acquire returns, via the pool's Authenticator.
type Dialer[K comparable] func(ctx context.Context, key K) (*rawconn.Conn, error)

// Authenticator performs the post-connect challenge for the authenticated
// pool. The unauthenticated pool is constructed with a nil Authenticator.
type Authenticator func(ctx context.Context, conn *rawconn.Conn) error

type entry struct {
	conn *rawconn.Conn
}

// Pool is a keyed connection pool. K is a string URL for the
// unauthenticated pool or a profile
// handle (any comparable type the caller defines) for the authenticated
// pool.
type Pool[K comparable] struct {
	dial Dialer[K]
	auth Authenticator

	mu      sync.Mutex
	entries map[K]*entry

	group singleflight.Group
}

// New constructs a Pool. auth may be nil for an unauthenticated pool.
func New[K comparable](dial Dialer[K], auth Authenticator) *Pool[K] {
	return &Pool[K]{dial: dial, auth: auth, entries: make(map[K]*entry)}
}

// Acquire implements the five-step acquisition protocol: reuse an open
// entry; otherwise establish (and, if configured, authenticate) a fresh
// connection and insert it, with singleflight ensuring only one dial wins
// a race for the same key.
func (p *Pool[K]) Acquire(ctx context.Context, key K) (*rawconn.Conn, error) {
	if conn, ok := p.openEntry(key); ok {
		return conn, nil
	}

	v, err, _ := p.group.Do(fmt.Sprintf("%v", key), func() (any, error) {
		if conn, ok := p.openEntry(key); ok {
			return conn, nil
		}

		conn, err := p.dial(ctx, key)
		if err != nil {
			return nil, err
		}
		if p.auth != nil {
			if err := p.auth(ctx, conn); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}

		p.mu.Lock()
		p.entries[key] = &entry{conn: conn}
		p.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rawconn.Conn), nil
}

// openEntry returns key's entry if present and still open, removing it
// (step 2 of the acquisition protocol) if it has gone stale.
func (p *Pool[K]) openEntry(key K) (*rawconn.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	select {
	case <-e.conn.Done():
		delete(p.entries, key)
		return nil, false
	default:
		return e.conn, true
	}
}

// Peek returns key's pooled connection without dialing one if absent, for
// callers that want best-effort access to an already-open connection (e.g.
// detaching a local multiplexer entry) rather than triggering a fresh
// acquisition.
func (p *Pool[K]) Peek(key K) (*rawconn.Conn, bool) {
	return p.openEntry(key)
}

func (p *Pool[K]) invalidate(key K) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if ok {
		_ = e.conn.Close()
	}
}

// Close closes and removes key's pooled connection, if any.
func (p *Pool[K]) Close(key K) {
	p.invalidate(key)
}

// CloseAll tears down every pooled connection, e.g. on process shutdown.
func (p *Pool[K]) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[K]*entry)
	p.mu.Unlock()
	for _, e := range entries {
		_ = e.conn.Close()
	}
}

// withTimeout enforces the 3s request-budget floor: a context with less
// time remaining (or none at all) is given fresh room; a tighter caller
// deadline is left alone; it will simply expire into a Timeout error on
// its own.
func withTimeout(minBudget time.Duration, next RequestFunc) RequestFunc {
	return func(ctx context.Context, body wire.Body) (wire.Body, error) {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) < minBudget {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, minBudget)
			defer cancel()
		}
		return next(ctx, body)
	}
}

func isSendFailure(err error) bool {
	var t *xerr.Transport
	return errors.As(err, &t) && t.Kind == xerr.SendConnectionClosed
}

// withRetry reconnects and retries exactly once on a send-side failure.
// Receive-side failures and timeouts are not retried: the server may
// already have acted on the original request.
func (p *Pool[K]) withRetry(key K, next RequestFunc) RequestFunc {
	return func(ctx context.Context, body wire.Body) (wire.Body, error) {
		resp, err := next(ctx, body)
		if !isSendFailure(err) {
			return resp, err
		}
		p.invalidate(key)
		conn, acquireErr := p.Acquire(ctx, key)
		if acquireErr != nil {
			return nil, acquireErr
		}
		return withTimeout(MinRequestBudget, conn.Request)(ctx, body)
	}
}

// Request acquires key's pooled connection and issues body as a request,
// composed through the timeout and retry middleware.
func (p *Pool[K]) Request(ctx context.Context, key K, body wire.Body) (wire.Body, error) {
	conn, err := p.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	chain := p.withRetry(key, withTimeout(MinRequestBudget, conn.Request))
	return chain(ctx, body)
}

// Subscribe acquires key's pooled connection and issues a subscribe-style
// request directly against it, bypassing the retry middleware: a retried
// subscribe would establish a second, leaked server-side listener.
func (p *Pool[K]) Subscribe(ctx context.Context, key K, body wire.Body) (wire.Body, <-chan mux.StreamItem, ids.ClientRequestId, error) {
	conn, err := p.Acquire(ctx, key)
	if err != nil {
		return nil, nil, ids.ClientRequestId{}, err
	}
	return conn.Subscribe(ctx, body)
}

// Package client implements the profile and multi-profile host: a
// Profile owns one certificate chain, its per-group MLS engines and
// listener tasks, and a local store handle; a Host lazily loads profiles
// from a per-profile subdirectory of its data directory, registering a
// fresh one when none exists on disk yet.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/licks-chat/licks/internal/authchallenge"
	"github.com/licks-chat/licks/internal/blindaddr"
	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/connpool"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/listener"
	"github.com/licks-chat/licks/internal/mls"
	"github.com/licks-chat/licks/internal/mux"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/registration"
	"github.com/licks-chat/licks/internal/store"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// conn implements both registration.Requester/authchallenge.Requester
// (Request) and listener.Conn (Request, Subscribe) by closing over one
// pool and the fixed key (dial URL) it is keyed by.
type conn struct {
	pool *connpool.Pool[string]
	key  string
}

func (c conn) Request(ctx context.Context, body wire.Body) (wire.Body, error) {
	return c.pool.Request(ctx, c.key, body)
}

func (c conn) Subscribe(ctx context.Context, body wire.Body) (wire.Body, <-chan mux.StreamItem, ids.ClientRequestId, error) {
	return c.pool.Subscribe(ctx, c.key, body)
}

// CancelSubscription forwards to the currently pooled connection's own
// multiplexer detach, if one is open. The underlying
// rawconn.Conn behind a key can change across reconnects; a stale target
// simply means the subscription's connection has already torn down and
// taken the multiplexer entry with it, so a no-op here is correct.
func (c conn) CancelSubscription(id ids.ClientRequestId) {
	if rc, ok := c.pool.Peek(c.key); ok {
		rc.CancelSubscription(id)
	}
}

// Authenticator builds a connpool.Authenticator that runs the nonce
// challenge over a freshly dialed connection using whatever secret chain
// chainFn currently returns — a func rather than a fixed value because the
// authenticated pool is constructed before registration necessarily has a
// chain to close over (the Host wires this up once registration or load
// completes).
func Authenticator(suite xcrypto.Suite, chainFn func() *cert.SecretChain) connpool.Authenticator {
	return func(ctx context.Context, c *rawconn.Conn) error {
		return authchallenge.Perform(ctx, c, suite, chainFn())
	}
}

// registerNew runs registration over an unauthenticated connection and
// returns the resulting secret chain. dialKey is the pool key the
// unauthenticated connection is dialed under; identity is the server
// identity string bound into the account certificate
// (AccountCertificate.Server) — distinct from dialKey, since the identity
// a server names itself need not be the URL a client dials it at.
func registerNew(ctx context.Context, unauthPool *connpool.Pool[string], dialKey, identity string, suite xcrypto.Suite, username string) (*cert.SecretChain, error) {
	usernameHash := suite.Hash([]byte(username))
	return registration.Register(ctx, conn{pool: unauthPool, key: dialKey}, suite, identity, usernameHash)
}

// Profile owns one registered identity: its secret certificate chain, a
// local store, and a live group manager (one MLS engine plus listener task
// per joined group). Safe for concurrent use.
type Profile struct {
	Name       string
	unauthURL  string
	authURL    string
	suite      xcrypto.Suite
	unauthPool *connpool.Pool[string]
	authPool   *connpool.Pool[string]
	store      *store.Store
	log        zerolog.Logger

	mu     sync.Mutex
	chain  *cert.SecretChain
	groups map[ids.GroupIdentifier]*groupSession
}

type groupSession struct {
	engine   mls.Engine
	listener *listener.Listener
}

// Chain returns the profile's current secret chain. Exported for callers
// (e.g. the authenticated pool's Authenticator) that need it outside the
// package.
func (p *Profile) Chain() *cert.SecretChain {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chain
}

// AccountID returns the profile's account identifier.
func (p *Profile) AccountID() ids.AccountId {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chain.Chain.Account.AccountID
}

// Store exposes the profile's local store, e.g. for a UI layer paginating
// message history.
func (p *Profile) Store() *store.Store { return p.store }

// SetUsername claims username's hash for this profile's account; the
// server treats a re-claim by the incumbent owner as a no-op success.
func (p *Profile) SetUsername(ctx context.Context, username string) error {
	hash := p.suite.Hash([]byte(username))
	resp, err := p.authPool.Request(ctx, p.authURL, wire.SetUsername{UsernameHash: hash})
	if err != nil {
		return fmt.Errorf("client: set username: %w", err)
	}
	switch resp.(type) {
	case wire.Ok, wire.UsernameIsAlreadyYours:
		return nil
	case wire.UsernameIsAlreadyTaken:
		return fmt.Errorf("client: username %q already taken", username)
	default:
		return fmt.Errorf("client: set username: unexpected response %T", resp)
	}
}

// ResolveUsername looks up the account id a username currently resolves
// to, or ok=false if no account has claimed it.
func (p *Profile) ResolveUsername(ctx context.Context, username string) (ids.AccountId, bool, error) {
	hash := p.suite.Hash([]byte(username))
	resp, err := p.unauthPool.Request(ctx, p.unauthURL, wire.GetAccountFromUsername{UsernameHash: hash})
	if err != nil {
		return ids.AccountId{}, false, fmt.Errorf("client: resolve username: %w", err)
	}
	switch r := resp.(type) {
	case wire.HereIsAccount:
		return r.AccountID, true, nil
	case wire.NoAccount:
		return ids.AccountId{}, false, nil
	default:
		return ids.AccountId{}, false, fmt.Errorf("client: resolve username: unexpected response %T", resp)
	}
}

// UploadKeyPackages publishes fresh MLS key packages for this account so
// other clients can invite it into a group.
func (p *Profile) UploadKeyPackages(ctx context.Context, packages [][]byte) error {
	resp, err := p.authPool.Request(ctx, p.authURL, wire.UploadKeyPackages{KeyPackages: packages})
	if err != nil {
		return fmt.Errorf("client: upload key packages: %w", err)
	}
	if _, ok := resp.(wire.Ok); !ok {
		if _, ok := resp.(wire.KeyPackageAlreadyUploaded); ok {
			return nil
		}
		return fmt.Errorf("client: upload key packages: unexpected response %T", resp)
	}
	return nil
}

// FetchKeyPackage retrieves one pre-published key package for accountID,
// for inviting that account into a group. ok is false if the account has
// none published.
func (p *Profile) FetchKeyPackage(ctx context.Context, accountID ids.AccountId) ([]byte, bool, error) {
	resp, err := p.unauthPool.Request(ctx, p.unauthURL, wire.GetKeyPackage{AccountID: accountID})
	if err != nil {
		return nil, false, fmt.Errorf("client: fetch key package: %w", err)
	}
	switch r := resp.(type) {
	case wire.HereIsKeyPackage:
		return r.KeyPackage, true, nil
	case wire.NoKeyPackage:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("client: fetch key package: unexpected response %T", resp)
	}
}

// SendGroupMessage encrypts plaintext under groupID's current MLS epoch,
// presents the resulting blinded-address proof to the server, and records
// the plaintext in the local store under the sender's own account id.
func (p *Profile) SendGroupMessage(ctx context.Context, groupID ids.GroupIdentifier, plaintext []byte) (ids.DeliveryStamp, error) {
	gs, err := p.session(groupID)
	if err != nil {
		return ids.DeliveryStamp{}, err
	}

	ciphertext, err := gs.engine.Encrypt(plaintext)
	if err != nil {
		return ids.DeliveryStamp{}, fmt.Errorf("client: encrypt: %w", err)
	}
	secret, public, err := blindaddr.Derive(p.suite, gs.engine.DeriveGroupSecret())
	if err != nil {
		return ids.DeliveryStamp{}, fmt.Errorf("client: derive blinded address: %w", err)
	}

	resp, err := p.unauthPool.Request(ctx, p.unauthURL, wire.SendMessage{
		Secret:     secret,
		PublicTag:  public,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return ids.DeliveryStamp{}, fmt.Errorf("client: send message: %w", err)
	}
	delivered, ok := resp.(wire.Delivered)
	if !ok {
		return ids.DeliveryStamp{}, fmt.Errorf("client: send message: unexpected ack %T", resp)
	}

	now := time.Now().UnixMilli()
	if _, err := p.store.AddMessage(ctx, store.Message{
		GroupID:           groupID,
		Sender:            p.AccountID(),
		ServerTimestamp:   now,
		ReceivedTimestamp: now,
		Kind:              store.MessageKindText,
		Content:           plaintext,
	}); err != nil {
		p.log.Warn().Err(err).Msg("client: failed to persist sent message")
	}

	return delivered.Stamp, nil
}

// RetrieveQueue fetches every message recorded under groupID's current
// blinded address after afterStamp, decrypts each one through the group's
// MLS engine, and persists the resulting plaintexts to the local store —
// the catch-up path for messages sent while this profile's listener wasn't
// running. It goes through Conn.Subscribe rather than
// Request because the server replies with a variable-length stream of
// MlsMessage frames terminated by QueueDone/QueueEmpty, not a single body.
func (p *Profile) RetrieveQueue(ctx context.Context, groupID ids.GroupIdentifier, afterStamp ids.DeliveryStamp) ([]GroupMessage, error) {
	gs, err := p.session(groupID)
	if err != nil {
		return nil, err
	}
	_, public, err := blindaddr.Derive(p.suite, gs.engine.DeriveGroupSecret())
	if err != nil {
		return nil, fmt.Errorf("client: derive blinded address: %w", err)
	}

	c := conn{pool: p.unauthPool, key: p.unauthURL}
	ack, stream, _, err := c.Subscribe(ctx, wire.RetrieveQueue{PublicTag: public, AfterStamp: afterStamp})
	if err != nil {
		return nil, fmt.Errorf("client: retrieve queue: %w", err)
	}
	switch ack.(type) {
	case wire.QueueEmpty:
		return nil, nil
	case wire.Error:
		return nil, fmt.Errorf("client: retrieve queue: server error %v", ack)
	case wire.Ok:
		// fall through to drain the stream below.
	default:
		return nil, fmt.Errorf("client: retrieve queue: unexpected ack %T", ack)
	}

	var out []GroupMessage
	for item := range stream {
		if item.Err != nil {
			return out, fmt.Errorf("client: retrieve queue: %w", item.Err)
		}
		switch body := item.Body.(type) {
		case wire.MlsMessage:
			ev, err := gs.engine.Process(body.Ciphertext)
			if err != nil {
				p.log.Warn().Err(err).Msg("client: failed to process queued message")
				continue
			}
			if ev.Kind != mls.EventApplication {
				continue
			}
			now := time.Now().UnixMilli()
			if _, err := p.store.AddMessage(ctx, store.Message{
				GroupID:           groupID,
				Sender:            ev.Sender,
				ServerTimestamp:   now,
				ReceivedTimestamp: now,
				Kind:              store.MessageKindText,
				Content:           ev.Payload,
			}); err != nil {
				p.log.Warn().Err(err).Msg("client: failed to persist queued message")
			}
			out = append(out, GroupMessage{GroupID: groupID, Payload: ev.Payload})
		case wire.QueueDone:
			return out, nil
		case wire.Error:
			return out, fmt.Errorf("client: retrieve queue: server error %v", body)
		}
	}
	return out, nil
}

func (p *Profile) session(groupID ids.GroupIdentifier) (*groupSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gs, ok := p.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("client: not a member of group %s", groupID)
	}
	return gs, nil
}

// Close stops every active group listener and closes the local store.
func (p *Profile) Close(ctx context.Context) error {
	p.mu.Lock()
	sessions := make([]*groupSession, 0, len(p.groups))
	for _, gs := range p.groups {
		sessions = append(sessions, gs)
	}
	p.groups = map[ids.GroupIdentifier]*groupSession{}
	p.mu.Unlock()

	for _, gs := range sessions {
		if gs.listener != nil {
			gs.listener.Stop(ctx)
		}
	}
	return p.store.Close()
}

package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/connpool"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/store"
	"github.com/licks-chat/licks/internal/wsconn"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// Host is the multi-profile client: a map from profile name to Profile,
// lazily populated on first request. Each profile's on-disk state lives
// under dataDir/<name>/; an absent profile is registered fresh against
// the configured server the first time it is requested.
//
// A Host dials two distinct endpoints: unauthURL carries registration,
// directory reads, and every relay (ChatService) request, none of which
// the server gates behind the nonce challenge; authURL is where the
// challenge runs immediately on connect and only SetUsername,
// RemoveUsername, and UploadKeyPackages are served afterward.
type Host struct {
	dataDir   string
	identity  string
	unauthURL string
	authURL   string
	suite     xcrypto.Suite
	log       zerolog.Logger
	inMem     bool

	mu       sync.Mutex
	profiles map[string]*Profile
}

// Option configures a Host.
type Option func(*Host)

// WithSuite overrides the default crypto Suite, e.g. for deterministic
// tests.
func WithSuite(suite xcrypto.Suite) Option {
	return func(h *Host) { h.suite = suite }
}

// WithLogger overrides the Host's base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// InMemory configures the Host to use an in-memory SQLite database per
// profile instead of a file under dataDir, for tests.
func InMemory() Option {
	return func(h *Host) { h.inMem = true }
}

// NewHost constructs a Host. dataDir holds one subdirectory per profile;
// identity is the server-identity string bound into new accounts'
// certificates; unauthURL and authURL are the two websocket endpoints.
func NewHost(dataDir, identity, unauthURL, authURL string, opts ...Option) *Host {
	h := &Host{
		dataDir:   dataDir,
		identity:  identity,
		unauthURL: unauthURL,
		authURL:   authURL,
		suite:     xcrypto.Default,
		log:       zerolog.Nop(),
		profiles:  make(map[string]*Profile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) dialUnauth(ctx context.Context) (*rawconn.Conn, error) {
	duplex, err := wsconn.Dial(ctx, h.unauthURL)
	if err != nil {
		return nil, err
	}
	return rawconn.NewClient(ctx, duplex)
}

func (h *Host) dialAuth(ctx context.Context) (*rawconn.Conn, error) {
	duplex, err := wsconn.Dial(ctx, h.authURL)
	if err != nil {
		return nil, err
	}
	return rawconn.NewClient(ctx, duplex)
}

// Profile returns the named profile, loading it from disk if already
// registered or registering a fresh one if this is the first time
// name has been seen. username is only used the first time, to claim a
// username as part of registration.
func (h *Host) Profile(ctx context.Context, name, username string) (*Profile, error) {
	h.mu.Lock()
	if p, ok := h.profiles[name]; ok {
		h.mu.Unlock()
		return p, nil
	}
	h.mu.Unlock()

	dbPath := ":memory:"
	if !h.inMem {
		dir := filepath.Join(h.dataDir, name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("client: create profile directory: %w", err)
		}
		dbPath = filepath.Join(dir, "licks.db")
	}

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("client: open store for %q: %w", name, err)
	}

	p := &Profile{
		Name:      name,
		unauthURL: h.unauthURL,
		authURL:   h.authURL,
		suite:     h.suite,
		store:     st,
		log:       h.log.With().Str("profile", name).Logger(),
		groups:    make(map[ids.GroupIdentifier]*groupSession),
	}

	chain, err := h.loadOrRegister(ctx, st, name, username)
	if err != nil {
		st.Close()
		return nil, err
	}
	p.chain = chain

	p.unauthPool = connpool.New(func(ctx context.Context, key string) (*rawconn.Conn, error) {
		return h.dialUnauth(ctx)
	}, nil)
	p.authPool = connpool.New(func(ctx context.Context, key string) (*rawconn.Conn, error) {
		return h.dialAuth(ctx)
	}, Authenticator(h.suite, p.Chain))

	h.mu.Lock()
	h.profiles[name] = p
	h.mu.Unlock()
	return p, nil
}

func (h *Host) loadOrRegister(ctx context.Context, st *store.Store, name, username string) (*cert.SecretChain, error) {
	blob, ok, err := st.LoadProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: load profile %q: %w", name, err)
	}
	if ok {
		return deserializeSecretChain(blob)
	}

	unauthPool := connpool.New(func(ctx context.Context, key string) (*rawconn.Conn, error) {
		return h.dialUnauth(ctx)
	}, nil)
	defer unauthPool.CloseAll()

	chain, err := registerNew(ctx, unauthPool, h.unauthURL, h.identity, h.suite, username)
	if err != nil {
		return nil, fmt.Errorf("client: register profile %q: %w", name, err)
	}
	if err := st.SaveProfile(ctx, serializeSecretChain(chain)); err != nil {
		return nil, fmt.Errorf("client: persist profile %q: %w", name, err)
	}
	return chain, nil
}

// CloseAll closes every loaded profile.
func (h *Host) CloseAll(ctx context.Context) {
	h.mu.Lock()
	profiles := make([]*Profile, 0, len(h.profiles))
	for _, p := range h.profiles {
		profiles = append(profiles, p)
	}
	h.profiles = make(map[string]*Profile)
	h.mu.Unlock()

	for _, p := range profiles {
		_ = p.Close(ctx)
	}
}

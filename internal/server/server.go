// Package server wires the external interfaces together: two
// net/http(+websocket) routes, "/" unauthenticated and "/auth"
// authenticated, each upgrading to a Noise-secured rawconn.Conn and
// dispatching its inbound requests to internal/server/registration,
// internal/server/directory, and internal/server/relay. Shared
// dependencies are constructed once and handed to a dispatch function
// per accepted connection.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/licks-chat/licks/internal/server/directory"
	"github.com/licks-chat/licks/internal/server/registration"
	"github.com/licks-chat/licks/internal/server/relay"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// Default listen ports for the two endpoints.
const (
	DefaultUnauthAddr = ":7880"
	DefaultAuthAddr   = ":7881"
)

// Server wires together every server-side component against one shared
// SQLite handle and serves both the unauthenticated and authenticated
// websocket endpoints.
type Server struct {
	Identity string // the server string bound into certificates

	suite xcrypto.Suite
	log   zerolog.Logger

	usernames   *directory.Usernames
	keyPackages *directory.KeyPackages
	registry    *registration.Registry
	relay       *relay.Relay

	unauthAddr string
	authAddr   string

	unauthSrv *http.Server
	authSrv   *http.Server

	mu          sync.Mutex
	unauthBound string
	authBound   string
}

// New constructs a Server. db must already have had every component's
// schema migration applied or be a fresh handle — each component's Open
// constructor creates its own tables if absent.
func New(ctx context.Context, identity string, suite xcrypto.Suite, log zerolog.Logger, usernames *directory.Usernames, keyPackages *directory.KeyPackages, rel *relay.Relay, unauthAddr, authAddr string) *Server {
	if unauthAddr == "" {
		unauthAddr = DefaultUnauthAddr
	}
	if authAddr == "" {
		authAddr = DefaultAuthAddr
	}
	s := &Server{
		Identity:    identity,
		suite:       suite,
		log:         log,
		usernames:   usernames,
		keyPackages: keyPackages,
		relay:       rel,
		unauthAddr:  unauthAddr,
		authAddr:    authAddr,
	}
	s.registry = registration.New(suite, identity, usernames)
	return s
}

// Listen binds both endpoints' sockets synchronously, without serving
// requests yet. It exists so a caller — notably the end-to-end test suite,
// which configures both addresses as "127.0.0.1:0" — can learn the actual
// bound ports via UnauthAddr/AuthAddr before any client dials.
func (s *Server) Listen() (net.Listener, net.Listener, error) {
	unauthLn, err := net.Listen("tcp", s.unauthAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("server: listen unauth: %w", err)
	}
	authLn, err := net.Listen("tcp", s.authAddr)
	if err != nil {
		unauthLn.Close()
		return nil, nil, fmt.Errorf("server: listen auth: %w", err)
	}

	s.mu.Lock()
	s.unauthBound = unauthLn.Addr().String()
	s.authBound = authLn.Addr().String()
	s.mu.Unlock()

	return unauthLn, authLn, nil
}

// UnauthAddr returns the unauthenticated endpoint's actual bound address,
// valid once Listen (directly or via ListenAndServe) has returned.
func (s *Server) UnauthAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unauthBound
}

// AuthAddr returns the authenticated endpoint's actual bound address,
// valid once Listen (directly or via ListenAndServe) has returned.
func (s *Server) AuthAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authBound
}

// Serve runs both endpoints against already-bound listeners (from Listen)
// and blocks until ctx is cancelled or either fails.
func (s *Server) Serve(ctx context.Context, unauthLn, authLn net.Listener) error {
	unauthMux := http.NewServeMux()
	unauthMux.HandleFunc("/", s.handleUnauth)
	s.unauthSrv = &http.Server{Handler: unauthMux}

	authMux := http.NewServeMux()
	authMux.HandleFunc("/auth", s.handleAuth)
	s.authSrv = &http.Server{Handler: authMux}

	errCh := make(chan error, 2)
	go func() { errCh <- s.unauthSrv.Serve(unauthLn) }()
	go func() { errCh <- s.authSrv.Serve(authLn) }()

	select {
	case <-ctx.Done():
		s.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			<-errCh
			return nil
		}
		s.Shutdown(context.Background())
		return fmt.Errorf("server: listener failed: %w", err)
	}
}

// ListenAndServe binds both the unauthenticated and authenticated
// listeners and blocks serving requests until ctx is cancelled or either
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	unauthLn, authLn, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, unauthLn, authLn)
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) {
	if s.unauthSrv != nil {
		_ = s.unauthSrv.Shutdown(ctx)
	}
	if s.authSrv != nil {
		_ = s.authSrv.Shutdown(ctx)
	}
}

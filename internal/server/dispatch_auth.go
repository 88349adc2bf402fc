package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/licks-chat/licks/internal/authchallenge"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/server/directory"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/wsconn"
	"github.com/licks-chat/licks/internal/xerr"
)

// handleAuth upgrades the request, runs the nonce challenge to bind the
// connection to a registered account, and then serves only the request
// types wire/body.go marks authenticated: SetUsername, RemoveUsername,
// UploadKeyPackages.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	duplex, err := wsconn.Accept(w, r)
	if err != nil {
		s.log.Warn().Err(err).Msg("server: websocket accept failed")
		return
	}
	ctx := r.Context()
	conn, err := rawconn.NewServer(ctx, duplex)
	if err != nil {
		s.log.Warn().Err(err).Msg("server: noise handshake failed")
		return
	}
	defer conn.Close()

	accountID, err := authchallenge.Serve(ctx, conn, s.suite, s.registry)
	if err != nil {
		s.log.Warn().Err(err).Msg("server: auth challenge failed")
		return
	}

	for {
		select {
		case frame, ok := <-conn.Inbound():
			if !ok {
				return
			}
			go s.dispatchAuth(ctx, conn, accountID, frame)
		case <-conn.Done():
			return
		}
	}
}

func (s *Server) dispatchAuth(ctx context.Context, conn *rawconn.Conn, accountID ids.AccountId, frame wire.Frame) {
	reply := func(body wire.Body) {
		_ = conn.SendFrame(ctx, wire.Frame{RequestID: frame.RequestID, Body: body})
	}

	switch body := frame.Body.(type) {
	case wire.SetUsername:
		result, err := s.usernames.SetUsername(ctx, accountID, body.UsernameHash)
		if err != nil {
			reply(wireError(err))
			return
		}
		switch result {
		case directory.SetUsernameNew:
			reply(wire.Ok{})
		case directory.SetUsernameAlreadyYours:
			reply(wire.UsernameIsAlreadyYours{})
		case directory.SetUsernameTaken:
			reply(wire.UsernameIsAlreadyTaken{})
		}

	case wire.RemoveUsername:
		removed, err := s.usernames.RemoveUsername(ctx, accountID, body.UsernameHash)
		if err != nil {
			reply(wireError(err))
			return
		}
		if !removed {
			reply(wire.Error{Kind: wire.ErrInvalidOperation})
			return
		}
		reply(wire.Ok{})

	case wire.UploadKeyPackages:
		if err := s.keyPackages.Upload(ctx, accountID, body.KeyPackages); err != nil {
			var svc *xerr.Service
			if errors.As(err, &svc) && svc.Kind == xerr.InvalidOperation {
				reply(wire.KeyPackageAlreadyUploaded{})
				return
			}
			reply(wireError(err))
			return
		}
		reply(wire.Ok{})

	default:
		reply(wire.Error{Kind: wire.ErrInvalidRequest})
	}
}

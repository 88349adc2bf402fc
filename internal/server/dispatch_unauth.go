package server

import (
	"context"
	"net/http"

	"github.com/licks-chat/licks/internal/blindaddr"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/wsconn"
)

// handleUnauth upgrades the request to a Noise-secured connection and
// serves every request type that does not require the nonce challenge:
// registration, directory reads, and the blinded-address relay (whose
// sole authorization check is the preimage proof itself).
func (s *Server) handleUnauth(w http.ResponseWriter, r *http.Request) {
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

	for {
		select {
		case frame, ok := <-conn.Inbound():
			if !ok {
				return
			}
			go s.dispatchUnauth(ctx, conn, frame)
		case <-conn.Done():
			return
		}
	}
}

func (s *Server) dispatchUnauth(ctx context.Context, conn *rawconn.Conn, frame wire.Frame) {
	reply := func(body wire.Body) {
		_ = conn.SendFrame(ctx, wire.Frame{RequestID: frame.RequestID, Body: body})
	}

	switch body := frame.Body.(type) {
	case wire.RegistrationStage1:
		reply(s.registry.Stage1(body))

	case wire.RegistrationStage2:
		if err := s.registry.Stage2(body); err != nil {
			reply(wireError(err))
			return
		}
		reply(wire.Ok{})

	case wire.RegistrationStage3:
		if err := s.registry.Stage3(ctx, body); err != nil {
			reply(wireError(err))
			return
		}
		reply(wire.Ok{})

	case wire.GetKeyPackage:
		pkg, ok, err := s.keyPackages.GetKeyPackage(ctx, body.AccountID)
		if err != nil {
			reply(wireError(err))
			return
		}
		if !ok {
			reply(wire.NoKeyPackage{})
			return
		}
		reply(wire.HereIsKeyPackage{KeyPackage: pkg})

	case wire.GetAccountFromUsername:
		accountID, ok, err := s.usernames.Lookup(ctx, body.UsernameHash)
		if err != nil {
			reply(wireError(err))
			return
		}
		if !ok {
			reply(wire.NoAccount{})
			return
		}
		reply(wire.HereIsAccount{AccountID: accountID})

	case wire.SendMessage:
		stamp, err := s.relay.Send(ctx, blindaddr.NewProof(body.Secret, body.Ciphertext), blindaddr.Public(body.PublicTag))
		if err != nil {
			reply(wireError(err))
			return
		}
		reply(wire.Delivered{Stamp: stamp})

	case wire.RetrieveQueue:
		s.serveRetrieveQueue(ctx, conn, frame.RequestID, body)

	case wire.SubscribeToAddress:
		s.serveSubscribe(ctx, conn, frame.RequestID, body)

	case wire.StopListening:
		if err := s.relay.StopListening(body.ListenerID, body.Token); err != nil {
			reply(wireError(err))
			return
		}
		reply(wire.Ok{})

	default:
		reply(wire.Error{Kind: wire.ErrInvalidRequest})
	}
}

// serveRetrieveQueue implements the "ack then stream then terminate" shape
// the client drives through Conn.Subscribe: an Ok acknowledges the request
// (so the client's pending-ack channel unblocks), each stored record
// follows as its own MlsMessage frame, and a final QueueDone/QueueEmpty
// both reports the count and tells the multiplexer to close the stream.
// A failed lookup instead sends a single Error frame, which the mux routes
// as both the ack and the terminal item.
func (s *Server) serveRetrieveQueue(ctx context.Context, conn *rawconn.Conn, requestID ids.ClientRequestId, body wire.RetrieveQueue) {
	send := func(b wire.Body) error {
		return conn.SendFrame(ctx, wire.Frame{RequestID: requestID, Body: b})
	}

	records, err := s.relay.RetrieveQueue(ctx, blindaddr.Public(body.PublicTag), body.AfterStamp)
	if err != nil {
		_ = send(wireError(err))
		return
	}

	if err := send(wire.Ok{}); err != nil {
		return
	}
	for _, rec := range records {
		if err := send(wire.MlsMessage{Stamp: rec.Stamp, Ciphertext: rec.Ciphertext}); err != nil {
			return
		}
	}
	if len(records) == 0 {
		_ = send(wire.QueueEmpty{})
		return
	}
	_ = send(wire.QueueDone{Count: len(records)})
}

// serveSubscribe registers a live relay subscription and forwards every
// record the relay broadcasts until the subscription's backing channel is
// closed (by StopListening) or the connection itself tears down.
func (s *Server) serveSubscribe(ctx context.Context, conn *rawconn.Conn, requestID ids.ClientRequestId, body wire.SubscribeToAddress) {
	send := func(b wire.Body) error {
		return conn.SendFrame(ctx, wire.Frame{RequestID: requestID, Body: b})
	}

	listenerID, records, err := s.relay.Subscribe(blindaddr.Public(body.PublicTag), body.ListenerCommitment)
	if err != nil {
		_ = send(wireError(err))
		return
	}
	if err := send(wire.ListenStarted{ListenerID: listenerID}); err != nil {
		return
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := send(wire.MlsMessage{Stamp: rec.Stamp, Ciphertext: rec.Ciphertext}); err != nil {
				return
			}
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

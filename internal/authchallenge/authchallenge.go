// Package authchallenge implements the authentication challenge: the
// two-round nonce exchange an already-Noise-connected client performs to
// bind its connection to a registered certificate chain. The client signs
// a hash over both parties' nonces, so a malicious server cannot extract
// a device signature over attacker-chosen bytes.
package authchallenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/rawconn"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
	"github.com/licks-chat/licks/internal/xerr"
)

// Requester is the client-facing shape authchallenge.Perform needs: just
// rawconn.Conn.Request, so tests can substitute a fake.
type Requester interface {
	Request(ctx context.Context, body wire.Body) (wire.Body, error)
}

// Perform runs the client side of the challenge over an already-connected
// Requester, proving possession of chain's device secret key. It returns
// nil only once the server has replied Ok.
func Perform(ctx context.Context, conn Requester, suite xcrypto.Suite, chain *cert.SecretChain) error {
	resp, err := conn.Request(ctx, wire.GetChallenge{})
	if err != nil {
		return fmt.Errorf("authchallenge: get challenge: %w", err)
	}
	challenge, ok := resp.(wire.Challenge)
	if !ok {
		return xerr.NewTransport(xerr.UnexpectedAnswer, fmt.Errorf("authchallenge: expected Challenge, got %T", resp))
	}

	var clientNonce [32]byte
	if _, err := rand.Read(clientNonce[:]); err != nil {
		return fmt.Errorf("authchallenge: generate client nonce: %w", err)
	}
	h := sha256.Sum256(append(append([]byte{}, challenge.ServerNonce[:]...), clientNonce[:]...))
	signature := suite.Sign(chain.DeviceSec, h[:])

	resp, err = conn.Request(ctx, wire.ChallengeResponse{
		Chain:       chain.Chain.Serialize(),
		ClientNonce: clientNonce,
		Signature:   signature,
	})
	if err != nil {
		return fmt.Errorf("authchallenge: challenge response: %w", err)
	}
	if _, ok := resp.(wire.Ok); !ok {
		return xerr.NewTransport(xerr.UnexpectedAnswer, fmt.Errorf("authchallenge: expected Ok, got %T", resp))
	}
	return nil
}

// Registry confirms whether a presented chain is a registered device
// chain. internal/server/registration implements this against its
// registered-chains store.
type Registry interface {
	IsRegistered(chain *cert.Chain) bool
}

// inboundWaiter is the server-facing shape authchallenge.Serve needs from
// a raw connection: read the next application-addressed frame, and reply
// to one by request id.
type inboundWaiter interface {
	Inbound() <-chan wire.Frame
	SendFrame(ctx context.Context, frame wire.Frame) error
}

var _ inboundWaiter = (*rawconn.Conn)(nil)

// Serve runs the server side of the challenge over one connection,
// returning the account id the connection becomes bound to once the
// client's signature and chain registration both check out. Any failure
// here is reported to the caller for logging but nothing diagnostic is
// sent to the client; callers should close the connection on a non-nil
// error without replying further.
func Serve(ctx context.Context, conn inboundWaiter, suite xcrypto.Suite, registry Registry) (ids.AccountId, error) {
	round1, err := awaitInbound(ctx, conn)
	if err != nil {
		return ids.AccountId{}, err
	}
	if _, ok := round1.Body.(wire.GetChallenge); !ok {
		return ids.AccountId{}, fmt.Errorf("authchallenge: expected GetChallenge, got %T", round1.Body)
	}

	var serverNonce [32]byte
	if _, err := rand.Read(serverNonce[:]); err != nil {
		return ids.AccountId{}, fmt.Errorf("authchallenge: generate server nonce: %w", err)
	}
	if err := conn.SendFrame(ctx, wire.Frame{RequestID: round1.RequestID, Body: wire.Challenge{ServerNonce: serverNonce}}); err != nil {
		return ids.AccountId{}, fmt.Errorf("authchallenge: send challenge: %w", err)
	}

	round2, err := awaitInbound(ctx, conn)
	if err != nil {
		return ids.AccountId{}, err
	}
	challengeResp, ok := round2.Body.(wire.ChallengeResponse)
	if !ok {
		return ids.AccountId{}, fmt.Errorf("authchallenge: expected ChallengeResponse, got %T", round2.Body)
	}

	chain, err := cert.Deserialize(challengeResp.Chain)
	if err != nil {
		return ids.AccountId{}, fmt.Errorf("authchallenge: deserialize chain: %w", err)
	}
	if err := chain.VerifySelf(suite); err != nil {
		return ids.AccountId{}, err
	}

	h := sha256.Sum256(append(append([]byte{}, serverNonce[:]...), challengeResp.ClientNonce[:]...))
	if !suite.Verify(chain.Device.PublicKey, h[:], challengeResp.Signature) {
		return ids.AccountId{}, xerr.NewCrypto(xerr.BadSignature, fmt.Errorf("authchallenge: challenge signature invalid"))
	}

	if !registry.IsRegistered(chain) {
		return ids.AccountId{}, xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("authchallenge: chain not registered"))
	}

	if err := conn.SendFrame(ctx, wire.Frame{RequestID: round2.RequestID, Body: wire.Ok{}}); err != nil {
		return ids.AccountId{}, fmt.Errorf("authchallenge: send ok: %w", err)
	}
	return chain.Account.AccountID, nil
}

func awaitInbound(ctx context.Context, conn inboundWaiter) (wire.Frame, error) {
	select {
	case frame, ok := <-conn.Inbound():
		if !ok {
			return wire.Frame{}, xerr.NewTransport(xerr.ReceiveConnectionClosed, fmt.Errorf("authchallenge: connection closed"))
		}
		return frame, nil
	case <-ctx.Done():
		return wire.Frame{}, xerr.NewTransport(xerr.Timeout, ctx.Err())
	}
}

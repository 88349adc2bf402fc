package registration_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/registration"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// scriptedServer plays a fixed, correctly-behaving server side of the
// three-stage exchange so registration.Register can be tested without a
// real connection: each call checks the request shape and returns the
// next scripted response.
type scriptedServer struct {
	t         *testing.T
	accountID ids.AccountId
	calls     int
}

func (s *scriptedServer) Request(ctx context.Context, body wire.Body) (wire.Body, error) {
	s.calls++
	switch req := body.(type) {
	case wire.RegistrationStage1:
		require.NotEmpty(s.t, req.AccountPublicKey)
		return wire.RegistrationStage1Response{AccountID: s.accountID}, nil
	case wire.RegistrationStage2:
		require.NotEmpty(s.t, req.SerializedAccountCert)
		return wire.Ok{}, nil
	case wire.RegistrationStage3:
		require.NotEmpty(s.t, req.Chain)
		return wire.Ok{}, nil
	default:
		s.t.Fatalf("unexpected request type %T", body)
		return nil, nil
	}
}

func TestRegisterHappyPath(t *testing.T) {
	accountID := ids.NewAccountId()
	server := &scriptedServer{t: t, accountID: accountID}

	var usernameHash [32]byte
	copy(usernameHash[:], "a-username")

	secret, err := registration.Register(context.Background(), server, xcrypto.Default, "localhost", usernameHash)
	require.NoError(t, err)
	require.Equal(t, accountID, secret.Chain.Account.AccountID)
	require.NoError(t, secret.Chain.VerifySelf(xcrypto.Default))
	require.Equal(t, 3, server.calls)
}

// rejectingServer rejects whichever stage rejectAt names, returning a
// Service-style wire.Error instead of the expected Ok/Response.
type rejectingServer struct {
	rejectAt int // 1, 2, or 3
	calls    int
}

func (s *rejectingServer) Request(ctx context.Context, body wire.Body) (wire.Body, error) {
	s.calls++
	switch body.(type) {
	case wire.RegistrationStage1:
		if s.calls == s.rejectAt {
			return wire.Error{Kind: wire.ErrInvalidCredentials}, nil
		}
		return wire.RegistrationStage1Response{AccountID: ids.NewAccountId()}, nil
	case wire.RegistrationStage2, wire.RegistrationStage3:
		if s.calls == s.rejectAt {
			return wire.Error{Kind: wire.ErrInvalidCredentials}, nil
		}
		return wire.Ok{}, nil
	default:
		return wire.Ok{}, nil
	}
}

func TestRegisterPropagatesStage2Rejection(t *testing.T) {
	server := &rejectingServer{rejectAt: 2}

	var usernameHash [32]byte
	_, err := registration.Register(context.Background(), server, xcrypto.Default, "localhost", usernameHash)
	require.Error(t, err)
	require.Equal(t, 2, server.calls)
}

func TestRegisterPropagatesStage3Rejection(t *testing.T) {
	server := &rejectingServer{rejectAt: 3}

	var usernameHash [32]byte
	_, err := registration.Register(context.Background(), server, xcrypto.Default, "localhost", usernameHash)
	require.Error(t, err)
	require.Equal(t, 3, server.calls)
}

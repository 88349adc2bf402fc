// Package registration implements the client side of the three-stage
// unauthenticated registration: account key + stage 1, self-signed account
// certificate + stage 2, full device chain + username hash + stage 3.
package registration

import (
	"context"
	"fmt"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
	"github.com/licks-chat/licks/internal/xerr"
)

// Requester is the shape registration.Register needs from a connection.
type Requester interface {
	Request(ctx context.Context, body wire.Body) (wire.Body, error)
}

// Register runs all three stages against conn and returns the resulting
// secret chain, ready for authchallenge.Perform on subsequent authenticated
// connections. Each stage is independent and idempotent under retry with
// the same inputs; Register itself does not
// retry — callers driving it through internal/connpool get that for free
// on send-side failures.
func Register(ctx context.Context, conn Requester, suite xcrypto.Suite, server string, usernameHash [32]byte) (*cert.SecretChain, error) {
	accountPub, accountSec, err := suite.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("registration: generate account key: %w", err)
	}

	resp, err := conn.Request(ctx, wire.RegistrationStage1{AccountPublicKey: accountPub})
	if err != nil {
		return nil, fmt.Errorf("registration: stage 1: %w", err)
	}
	stage1, ok := resp.(wire.RegistrationStage1Response)
	if !ok {
		return nil, xerr.NewTransport(xerr.UnexpectedAnswer, fmt.Errorf("registration: stage 1: expected RegistrationStage1Response, got %T", resp))
	}

	accountCertificate := cert.NewAccountCertificate(suite, stage1.AccountID, server, accountPub, accountSec)
	resp, err = conn.Request(ctx, wire.RegistrationStage2{SerializedAccountCert: accountCertificate.Serialize()})
	if err != nil {
		return nil, fmt.Errorf("registration: stage 2: %w", err)
	}
	if _, ok := resp.(wire.Ok); !ok {
		return nil, unexpectedOrService("stage 2", resp)
	}

	devicePub, deviceSec, err := suite.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("registration: generate device key: %w", err)
	}
	deviceCertificate := cert.NewDeviceCertificate(suite, ids.NewDeviceId(), devicePub, deviceSec)
	chain := cert.NewChain(suite, accountCertificate, deviceCertificate, accountSec)

	resp, err = conn.Request(ctx, wire.RegistrationStage3{Chain: chain.Serialize(), UsernameHash: usernameHash})
	if err != nil {
		return nil, fmt.Errorf("registration: stage 3: %w", err)
	}
	if _, ok := resp.(wire.Ok); !ok {
		return nil, unexpectedOrService("stage 3", resp)
	}

	return &cert.SecretChain{Chain: chain, AccountSec: accountSec, DeviceSec: deviceSec}, nil
}

func unexpectedOrService(stage string, resp wire.Body) error {
	if errBody, ok := resp.(wire.Error); ok {
		return xerr.NewService(serviceKindFromWire(errBody.Kind), fmt.Errorf("registration: %s rejected", stage))
	}
	return xerr.NewTransport(xerr.UnexpectedAnswer, fmt.Errorf("registration: %s: expected Ok, got %T", stage, resp))
}

func serviceKindFromWire(kind wire.ErrorKind) xerr.ServiceKind {
	switch kind {
	case wire.ErrInvalidRequest:
		return xerr.InvalidRequest
	case wire.ErrInvalidCredentials:
		return xerr.InvalidCredentials
	case wire.ErrInvalidOperation:
		return xerr.InvalidOperation
	case wire.ErrDecodeError:
		return xerr.DecodeError
	case wire.ErrConnectionIsClosed:
		return xerr.ConnectionIsClosed
	case wire.ErrInternalError:
		return xerr.InternalError
	default:
		return xerr.UnknownError
	}
}

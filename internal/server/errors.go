package server

import (
	"errors"

	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xerr"
)

// wireError translates an internal error into the wire-level Error the
// client expects; anything that isn't a recognized xerr family is
// collapsed to ErrUnknownError rather than leaking internal detail.
func wireError(err error) wire.Error {
	var svc *xerr.Service
	if errors.As(err, &svc) {
		return wire.Error{Kind: wireKindFromService(svc.Kind)}
	}
	var crypto *xerr.Crypto
	if errors.As(err, &crypto) {
		return wire.Error{Kind: wire.ErrInvalidCredentials}
	}
	var storage *xerr.Storage
	if errors.As(err, &storage) {
		return wire.Error{Kind: wire.ErrInternalError}
	}
	return wire.Error{Kind: wire.ErrUnknownError}
}

func wireKindFromService(kind xerr.ServiceKind) wire.ErrorKind {
	switch kind {
	case xerr.InvalidRequest:
		return wire.ErrInvalidRequest
	case xerr.InvalidCredentials:
		return wire.ErrInvalidCredentials
	case xerr.InvalidOperation:
		return wire.ErrInvalidOperation
	case xerr.DecodeError:
		return wire.ErrDecodeError
	case xerr.InternalError:
		return wire.ErrInternalError
	case xerr.ConnectionIsClosed:
		return wire.ErrConnectionIsClosed
	default:
		return wire.ErrUnknownError
	}
}

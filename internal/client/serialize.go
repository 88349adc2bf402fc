package client

import (
	"encoding/binary"
	"fmt"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/xcrypto"
)

// serializeSecretChain encodes a cert.SecretChain for storage.profile:
// length-prefixed serialized Chain, then length-prefixed account secret
// key, then length-prefixed device secret key. Mirrors cert.Chain's own
// length-prefixed encoding convention (internal/cert/serialize.go) rather
// than introducing a second wire format.
func serializeSecretChain(sc *cert.SecretChain) []byte {
	var out []byte
	out = appendLP(out, sc.Chain.Serialize())
	out = appendLP(out, sc.AccountSec)
	out = appendLP(out, sc.DeviceSec)
	return out
}

func deserializeSecretChain(b []byte) (*cert.SecretChain, error) {
	chainBytes, rest, err := readLP(b)
	if err != nil {
		return nil, fmt.Errorf("client: secret chain field: %w", err)
	}
	accountSec, rest, err := readLP(rest)
	if err != nil {
		return nil, fmt.Errorf("client: account secret field: %w", err)
	}
	deviceSec, _, err := readLP(rest)
	if err != nil {
		return nil, fmt.Errorf("client: device secret field: %w", err)
	}

	chain, err := cert.Deserialize(chainBytes)
	if err != nil {
		return nil, fmt.Errorf("client: deserialize chain: %w", err)
	}
	return &cert.SecretChain{
		Chain:      chain,
		AccountSec: xcrypto.SecretKey(append([]byte(nil), accountSec...)),
		DeviceSec:  xcrypto.SecretKey(append([]byte(nil), deviceSec...)),
	}, nil
}

func appendLP(dst, payload []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, payload...)
}

func readLP(b []byte) (payload, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("client: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("client: truncated payload: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// Package xcrypto collects the cryptographic primitives licks builds on:
// Ed25519 signing, SHA-256, and HKDF-SHA256. A Suite bundles these behind
// an interface so callers (Profile, Server) hold one explicit value
// instead of reaching for package-level functions scattered across call
// sites.
package xcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PublicKey and SecretKey wrap the raw Ed25519 key bytes. Kept as distinct
// types (rather than a bare []byte) so certificate code cannot accidentally
// swap the two.
type PublicKey []byte
type SecretKey []byte

// Suite is the capability set a Profile or Server is constructed with.
// Parameterizing by this interface, rather than calling package functions
// directly, is what lets tests substitute a deterministic suite without
// touching crypto/rand.
type Suite interface {
	GenerateKey() (PublicKey, SecretKey, error)
	Sign(sk SecretKey, msg []byte) []byte
	Verify(pk PublicKey, msg, sig []byte) bool
	Hash(msg []byte) [32]byte
	HKDF(ikm []byte, info string, size int) ([]byte, error)
}

// Default is the production Suite: Ed25519 over crypto/rand, SHA-256, and
// HKDF-SHA256 with no salt (what blinded-address derivation expects).
type defaultSuite struct{}

// Default is the Suite every Profile and Server constructs with unless a
// test substitutes another implementation.
var Default Suite = defaultSuite{}

func (defaultSuite) GenerateKey() (PublicKey, SecretKey, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("xcrypto: generate key: %w", err)
	}
	return PublicKey(pub), SecretKey(sec), nil
}

func (defaultSuite) Sign(sk SecretKey, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(sk), msg)
}

func (defaultSuite) Verify(pk PublicKey, msg, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), msg, sig)
}

func (defaultSuite) Hash(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

func (defaultSuite) HKDF(ikm []byte, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("xcrypto: hkdf expand: %w", err)
	}
	return out, nil
}

// SHA256 is a free function form of Default.Hash, kept for callers that
// don't carry a Suite handle (e.g. package-level constants and tests).
func SHA256(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// Package blindaddr implements blinded-address derivation and proof
// verification. A blinded address is a
// deterministic-in-group_secret (secret, public) pair: every member of a
// group epoch derives the same pair, the secret is a one-show send
// capability, and the public tag is the routing address the relay knows.
package blindaddr

import (
	"crypto/sha256"

	"github.com/licks-chat/licks/internal/xcrypto"
)

// infoString is the HKDF info parameter, fixed so the derivation is stable
// across implementations.
const infoString = "licks_blinded_address_v2"

// Secret is the one-show send capability: presenting it to the server
// proves write authorization for Public.
type Secret [32]byte

// Public is the routing tag the relay indexes messages under. Only the
// public form ever reaches the server.
type Public [32]byte

// Derive computes the (secret, public) pair for the given group secret
// material: secret = HKDF-SHA256(ikm=groupSecret, salt=none,
// info="licks_blinded_address_v2", L=32); public = SHA-256(secret).
func Derive(suite xcrypto.Suite, groupSecret []byte) (Secret, Public, error) {
	raw, err := suite.HKDF(groupSecret, infoString, 32)
	if err != nil {
		return Secret{}, Public{}, err
	}
	var secret Secret
	copy(secret[:], raw)
	return secret, secret.Public(), nil
}

// Public recomputes the public tag for this secret: SHA-256(secret).
func (s Secret) Public() Public {
	return Public(sha256.Sum256(s[:]))
}

// Verify reports whether public is the SHA-256 image of secret, the sole
// authorization check the server performs on a send.
func Verify(secret Secret, public Public) bool {
	return secret.Public() == public
}

// Proof is what a client presents to the server on SendMessage: the
// preimage of the public tag, plus the ciphertext it authorizes. The
// layout is deliberately minimal — preimage-only authorization, no
// sender binding.
type Proof struct {
	Secret     Secret
	Ciphertext []byte
}

// NewProof builds a proof for the given secret and ciphertext; the public
// tag is never carried explicitly in the proof because the server derives
// it itself from Secret (this is what makes the check tamper-evident: a
// forged proof would have to supply a secret whose hash actually matches
// whatever public tag it claims, which is exactly Verify).
func NewProof(secret Secret, ciphertext []byte) Proof {
	return Proof{Secret: secret, Ciphertext: ciphertext}
}

// VerifyAgainst checks that the proof's secret hashes to the declared
// public tag.
func (p Proof) VerifyAgainst(declared Public) bool {
	return Verify(p.Secret, declared)
}

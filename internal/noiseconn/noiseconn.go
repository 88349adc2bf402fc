// Package noiseconn wraps github.com/flynn/noise to provide the Noise XX
// handshake and transport-mode encryption every connection runs under:
// Curve25519, AES-GCM, SHA-256. Both directions are keyed from the same
// channel hash; the receiver's strict nonce ordering is enforced by the
// library's CipherState.
package noiseconn

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// handshakeMessageCeiling is the fixed ceiling on one Noise handshake
// message.
const handshakeMessageCeiling = 65535

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)

// Session holds the two CipherStates derived from a completed XX
// handshake: one for each direction.
type Session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

// Seal encrypts plaintext for sending, appending it to out.
func (s *Session) Seal(out, plaintext []byte) ([]byte, error) {
	sealed, err := s.send.Encrypt(out, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: encrypt: %w", err)
	}
	return sealed, nil
}

// Open decrypts ciphertext received from the peer.
func (s *Session) Open(out, ciphertext []byte) ([]byte, error) {
	plain, err := s.recv.Decrypt(out, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: decrypt: %w", err)
	}
	return plain, nil
}

// frameReaderWriter is the minimal shape noiseconn needs from the
// underlying byte-duplex: whole-message read/write, as wsconn provides.
type frameReaderWriter interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
}

// HandshakeClient performs the initiator side of a Noise XX handshake over
// conn and returns the resulting Session.
func HandshakeClient(conn frameReaderWriter) (*Session, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: generate keypair: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: key,
	})
	if err != nil {
		return nil, fmt.Errorf("noiseconn: init handshake: %w", err)
	}

	// Message 1: -> e
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: write msg1: %w", err)
	}
	if err := writeBounded(conn, msg1); err != nil {
		return nil, fmt.Errorf("noiseconn: send msg1: %w", err)
	}

	// Message 2: <- e, ee, s, es
	msg2, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("noiseconn: recv msg2: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("noiseconn: read msg2: %w", err)
	}

	// Message 3: -> s, se
	msg3, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: write msg3: %w", err)
	}
	if err := writeBounded(conn, msg3); err != nil {
		return nil, fmt.Errorf("noiseconn: send msg3: %w", err)
	}

	// cs1 is initiator->responder (our send), cs2 is responder->initiator
	// (our recv), per flynn/noise's XX convention.
	return &Session{send: cs1, recv: cs2}, nil
}

// HandshakeServer performs the responder side of a Noise XX handshake over
// conn and returns the resulting Session.
func HandshakeServer(conn frameReaderWriter) (*Session, error) {
	key, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: generate keypair: %w", err)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: key,
	})
	if err != nil {
		return nil, fmt.Errorf("noiseconn: init handshake: %w", err)
	}

	// Message 1: <- e
	msg1, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("noiseconn: recv msg1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("noiseconn: read msg1: %w", err)
	}

	// Message 2: -> e, ee, s, es
	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noiseconn: write msg2: %w", err)
	}
	if err := writeBounded(conn, msg2); err != nil {
		return nil, fmt.Errorf("noiseconn: send msg2: %w", err)
	}

	// Message 3: <- s, se
	msg3, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("noiseconn: recv msg3: %w", err)
	}
	if _, cs1, cs2, err := hs.ReadMessage(nil, msg3); err != nil {
		return nil, fmt.Errorf("noiseconn: read msg3: %w", err)
	} else {
		// cs1 is initiator->responder (our recv), cs2 is
		// responder->initiator (our send).
		return &Session{send: cs2, recv: cs1}, nil
	}
}

func writeBounded(conn frameReaderWriter, msg []byte) error {
	if len(msg) > handshakeMessageCeiling {
		return fmt.Errorf("noiseconn: handshake message exceeds %d bytes", handshakeMessageCeiling)
	}
	return conn.WriteMessage(msg)
}

// Package mls defines the narrow interface licks's listener engine and
// client profile consume from the embedded MLS protocol engine. The real
// engine (group state machine, welcome/commit/proposal mechanics, ratchet
// tree, key schedule) is an external collaborator; this package only
// names the shape the listener and profile need, so those components are
// concretely testable against internal/mls/simengine's minimal stand-in.
package mls

import "github.com/licks-chat/licks/internal/ids"

// EventKind discriminates what Engine.Process reports for one inbound
// ciphertext.
type EventKind uint8

const (
	// EventApplication is a decrypted application payload ready for local
	// persistence and UI notification.
	EventApplication EventKind = iota
	// EventCommit reports the group advanced to a new epoch. The caller
	// (internal/listener) must derive and subscribe to the new epoch's
	// blinded address.
	EventCommit
	// EventIgnore is a message the engine consumed with no externally
	// visible effect (e.g. a proposal it is still buffering).
	EventIgnore
)

// Event is what Engine.Process returns for one inbound ciphertext.
type Event struct {
	Kind    EventKind
	Payload []byte // set when Kind == EventApplication
	Sender  ids.AccountId
}

// Engine is the per-group MLS state machine a Profile's group manager
// drives. One Engine instance exists per (profile, group).
type Engine interface {
	// Epoch returns the group's current epoch number.
	Epoch() uint64
	// DeriveGroupSecret returns the current epoch's HKDF input material,
	// fed to internal/blindaddr.Derive to compute the epoch's blinded
	// address.
	DeriveGroupSecret() []byte
	// Process advances the engine with one inbound ciphertext, producing
	// an Event describing what happened.
	Process(ciphertext []byte) (Event, error)
	// Encrypt produces ciphertext for an application payload under the
	// current epoch.
	Encrypt(plaintext []byte) ([]byte, error)
	// ProposeAdd queues a proposal to add the holder of keyPackage to the
	// group; it takes effect on the next Commit.
	ProposeAdd(keyPackage []byte) error
	// Commit finalizes any queued proposals, advancing the epoch, and
	// returns the resulting Welcome (for a brand-new member) or commit
	// ciphertext (for existing members) to distribute.
	Commit() ([]byte, error)
}

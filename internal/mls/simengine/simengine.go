// Package simengine is a deliberately simplified stand-in for the
// embedded MLS protocol engine: it tracks a group roster and an epoch
// counter, "encrypts" by tagging a payload with the current epoch and an
// HMAC keyed on a group root secret, and advances epoch whenever
// membership changes via ProposeAdd+Commit.
//
// This is explicitly NOT a real MLS implementation — no forward secrecy,
// no ratchet tree, no ciphersuite negotiation. It exists so the epoch
// rotation logic and the end-to-end suite are exercised by real code
// instead of being unreachable behind mls.Engine with no implementation
// at all.
package simengine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/mls"
)

// envelopeKind tags what an Engine's opaque ciphertext actually carries.
type envelopeKind uint8

const (
	envelopeApplication envelopeKind = iota
	envelopeCommit
)

// envelope is the whole of simengine's "ciphertext": a JSON-encoded,
// HMAC-tagged struct. RootSecret is only populated on commit/welcome
// envelopes; it is how a brand-new member bootstraps group key material
// from a single out-of-band Welcome, which is the one place this stand-in
// forgoes real MLS's forward secrecy.
type envelope struct {
	Kind       envelopeKind    `json:"kind"`
	Epoch      uint64          `json:"epoch"`
	Roster     []ids.AccountId `json:"roster"`
	RootSecret []byte          `json:"root_secret,omitempty"`
	Sender     ids.AccountId   `json:"sender"`
	Payload    []byte          `json:"payload,omitempty"`
	MAC        []byte          `json:"mac"`
}

func (e *envelope) macInput() []byte {
	var buf []byte
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], e.Epoch)
	buf = append(buf, epochBuf[:]...)
	for _, id := range e.Roster {
		buf = append(buf, id[:]...)
	}
	buf = append(buf, e.Sender[:]...)
	buf = append(buf, e.Payload...)
	return buf
}

func sign(rootSecret []byte, e *envelope) {
	mac := hmac.New(sha256.New, rootSecret)
	mac.Write(e.macInput())
	e.MAC = mac.Sum(nil)
}

func verify(rootSecret []byte, e *envelope) bool {
	mac := hmac.New(sha256.New, rootSecret)
	mac.Write(e.macInput())
	return hmac.Equal(mac.Sum(nil), e.MAC)
}

// KeyPackage is simengine's minimal bootstrap material: just the account
// id the real key package would otherwise wrap in cryptographic bindings.
func NewKeyPackage(accountID ids.AccountId) []byte {
	b, _ := json.Marshal(struct {
		AccountID ids.AccountId `json:"account_id"`
	}{AccountID: accountID})
	return b
}

// ParseKeyPackage recovers the account id a key package names.
func ParseKeyPackage(raw []byte) (ids.AccountId, error) {
	var v struct {
		AccountID ids.AccountId `json:"account_id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return ids.AccountId{}, fmt.Errorf("simengine: parse key package: %w", err)
	}
	return v.AccountID, nil
}

// Engine implements mls.Engine.
type Engine struct {
	mu sync.Mutex

	self    ids.AccountId
	groupID ids.GroupIdentifier

	epoch      uint64
	roster     []ids.AccountId
	rootSecret []byte

	pendingAdds []ids.AccountId
}

var _ mls.Engine = (*Engine)(nil)

// New creates a brand-new single-member group (the caller) rooted at a
// fresh random secret, epoch 0.
func New(self ids.AccountId, groupID ids.GroupIdentifier) (*Engine, error) {
	root := make([]byte, 32)
	if _, err := rand.Read(root); err != nil {
		return nil, fmt.Errorf("simengine: generate root secret: %w", err)
	}
	return &Engine{
		self:       self,
		groupID:    groupID,
		epoch:      0,
		roster:     []ids.AccountId{self},
		rootSecret: root,
	}, nil
}

// Join constructs an Engine for self from a Welcome produced by another
// member's Commit. Join does not (and cannot) verify the Welcome's MAC
// since it has no prior root secret to check it against; trust is placed
// in the delivery channel, the same place real MLS places it in the
// Welcome's own encryption to the joiner's key package.
func Join(self ids.AccountId, groupID ids.GroupIdentifier, welcome []byte) (*Engine, error) {
	var env envelope
	if err := json.Unmarshal(welcome, &env); err != nil {
		return nil, fmt.Errorf("simengine: parse welcome: %w", err)
	}
	if env.Kind != envelopeCommit || len(env.RootSecret) == 0 {
		return nil, fmt.Errorf("simengine: welcome missing root secret")
	}
	return &Engine{
		self:       self,
		groupID:    groupID,
		epoch:      env.Epoch,
		roster:     append([]ids.AccountId(nil), env.Roster...),
		rootSecret: append([]byte(nil), env.RootSecret...),
	}, nil
}

// Epoch implements mls.Engine.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Roster returns a copy of the current membership list.
func (e *Engine) Roster() []ids.AccountId {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ids.AccountId(nil), e.roster...)
}

// DeriveGroupSecret implements mls.Engine: HKDF input material that
// changes with every epoch, so internal/blindaddr.Derive produces a fresh
// address on each commit. A plain SHA-256 mix over (root secret, epoch)
// is sufficient here; blindaddr.Derive applies its own HKDF diffusion on
// top.
func (e *Engine) DeriveGroupSecret() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveGroupSecretLocked()
}

func (e *Engine) deriveGroupSecretLocked() []byte {
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], e.epoch)
	h := sha256.Sum256(append(append([]byte(nil), e.rootSecret...), epochBuf[:]...))
	return h[:]
}

// Process implements mls.Engine.
func (e *Engine) Process(ciphertext []byte) (mls.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var env envelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return mls.Event{}, fmt.Errorf("simengine: parse envelope: %w", err)
	}
	if !verify(e.rootSecret, &env) {
		return mls.Event{}, fmt.Errorf("simengine: envelope MAC invalid")
	}

	switch env.Kind {
	case envelopeCommit:
		if env.Epoch <= e.epoch {
			return mls.Event{Kind: mls.EventIgnore}, nil
		}
		e.epoch = env.Epoch
		e.roster = append([]ids.AccountId(nil), env.Roster...)
		return mls.Event{Kind: mls.EventCommit, Sender: env.Sender}, nil
	case envelopeApplication:
		return mls.Event{Kind: mls.EventApplication, Payload: env.Payload, Sender: env.Sender}, nil
	default:
		return mls.Event{Kind: mls.EventIgnore}, nil
	}
}

// Encrypt implements mls.Engine.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	env := envelope{
		Kind:    envelopeApplication,
		Epoch:   e.epoch,
		Sender:  e.self,
		Payload: plaintext,
	}
	sign(e.rootSecret, &env)
	return json.Marshal(env)
}

// ProposeAdd implements mls.Engine: queues accountID (recovered from
// keyPackage) for inclusion on the next Commit.
func (e *Engine) ProposeAdd(keyPackage []byte) error {
	accountID, err := ParseKeyPackage(keyPackage)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.roster {
		if id == accountID {
			return nil
		}
	}
	for _, id := range e.pendingAdds {
		if id == accountID {
			return nil
		}
	}
	e.pendingAdds = append(e.pendingAdds, accountID)
	return nil
}

// Commit implements mls.Engine: applies every pending add, advances the
// epoch, and returns the envelope serving as both the commit ciphertext
// existing members Process and the Welcome a brand-new member Joins from.
func (e *Engine) Commit() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingAdds) == 0 {
		return nil, fmt.Errorf("simengine: commit with no pending proposals")
	}
	e.epoch++
	e.roster = append(e.roster, e.pendingAdds...)
	e.pendingAdds = nil

	env := envelope{
		Kind:       envelopeCommit,
		Epoch:      e.epoch,
		Roster:     append([]ids.AccountId(nil), e.roster...),
		RootSecret: append([]byte(nil), e.rootSecret...),
		Sender:     e.self,
	}
	sign(e.rootSecret, &env)
	return json.Marshal(env)
}

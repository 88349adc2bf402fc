// Package registration implements the server side of the three-stage
// unauthenticated registration, holding the Stage-1 and Stage-2 trees in
// memory with a lazy expiry sweep (swept on each call rather than by a
// background ticker) and the final registered chains, one set per
// account.
package registration

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/licks-chat/licks/internal/cert"
	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/server/directory"
	"github.com/licks-chat/licks/internal/wire"
	"github.com/licks-chat/licks/internal/xcrypto"
	"github.com/licks-chat/licks/internal/xerr"
)

// PendingExpiry is how long an abandoned Stage-1 or Stage-2 entry survives
// before the next sweep discards it.
const PendingExpiry = 10 * time.Minute

type stage1Entry struct {
	accountPub xcrypto.PublicKey
	createdAt  time.Time
}

type stage2Entry struct {
	cert      *cert.AccountCertificate
	createdAt time.Time
}

// Directory is the subset of directory.Usernames registration needs to
// perform stage 3's atomic username reservation.
type Directory interface {
	SetUsername(ctx context.Context, accountID ids.AccountId, hash [32]byte) (directory.SetUsernameResult, error)
}

// Registry holds server-side registration state for one server identity.
type Registry struct {
	suite     xcrypto.Suite
	server    string
	directory Directory

	mu     sync.Mutex
	stage1 map[ids.AccountId]*stage1Entry
	stage2 map[ids.AccountId]*stage2Entry
	chains map[ids.AccountId][]*cert.Chain
}

// New constructs an empty Registry for the given server identity string
// (embedded in every AccountCertificate it issues Stage-1 ids for).
func New(suite xcrypto.Suite, server string, dir Directory) *Registry {
	return &Registry{
		suite:     suite,
		server:    server,
		directory: dir,
		stage1:    make(map[ids.AccountId]*stage1Entry),
		stage2:    make(map[ids.AccountId]*stage2Entry),
		chains:    make(map[ids.AccountId][]*cert.Chain),
	}
}

func (r *Registry) sweep(now time.Time) {
	for id, e := range r.stage1 {
		if now.Sub(e.createdAt) > PendingExpiry {
			delete(r.stage1, id)
		}
	}
	for id, e := range r.stage2 {
		if now.Sub(e.createdAt) > PendingExpiry {
			delete(r.stage2, id)
		}
	}
}

// Stage1 mints a fresh AccountId for req's account public key.
func (r *Registry) Stage1(req wire.RegistrationStage1) wire.RegistrationStage1Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(time.Now())

	var accountID ids.AccountId
	for {
		accountID = ids.NewAccountId()
		if _, exists := r.stage1[accountID]; !exists {
			break
		}
	}
	r.stage1[accountID] = &stage1Entry{accountPub: req.AccountPublicKey, createdAt: time.Now()}
	return wire.RegistrationStage1Response{AccountID: accountID}
}

// Stage2 verifies and stores req's self-signed account certificate against
// its Stage-1 entry.
func (r *Registry) Stage2(req wire.RegistrationStage2) error {
	accountCert, err := cert.DeserializeAccountCertificate(req.SerializedAccountCert)
	if err != nil {
		return xerr.NewService(xerr.DecodeError, fmt.Errorf("registration: stage 2: %w", err))
	}
	if err := accountCert.VerifySelf(r.suite); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep(time.Now())

	entry, ok := r.stage1[accountCert.AccountID]
	if !ok {
		return xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("registration: stage 2: unknown or expired account id"))
	}
	if !bytes.Equal(entry.accountPub, accountCert.PublicKey) {
		return xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("registration: stage 2: account public key mismatch"))
	}

	r.stage2[accountCert.AccountID] = &stage2Entry{cert: accountCert, createdAt: time.Now()}
	return nil
}

// Stage3 verifies req's full chain against its Stage-2 entry, reserves the
// requested username, and registers the chain for subsequent
// authchallenge.Serve calls.
func (r *Registry) Stage3(ctx context.Context, req wire.RegistrationStage3) error {
	chain, err := cert.Deserialize(req.Chain)
	if err != nil {
		return xerr.NewService(xerr.DecodeError, fmt.Errorf("registration: stage 3: %w", err))
	}
	if err := chain.VerifySelf(r.suite); err != nil {
		return err
	}

	r.mu.Lock()
	r.sweep(time.Now())
	entry, ok := r.stage2[chain.Account.AccountID]
	if !ok {
		r.mu.Unlock()
		return xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("registration: stage 3: unknown or expired account id"))
	}
	if !bytes.Equal(entry.cert.Serialize(), chain.Account.Serialize()) {
		r.mu.Unlock()
		return xerr.NewService(xerr.InvalidCredentials, fmt.Errorf("registration: stage 3: account certificate mismatch"))
	}
	r.mu.Unlock()

	result, err := r.directory.SetUsername(ctx, chain.Account.AccountID, req.UsernameHash)
	if err != nil {
		return err
	}
	if result == directory.SetUsernameTaken {
		return xerr.NewService(xerr.InvalidOperation, fmt.Errorf("registration: stage 3: username already taken"))
	}

	r.mu.Lock()
	r.chains[chain.Account.AccountID] = append(r.chains[chain.Account.AccountID], chain)
	r.mu.Unlock()
	return nil
}

// IsRegistered satisfies authchallenge.Registry: chain is registered if an
// equal chain (by identifiers, per cert.Chain.Equal) was accepted in
// Stage3.
func (r *Registry) IsRegistered(chain *cert.Chain) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chains[chain.Account.AccountID] {
		if c.Equal(chain) {
			return true
		}
	}
	return false
}

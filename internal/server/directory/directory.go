// Package directory implements the two directory services: the
// username→account lookup and the per-account key-package bootstrap
// buffer, both SQLite-backed via database/sql and
// github.com/mattn/go-sqlite3.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/xerr"
)

// keyPackageCap bounds the per-account rotating buffer. The upload
// counter is a u16, so the cap is its full range.
const keyPackageCap = 1 << 16

// Usernames is the username_hash → account_id directory.
type Usernames struct {
	db *sql.DB
}

// NewUsernames opens the usernames table against db, creating it if absent.
func NewUsernames(ctx context.Context, db *sql.DB) (*Usernames, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS usernames (
	username_hash BLOB PRIMARY KEY,
	account_id    BLOB NOT NULL
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("directory: create usernames table: %w", err))
	}
	return &Usernames{db: db}, nil
}

// SetUsernameResult distinguishes SetUsername's three outcomes: a fresh
// reservation, an idempotent re-assertion by the incumbent owner, or a
// conflict with a different owner.
type SetUsernameResult int

const (
	SetUsernameNew SetUsernameResult = iota
	SetUsernameAlreadyYours
	SetUsernameTaken
)

// SetUsername reserves hash for accountID: idempotent if accountID is
// already the incumbent, rejected (SetUsernameTaken) if a different
// account owns it.
func (u *Usernames) SetUsername(ctx context.Context, accountID ids.AccountId, hash [32]byte) (SetUsernameResult, error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerr.NewStorage(xerr.IOError, err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT account_id FROM usernames WHERE username_hash = ?`, hash[:]).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO usernames (username_hash, account_id) VALUES (?, ?)`, hash[:], accountID[:]); err != nil {
			return 0, xerr.NewStorage(xerr.IOError, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, xerr.NewStorage(xerr.IOError, err)
		}
		return SetUsernameNew, nil
	case err != nil:
		return 0, xerr.NewStorage(xerr.IOError, err)
	}

	if ids.AccountId(existing) == accountID {
		return SetUsernameAlreadyYours, nil
	}
	return SetUsernameTaken, nil
}

// RemoveUsername removes hash's reservation if accountID is the owner.
// Reports false (no error) if accountID does not own hash; the caller
// decides the wire response for that case.
func (u *Usernames) RemoveUsername(ctx context.Context, accountID ids.AccountId, hash [32]byte) (bool, error) {
	res, err := u.db.ExecContext(ctx, `DELETE FROM usernames WHERE username_hash = ? AND account_id = ?`, hash[:], accountID[:])
	if err != nil {
		return false, xerr.NewStorage(xerr.IOError, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerr.NewStorage(xerr.IOError, err)
	}
	return n > 0, nil
}

// Lookup resolves a username hash to its owning account.
func (u *Usernames) Lookup(ctx context.Context, hash [32]byte) (ids.AccountId, bool, error) {
	var raw []byte
	err := u.db.QueryRowContext(ctx, `SELECT account_id FROM usernames WHERE username_hash = ?`, hash[:]).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return ids.AccountId{}, false, nil
	case err != nil:
		return ids.AccountId{}, false, xerr.NewStorage(xerr.IOError, err)
	}
	return ids.AccountId(raw), true, nil
}

// KeyPackages is the per-account rotating MLS key-package buffer.
type KeyPackages struct {
	db *sql.DB
}

// NewKeyPackages opens the key_packages table against db, creating it if
// absent.
func NewKeyPackages(ctx context.Context, db *sql.DB) (*KeyPackages, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS key_packages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id BLOB NOT NULL,
	payload    BLOB NOT NULL
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("directory: create key_packages table: %w", err))
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS key_packages_account_idx ON key_packages(account_id)`); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("directory: create key_packages index: %w", err))
	}
	return &KeyPackages{db: db}, nil
}

// Upload appends packages to accountID's buffer, rejecting the call
// outright if it would exceed the cap.
func (k *KeyPackages) Upload(ctx context.Context, accountID ids.AccountId, packages [][]byte) error {
	var count int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_packages WHERE account_id = ?`, accountID[:]).Scan(&count); err != nil {
		return xerr.NewStorage(xerr.IOError, err)
	}
	if count+len(packages) > keyPackageCap {
		return xerr.NewService(xerr.InvalidOperation, fmt.Errorf("directory: key package cap exceeded"))
	}

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return xerr.NewStorage(xerr.IOError, err)
	}
	defer tx.Rollback()
	for _, pkg := range packages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO key_packages (account_id, payload) VALUES (?, ?)`, accountID[:], pkg); err != nil {
			return xerr.NewStorage(xerr.IOError, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return xerr.NewStorage(xerr.IOError, err)
	}
	return nil
}

// GetKeyPackage atomically pops the most-recently uploaded package for
// accountID. If exactly one remains, it is returned without being
// removed — it becomes a last-resort package, reusable indefinitely.
func (k *KeyPackages) GetKeyPackage(ctx context.Context, accountID ids.AccountId) ([]byte, bool, error) {
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, xerr.NewStorage(xerr.IOError, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM key_packages WHERE account_id = ? ORDER BY id DESC LIMIT 2`, accountID[:])
	if err != nil {
		return nil, false, xerr.NewStorage(xerr.IOError, err)
	}
	type row struct {
		id      int64
		payload []byte
	}
	var fetched []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return nil, false, xerr.NewStorage(xerr.IOError, err)
		}
		fetched = append(fetched, r)
	}
	rows.Close()

	if len(fetched) == 0 {
		return nil, false, nil
	}

	top := fetched[0]
	if len(fetched) == 1 {
		// Last-resort package: return without removal.
		if err := tx.Commit(); err != nil {
			return nil, false, xerr.NewStorage(xerr.IOError, err)
		}
		return top.payload, true, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_packages WHERE id = ?`, top.id); err != nil {
		return nil, false, xerr.NewStorage(xerr.IOError, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, xerr.NewStorage(xerr.IOError, err)
	}
	return top.payload, true, nil
}

// Package store implements the durable local client store: a versioned
// SQLite schema (database/sql + github.com/mattn/go-sqlite3) holding one
// profile's chain secret, contacts, per-group metadata, and message
// history.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/licks-chat/licks/internal/ids"
	"github.com/licks-chat/licks/internal/xerr"
)

// LatestVersion is the schema version Open migrates up to. Migration v2
// (see migrations.go) holds the opaque table for the external MLS
// library's persisted state; its real column list is that library's
// contract, not this store's.
const LatestVersion = 2

// Store wraps one profile's SQLite database handle. The handle is
// mutex-free here (database/sql already serializes access to a single
// *sql.DB internally via its connection pool); long-running listener
// tasks only ever issue bounded queries against it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and applies
// every migration up to LatestVersion, each inside its own transaction —
// all-or-nothing per version.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerr.NewStorage(xerr.IOError, fmt.Errorf("store: open %s: %w", path, err))
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for callers that need to share it with another
// component's own tables (internal/server wires internal/server/relay and
// internal/server/directory against the same *sql.DB on the server side).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS info (version INTEGER NOT NULL)`); err != nil {
		return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: create info table: %w", err))
	}

	var version int
	row := s.db.QueryRowContext(ctx, `SELECT version FROM info LIMIT 1`)
	switch err := row.Scan(&version); {
	case err == sql.ErrNoRows:
		version = 0
		if _, err := s.db.ExecContext(ctx, `INSERT INTO info (version) VALUES (0)`); err != nil {
			return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: seed info row: %w", err))
		}
	case err != nil:
		return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: read schema version: %w", err))
	}

	for v := version + 1; v <= LatestVersion; v++ {
		migration, ok := migrations[v]
		if !ok {
			return xerr.NewStorage(xerr.CorruptedData, fmt.Errorf("store: no migration registered for version %d", v))
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return xerr.NewStorage(xerr.IOError, err)
		}
		if err := migration(ctx, tx); err != nil {
			tx.Rollback()
			return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: migration v%d: %w", v, err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE info SET version = ?`, v); err != nil {
			tx.Rollback()
			return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: migration v%d: record version: %w", v, err))
		}
		if err := tx.Commit(); err != nil {
			return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: migration v%d: commit: %w", v, err))
		}
	}
	return nil
}

// Version reports the database's current schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM info LIMIT 1`).Scan(&v); err != nil {
		return 0, xerr.NewStorage(xerr.IOError, err)
	}
	return v, nil
}

// SaveProfile persists the caller's serialized chain-secret blob,
// replacing any prior content (profile is a sole-row table).
func (s *Store) SaveProfile(ctx context.Context, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profile`); err != nil {
		return xerr.NewStorage(xerr.IOError, err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO profile (blob) VALUES (?)`, blob); err != nil {
		return xerr.NewStorage(xerr.IOError, err)
	}
	return nil
}

// LoadProfile returns the persisted chain-secret blob, or (nil, false) if
// no profile has been saved yet.
func (s *Store) LoadProfile(ctx context.Context) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM profile LIMIT 1`).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, xerr.NewStorage(xerr.IOError, err)
	}
	return blob, true, nil
}

// Contact is one entry in the contacts table.
type Contact struct {
	AccountID   ids.AccountId
	Username    *string
	DisplayName *string
	Description *string
}

// UpsertContact inserts or merges accountID's contact row. A contact may
// be re-discovered via multiple devices in the same group, so the insert
// is idempotent: the conflict clause merges rather than erroring.
func (s *Store) UpsertContact(ctx context.Context, c Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (account_id, username, display_name, description) VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   username = COALESCE(excluded.username, contacts.username),
		   display_name = COALESCE(excluded.display_name, contacts.display_name),
		   description = COALESCE(excluded.description, contacts.description)`,
		c.AccountID[:], c.Username, c.DisplayName, c.Description,
	)
	if err != nil {
		return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: upsert contact: %w", err))
	}
	return nil
}

// GetContact looks up a contact by account id.
func (s *Store) GetContact(ctx context.Context, accountID ids.AccountId) (Contact, bool, error) {
	var c Contact
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, username, display_name, description FROM contacts WHERE account_id = ?`,
		accountID[:],
	).Scan(&raw, &c.Username, &c.DisplayName, &c.Description)
	switch {
	case err == sql.ErrNoRows:
		return Contact{}, false, nil
	case err != nil:
		return Contact{}, false, xerr.NewStorage(xerr.IOError, err)
	}
	copy(c.AccountID[:], raw)
	return c, true, nil
}

// GroupInfo is one (group, epoch) metadata row.
type GroupInfo struct {
	GroupID              ids.GroupIdentifier
	EpochID              uint64
	Name                 string
	Description          string
	BlindedAddressSecret [64]byte // secret(32) || public(32)
}

// SaveGroupInfo upserts the (group_id, epoch_id) row.
func (s *Store) SaveGroupInfo(ctx context.Context, g GroupInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_info (group_id, epoch_id, name, description, blinded_address_secret)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(group_id, epoch_id) DO UPDATE SET
		   name = excluded.name, description = excluded.description,
		   blinded_address_secret = excluded.blinded_address_secret`,
		g.GroupID[:], g.EpochID, g.Name, g.Description, g.BlindedAddressSecret[:],
	)
	if err != nil {
		return xerr.NewStorage(xerr.IOError, fmt.Errorf("store: save group info: %w", err))
	}
	return nil
}

// LatestGroupInfo returns the row with the greatest epoch_id for groupID.
func (s *Store) LatestGroupInfo(ctx context.Context, groupID ids.GroupIdentifier) (GroupInfo, bool, error) {
	return s.groupInfoQuery(ctx,
		`SELECT group_id, epoch_id, name, description, blinded_address_secret
		 FROM group_info WHERE group_id = ? ORDER BY epoch_id DESC LIMIT 1`,
		groupID[:],
	)
}

// GroupInfoAt returns the row for exactly (groupID, epoch).
func (s *Store) GroupInfoAt(ctx context.Context, groupID ids.GroupIdentifier, epoch uint64) (GroupInfo, bool, error) {
	return s.groupInfoQuery(ctx,
		`SELECT group_id, epoch_id, name, description, blinded_address_secret
		 FROM group_info WHERE group_id = ? AND epoch_id = ?`,
		groupID[:], epoch,
	)
}

func (s *Store) groupInfoQuery(ctx context.Context, query string, args ...any) (GroupInfo, bool, error) {
	var g GroupInfo
	var groupRaw, secretRaw []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&groupRaw, &g.EpochID, &g.Name, &g.Description, &secretRaw)
	switch {
	case err == sql.ErrNoRows:
		return GroupInfo{}, false, nil
	case err != nil:
		return GroupInfo{}, false, xerr.NewStorage(xerr.IOError, err)
	}
	copy(g.GroupID[:], groupRaw)
	copy(g.BlindedAddressSecret[:], secretRaw)
	return g, true, nil
}

// MessageKind enumerates the messages.kind column.
type MessageKind uint8

const (
	MessageKindText MessageKind = iota
	MessageKindSystem
)

// Message is one row of the messages table.
type Message struct {
	ID                int64
	GroupID           ids.GroupIdentifier
	Sender            ids.AccountId
	ServerTimestamp   int64
	ReceivedTimestamp int64
	Kind              MessageKind
	Content           []byte
	ReplyTo           *int64
}

// AddMessage inserts a message row, returning its assigned id.
func (s *Store) AddMessage(ctx context.Context, m Message) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (group_id, sender, server_timestamp, received_timestamp, kind, content, reply_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID[:], m.Sender[:], m.ServerTimestamp, m.ReceivedTimestamp, uint8(m.Kind), m.Content, m.ReplyTo,
	)
	if err != nil {
		return 0, xerr.NewStorage(xerr.IOError, fmt.Errorf("store: add message: %w", err))
	}
	return res.LastInsertId()
}

// MessagesForward returns up to limit messages for groupID with id greater
// than afterID, ascending.
func (s *Store) MessagesForward(ctx context.Context, groupID ids.GroupIdentifier, afterID int64, limit int) ([]Message, error) {
	return s.messagesQuery(ctx,
		`SELECT id, group_id, sender, server_timestamp, received_timestamp, kind, content, reply_to
		 FROM messages WHERE group_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		groupID[:], afterID, limit,
	)
}

// MessagesBackward returns up to limit messages for groupID with id less
// than beforeID, descending (most recent first).
func (s *Store) MessagesBackward(ctx context.Context, groupID ids.GroupIdentifier, beforeID int64, limit int) ([]Message, error) {
	return s.messagesQuery(ctx,
		`SELECT id, group_id, sender, server_timestamp, received_timestamp, kind, content, reply_to
		 FROM messages WHERE group_id = ? AND id < ? ORDER BY id DESC LIMIT ?`,
		groupID[:], beforeID, limit,
	)
}

func (s *Store) messagesQuery(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerr.NewStorage(xerr.IOError, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var groupRaw, senderRaw []byte
		var kind uint8
		if err := rows.Scan(&m.ID, &groupRaw, &senderRaw, &m.ServerTimestamp, &m.ReceivedTimestamp, &kind, &m.Content, &m.ReplyTo); err != nil {
			return nil, xerr.NewStorage(xerr.IOError, err)
		}
		copy(m.GroupID[:], groupRaw)
		copy(m.Sender[:], senderRaw)
		m.Kind = MessageKind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, xerr.NewStorage(xerr.IOError, err)
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
)

// migrations holds one transactional step per schema version, applied in
// order by Store.migrate. Prior migrations are never deleted; an old
// install upgrades by replaying every step after its recorded version.
var migrations = map[int]func(ctx context.Context, tx *sql.Tx) error{
	1: migrateV1,
	2: migrateV2,
}

// migrateV1 creates the profile, contacts, group_info, and messages
// tables.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE profile (
			blob BLOB NOT NULL
		)`,
		`CREATE TABLE contacts (
			account_id BLOB PRIMARY KEY,
			username TEXT,
			display_name TEXT,
			description TEXT
		)`,
		`CREATE TABLE group_info (
			group_id BLOB NOT NULL,
			epoch_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			blinded_address_secret BLOB NOT NULL,
			PRIMARY KEY (group_id, epoch_id)
		)`,
		`CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id BLOB NOT NULL,
			sender BLOB NOT NULL,
			server_timestamp INTEGER NOT NULL,
			received_timestamp INTEGER NOT NULL,
			kind INTEGER NOT NULL,
			content BLOB NOT NULL,
			reply_to INTEGER
		)`,
		`CREATE INDEX messages_group_id_idx ON messages (group_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds the opaque mls_state table reserved for an MLS engine's
// own persisted ratchet/roster state. Its schema is a single blob column:
// the content format belongs to the engine, not this store. Nothing in
// this repository reads or writes the table yet; internal/mls/simengine
// keeps its state in memory only.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `CREATE TABLE mls_state (
		group_id BLOB NOT NULL,
		epoch_id INTEGER NOT NULL,
		blob BLOB NOT NULL,
		PRIMARY KEY (group_id, epoch_id)
	)`)
	return err
}

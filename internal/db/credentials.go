package db

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LoadToken returns the persisted session token, or "" if none is stored.
func (db *DB) LoadToken(ctx context.Context) (string, error) {
	var token string
	err := db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE credential_id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, err
}

// SaveToken replaces the persisted session token.
func (db *DB) SaveToken(ctx context.Context, token string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (credential_id, token, updated_unix_ms) VALUES (1, ?, ?)
		ON CONFLICT (credential_id) DO UPDATE SET
			token = excluded.token,
			updated_unix_ms = excluded.updated_unix_ms`,
		token, time.Now().UnixMilli(),
	)
	return err
}

// DeleteToken removes the persisted session token. Deleting when nothing
// is stored is not an error.
func (db *DB) DeleteToken(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM credentials WHERE credential_id = 1`)
	return err
}

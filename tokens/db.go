package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultProfile is the row key used when no profile name is configured.
const DefaultProfile = "default"

// DB is a SQLite-backed Store. Tokens are encrypted at rest once a key is
// set with SetEncryptionKey.
type DB struct {
	db      *sql.DB
	profile string
	key     []byte
}

// OpenDB opens (or creates) the SQLite database at path and ensures the
// token table exists. Rows are keyed by profile.
func OpenDB(path, profile string) (*DB, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS session_tokens (
    profile       TEXT PRIMARY KEY,
    access_token  TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    stored_at     TEXT NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db, profile: profile}, nil
}

// SetEncryptionKey enables AES-GCM encryption of stored tokens.
func (d *DB) SetEncryptionKey(key []byte) {
	d.key = key
}

func (d *DB) Load(ctx context.Context) (Pair, error) {
	var access, refresh string
	err := d.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token FROM session_tokens WHERE profile = ?`, d.profile).
		Scan(&access, &refresh)
	if errors.Is(err, sql.ErrNoRows) {
		return Pair{}, nil
	}
	if err != nil {
		return Pair{}, fmt.Errorf("load tokens: %w", err)
	}
	if d.key != nil {
		access = open(d.key, access)
		refresh = open(d.key, refresh)
	}
	return Pair{AccessToken: access, RefreshToken: refresh}, nil
}

func (d *DB) Save(ctx context.Context, p Pair) error {
	if p.IsZero() {
		return d.Clear(ctx)
	}
	access, refresh := p.AccessToken, p.RefreshToken
	if d.key != nil {
		var err error
		if access, err = seal(d.key, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = seal(d.key, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	_, err := d.db.ExecContext(ctx, `INSERT OR REPLACE INTO session_tokens
		(profile, access_token, refresh_token, stored_at) VALUES (?,?,?,?)`,
		d.profile, access, refresh, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

func (d *DB) Clear(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE profile = ?`, d.profile); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// StoredAt returns when the current row was written, or the zero time.
func (d *DB) StoredAt(ctx context.Context) (time.Time, error) {
	var s string
	err := d.db.QueryRowContext(ctx,
		`SELECT stored_at FROM session_tokens WHERE profile = ?`, d.profile).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load stored_at: %w", err)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored_at: %w", err)
	}
	return t, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

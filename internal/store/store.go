// Package store persists the operator's session credential so the
// bridge can restore it across restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsbridge/opsbridge/internal/secret"
)

const dbName = "opsbridge.db"

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	session_id TEXT NOT NULL,
	token BLOB NOT NULL,
	saved_at TEXT NOT NULL
);
`

// Credential is a persisted session identity.
type Credential struct {
	SessionID string
	Token     string
	SavedAt   time.Time
}

// Store is the durable client-side state store. The token is sealed at
// rest with a machine-local key.
type Store struct {
	db      *sql.DB
	keyring *secret.Keyring
}

// Open opens (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	keyring, err := secret.LoadKeyring(dir)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?cache=shared", filepath.Join(dir, dbName))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	return &Store{db: db, keyring: keyring}, nil
}

// Save persists the credential, replacing any previous one.
func (s *Store) Save(sessionID, token string) error {
	sealed, err := s.keyring.Seal([]byte(token))
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO credentials (id, session_id, token, saved_at)
		 VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET session_id = excluded.session_id,
		   token = excluded.token, saved_at = excluded.saved_at`,
		sessionID, sealed, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Load returns the persisted credential, or nil when none is stored.
func (s *Store) Load() (*Credential, error) {
	var (
		sessionID string
		sealed    []byte
		savedAt   string
	)
	err := s.db.QueryRow(
		`SELECT session_id, token, saved_at FROM credentials WHERE id = 1`,
	).Scan(&sessionID, &sealed, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	token, err := s.keyring.Open(sealed)
	if err != nil {
		// A credential we cannot unseal is as good as absent.
		return nil, nil
	}

	cred := &Credential{SessionID: sessionID, Token: string(token)}
	if t, err := time.Parse(time.RFC3339, savedAt); err == nil {
		cred.SavedAt = t
	}
	return cred, nil
}

// Clear removes any persisted credential. Clearing an empty store is not
// an error.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

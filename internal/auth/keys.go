// Package auth manages API keys. Keys are stored as SHA-256 digests and
// looked up by digest; the plaintext exists only in the creation response
// and never reaches logs, audit records or the database.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyPrefix starts every minted key so operators can recognize one.
const KeyPrefix = "chk_"

// APIKey is a stored credential. The digest never leaves the package.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	digest      string     `json:"-"`
	Prefix      string     `json:"prefix"` // first chars for identification
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Disabled    bool       `json:"disabled"`
}

// Can reports whether the key's permission globs admit the tool name.
// Permissions use path.Match syntax: "*" is admin, "get_*" covers the
// read-only surface, exact names cover one tool.
func (k *APIKey) Can(tool string) bool {
	if k == nil || k.Disabled {
		return false
	}
	for _, pattern := range k.Permissions {
		if ok, err := path.Match(pattern, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// Store persists API keys in the shared database.
type Store struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore prepares the api_keys table on the shared database handle.
func NewStore(db *sql.DB, driver string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, driver: driver, logger: logger}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		digest      TEXT NOT NULL,
		prefix      TEXT NOT NULL,
		permissions TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		last_used   TEXT,
		disabled    INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return nil, fmt.Errorf("create api_keys table: %w", err)
	}
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_keys_digest ON api_keys(digest)`)

	return s, nil
}

// Digest returns the hex SHA-256 of a plaintext credential.
func Digest(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Create mints a new key and returns the plaintext exactly once. When
// material is non-empty it is used verbatim instead of random bytes
// (bootstrap from COHORT_ADMIN_KEY).
func (s *Store) Create(name string, permissions []string, material string) (*APIKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plain := material
	if plain == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, "", fmt.Errorf("generate key: %w", err)
		}
		plain = KeyPrefix + hex.EncodeToString(raw)
	}
	if len(permissions) == 0 {
		return nil, "", fmt.Errorf("key needs at least one permission")
	}
	for _, p := range permissions {
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, "", fmt.Errorf("bad permission glob %q: %w", p, err)
		}
	}

	prefix := plain
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}

	now := time.Now().UTC()
	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		digest:      Digest(plain),
		Prefix:      prefix,
		Permissions: permissions,
		CreatedAt:   now,
	}

	perms, _ := json.Marshal(permissions)
	_, err := s.db.Exec(s.q(`INSERT INTO api_keys (id, name, digest, prefix, permissions, created_at, disabled)
		VALUES (?, ?, ?, ?, ?, ?, 0)`),
		key.ID, key.Name, key.digest, key.Prefix, string(perms), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}

	return key, plain, nil
}

// Authenticate resolves a plaintext credential to its key. Unknown or
// disabled keys fail. last_used is updated asynchronously so the hot path
// never waits on the write.
func (s *Store) Authenticate(plain string) (*APIKey, error) {
	if strings.TrimSpace(plain) == "" {
		return nil, fmt.Errorf("empty credential")
	}
	key, err := s.getByDigest(Digest(plain))
	if err != nil {
		return nil, err
	}
	if key.Disabled {
		return nil, fmt.Errorf("key disabled")
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	go func() {
		if _, err := s.db.Exec(s.q(`UPDATE api_keys SET last_used = ? WHERE id = ?`),
			now.Format(time.RFC3339Nano), key.ID); err != nil {
			s.logger.Debug("last_used update failed", zap.Error(err))
		}
	}()

	return key, nil
}

func (s *Store) getByDigest(digest string) (*APIKey, error) {
	row := s.db.QueryRow(s.q(`SELECT id, name, digest, prefix, permissions, created_at, last_used, disabled
		FROM api_keys WHERE digest = ?`), digest)
	return scanKey(row)
}

// Get returns a key by id, without its digest.
func (s *Store) Get(id string) (*APIKey, error) {
	row := s.db.QueryRow(s.q(`SELECT id, name, digest, prefix, permissions, created_at, last_used, disabled
		FROM api_keys WHERE id = ?`), id)
	return scanKey(row)
}

// List returns all keys, newest first.
func (s *Store) List() ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, name, digest, prefix, permissions, created_at, last_used, disabled
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			continue
		}
		k.digest = ""
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

// Disable revokes a key.
func (s *Store) Disable(id string) error {
	res, err := s.db.Exec(s.q(`UPDATE api_keys SET disabled = 1 WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Count returns the number of stored keys.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// Bootstrap ensures at least one admin key exists. With an empty table it
// mints one (from material when provided) and returns the plaintext so
// main can print it to the operator exactly once. Otherwise it returns "".
func (s *Store) Bootstrap(material string) (string, error) {
	n, err := s.Count()
	if err != nil {
		return "", fmt.Errorf("count keys: %w", err)
	}
	if n > 0 {
		return "", nil
	}
	_, plain, err := s.Create("admin", []string{"*"}, material)
	if err != nil {
		return "", fmt.Errorf("bootstrap admin key: %w", err)
	}
	s.logger.Info("admin api key minted", zap.String("permissions", "*"))
	return plain, nil
}

// q rebinds ? placeholders for the postgres dialect.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(sc scanner) (*APIKey, error) {
	var (
		k                APIKey
		perms, createdAt string
		lastUsed         sql.NullString
		disabled         int
	)
	if err := sc.Scan(&k.ID, &k.Name, &k.digest, &k.Prefix, &perms, &createdAt, &lastUsed, &disabled); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(perms), &k.Permissions)
	k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if lastUsed.Valid && lastUsed.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			k.LastUsedAt = &t
		}
	}
	k.Disabled = disabled == 1
	return &k, nil
}

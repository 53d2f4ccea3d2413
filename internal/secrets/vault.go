// Package secrets provides an encrypted credential vault for the service's
// operational secrets: the reasoning API key, the audit signing key, HTTP
// bearer keys. Values are encrypted at rest with AES-256-GCM and stored in
// SQLite. Each credential carries a scope restricting which components may
// read it, and every access attempt, allowed or denied, is logged.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/secrets")

var (
	// ErrCredentialNotFound is returned when a credential name does not exist.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrAccessDenied is returned when the requesting component is outside
	// the credential's scope. The denial is still logged.
	ErrAccessDenied = errors.New("credential access denied by scope")
	// ErrInvalidEncryptionKey is returned when the vault key is not exactly
	// 32 bytes (required for AES-256).
	ErrInvalidEncryptionKey = errors.New("invalid encryption key")
)

// Vault manages encrypted credentials with scope enforcement and access
// logging.
type Vault struct {
	db  *sql.DB
	gcm cipher.AEAD
}

// Credential is a decrypted credential with metadata.
type Credential struct {
	Name        string
	Value       []byte
	Scope       Scope
	CreatedAt   time.Time
	AccessedAt  time.Time
	AccessCount int
}

// Metadata is the public view of a credential, without the value.
type Metadata struct {
	Name        string    `json:"name"`
	Scope       Scope     `json:"scope"`
	CreatedAt   time.Time `json:"created_at"`
	AccessedAt  time.Time `json:"accessed_at"`
	AccessCount int       `json:"access_count"`
}

// AccessRecord is one entry in the credential access log.
type AccessRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// Open creates (or opens) a vault backed by SQLite. The encryption key must
// be 32 raw bytes or 64 hex characters decoding to 32 bytes.
func Open(dbPath, encryptionKey string) (*Vault, error) {
	keyBytes, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		name TEXT PRIMARY KEY,
		encrypted_value TEXT NOT NULL,
		nonce TEXT NOT NULL,
		scope_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		accessed_at TIMESTAMP,
		access_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS credential_access_log (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		component TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		allowed BOOLEAN NOT NULL,
		reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cred_access_name ON credential_access_log(name);
	CREATE INDEX IF NOT EXISTS idx_cred_access_timestamp ON credential_access_log(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	block, err := aes.NewCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Vault{db: db, gcm: gcm}, nil
}

func resolveEncryptionKey(key string) ([]byte, error) {
	if len(key) == 64 && isHex(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("encryption key hex must decode to 32 bytes: %w", ErrInvalidEncryptionKey)
		}
		return decoded, nil
	}
	if len(key) == 32 {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must be 32 bytes or 64 hex characters (got %d): %w", len(key), ErrInvalidEncryptionKey)
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Set stores an encrypted credential. Upserts on conflict.
func (v *Vault) Set(ctx context.Context, name string, value []byte, scope Scope) error {
	ctx, span := tracer.Start(ctx, "secrets.set",
		trace.WithAttributes(attribute.String("credential.name", name)))
	defer span.End()

	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		span.RecordError(err)
		return fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := v.gcm.Seal(nil, nonce, value, nil)
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshalling scope: %w", err)
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO credentials (name, encrypted_value, nonce, scope_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			nonce = excluded.nonce,
			scope_json = excluded.scope_json`,
		name,
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(nonce),
		string(scopeJSON),
		time.Now().UTC(),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Get retrieves and decrypts a credential for the named component after
// checking its scope. Both outcomes are logged.
func (v *Vault) Get(ctx context.Context, name, component string) (*Credential, error) {
	ctx, span := tracer.Start(ctx, "secrets.get",
		trace.WithAttributes(
			attribute.String("credential.name", name),
			attribute.String("credential.component", component),
		))
	defer span.End()

	var encryptedValue, nonceB64, scopeJSON string
	var createdAt, accessedAt sql.NullTime
	var accessCount int
	err := v.db.QueryRowContext(ctx,
		`SELECT encrypted_value, nonce, scope_json, created_at, accessed_at, access_count
		 FROM credentials WHERE name = ?`, name,
	).Scan(&encryptedValue, &nonceB64, &scopeJSON, &createdAt, &accessedAt, &accessCount)
	if err == sql.ErrNoRows {
		v.logAccess(ctx, name, component, false, "credential not found")
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	var scope Scope
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("unmarshalling scope: %w", err)
	}

	if !scope.Allows(component) {
		v.logAccess(ctx, name, component, false, "scope denied")
		span.SetStatus(codes.Error, "scope denied")
		return nil, fmt.Errorf("component %s not authorized for credential %s: %w", component, name, ErrAccessDenied)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decrypting credential: %w", err)
	}

	now := time.Now().UTC()
	_, _ = v.db.ExecContext(ctx,
		`UPDATE credentials SET accessed_at = ?, access_count = access_count + 1 WHERE name = ?`,
		now, name)
	v.logAccess(ctx, name, component, true, "")

	return &Credential{
		Name:        name,
		Value:       plaintext,
		Scope:       scope,
		CreatedAt:   createdAt.Time,
		AccessedAt:  now,
		AccessCount: accessCount + 1,
	}, nil
}

// List returns metadata for all stored credentials.
func (v *Vault) List(ctx context.Context) ([]Metadata, error) {
	ctx, span := tracer.Start(ctx, "secrets.list")
	defer span.End()

	rows, err := v.db.QueryContext(ctx,
		`SELECT name, scope_json, created_at, accessed_at, access_count FROM credentials ORDER BY name`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var results []Metadata
	for rows.Next() {
		var name, scopeJSON string
		var createdAt, accessedAt sql.NullTime
		var accessCount int
		if err := rows.Scan(&name, &scopeJSON, &createdAt, &accessedAt, &accessCount); err != nil {
			return nil, fmt.Errorf("scanning credential: %w", err)
		}
		var scope Scope
		if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
			return nil, fmt.Errorf("unmarshalling scope for %s: %w", name, err)
		}
		results = append(results, Metadata{
			Name:        name,
			Scope:       scope,
			CreatedAt:   createdAt.Time,
			AccessedAt:  accessedAt.Time,
			AccessCount: accessCount,
		})
	}
	return results, rows.Err()
}

// Rotate re-encrypts an existing credential with a fresh nonce.
func (v *Vault) Rotate(ctx context.Context, name string) error {
	ctx, span := tracer.Start(ctx, "secrets.rotate",
		trace.WithAttributes(attribute.String("credential.name", name)))
	defer span.End()

	var encryptedValue, nonceB64, scopeJSON string
	err := v.db.QueryRowContext(ctx,
		`SELECT encrypted_value, nonce, scope_json FROM credentials WHERE name = ?`, name,
	).Scan(&encryptedValue, &nonceB64, &scopeJSON)
	if err == sql.ErrNoRows {
		return ErrCredentialNotFound
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("querying credential: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encryptedValue)
	if err != nil {
		return fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return fmt.Errorf("decoding nonce: %w", err)
	}
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("decrypting for rotation: %w", err)
	}

	var scope Scope
	if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
		return fmt.Errorf("unmarshalling scope: %w", err)
	}
	return v.Set(ctx, name, plaintext, scope)
}

func (v *Vault) logAccess(ctx context.Context, name, component string, allowed bool, reason string) {
	_, _ = v.db.ExecContext(ctx,
		`INSERT INTO credential_access_log (id, name, component, timestamp, allowed, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), name, component, time.Now().UTC(), allowed, reason)
}

// AccessLog returns access records, newest first. Empty name means all
// credentials; limit <= 0 means no limit.
func (v *Vault) AccessLog(ctx context.Context, name string, limit int) ([]AccessRecord, error) {
	ctx, span := tracer.Start(ctx, "secrets.access_log")
	defer span.End()

	query := `SELECT id, name, component, timestamp, allowed, reason FROM credential_access_log`
	args := []interface{}{}
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var records []AccessRecord
	for rows.Next() {
		var r AccessRecord
		var reason sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &r.Component, &r.Timestamp, &r.Allowed, &reason); err != nil {
			return nil, fmt.Errorf("scanning access record: %w", err)
		}
		r.Reason = reason.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// Package audit persists the terminal outcome of every guarded query and
// every decision cycle in SQLite, each record HMAC-signed. Only terminal
// verdicts are written: a query records one row naming the stage that
// decided it, never one row per stage.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/RomainBuono/Emergency-manager/internal/guard"
	"github.com/RomainBuono/Emergency-manager/internal/orchestrator"
	emotel "github.com/RomainBuono/Emergency-manager/internal/otel"
)

var tracer = emotel.Tracer("github.com/RomainBuono/Emergency-manager/internal/audit")

// ErrSignatureInvalid marks an audit record whose stored signature does not
// match its content: the row was altered after it was written.
var ErrSignatureInvalid = errors.New("audit record signature invalid")

// QueryRecord is the audit record for one guarded query.
type QueryRecord struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      string        `json:"kind"` // "query", "intent", "cycle"
	Query     string        `json:"query"`
	Verdict   guard.Verdict `json:"verdict"`
	Protocol  string        `json:"protocol,omitempty"`
	LatencyMS int64         `json:"latency_ms"`
	Signature string        `json:"signature,omitempty"`
}

// Store persists audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens the audit database and creates the schema.
func NewStore(dbPath, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS query_audit (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		kind TEXT NOT NULL,
		allowed INTEGER NOT NULL,
		stage TEXT NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		patient_id TEXT,
		action TEXT,
		no_action INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_query_audit_timestamp ON query_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_query_audit_stage ON query_audit(stage);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_patient ON decisions(patient_id);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordQuery saves a signed query audit record.
func (s *Store) RecordQuery(ctx context.Context, rec *QueryRecord) error {
	ctx, span := tracer.Start(ctx, "audit.record_query",
		trace.WithAttributes(
			attribute.String("audit.id", rec.ID),
			attribute.String("audit.stage", string(rec.Verdict.Stage)),
		))
	defer span.End()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling audit record: %w", err)
	}
	signature, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing audit record: %w", err)
	}
	rec.Signature = signature
	signed, _ := json.Marshal(rec)

	allowed := 0
	if rec.Verdict.Allowed {
		allowed = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_audit (id, timestamp, kind, allowed, stage, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.Kind, allowed, string(rec.Verdict.Stage), string(signed), signature,
	)
	if err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}
	return nil
}

// RecordDecision saves a signed decision record. Implements
// orchestrator.DecisionSink.
func (s *Store) RecordDecision(ctx context.Context, dec *orchestrator.Decision) error {
	ctx, span := tracer.Start(ctx, "audit.record_decision",
		trace.WithAttributes(attribute.String("audit.id", dec.ID)))
	defer span.End()

	payload, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshalling decision record: %w", err)
	}
	signature, err := s.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("signing decision record: %w", err)
	}

	action := ""
	if dec.Action != nil {
		action = string(dec.Action.Name)
	}
	noAction := 0
	if dec.NoAction {
		noAction = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, timestamp, patient_id, action, no_action, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.At, dec.PatientID, action, noAction, string(payload), signature,
	)
	if err != nil {
		return fmt.Errorf("storing decision record: %w", err)
	}
	return nil
}

// GetQuery retrieves one query audit record and verifies its signature.
func (s *Store) GetQuery(ctx context.Context, id string) (*QueryRecord, error) {
	var recordJSON, signature string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json, signature FROM query_audit WHERE id = ?`, id,
	).Scan(&recordJSON, &signature)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}

	var rec QueryRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshalling audit record: %w", err)
	}
	if !s.VerifySignature(&rec) {
		return nil, fmt.Errorf("audit record %s: %w", id, ErrSignatureInvalid)
	}
	return &rec, nil
}

// ListQueries returns query audit records, newest first, optionally filtered
// by blocking stage.
func (s *Store) ListQueries(ctx context.Context, stage string, limit int) ([]QueryRecord, error) {
	ctx, span := tracer.Start(ctx, "audit.list_queries")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT record_json FROM query_audit`
	args := []interface{}{}
	if stage != "" {
		query += ` WHERE stage = ?`
		args = append(args, stage)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		var rec QueryRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshalling audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListDecisions returns decision records, newest first.
func (s *Store) ListDecisions(ctx context.Context, limit int) ([]orchestrator.Decision, error) {
	ctx, span := tracer.Start(ctx, "audit.list_decisions")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_json FROM decisions ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []orchestrator.Decision
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scanning decision record: %w", err)
		}
		var dec orchestrator.Decision
		if err := json.Unmarshal([]byte(recordJSON), &dec); err != nil {
			return nil, fmt.Errorf("unmarshalling decision record: %w", err)
		}
		decisions = append(decisions, dec)
	}
	return decisions, rows.Err()
}

package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// ExportRecord flattens a query audit row for compliance export. Original
// verdict fields first, integrity verification last.
type ExportRecord struct {
	ID             string  `json:"id"`
	Timestamp      string  `json:"timestamp"`
	Kind           string  `json:"kind"`
	Query          string  `json:"query"`
	Allowed        bool    `json:"allowed"`
	Stage          string  `json:"stage,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Protocol       string  `json:"protocol,omitempty"`
	ThreatScore    float64 `json:"threat_score"`
	Similarity     float64 `json:"similarity"`
	LatencyMS      int64   `json:"latency_ms"`
	SignatureValid bool    `json:"signature_valid"`
}

func toExportRecord(rec QueryRecord, valid bool) ExportRecord {
	return ExportRecord{
		ID:             rec.ID,
		Timestamp:      rec.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Kind:           rec.Kind,
		Query:          rec.Query,
		Allowed:        rec.Verdict.Allowed,
		Stage:          string(rec.Verdict.Stage),
		Reason:         rec.Verdict.Reason,
		Protocol:       rec.Protocol,
		ThreatScore:    rec.Verdict.ThreatScore,
		Similarity:     rec.Verdict.Similarity,
		LatencyMS:      rec.LatencyMS,
		SignatureValid: valid,
	}
}

// VerifySignature recomputes the record's HMAC and compares it to the stored
// signature. The signature covers the record with its Signature field empty.
func (s *Store) VerifySignature(rec *QueryRecord) bool {
	sig := rec.Signature
	if sig == "" {
		return false
	}
	stripped := *rec
	stripped.Signature = ""
	payload, err := json.Marshal(&stripped)
	if err != nil {
		return false
	}
	return s.signer.Verify(payload, sig)
}

// Export writes query audit records to w as JSON lines or CSV, newest first,
// each carrying the outcome of its signature check. Returns the number of
// records written.
func (s *Store) Export(ctx context.Context, w io.Writer, format string, limit int) (int, error) {
	records, err := s.ListQueries(ctx, "", limit)
	if err != nil {
		return 0, err
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(toExportRecord(rec, s.VerifySignature(&rec))); err != nil {
				return 0, fmt.Errorf("encoding export record: %w", err)
			}
		}
	case "csv":
		cw := csv.NewWriter(w)
		header := []string{"id", "timestamp", "kind", "query", "allowed", "stage", "reason", "protocol", "threat_score", "similarity", "latency_ms", "signature_valid"}
		if err := cw.Write(header); err != nil {
			return 0, fmt.Errorf("writing CSV header: %w", err)
		}
		for _, rec := range records {
			e := toExportRecord(rec, s.VerifySignature(&rec))
			row := []string{
				e.ID, e.Timestamp, e.Kind, e.Query,
				strconv.FormatBool(e.Allowed), e.Stage, e.Reason, e.Protocol,
				strconv.FormatFloat(e.ThreatScore, 'f', 6, 64),
				strconv.FormatFloat(e.Similarity, 'f', 6, 64),
				strconv.FormatInt(e.LatencyMS, 10),
				strconv.FormatBool(e.SignatureValid),
			}
			if err := cw.Write(row); err != nil {
				return 0, fmt.Errorf("writing CSV row: %w", err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return 0, fmt.Errorf("flushing CSV: %w", err)
		}
	default:
		return 0, fmt.Errorf("unknown export format %q (want json or csv)", format)
	}

	return len(records), nil
}

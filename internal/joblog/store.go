// Package joblog keeps an audit trail of finished jobs in SQLite.
package joblog

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/rota/internal/dispatch"
)

// Fixed-width UTC timestamps so text comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultRecentLimit caps Recent when no positive limit is given.
const DefaultRecentLimit = 50

// Record is one stored job outcome. Payloads are kept as digests only.
type Record struct {
	JobID         string    `json:"job_id"`
	Capability    string    `json:"capability"`
	WorkerID      string    `json:"worker_id,omitempty"`
	Matched       bool      `json:"matched"`
	Status        string    `json:"status"`
	PayloadDigest string    `json:"payload_digest,omitempty"`
	ResultDigest  string    `json:"result_digest,omitempty"`
	PayloadBytes  int       `json:"payload_bytes"`
	ResultBytes   int       `json:"result_bytes"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	Error         string    `json:"error,omitempty"`
}

// Store writes and reads job records. It implements dispatch.Recorder.
type Store struct {
	db *sql.DB
}

var _ dispatch.Recorder = (*Store)(nil)

// NewStore wraps a database bootstrapped by storage.OpenSQLite.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Digest returns the BLAKE3 digest of b as "blake3:<hex>", or "" for no data.
func Digest(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := blake3.Sum256(b)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Record stores one outcome.
func (s *Store) Record(ctx context.Context, o dispatch.Outcome) error {
	if o.JobID == "" {
		return fmt.Errorf("job id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_log (
  id, capability, worker_id, matched, status,
  payload_digest, result_digest, payload_bytes, result_bytes,
  started_at, completed_at, last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		o.JobID,
		o.Capability,
		nullString(o.WorkerID),
		o.Matched,
		o.Status,
		nullString(Digest(o.Payload)),
		nullString(Digest(o.Result)),
		len(o.Payload),
		len(o.Result),
		formatTime(o.StartedAt),
		formatTime(o.CompletedAt),
		nullString(o.Error),
	)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, capability, worker_id, matched, status,
       payload_digest, result_digest, payload_bytes, result_bytes,
       started_at, completed_at, last_error
FROM job_log
ORDER BY completed_at DESC, id DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                          Record
			workerID, pDigest, rDigest sql.NullString
			lastErr                    sql.NullString
			started, completed         string
		)
		if err := rows.Scan(
			&r.JobID, &r.Capability, &workerID, &r.Matched, &r.Status,
			&pDigest, &rDigest, &r.PayloadBytes, &r.ResultBytes,
			&started, &completed, &lastErr,
		); err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		r.WorkerID = workerID.String
		r.PayloadDigest = pDigest.String
		r.ResultDigest = rDigest.String
		r.Error = lastErr.String
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at for job %s: %w", r.JobID, err)
		}
		if r.CompletedAt, err = time.Parse(timeLayout, completed); err != nil {
			return nil, fmt.Errorf("parse completed_at for job %s: %w", r.JobID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// Prune deletes records completed before the cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM job_log WHERE completed_at < ?;", formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune job_log rows affected: %w", err)
	}
	return n, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

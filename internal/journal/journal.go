// Package journal persists terminal job outcomes to the local SQLite
// database. It exists for operators and the status API; the agent never
// reads it back to make decisions, and a journal failure never fails a job.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lkhq/spark/internal/log"
)

// Entry is one journaled outcome. A job can appear more than once: an orphan
// failure report and a late real result are separate entries.
type Entry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	WorkerID   int       `json:"worker_id"`
	Output     string    `json:"output,omitempty"`
	Digest     string    `json:"output_digest,omitempty"`
	ErrorInfo  string    `json:"error_info,omitempty"`
	Orphaned   bool      `json:"orphaned"`
	Relayed    bool      `json:"relayed"`
	Session    string    `json:"session,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// timeLayout keeps fractional seconds fixed-width, so the TEXT column's
// lexicographic order is chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal writes and reads entries.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an opened journal database.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: log.WithComponent("journal")}
}

// Append inserts one entry, assigning an ID and timestamp when absent, and
// returns the entry ID.
func (j *Journal) Append(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now().UTC()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_journal
		   (id, job_id, status, worker_id, output, output_digest, error_info, orphaned, relayed, session, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, e.Status, e.WorkerID, e.Output, e.Digest, e.ErrorInfo,
		boolToInt(e.Orphaned), boolToInt(e.Relayed), e.Session,
		e.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("append journal entry for job %s: %w", e.JobID, err)
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, job_id, status, worker_id, output, output_digest, error_info, orphaned, relayed, session, finished_at
		   FROM job_journal ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent journal entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ForJob returns every entry recorded for jobID, oldest first.
func (j *Journal) ForJob(ctx context.Context, jobID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, job_id, status, worker_id, output, output_digest, error_info, orphaned, relayed, session, finished_at
		   FROM job_journal WHERE job_id = ? ORDER BY finished_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query journal entries for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Prune deletes entries older than the retention window and returns how many
// went.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)

	res, err := j.db.ExecContext(ctx, `DELETE FROM job_journal WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal: rows affected: %w", err)
	}
	if n > 0 {
		j.logger.Info("pruned journal entries", "deleted", n, "retention", retention)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			orphaned int
			relayed  int
			finished string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.WorkerID, &e.Output,
			&e.Digest, &e.ErrorInfo, &orphaned, &relayed, &e.Session, &finished); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Orphaned = orphaned != 0
		e.Relayed = relayed != 0
		ts, err := time.Parse(time.RFC3339Nano, finished)
		if err != nil {
			return nil, fmt.Errorf("parse finished_at %q: %w", finished, err)
		}
		e.FinishedAt = ts
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

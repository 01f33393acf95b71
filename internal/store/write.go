package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/demandflow/internal/trace"
)

// Run describes one pipeline run.
type Run struct {
	ID           string
	Topology     string
	TopologyHash string
	Stages       int
	StartedAt    time.Time
	Status       RunStatus
	Error        string
}

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
)

// WriteRun inserts a run. Uses ON CONFLICT(id) DO NOTHING: re-registering
// a run is a no-op.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, topology, topology_hash, stages, started_at, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Topology,
		run.TopologyHash,
		run.Stages,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		string(run.Status),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// FinishRun records a run's outcome. A nil runErr means RunOK.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	status, msg := RunOK, ""
	if runErr != nil {
		status, msg = RunFailed, runErr.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ? WHERE id = ?
	`, string(status), msg, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: %w: %s", ErrNotFound, runID)
	}
	return nil
}

// WriteRecord appends a trace record to its run.
// Uses ON CONFLICT DO NOTHING for idempotency: the same (run, seq) written
// twice keeps the first copy.
func (s *Store) WriteRecord(ctx context.Context, r trace.Record) error {
	id, err := recordID(r.RunID, r.Seq, string(r.Kind))
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_records
		(id, run_id, seq, kind, stage, peer, subscription_id, count, events, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		id,
		r.RunID,
		r.Seq,
		string(r.Kind),
		r.Stage,
		r.Peer,
		r.SubscriptionID,
		r.Count,
		marshalEvents(r.Events),
		r.Reason,
	)
	if err != nil {
		return fmt.Errorf("write record seq=%d: %w", r.Seq, err)
	}
	return nil
}

// WriteRecords appends a batch of records in one transaction.
func (s *Store) WriteRecords(ctx context.Context, records []trace.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write records: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_records
		(id, run_id, seq, kind, stage, peer, subscription_id, count, events, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("write records: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		id, err := recordID(r.RunID, r.Seq, string(r.Kind))
		if err != nil {
			return fmt.Errorf("write records: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			id, r.RunID, r.Seq, string(r.Kind), r.Stage, r.Peer,
			r.SubscriptionID, r.Count, marshalEvents(r.Events), r.Reason,
		); err != nil {
			return fmt.Errorf("write records seq=%d: %w", r.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write records: commit: %w", err)
	}
	return nil
}

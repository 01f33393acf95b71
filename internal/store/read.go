package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/demandflow/internal/trace"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// ReadRun returns one run.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topology, topology_hash, stages, started_at, status, error
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns every run, oldest first. Run IDs are UUIDv7, so ID order
// is start order.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topology, topology_hash, stages, started_at, status, error
		FROM runs
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topology, topology_hash, stages, started_at, status, error
		FROM runs
		ORDER BY id COLLATE BINARY DESC
		LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return run, err
}

// RecordFilter narrows ReadRecords. Zero values match everything.
type RecordFilter struct {
	Kind  trace.Kind
	Stage string
}

// ReadRecords returns a run's records ordered by seq ASC, id ASC.
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ReadRecords(ctx context.Context, runID string, f RecordFilter) ([]trace.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, stage, peer, subscription_id, count, events, reason
		FROM trace_records
		WHERE run_id = ?
		  AND (? = '' OR kind = ?)
		  AND (? = '' OR stage = ?)
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID, string(f.Kind), string(f.Kind), f.Stage, f.Stage)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []trace.Record{}
	for rows.Next() {
		var (
			r      trace.Record
			kind   string
			events string
		)
		if err := rows.Scan(&r.RunID, &r.Seq, &kind, &r.Stage, &r.Peer,
			&r.SubscriptionID, &r.Count, &events, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Kind = trace.Kind(kind)
		if r.Events, err = unmarshalEvents(events); err != nil {
			return nil, fmt.Errorf("record seq=%d: %w", r.Seq, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// CountRecords returns the number of records per kind for a run.
func (s *Store) CountRecords(ctx context.Context, runID string) (map[trace.Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM trace_records
		WHERE run_id = ?
		GROUP BY kind
		ORDER BY kind
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[trace.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[trace.Kind(kind)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run     Run
		started string
		status  string
	)
	if err := row.Scan(&run.ID, &run.Topology, &run.TopologyHash, &run.Stages, &started, &status, &run.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return Run{}, fmt.Errorf("run %s: parse started_at: %w", run.ID, err)
	}
	run.StartedAt = t
	run.Status = RunStatus(status)
	return run, nil
}

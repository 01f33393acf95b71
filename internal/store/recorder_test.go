package store

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/demandflow/internal/trace"
)

func TestRecorder_CloseDrains(t *testing.T) {
	s := openTestStore(t)
	writeTestRun(t, s, "run-1")

	rec := NewRecorder(s, WithRecorderBuffer(8), WithRecorderLogger(slog.New(slog.DiscardHandler)))
	var sink trace.Sink = rec

	for i := 1; i <= 1000; i++ {
		sink.Record(trace.Record{Seq: int64(i), RunID: "run-1", Kind: trace.KindEvents, Stage: "src", Count: 1, Events: []any{i}})
	}
	require.NoError(t, rec.Close())

	records, err := s.ReadRecords(context.Background(), "run-1", RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1000)
	assert.Equal(t, []any{int64(1000)}, records[999].Events)
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	s := openTestStore(t)
	writeTestRun(t, s, "run-1")

	rec := NewRecorder(s)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close(), "second close")

	rec.Record(trace.Record{Seq: 1, RunID: "run-1", Kind: trace.KindAsk})

	records, err := s.ReadRecords(context.Background(), "run-1", RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRecorder_ReportsWriteErrors(t *testing.T) {
	s := openTestStore(t)

	rec := NewRecorder(s, WithRecorderLogger(slog.New(slog.DiscardHandler)))
	rec.Record(trace.Record{Seq: 1, RunID: "no-such-run", Kind: trace.KindAsk})

	assert.Error(t, rec.Close())
}

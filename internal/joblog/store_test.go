package joblog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "rota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func outcome(id, status string, completed time.Time) dispatch.Outcome {
	return dispatch.Outcome{
		JobID:       id,
		Capability:  "grill",
		WorkerID:    "W1",
		Matched:     true,
		Status:      status,
		Payload:     json.RawMessage(`{"steak":"rare"}`),
		Result:      json.RawMessage(`{"plated":true}`),
		StartedAt:   completed.Add(-time.Second),
		CompletedAt: completed,
	}
}

func TestDigest(t *testing.T) {
	assert.Empty(t, Digest(nil))
	d := Digest([]byte(`{"a":1}`))
	assert.True(t, strings.HasPrefix(d, "blake3:"))
	assert.Len(t, d, len("blake3:")+64)
	assert.Equal(t, d, Digest([]byte(`{"a":1}`)))
	assert.NotEqual(t, d, Digest([]byte(`{"a":2}`)))
}

func TestStore_RecordAndRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, outcome("job-1", dispatch.StatusSucceeded, base)))
	require.NoError(t, s.Record(ctx, outcome("job-2", dispatch.StatusSucceeded, base.Add(time.Minute))))

	failed := dispatch.Outcome{
		JobID:       "job-3",
		Capability:  "salad",
		Status:      dispatch.StatusNoStaff,
		Payload:     json.RawMessage(`{}`),
		Error:       "no staff available",
		StartedAt:   base.Add(2 * time.Minute),
		CompletedAt: base.Add(2 * time.Minute),
	}
	require.NoError(t, s.Record(ctx, failed))

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"job-3", "job-2", "job-1"}, []string{recs[0].JobID, recs[1].JobID, recs[2].JobID})

	assert.Equal(t, dispatch.StatusNoStaff, recs[0].Status)
	assert.Empty(t, recs[0].WorkerID)
	assert.Empty(t, recs[0].ResultDigest)
	assert.Equal(t, "no staff available", recs[0].Error)

	assert.Equal(t, "W1", recs[2].WorkerID)
	assert.True(t, recs[2].Matched)
	assert.Equal(t, Digest([]byte(`{"steak":"rare"}`)), recs[2].PayloadDigest)
	assert.Equal(t, len(`{"plated":true}`), recs[2].ResultBytes)
	assert.True(t, base.Equal(recs[2].CompletedAt))

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "job-3", limited[0].JobID)
}

func TestStore_RecordRejectsMissingID(t *testing.T) {
	s := openStore(t)
	err := s.Record(context.Background(), dispatch.Outcome{Capability: "grill"})
	assert.Error(t, err)
}

func TestStore_RecordDuplicateID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Record(ctx, outcome("job-1", dispatch.StatusSucceeded, now)))
	assert.Error(t, s.Record(ctx, outcome("job-1", dispatch.StatusSucceeded, now)))
}

func TestStore_Prune(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old-1", "old-2", "new-1"} {
		require.NoError(t, s.Record(ctx, outcome(id, dispatch.StatusSucceeded, base.Add(time.Duration(i)*time.Hour))))
	}

	n, err := s.Prune(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new-1", recs[0].JobID)
}

func TestStore_RecordsDispatchedJobs(t *testing.T) {
	s := openStore(t)
	d := dispatch.New(nil, dispatch.WithRecorder(s))

	err := d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventJob, Capability: "grill", Endpoint: staticRequester(`{"x":1}`)})
	require.ErrorIs(t, err, dispatch.ErrNoStaff)

	recs, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, dispatch.StatusNoStaff, recs[0].Status)
	assert.Equal(t, "grill", recs[0].Capability)
	assert.Equal(t, Digest([]byte(`{"x":1}`)), recs[0].PayloadDigest)
}

type staticRequester json.RawMessage

func (r staticRequester) Receive(context.Context) (json.RawMessage, error) {
	return json.RawMessage(r), nil
}

func (staticRequester) Send(context.Context, json.RawMessage) error { return nil }

package joblog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rota/internal/dispatch"
)

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1h", "@daily", "*/5 * * * *"} {
		_, err := ParseSchedule(spec)
		assert.NoError(t, err, spec)
	}
	_, err := ParseSchedule("every hour")
	assert.Error(t, err)
}

func TestNewPruner_Validation(t *testing.T) {
	s := openStore(t)

	_, err := NewPruner(s, 0, "@every 1h")
	assert.Error(t, err)

	_, err = NewPruner(s, time.Hour, "bogus")
	assert.Error(t, err)

	p, err := NewPruner(s, time.Hour, "")
	require.NoError(t, err)
	assert.Len(t, p.cron.Entries(), 1)
}

func TestPruner_RunOnceUsesRetention(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, outcome("stale", dispatch.StatusSucceeded, now.Add(-48*time.Hour))))
	require.NoError(t, s.Record(ctx, outcome("fresh", dispatch.StatusSucceeded, now.Add(-time.Hour))))

	p, err := NewPruner(s, 24*time.Hour, "@every 1h")
	require.NoError(t, err)
	p.now = func() time.Time { return now }

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].JobID)
}

func TestPruner_StartStopsOnCancel(t *testing.T) {
	s := openStore(t)
	p, err := NewPruner(s, time.Hour, "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pruner did not stop")
	}
}

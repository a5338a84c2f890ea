package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rota/internal/dispatch"
	"github.com/mattjoyce/rota/internal/dispatch/mocks"
	"github.com/mattjoyce/rota/internal/endpoint"
	"github.com/mattjoyce/rota/internal/events"
	"github.com/mattjoyce/rota/internal/log"
	"github.com/mattjoyce/rota/internal/roster"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json") // Suppress logs in tests
	os.Exit(m.Run())
}

type replyFunc func(payload json.RawMessage) (json.RawMessage, error)

// testWorker serves jobs on the far side of a pipe until the pipe closes.
type testWorker struct {
	id       string
	dispSide *endpoint.PipeEnd
	ownSide  *endpoint.PipeEnd
}

func startWorker(t *testing.T, id string, reply replyFunc) *testWorker {
	t.Helper()
	disp, own := endpoint.NewPipe(1)
	w := &testWorker{id: id, dispSide: disp, ownSide: own}
	go func() {
		ctx := context.Background()
		for {
			p, err := own.Receive(ctx)
			if err != nil {
				return
			}
			res, err := reply(p)
			if err != nil {
				_ = own.Fail(ctx, err.Error())
				continue
			}
			_ = own.Send(ctx, res)
		}
	}()
	t.Cleanup(func() { _ = own.Close() })
	return w
}

func echoAs(id string) replyFunc {
	return func(p json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"by":%q,"order":%s}`, id, p)), nil
	}
}

func onDuty(t *testing.T, d *dispatch.Dispatcher, w *testWorker, caps ...string) {
	t.Helper()
	require.NoError(t, d.Handle(context.Background(), dispatch.Event{
		Type:         dispatch.EventOnDuty,
		WorkerID:     w.id,
		Capabilities: caps,
		Endpoint:     w.dispSide,
	}))
}

// submit runs one job synchronously and returns the requester's view.
func submit(t *testing.T, d *dispatch.Dispatcher, capability, payload string) (json.RawMessage, error, error) {
	t.Helper()
	own, disp := endpoint.NewPipe(1)
	require.NoError(t, own.Send(context.Background(), json.RawMessage(payload)))

	handleErr := d.Handle(context.Background(), dispatch.Event{
		Type:       dispatch.EventJob,
		Capability: capability,
		Endpoint:   disp,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, recvErr := own.Receive(ctx)
	return res, recvErr, handleErr
}

func byOf(t *testing.T, res json.RawMessage) string {
	t.Helper()
	var body struct {
		By string `json:"by"`
	}
	require.NoError(t, json.Unmarshal(res, &body))
	return body.By
}

func TestJobWithEmptyRosterFailsWithNoStaff(t *testing.T) {
	d := dispatch.New(nil)

	_, recvErr, err := submit(t, d, "grill", `{"dish":"burger"}`)

	assert.ErrorIs(t, err, dispatch.ErrNoStaff)
	var remote *endpoint.RemoteError
	require.True(t, errors.As(recvErr, &remote), "requester should get a failure, got %v", recvErr)
	assert.Contains(t, remote.Reason, "no staff available")
	assert.Equal(t, 0, d.Roster().Len())
}

func TestJobRoutesToCapabilityAndReturnsWorkerAtEnd(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", echoAs("W1"))

	var during []string
	w2 := startWorker(t, "W2", func(p json.RawMessage) (json.RawMessage, error) {
		during = d.Roster().IDs()
		return echoAs("W2")(p)
	})
	onDuty(t, d, w1, "grill")
	onDuty(t, d, w2, "salad")

	res, recvErr, err := submit(t, d, "salad", `{"dish":"caesar"}`)
	require.NoError(t, err)
	require.NoError(t, recvErr)

	assert.Equal(t, "W2", byOf(t, res))
	assert.JSONEq(t, `{"by":"W2","order":{"dish":"caesar"}}`, string(res))
	assert.Equal(t, []string{"W1"}, during)
	assert.Equal(t, []string{"W1", "W2"}, d.Roster().IDs())
	assert.Empty(t, d.Roster().Busy())
}

func TestJobFallsBackToOldestWorker(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")

	res, _, err := submit(t, d, "dessert", `{"dish":"tart"}`)
	require.NoError(t, err)
	assert.Equal(t, "W1", byOf(t, res))
}

func TestFallbackPrefersOldestOfSeveral(t *testing.T) {
	d := dispatch.New(nil)
	old := startWorker(t, "old", echoAs("old"))
	young := startWorker(t, "young", echoAs("young"))
	onDuty(t, d, old, "grill")
	onDuty(t, d, young, "salad")

	res, _, err := submit(t, d, "dessert", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "old", byOf(t, res))
	assert.Equal(t, []string{"young", "old"}, d.Roster().IDs())
}

func TestOnDutyThenOffDuty(t *testing.T) {
	d := dispatch.New(nil)
	w3 := startWorker(t, "W3", echoAs("W3"))
	onDuty(t, d, w3, "grill", "salad")
	require.True(t, d.Roster().Contains("W3"))

	require.NoError(t, d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: "W3"}))
	assert.False(t, d.Roster().Contains("W3"))
}

func TestOffDutyForUnknownWorkerIsNoop(t *testing.T) {
	d := dispatch.New(nil)
	err := d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: "ghost"})
	assert.NoError(t, err)
}

func TestUnknownEventTypeIsIsolated(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")

	err := d.Handle(context.Background(), dispatch.Event{Type: "staff.lunchbreak", WorkerID: "W1"})
	assert.ErrorIs(t, err, dispatch.ErrUnknownEventType)

	// The dispatcher keeps working after the bad event.
	res, _, err := submit(t, d, "grill", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "W1", byOf(t, res))
}

func TestInvalidEvents(t *testing.T) {
	d := dispatch.New(nil)
	ctx := context.Background()

	assert.ErrorIs(t, d.Handle(ctx, dispatch.Event{Type: dispatch.EventOnDuty, WorkerID: "w"}), dispatch.ErrInvalidEvent)
	assert.ErrorIs(t, d.Handle(ctx, dispatch.Event{Type: dispatch.EventOffDuty}), dispatch.ErrInvalidEvent)
	assert.ErrorIs(t, d.Handle(ctx, dispatch.Event{Type: dispatch.EventJob, Capability: "grill"}), dispatch.ErrInvalidEvent)
}

func TestWorkerReturnedWhenRequesterGoesAway(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")

	own, disp := endpoint.NewPipe(1)
	require.NoError(t, own.Send(context.Background(), json.RawMessage(`{}`)))
	require.NoError(t, own.Close()) // payload stays buffered, the result has nowhere to go

	err := d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventJob, Capability: "grill", Endpoint: disp})
	assert.ErrorIs(t, err, dispatch.ErrRequesterFailed)
	assert.ErrorIs(t, err, endpoint.ErrClosed)
	assert.Equal(t, []string{"W1"}, d.Roster().IDs())
}

func TestWorkerReportedFailureIsRelayedAndWorkerReturned(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", func(json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("out of buns")
	})
	onDuty(t, d, w1, "grill")

	_, recvErr, err := submit(t, d, "grill", `{}`)
	assert.ErrorIs(t, err, dispatch.ErrWorkerFailed)

	var remote *endpoint.RemoteError
	require.True(t, errors.As(recvErr, &remote))
	assert.Contains(t, remote.Reason, "out of buns")
	assert.Equal(t, []string{"W1"}, d.Roster().IDs())
}

func TestBrokenWorkerChannelIsNotReturned(t *testing.T) {
	d := dispatch.New(nil)
	disp, own := endpoint.NewPipe(1)
	require.NoError(t, own.Close())
	require.NoError(t, d.Handle(context.Background(), dispatch.Event{
		Type: dispatch.EventOnDuty, WorkerID: "W1", Capabilities: []string{"grill"}, Endpoint: disp,
	}))

	_, recvErr, err := submit(t, d, "grill", `{}`)
	assert.ErrorIs(t, err, dispatch.ErrWorkerFailed)
	assert.ErrorIs(t, err, endpoint.ErrClosed)
	// The requester pipe is healthy, so it is told about the failure.
	var remote *endpoint.RemoteError
	assert.True(t, errors.As(recvErr, &remote))
	assert.Equal(t, 0, d.Roster().Len())
	assert.Empty(t, d.Roster().Busy())
}

func TestWorkerOffDutyMidJobIsNotReturned(t *testing.T) {
	d := dispatch.New(nil)
	w1 := startWorker(t, "W1", func(p json.RawMessage) (json.RawMessage, error) {
		assert.NoError(t, d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: "W1"}))
		return echoAs("W1")(p)
	})
	onDuty(t, d, w1, "grill")

	res, _, err := submit(t, d, "grill", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "W1", byOf(t, res))
	assert.False(t, d.Roster().Contains("W1"))
	assert.Empty(t, d.Roster().Busy())
}

func TestCancelledWhileWaitingForResultReturnsWorkerLater(t *testing.T) {
	d := dispatch.New(nil)
	answer := make(chan struct{})
	w1 := startWorker(t, "W1", func(p json.RawMessage) (json.RawMessage, error) {
		<-answer
		return echoAs("W1")(p)
	})
	onDuty(t, d, w1, "grill")

	own, disp := endpoint.NewPipe(1)
	require.NoError(t, own.Send(context.Background(), json.RawMessage(`{}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Handle(ctx, dispatch.Event{Type: dispatch.EventJob, Capability: "grill", Endpoint: disp})

	assert.ErrorIs(t, err, dispatch.ErrWorkerFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Still cooking the abandoned order, so not available yet.
	assert.False(t, d.Roster().Contains("W1"))
	assert.Equal(t, []string{"W1"}, d.Roster().Busy())

	close(answer)
	require.Eventually(t, func() bool { return d.Roster().Contains("W1") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, d.Roster().Busy())

	// The late result went nowhere; the next job gets its own.
	res, _, err := submit(t, d, "grill", `{"n":2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by":"W1","order":{"n":2}}`, string(res))
}

func TestCancelledBeforeSendReturnsWorker(t *testing.T) {
	d := dispatch.New(nil)
	// An unbuffered worker pipe with nobody reading blocks the send.
	disp, _ := endpoint.NewPipe(0)
	require.NoError(t, d.Handle(context.Background(), dispatch.Event{
		Type: dispatch.EventOnDuty, WorkerID: "W1", Capabilities: []string{"grill"}, Endpoint: disp,
	}))

	own, req := endpoint.NewPipe(1)
	require.NoError(t, own.Send(context.Background(), json.RawMessage(`{}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Handle(ctx, dispatch.Event{Type: dispatch.EventJob, Capability: "grill", Endpoint: req})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"W1"}, d.Roster().IDs())
	assert.Empty(t, d.Roster().Busy())
}

func TestOnDutyMidJobNeverDoublesUpWorker(t *testing.T) {
	d := dispatch.New(nil)
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	w1 := startWorker(t, "W1", func(p json.RawMessage) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return echoAs("W1")(p)
	})
	onDuty(t, d, w1, "grill")

	first := make(chan error, 1)
	go func() {
		_, _, err := submit(t, d, "grill", `{"n":1}`)
		first <- err
	}()
	require.Eventually(t, func() bool { return inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	// The worker re-announces itself while cooking.
	onDuty(t, d, w1, "grill", "salad")

	_, recvErr, err := submit(t, d, "grill", `{"n":2}`)
	assert.ErrorIs(t, err, roster.ErrNoStaff)
	assert.Error(t, recvErr)

	close(release)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), maxInFlight.Load())

	snap := d.Roster().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"grill", "salad"}, snap[0].Capabilities)
}

func TestConcurrentJobsWithDistinctCapabilitiesUseDistinctWorkers(t *testing.T) {
	d := dispatch.New(nil)
	release := make(chan struct{})
	grill := startWorker(t, "grillcook", func(p json.RawMessage) (json.RawMessage, error) {
		<-release
		return echoAs("grillcook")(p)
	})
	salad := startWorker(t, "saladcook", echoAs("saladcook"))
	onDuty(t, d, grill, "grill")
	onDuty(t, d, salad, "salad")

	firstRes := make(chan json.RawMessage, 1)
	go func() {
		res, _, err := submit(t, d, "grill", `{}`)
		assert.NoError(t, err)
		firstRes <- res
	}()

	require.Eventually(t, func() bool {
		busy := d.Roster().Busy()
		return len(busy) == 1 && busy[0] == "grillcook"
	}, time.Second, 5*time.Millisecond)

	res, _, err := submit(t, d, "salad", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "saladcook", byOf(t, res))

	close(release)
	assert.Equal(t, "grillcook", byOf(t, <-firstRes))
	assert.ElementsMatch(t, []string{"grillcook", "saladcook"}, d.Roster().IDs())
}

func TestConcurrentJobsNeverShareAWorker(t *testing.T) {
	d := dispatch.New(nil)
	var inFlight sync.Map
	var overlap atomic.Bool

	const workers = 4
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("w%d", i)
		w := startWorker(t, id, func(p json.RawMessage) (json.RawMessage, error) {
			if _, loaded := inFlight.LoadOrStore(id, true); loaded {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			inFlight.Delete(id)
			return echoAs(id)(p)
		})
		onDuty(t, d, w, "grill")
	}

	var wg sync.WaitGroup
	var succeeded, noStaff atomic.Int32
	for j := 0; j < 40; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := submit(t, d, "grill", `{}`)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, dispatch.ErrNoStaff):
				noStaff.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, int32(40), succeeded.Load()+noStaff.Load())
	assert.Greater(t, succeeded.Load(), int32(0))
	assert.Equal(t, workers, d.Roster().Len())
}

func TestOutcomeIsRecorded(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)

	d := dispatch.New(nil, dispatch.WithRecorder(rec))
	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")

	var got []dispatch.Outcome
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, o dispatch.Outcome) error {
		got = append(got, o)
		return nil
	}).Times(2)

	_, _, err := submit(t, d, "dessert", `{"dish":"tart"}`)
	require.NoError(t, err)

	// Take the only worker off duty so the next job finds nobody.
	require.NoError(t, d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: "W1"}))
	_, _, err = submit(t, d, "grill", `{}`)
	require.ErrorIs(t, err, dispatch.ErrNoStaff)

	require.Len(t, got, 2)
	assert.Equal(t, dispatch.StatusSucceeded, got[0].Status)
	assert.Equal(t, "W1", got[0].WorkerID)
	assert.True(t, got[0].Fallback())
	assert.JSONEq(t, `{"dish":"tart"}`, string(got[0].Payload))
	assert.NotEmpty(t, got[0].JobID)
	assert.False(t, got[0].CompletedAt.Before(got[0].StartedAt))

	assert.Equal(t, dispatch.StatusNoStaff, got[1].Status)
	assert.Empty(t, got[1].WorkerID)
	assert.False(t, got[1].Fallback())
	assert.Contains(t, got[1].Error, "no staff available")
}

func TestRecorderErrorDoesNotFailJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockRecorder(ctrl)
	rec.EXPECT().Record(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	d := dispatch.New(nil, dispatch.WithRecorder(rec))
	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")

	_, _, err := submit(t, d, "grill", `{}`)
	assert.NoError(t, err)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	fallback []bool
	sizes    []int
}

func (m *fakeMetrics) ObserveJob(_ string, outcome string, fallback bool, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
	m.fallback = append(m.fallback, fallback)
}

func (m *fakeMetrics) SetRosterSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, n)
}

func TestMetricsAndEventsArePublished(t *testing.T) {
	m := &fakeMetrics{}
	hub := events.NewHub(32)
	d := dispatch.New(nil, dispatch.WithMetrics(m), dispatch.WithPublisher(hub))

	w1 := startWorker(t, "W1", echoAs("W1"))
	onDuty(t, d, w1, "grill")
	_, _, err := submit(t, d, "grill", `{}`)
	require.NoError(t, err)
	require.NoError(t, d.Handle(context.Background(), dispatch.Event{Type: dispatch.EventOffDuty, WorkerID: "W1"}))

	assert.Equal(t, []string{dispatch.StatusSucceeded}, m.outcomes)
	assert.Equal(t, []bool{false}, m.fallback)
	// on-duty, taken, returned, off-duty
	assert.Equal(t, []int{1, 0, 1, 0}, m.sizes)

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.TypeWorkerOnDuty,
		events.TypeJobDispatched,
		events.TypeJobCompleted,
		events.TypeWorkerOffDuty,
	}, types)
}

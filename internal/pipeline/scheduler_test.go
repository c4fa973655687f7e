package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-bodhiq/bodhiq/internal/clock"
	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func newScheduler(t *testing.T, store ResultStore, p Policy, agents ...Agent) *Scheduler {
	t.Helper()
	s := New(store, p, nil)
	for _, a := range agents {
		require.NoError(t, s.RegisterAgent(a))
	}
	t.Cleanup(s.Close)
	return s
}

func TestRunEmitsInPriorityOrder(t *testing.T) {
	store := newMemStore()
	s := newScheduler(t, store, DefaultPolicy(), okAgent("A", 3), okAgent("B", 1), okAgent("C", 2))

	var c collector
	require.NoError(t, s.Run(context.Background(), "Metformin", 1, c.emit))

	assert.Equal(t, []step{
		{"B", model.AgentProcessing}, {"B", model.AgentCompleted},
		{"C", model.AgentProcessing}, {"C", model.AgentCompleted},
		{"A", model.AgentProcessing}, {"A", model.AgentCompleted},
	}, steps(c.all()))

	for _, u := range c.all() {
		switch u.Status {
		case model.AgentProcessing:
			assert.Equal(t, 0, u.Progress)
			assert.Nil(t, u.Result)
		case model.AgentCompleted:
			assert.Equal(t, 100, u.Progress)
			require.NotNil(t, u.Result)
			assert.Equal(t, u.AgentName, u.Result.AgentName)
		}
	}

	rows := store.results()
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, model.AgentCompleted, r.Status)
		assert.Equal(t, int64(1), r.QueryID)
		require.NotNil(t, r.ResultData)
		assert.Nil(t, r.ErrorMessage)
	}
}

func TestAgentsTiesBrokenByRegistrationOrder(t *testing.T) {
	s := newScheduler(t, newMemStore(), DefaultPolicy(),
		okAgent("second", 2), okAgent("first-a", 1), okAgent("first-b", 1), okAgent("first-c", 1))

	var names []string
	for _, a := range s.Agents() {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"first-a", "first-b", "first-c", "second"}, names)
}

func TestRegisterAgentReplacesByName(t *testing.T) {
	s := newScheduler(t, newMemStore(), DefaultPolicy(), okAgent("x", 1), okAgent("y", 1))

	replacement := okAgent("x", 1)
	replacement.estimate = 5000
	require.NoError(t, s.RegisterAgent(replacement))

	assert.Equal(t, 2, s.AgentCount())
	agents := s.Agents()
	assert.Same(t, replacement, agents[0])
	assert.Equal(t, int64(6000), s.TotalEstimatedDurationMs())

	info := s.AgentInfo()
	assert.Equal(t, 2, info.AgentCount)
	assert.Equal(t, int64(6000), info.TotalEstimatedDurationMs)

	assert.Error(t, s.RegisterAgent(nil))
	assert.Error(t, s.RegisterAgent(okAgent("", 1)))
	assert.Error(t, s.RegisterAgent(okAgent(model.PipelineAgentName, 1)))
}

func TestIsMoleculeSupported(t *testing.T) {
	s := newScheduler(t, newMemStore(), DefaultPolicy())
	assert.True(t, s.IsMoleculeSupported("glp-1"))
	assert.True(t, s.IsMoleculeSupported("METFORMIN"))
	assert.False(t, s.IsMoleculeSupported("Aspirin"))
}

func TestFailingAgentDoesNotStopRun(t *testing.T) {
	store := newMemStore()
	broken := failingAgent("Broken", 2, errors.New("source offline"))
	s := newScheduler(t, store, DefaultPolicy(), okAgent("First", 1), broken, okAgent("Last", 3))

	var c collector
	require.NoError(t, s.Run(context.Background(), "Humira", 5, c.emit))

	assert.Equal(t, []step{
		{"First", model.AgentProcessing}, {"First", model.AgentCompleted},
		{"Broken", model.AgentProcessing}, {"Broken", model.AgentFailed},
		{"Last", model.AgentProcessing}, {"Last", model.AgentCompleted},
	}, steps(c.all()))

	failed := c.all()[3]
	assert.Equal(t, 0, failed.Progress)
	assert.Equal(t, "source offline", failed.ErrorMessage)
	assert.Equal(t, int32(3), broken.calls.Load(), "whole-call retries")

	r, ok := store.byAgent("Broken")
	require.True(t, ok)
	assert.Equal(t, model.AgentFailed, r.Status)
	require.NotNil(t, r.ErrorMessage)
	assert.Equal(t, "source offline", *r.ErrorMessage)
	assert.Nil(t, r.ResultData)
}

func TestNoDataAgentFails(t *testing.T) {
	store := newMemStore()
	empty := &fakeAgent{name: "Clinical Trials", priority: 1, fn: func(_ context.Context, m string) (string, error) {
		return EncodeNonEmpty("clinical trial", m, []string{})
	}}
	s := newScheduler(t, store, DefaultPolicy(), empty)

	require.NoError(t, s.Run(context.Background(), "Metformin", 1, nil))

	r, ok := store.byAgent("Clinical Trials")
	require.True(t, ok)
	assert.Equal(t, model.AgentFailed, r.Status)
	require.NotNil(t, r.ErrorMessage)
	assert.Regexp(t, `No .* data available for molecule: Metformin`, *r.ErrorMessage)
}

func TestEmptyPayloadAndErrorLookAlike(t *testing.T) {
	store := newMemStore()
	empty := &fakeAgent{name: "Empty", priority: 1, fn: func(context.Context, string) (string, error) { return "", nil }}
	thrower := failingAgent("Thrower", 2, errors.New("exploded"))
	s := newScheduler(t, store, DefaultPolicy(), empty, thrower)

	require.NoError(t, s.Run(context.Background(), "Eliquis", 1, nil))

	rows := store.results()
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, model.AgentFailed, r.Status, r.AgentName)
		require.NotNil(t, r.ErrorMessage, r.AgentName)
		assert.NotEmpty(t, *r.ErrorMessage)
		assert.Nil(t, r.ResultData, r.AgentName)
		assert.NotNil(t, r.CompletedAt, r.AgentName)
	}
}

func TestHungAgentTimesOutAndNextAgentRuns(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	p := DefaultPolicy()
	p.Clock = clk

	store := newMemStore()
	hung := hangingAgent("Hung", 1)
	next := okAgent("Next", 2)
	s := newScheduler(t, store, p, hung, next)

	run := s.ExecuteAll(context.Background(), "Humira", 3)
	for range 3 {
		clk.BlockUntil(1)
		assert.Zero(t, next.calls.Load())
		clk.Advance(30 * time.Second)
	}
	require.NoError(t, run.Wait())

	var got []model.AgentUpdate
	for u := range run.Updates() {
		got = append(got, u)
	}
	assert.Equal(t, []step{
		{"Hung", model.AgentProcessing}, {"Hung", model.AgentFailed},
		{"Next", model.AgentProcessing}, {"Next", model.AgentCompleted},
	}, steps(got))

	r, ok := store.byAgent("Hung")
	require.True(t, ok)
	assert.Equal(t, model.AgentFailed, r.Status)
	assert.Equal(t, int64(90_000), r.ExecutionTimeMs)
	assert.Equal(t, start, r.StartedAt)
	assert.Equal(t, "Hung timed out after 30s", *r.ErrorMessage)
	assert.Equal(t, int32(3), hung.calls.Load())
	assert.Equal(t, int32(1), next.calls.Load())
}

func TestStoreFailureIsPipelineError(t *testing.T) {
	store := newMemStore()
	store.insertErr = errors.New("connection refused")
	second := okAgent("Second", 2)
	s := newScheduler(t, store, DefaultPolicy(), okAgent("First", 1), second)

	var c collector
	err := s.Run(context.Background(), "Humira", 1, c.emit)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "First", perr.Agent)
	assert.Zero(t, second.calls.Load())

	got := c.all()
	require.Len(t, got, 2)
	last := got[1]
	assert.Equal(t, model.PipelineAgentName, last.AgentName)
	assert.Equal(t, model.AgentFailed, last.Status)
	assert.Equal(t, "Pipeline execution failed: insert processing result (First): connection refused", last.ErrorMessage)
}

func TestTerminalWriteFailureIsPipelineError(t *testing.T) {
	store := newMemStore()
	store.updateErr = errors.New("disk full")
	s := newScheduler(t, store, DefaultPolicy(), okAgent("Only", 1))

	err := s.Run(context.Background(), "Humira", 1, nil)
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "update terminal result", perr.Op)
}

func TestContextCancelMidAgentFinalisesRow(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	a := &fakeAgent{name: "Slow", priority: 1, fn: func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	s := newScheduler(t, store, DefaultPolicy(), a, okAgent("Never", 2))

	ctx, cancel := context.WithCancel(context.Background())
	run := s.ExecuteAll(ctx, "Humira", 1)
	<-started
	cancel()

	err := run.Wait()
	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.Canceled)

	rows := store.results()
	require.Len(t, rows, 1)
	assert.Equal(t, model.AgentFailed, rows[0].Status, "row is not left PROCESSING")
}

func TestCancelExecutionIsSoft(t *testing.T) {
	store := newMemStore()
	started := make(chan struct{})
	release := make(chan struct{})
	inflight := &fakeAgent{name: "InFlight", priority: 1, fn: func(ctx context.Context, _ string) (string, error) {
		close(started)
		select {
		case <-release:
			return `{"done":true}`, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}}
	skipped := okAgent("Skipped", 2)
	s := newScheduler(t, store, DefaultPolicy(), inflight, skipped)

	run := s.ExecuteAll(context.Background(), "Humira", 11)
	<-started

	global := s.ProgressStream()
	defer global.Unsubscribe()
	// Replays the in-flight agent's PROCESSING update.
	assert.Equal(t, model.AgentProcessing, (<-global.C()).Status)

	assert.Equal(t, 1, s.CancelExecution())
	cancelled := <-global.C()
	assert.Equal(t, model.PipelineAgentName, cancelled.AgentName)
	assert.Equal(t, model.AgentCancelled, cancelled.Status)
	assert.Equal(t, model.CancelledMessage, cancelled.ErrorMessage)

	close(release)
	assert.ErrorIs(t, run.Wait(), ErrRunCancelled)

	var got []model.AgentUpdate
	for u := range run.Updates() {
		got = append(got, u)
	}
	assert.Equal(t, []step{
		{"InFlight", model.AgentProcessing}, {"InFlight", model.AgentCompleted},
		{model.PipelineAgentName, model.AgentCancelled},
	}, steps(got))
	assert.Zero(t, skipped.calls.Load())
	assert.Zero(t, s.ActiveRuns())
}

func TestCancelRunTargetsOneQuery(t *testing.T) {
	store := newMemStore()
	gates := map[int64]chan struct{}{1: make(chan struct{}), 2: make(chan struct{})}
	started := make(chan int64, 2)
	first := &fakeAgent{name: "Gate", priority: 1}
	first.fn = func(ctx context.Context, m string) (string, error) {
		q := int64(1)
		if m == "Humira" {
			q = 2
		}
		started <- q
		<-gates[q]
		return `{"ok":1}`, nil
	}
	after := okAgent("After", 2)
	s := newScheduler(t, store, DefaultPolicy(), first, after)

	r1 := s.ExecuteAll(context.Background(), "Metformin", 1)
	r2 := s.ExecuteAll(context.Background(), "Humira", 2)
	<-started
	<-started
	assert.Equal(t, 2, s.ActiveRuns())

	assert.True(t, s.CancelRun(1))
	assert.False(t, s.CancelRun(99))

	inFlight := <-r1.Updates()
	assert.Equal(t, "Gate", inFlight.AgentName)
	assert.Equal(t, model.AgentProcessing, inFlight.Status)
	select {
	case u := <-r1.Updates():
		t.Fatalf("update before the in-flight agent finished: %+v", u)
	case <-time.After(20 * time.Millisecond):
	}

	close(gates[1])
	close(gates[2])

	assert.ErrorIs(t, r1.Wait(), ErrRunCancelled)
	assert.NoError(t, r2.Wait())
	assert.Equal(t, int32(1), after.calls.Load())

	var rest []model.AgentUpdate
	for u := range r1.Updates() {
		rest = append(rest, u)
	}
	require.Len(t, rest, 2)
	assert.Equal(t, model.AgentCompleted, rest[0].Status)
	assert.Equal(t, model.PipelineAgentName, rest[1].AgentName)
	assert.Equal(t, model.AgentCancelled, rest[1].Status)
}

func TestProgressStreamReplaysLatest(t *testing.T) {
	s := newScheduler(t, newMemStore(), DefaultPolicy(), okAgent("One", 1), okAgent("Two", 2))
	require.NoError(t, s.Run(context.Background(), "Humira", 1, nil))

	sub := s.ProgressStream()
	defer sub.Unsubscribe()
	latest := <-sub.C()
	assert.Equal(t, "Two", latest.AgentName)
	assert.Equal(t, model.AgentCompleted, latest.Status)

	select {
	case u := <-sub.C():
		t.Fatalf("unexpected replay of older update %+v", u)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPipelineErrorMessages(t *testing.T) {
	err := &PipelineError{Op: "run", Err: errors.New("x")}
	assert.Equal(t, "run: x", err.Error())
	assert.Equal(t, "x", errors.Unwrap(err).Error())
}

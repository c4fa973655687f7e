package queries_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/service/queries"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
	"github.com/mit-bodhiq/bodhiq/internal/testutil"
)

// failingInserts makes every InsertProcessing call fail.
type failingInserts struct {
	storage.Store
}

func (failingInserts) InsertProcessing(context.Context, int64, string, time.Time) (int64, error) {
	return 0, errors.New("disk full")
}

type fixture struct {
	svc   *queries.Service
	store storage.Store
	sched *pipeline.Scheduler
	hub   *progress.Hub
}

func newFixture(t *testing.T, wrap func(storage.Store) storage.Store, agents ...pipeline.Agent) *fixture {
	t.Helper()
	logger := testutil.TestLogger()
	db := testutil.NewSQLiteStore(t)

	var store storage.Store = db
	if wrap != nil {
		store = wrap(db)
	}
	sched := pipeline.New(store, pipeline.Policy{Timeout: 5 * time.Second}, logger)
	t.Cleanup(sched.Close)
	for _, a := range agents {
		require.NoError(t, sched.RegisterAgent(a))
	}
	hub := progress.NewHub(0, nil, logger)
	t.Cleanup(func() { _ = hub.Close() })

	return &fixture{svc: queries.New(store, sched, hub, logger), store: store, sched: sched, hub: hub}
}

func drain(t *testing.T, sub *progress.Subscription) []model.AgentUpdate {
	t.Helper()
	var out []model.AgentUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatalf("progress stream not closed, got %d updates", len(out))
		}
	}
}

func TestCreateQueryUnsupportedMolecule(t *testing.T) {
	f := newFixture(t, nil, testutil.NewStubAgent("A", 1))
	ctx := context.Background()

	_, err := f.svc.CreateQuery(ctx, "What is the market for Aspirin?", "u1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, queries.ErrUnsupportedMolecule))
	var ume *queries.UnsupportedMoleculeError
	require.ErrorAs(t, err, &ume)
	assert.Equal(t, "No supported molecule found in query: What is the market for Aspirin?", err.Error())

	qs, err := f.svc.ListQueries(ctx, model.QueryFilter{})
	require.NoError(t, err)
	assert.Empty(t, qs)
	n, err := f.store.CountResults(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreateQueryExtractsMolecule(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "Latest glp1 obesity trials", "u1")
	require.NoError(t, err)
	assert.Equal(t, "GLP-1", q.Molecule)
	assert.Equal(t, model.QueryPending, q.Status)

	q, err = f.svc.CreateQueryForMolecule(ctx, "biosimilar threat", "u1", "HUMIRA")
	require.NoError(t, err)
	assert.Equal(t, "Humira", q.Molecule)

	_, err = f.svc.CreateQueryForMolecule(ctx, "x", "u1", "Aspirin")
	assert.ErrorIs(t, err, queries.ErrUnsupportedMolecule)
	assert.EqualError(t, err, "Unsupported molecule: Aspirin")

	_, err = f.svc.CreateQuery(ctx, "metformin", "")
	assert.ErrorIs(t, err, auth.ErrAuthenticationRequired)
}

func TestExecuteAgentsIsolatesFailures(t *testing.T) {
	f := newFixture(t, nil,
		testutil.NewStubAgent("Market", 1),
		&testutil.StubAgent{AgentName: "Trials", Prio: 2, Fn: func(context.Context, string) (string, error) {
			return "", errors.New("upstream 503")
		}},
		testutil.NewStubAgent("Report", 3),
	)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "montelukast outlook", "u1")
	require.NoError(t, err)
	sub, err := f.svc.GetAgentProgress(ctx, q.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.ExecuteAgents(ctx, q.ID))

	updates := drain(t, sub)
	require.Len(t, updates, 6)
	want := []struct {
		agent  string
		status model.AgentStatus
	}{
		{"Market", model.AgentProcessing}, {"Market", model.AgentCompleted},
		{"Trials", model.AgentProcessing}, {"Trials", model.AgentFailed},
		{"Report", model.AgentProcessing}, {"Report", model.AgentCompleted},
	}
	for i, w := range want {
		assert.Equal(t, w.agent, updates[i].AgentName, i)
		assert.Equal(t, w.status, updates[i].Status, i)
	}
	assert.Equal(t, "upstream 503", updates[3].ErrorMessage)

	got, err := f.svc.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	results, err := f.svc.GetResults(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, model.AgentFailed, results[1].Status)
	require.NotNil(t, results[1].ErrorMessage)
	assert.Equal(t, "upstream 503", *results[1].ErrorMessage)
	assert.Equal(t, 0, f.hub.Len())

	info, err := f.svc.PipelineInfo(ctx)
	require.NoError(t, err)
	require.Len(t, info.Agents, 3)
	assert.NotNil(t, info.Agents[0].AvgExecutionTimeMs)
	assert.Nil(t, info.Agents[1].AvgExecutionTimeMs)
}

func TestExecuteAgentsStoreFailureFailsQuery(t *testing.T) {
	f := newFixture(t, func(s storage.Store) storage.Store { return failingInserts{s} },
		testutil.NewStubAgent("Market", 1),
	)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "eliquis", "u1")
	require.NoError(t, err)
	sub, err := f.svc.GetAgentProgress(ctx, q.ID)
	require.NoError(t, err)

	err = f.svc.ExecuteAgents(ctx, q.ID)
	var pe *pipeline.PipelineError
	require.ErrorAs(t, err, &pe)

	updates := drain(t, sub)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, model.PipelineAgentName, last.AgentName)
	assert.Equal(t, model.AgentFailed, last.Status)
	assert.Contains(t, last.ErrorMessage, "Pipeline execution failed: ")
	assert.Contains(t, last.ErrorMessage, "disk full")

	got, err := f.svc.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryFailed, got.Status)
}

func TestExecuteAgentsMissingQuery(t *testing.T) {
	f := newFixture(t, nil, testutil.NewStubAgent("Market", 1))

	err := f.svc.ExecuteAgents(context.Background(), 404)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, f.hub.Len())
}

func TestExecuteAgentsTwiceIsRejected(t *testing.T) {
	market := testutil.NewStubAgent("Market", 1)
	f := newFixture(t, nil, market)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "humira", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteAgents(ctx, q.ID))

	err = f.svc.ExecuteAgents(ctx, q.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	err = f.svc.StartAgents(ctx, q.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	n, err := f.store.CountResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, market.Calls())
}

func TestSecondExecuteKeepsRunningStream(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &testutil.StubAgent{AgentName: "Slow", Prio: 1, Fn: func(context.Context, string) (string, error) {
		close(started)
		<-release
		return `{"ok":true}`, nil
	}}
	next := testutil.NewStubAgent("Next", 2)
	f := newFixture(t, nil, slow, next)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "humira", "u1")
	require.NoError(t, err)
	sub, err := f.svc.GetAgentProgress(ctx, q.ID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.svc.ExecuteAgents(ctx, q.ID) }()
	<-started

	assert.ErrorIs(t, f.svc.ExecuteAgents(ctx, q.ID), storage.ErrInvalidTransition)
	assert.ErrorIs(t, f.svc.StartAgents(ctx, q.ID), storage.ErrInvalidTransition)
	_, live := f.hub.Get(q.ID)
	assert.True(t, live, "rejected execute closed the running query's stream")

	close(release)
	require.NoError(t, <-done)

	updates := drain(t, sub)
	require.Len(t, updates, 4)
	for _, u := range updates {
		assert.NotEqual(t, model.SystemAgentName, u.AgentName)
	}
	assert.Equal(t, "Next", updates[3].AgentName)
	assert.Equal(t, model.AgentCompleted, updates[3].Status)
	assert.Equal(t, 1, slow.Calls())
	assert.Equal(t, 1, next.Calls())

	got, err := f.svc.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryCompleted, got.Status)
}

func TestConcurrentStartAgentsRunsOnce(t *testing.T) {
	market := testutil.NewStubAgent("Market", 1)
	f := newFixture(t, nil, market)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "eliquis", "u1")
	require.NoError(t, err)

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.StartAgents(ctx, q.ID)
		}()
	}
	wg.Wait()
	close(errs)
	f.svc.Wait()

	started := 0
	for err := range errs {
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, market.Calls())
	assert.Equal(t, 0, f.hub.Len())

	n, err := f.store.CountResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestProgressForFinishedQueryIsClosed(t *testing.T) {
	f := newFixture(t, nil, testutil.NewStubAgent("Market", 1))
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "metformin", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteAgents(ctx, q.ID))

	sub, err := f.svc.GetAgentProgress(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, drain(t, sub))
	assert.Equal(t, 0, f.hub.Len())

	_, err = f.svc.GetAgentProgress(ctx, 9999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCancelQueryStopsAfterInFlightAgent(t *testing.T) {
	never := testutil.NewStubAgent("Never", 2)
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, nil,
		&testutil.StubAgent{AgentName: "Slow", Prio: 1, Fn: func(context.Context, string) (string, error) {
			close(started)
			<-release
			return `{"done":true}`, nil
		}},
		never,
	)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "montelukast", "u1")
	require.NoError(t, err)
	sub, err := f.svc.GetAgentProgress(ctx, q.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.StartAgents(ctx, q.ID))

	<-started
	assert.True(t, f.svc.CancelQuery(q.ID))
	close(release)
	f.svc.Wait()

	updates := drain(t, sub)
	require.Len(t, updates, 3)
	assert.Equal(t, model.AgentCompleted, updates[1].Status)
	assert.Equal(t, model.PipelineAgentName, updates[2].AgentName)
	assert.Equal(t, model.AgentCancelled, updates[2].Status)
	assert.Equal(t, model.CancelledMessage, updates[2].ErrorMessage)

	got, err := f.svc.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryFailed, got.Status)

	results, err := f.svc.GetResults(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Slow", results[0].AgentName)
	assert.Equal(t, model.AgentCompleted, results[0].Status)

	assert.False(t, f.svc.CancelQuery(q.ID))
	assert.Zero(t, never.Calls())
}

func TestShutdownDrainsBackgroundRuns(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, nil,
		&testutil.StubAgent{AgentName: "First", Prio: 1, Fn: func(context.Context, string) (string, error) {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return `{"ok":true}`, nil
		}},
		testutil.NewStubAgent("Second", 2),
	)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "eliquis", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.StartAgents(ctx, q.ID))
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))
	assert.Equal(t, 0, f.svc.InFlight())

	got, err := f.svc.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryFailed, got.Status)
}

func TestDeleteQueryCascades(t *testing.T) {
	f := newFixture(t, nil, testutil.NewStubAgent("Market", 1))
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "glucagon", "u1")
	require.NoError(t, err)
	require.NoError(t, f.svc.ExecuteAgents(ctx, q.ID))

	require.NoError(t, f.svc.DeleteQuery(ctx, q.ID))
	_, err = f.svc.GetQuery(ctx, q.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	results, err := f.svc.GetResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.ErrorIs(t, f.svc.DeleteQuery(ctx, q.ID), storage.ErrNotFound)
}

func TestGetOwnedQuery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	q, err := f.svc.CreateQuery(ctx, "humira", "alice")
	require.NoError(t, err)

	got, err := f.svc.GetOwnedQuery(ctx, q.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)

	_, err = f.svc.GetOwnedQuery(ctx, q.ID, "bob")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.GetOwnedQuery(ctx, q.ID, "")
	assert.ErrorIs(t, err, auth.ErrAuthenticationRequired)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t, nil, testutil.NewStubAgent("Market", 1))
	ctx := context.Background()

	for _, text := range []string{"humira", "metformin", "eliquis"} {
		q, err := f.svc.CreateQuery(ctx, text, "alice")
		require.NoError(t, err)
		require.NoError(t, f.svc.ExecuteAgents(ctx, q.ID))
	}
	_, err := f.svc.CreateQuery(ctx, "montelukast", "alice")
	require.NoError(t, err)

	st, err := f.svc.GetStatistics(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 3, st.Completed)
	assert.InDelta(t, 75.0, st.SuccessRate, 0.001)

	avg, err := f.svc.AverageExecutionTimes(ctx)
	require.NoError(t, err)
	assert.Contains(t, avg, "Market")
}

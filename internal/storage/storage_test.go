package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
	"github.com/mit-bodhiq/bodhiq/internal/testutil"
	"github.com/mit-bodhiq/bodhiq/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func createQuery(t *testing.T, userID, molecule string) model.Query {
	t.Helper()
	q, err := testDB.CreateQuery(context.Background(), model.Query{
		UserID:    userID,
		QueryText: "market outlook for " + molecule,
		Molecule:  molecule,
	})
	require.NoError(t, err)
	return q
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.RunMigrations(ctx, migrations.FS))

	pending, err := testDB.PendingMigrations(ctx, migrations.FS)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCreateAndGetQuery(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-create", "Metformin")
	assert.NotZero(t, q.ID)
	assert.Equal(t, model.QueryPending, q.Status)
	assert.False(t, q.CreatedAt.IsZero())

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, "Metformin", got.Molecule)
	assert.Nil(t, got.CompletedAt)

	_, err = testDB.GetQuery(ctx, 999_999_999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateQueryStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-status", "Humira")

	// PENDING cannot jump straight to COMPLETED.
	err := testDB.UpdateQueryStatus(ctx, q.ID, model.QueryCompleted)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	require.NoError(t, testDB.UpdateQueryStatus(ctx, q.ID, model.QueryProcessing))
	require.NoError(t, testDB.UpdateQueryStatus(ctx, q.ID, model.QueryCompleted))

	got, err := testDB.GetQuery(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, model.QueryCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal states are final.
	err = testDB.UpdateQueryStatus(ctx, q.ID, model.QueryFailed)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	err = testDB.UpdateQueryStatus(ctx, q.ID, model.QueryProcessing)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	err = testDB.UpdateQueryStatus(ctx, 999_999_999, model.QueryProcessing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertProcessingAndUpdateTerminal(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-results", "Eliquis")

	started := time.Now().UTC().Truncate(time.Millisecond)
	id, err := testDB.InsertProcessing(ctx, q.ID, "Market Insights", started)
	require.NoError(t, err)

	r, err := testDB.ResultByQueryAndAgent(ctx, q.ID, "Market Insights")
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, model.AgentProcessing, r.Status)
	assert.Nil(t, r.CompletedAt)

	payload := `[{"molecule":"Eliquis"}]`
	upd := model.TerminalUpdate{
		Status:          model.AgentCompleted,
		CompletedAt:     started.Add(1500 * time.Millisecond),
		ExecutionTimeMs: 1500,
		ResultData:      &payload,
	}
	require.NoError(t, testDB.UpdateTerminal(ctx, id, upd))
	first, err := testDB.ResultsByQuery(ctx, q.ID)
	require.NoError(t, err)

	// Writing the same terminal update again leaves exactly one identical row.
	require.NoError(t, testDB.UpdateTerminal(ctx, id, upd))
	second, err := testDB.ResultsByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, model.AgentCompleted, second[0].Status)
	assert.Equal(t, int64(1500), second[0].ExecutionTimeMs)
	assert.Equal(t, payload, *second[0].ResultData)
	assert.Nil(t, second[0].ErrorMessage)

	err = testDB.UpdateTerminal(ctx, 999_999_999, upd)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResultsOrderingAndCounts(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-order", "Montelukast")
	base := time.Now().UTC()

	names := []string{"Market Insights", "Patent Landscape", "Clinical Trials"}
	for i, n := range names {
		id, err := testDB.InsertProcessing(ctx, q.ID, n, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		if i < 2 {
			msg := "boom"
			require.NoError(t, testDB.UpdateTerminal(ctx, id, model.TerminalUpdate{
				Status:       model.AgentFailed,
				CompletedAt:  base.Add(time.Duration(i)*time.Second + 10*time.Millisecond),
				ErrorMessage: &msg,
			}))
		}
	}

	results, err := testDB.ResultsByQuery(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, names[i], r.AgentName)
	}

	n, err := testDB.CountResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	failed, err := testDB.CountResultsByStatus(ctx, q.ID, model.AgentFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, failed)

	byStatus, err := testDB.ResultsByStatus(ctx, model.AgentProcessing, 100)
	require.NoError(t, err)
	assert.NotEmpty(t, byStatus)

	byAgent, err := testDB.ResultsByAgent(ctx, "Clinical Trials", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, byAgent)
}

func TestDeleteQueryCascades(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-delete", "GLP-1")
	_, err := testDB.InsertProcessing(ctx, q.ID, "EXIM Trade", time.Now())
	require.NoError(t, err)

	require.NoError(t, testDB.DeleteQuery(ctx, q.ID))

	n, err := testDB.CountResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, testDB.DeleteQuery(ctx, q.ID), storage.ErrNotFound)
}

func TestDeleteResults(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-delete-results", "Humira")
	_, err := testDB.InsertProcessing(ctx, q.ID, "EXIM Trade", time.Now())
	require.NoError(t, err)

	n, err := testDB.DeleteResults(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListQueriesFilters(t *testing.T) {
	ctx := context.Background()
	user := "user-list"
	a := createQuery(t, user, "Metformin")
	b := createQuery(t, user, "Humira")
	createQuery(t, "someone-else", "Humira")
	require.NoError(t, testDB.UpdateQueryStatus(ctx, b.ID, model.QueryProcessing))

	all, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	processing, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user, Status: model.QueryProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, b.ID, processing[0].ID)

	byMolecule, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user, Molecule: "metformin"})
	require.NoError(t, err)
	require.Len(t, byMolecule, 1)
	assert.Equal(t, a.ID, byMolecule[0].ID)

	search, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user, Search: "OUTLOOK FOR HUM"})
	require.NoError(t, err)
	require.Len(t, search, 1)
	assert.Equal(t, b.ID, search[0].ID)

	literal, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user, Search: "%"})
	require.NoError(t, err)
	assert.Empty(t, literal)

	page, err := testDB.ListQueries(ctx, model.QueryFilter{UserID: user, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a.ID, page[0].ID)
}

func TestQueryStatistics(t *testing.T) {
	ctx := context.Background()
	user := "user-stats"
	done := createQuery(t, user, "Metformin")
	failed := createQuery(t, user, "Humira")
	createQuery(t, user, "Eliquis")

	require.NoError(t, testDB.UpdateQueryStatus(ctx, done.ID, model.QueryProcessing))
	require.NoError(t, testDB.UpdateQueryStatus(ctx, done.ID, model.QueryCompleted))
	require.NoError(t, testDB.UpdateQueryStatus(ctx, failed.ID, model.QueryFailed))

	stats, err := testDB.QueryStatistics(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Processing)
	assert.InDelta(t, 33.33, stats.SuccessRate, 0.01)

	global, err := testDB.QueryStatistics(ctx, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, global.Total, 3)
}

func TestAverageExecutionTimes(t *testing.T) {
	ctx := context.Background()
	q := createQuery(t, "user-avg", "Metformin")
	for _, ms := range []int64{1000, 3000} {
		id, err := testDB.InsertProcessing(ctx, q.ID, "Avg Probe", time.Now())
		require.NoError(t, err)
		data := "{}"
		require.NoError(t, testDB.UpdateTerminal(ctx, id, model.TerminalUpdate{
			Status:          model.AgentCompleted,
			CompletedAt:     time.Now(),
			ExecutionTimeMs: ms,
			ResultData:      &data,
		}))
	}

	avgs, err := testDB.AverageExecutionTimes(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2000.0, avgs["Avg Probe"], 0.001)
}

func TestNotifyListen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, testDB.Listen(ctx, storage.ChannelProgress))
	defer func() { _ = testDB.Unlisten(context.Background(), storage.ChannelProgress) }()

	require.NoError(t, testDB.Notify(ctx, storage.ChannelProgress, `{"query_id":1}`))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelProgress, channel)
	assert.Equal(t, `{"query_id":1}`, payload)
}

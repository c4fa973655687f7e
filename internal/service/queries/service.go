// Package queries coordinates the lifecycle of a molecule query: creation,
// running the agent pipeline, publishing progress, and cleanup.
//
// The HTTP API, the MCP server and the CLI all go through this service so
// every entry point applies the same validation and status transitions.
package queries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mit-bodhiq/bodhiq/internal/auth"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
	"github.com/mit-bodhiq/bodhiq/internal/telemetry"
)

// Service runs queries through the agent pipeline.
type Service struct {
	store     storage.Store
	scheduler *pipeline.Scheduler
	hub       *progress.Hub
	logger    *slog.Logger

	wg sync.WaitGroup

	created  metric.Int64Counter
	finished metric.Int64Counter
}

// New creates a query Service.
func New(store storage.Store, scheduler *pipeline.Scheduler, hub *progress.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("bodhiq/queries")
	created, _ := meter.Int64Counter("bodhiq.queries.created",
		metric.WithDescription("Queries created"),
	)
	finished, _ := meter.Int64Counter("bodhiq.queries.finished",
		metric.WithDescription("Queries that reached a terminal status"),
	)
	return &Service{
		store:     store,
		scheduler: scheduler,
		hub:       hub,
		logger:    logger,
		created:   created,
		finished:  finished,
	}
}

// Scheduler returns the pipeline the service runs queries on.
func (s *Service) Scheduler() *pipeline.Scheduler { return s.scheduler }

// Store returns the backing store.
func (s *Service) Store() storage.Store { return s.store }

// Hub returns the per-query progress hub.
func (s *Service) Hub() *progress.Hub { return s.hub }

// CreateQuery stores a PENDING query for the first supported molecule
// mentioned in text. Nothing is written when no molecule matches.
func (s *Service) CreateQuery(ctx context.Context, text, userID string) (model.Query, error) {
	molecule, ok := model.ExtractMolecule(text)
	if !ok {
		return model.Query{}, &UnsupportedMoleculeError{QueryText: text}
	}
	return s.create(ctx, text, userID, molecule)
}

// CreateQueryForMolecule stores a PENDING query for an explicitly chosen
// molecule, matched case-insensitively against the supported list.
func (s *Service) CreateQueryForMolecule(ctx context.Context, text, userID, molecule string) (model.Query, error) {
	canonical, ok := model.CanonicalMolecule(molecule)
	if !ok {
		return model.Query{}, &UnsupportedMoleculeError{QueryText: text, Molecule: molecule}
	}
	return s.create(ctx, text, userID, canonical)
}

func (s *Service) create(ctx context.Context, text, userID, molecule string) (model.Query, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Query{}, fmt.Errorf("queries: create query: %w", auth.ErrAuthenticationRequired)
	}
	q, err := s.store.CreateQuery(ctx, model.Query{UserID: userID, QueryText: text, Molecule: molecule})
	if err != nil {
		return model.Query{}, fmt.Errorf("queries: create query: %w", err)
	}
	s.created.Add(ctx, 1, metric.WithAttributes(attribute.String("molecule", molecule)))
	s.logger.Info("queries: created", "query_id", q.ID, "molecule", molecule, "user_id", userID)
	return q, nil
}

// ExecuteAgents runs the pipeline for a PENDING query and blocks until the
// run ends. The query finishes COMPLETED when every agent was attempted and
// FAILED when the run aborted or was cancelled. Individual agent failures
// do not fail the query. A query that is not PENDING, including one another
// caller has just started, is rejected with storage.ErrInvalidTransition
// and its progress stream is left untouched.
func (s *Service) ExecuteAgents(ctx context.Context, queryID int64) error {
	q, err := s.claim(ctx, queryID)
	if err != nil {
		return fmt.Errorf("queries: execute agents: %w", err)
	}
	return s.run(ctx, q)
}

// StartAgents moves a PENDING query to PROCESSING, then runs the pipeline
// in the background. The run is detached from ctx's cancellation. Errors
// from the claim are returned synchronously, so of two concurrent starts
// exactly one succeeds.
func (s *Service) StartAgents(ctx context.Context, queryID int64) error {
	q, err := s.claim(ctx, queryID)
	if err != nil {
		return fmt.Errorf("queries: start agents: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(runCtx, q); err != nil {
			s.logger.Warn("queries: background run failed", "query_id", queryID, "error", err)
		}
	}()
	return nil
}

// claim takes ownership of a query's run. The PENDING to PROCESSING write is
// conditional in the store, so only one caller wins; the winner owns the
// query's progress stream and must hand q to run.
func (s *Service) claim(ctx context.Context, queryID int64) (model.Query, error) {
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return model.Query{}, err
	}
	if q.Status != model.QueryPending {
		return model.Query{}, fmt.Errorf("query %d is %s: %w", queryID, q.Status, storage.ErrInvalidTransition)
	}
	if err := s.store.UpdateQueryStatus(ctx, queryID, model.QueryProcessing); err != nil {
		return model.Query{}, err
	}
	// Subscribers that connect before the first update share this stream.
	s.hub.GetOrCreate(queryID)
	q.Status = model.QueryProcessing
	return q, nil
}

func (s *Service) run(ctx context.Context, q model.Query) error {
	defer s.hub.Complete(q.ID)

	runErr := s.scheduler.Run(ctx, q.Molecule, q.ID, func(u model.AgentUpdate) {
		s.hub.Publish(ctx, q.ID, u)
	})

	final := model.QueryCompleted
	if runErr != nil {
		final = model.QueryFailed
	}
	// The status write must land even when ctx ended the run.
	if err := s.store.UpdateQueryStatus(context.WithoutCancel(ctx), q.ID, final); err != nil {
		s.publishSystemFailure(ctx, q.ID, err)
		return fmt.Errorf("queries: finish query %d: %w", q.ID, errors.Join(runErr, err))
	}
	s.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(final))))
	s.logger.Info("queries: finished", "query_id", q.ID, "status", final)

	if runErr != nil {
		return fmt.Errorf("queries: execute agents: %w", runErr)
	}
	return nil
}

// Wait blocks until every run started with StartAgents has returned.
func (s *Service) Wait() { s.wg.Wait() }

// Shutdown soft-cancels every in-flight run and waits for background runs
// to drain or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	if n := s.scheduler.CancelExecution(); n > 0 {
		s.logger.Info("queries: cancelling in-flight runs for shutdown", "runs", n)
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queries: shutdown: %w", ctx.Err())
	}
}

// GetAgentProgress subscribes to a query's progress. The subscriber first
// receives the latest update. Queries that already finished yield a
// subscription that is closed immediately.
func (s *Service) GetAgentProgress(ctx context.Context, queryID int64) (*progress.Subscription, error) {
	if b, ok := s.hub.Get(queryID); ok {
		return b.Subscribe(), nil
	}
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("queries: agent progress: %w", err)
	}
	if q.Status.IsTerminal() {
		return closedSubscription(), nil
	}
	sub := s.hub.GetOrCreate(queryID).Subscribe()

	// The run may have finished between the lookup and the subscribe, in
	// which case nothing will ever close the stream just created.
	if q, err = s.store.GetQuery(ctx, queryID); err == nil && q.Status.IsTerminal() {
		s.hub.Complete(queryID)
	}
	return sub, nil
}

func closedSubscription() *progress.Subscription {
	b := progress.NewBroadcaster(0)
	b.Close()
	return b.Subscribe()
}

// CancelQuery soft-cancels the query's run. The agent currently executing
// finishes; no further agents are scheduled. It reports whether a run was
// in flight. Subscribers see CANCELLED once the in-flight agent is done.
func (s *Service) CancelQuery(queryID int64) bool {
	return s.scheduler.CancelRun(queryID)
}

// CancelAll soft-cancels every in-flight run.
func (s *Service) CancelAll() int {
	return s.scheduler.CancelExecution()
}

// DeleteQuery removes a query with its agent results and ends its progress
// stream.
func (s *Service) DeleteQuery(ctx context.Context, queryID int64) error {
	if err := s.store.DeleteQuery(ctx, queryID); err != nil {
		return fmt.Errorf("queries: delete query: %w", err)
	}
	s.scheduler.CancelRun(queryID)
	s.hub.Complete(queryID)
	s.logger.Info("queries: deleted", "query_id", queryID)
	return nil
}

// GetQuery returns a query by ID.
func (s *Service) GetQuery(ctx context.Context, queryID int64) (model.Query, error) {
	q, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return model.Query{}, fmt.Errorf("queries: get query: %w", err)
	}
	return q, nil
}

// GetOwnedQuery returns the query only if userID owns it. Queries owned by
// someone else are reported as not found.
func (s *Service) GetOwnedQuery(ctx context.Context, queryID int64, userID string) (model.Query, error) {
	if userID == "" {
		return model.Query{}, fmt.Errorf("queries: get query: %w", auth.ErrAuthenticationRequired)
	}
	q, err := s.GetQuery(ctx, queryID)
	if err != nil {
		return model.Query{}, err
	}
	if q.UserID != userID {
		return model.Query{}, fmt.Errorf("queries: query %d: %w", queryID, storage.ErrNotFound)
	}
	return q, nil
}

// ListQueries returns queries matching f, newest first.
func (s *Service) ListQueries(ctx context.Context, f model.QueryFilter) ([]model.Query, error) {
	qs, err := s.store.ListQueries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("queries: list queries: %w", err)
	}
	return qs, nil
}

// GetResults returns the query's agent results in execution order.
func (s *Service) GetResults(ctx context.Context, queryID int64) ([]model.AgentResult, error) {
	rs, err := s.store.ResultsByQuery(ctx, queryID)
	if err != nil {
		return nil, fmt.Errorf("queries: results: %w", err)
	}
	return rs, nil
}

// GetStatistics returns query outcome statistics for userID, or for all
// users when userID is empty.
func (s *Service) GetStatistics(ctx context.Context, userID string) (model.QueryStatistics, error) {
	st, err := s.store.QueryStatistics(ctx, userID)
	if err != nil {
		return model.QueryStatistics{}, fmt.Errorf("queries: statistics: %w", err)
	}
	return st, nil
}

// AverageExecutionTimes returns the mean completed execution time per agent.
func (s *Service) AverageExecutionTimes(ctx context.Context) (map[string]float64, error) {
	avg, err := s.store.AverageExecutionTimes(ctx)
	if err != nil {
		return nil, fmt.Errorf("queries: average execution times: %w", err)
	}
	return avg, nil
}

// PipelineInfo describes the registered agents, annotated with their
// observed average execution times.
func (s *Service) PipelineInfo(ctx context.Context) (model.PipelineInfo, error) {
	info := s.scheduler.AgentInfo()
	avg, err := s.AverageExecutionTimes(ctx)
	if err != nil {
		return model.PipelineInfo{}, err
	}
	for i := range info.Agents {
		if v, ok := avg[info.Agents[i].Name]; ok {
			info.Agents[i].AvgExecutionTimeMs = &v
		}
	}
	return info, nil
}

// InFlight returns the number of pipeline runs currently executing.
func (s *Service) InFlight() int { return s.scheduler.ActiveRuns() }

func (s *Service) publishSystemFailure(ctx context.Context, queryID int64, err error) {
	s.logger.Error("queries: execution failed", "query_id", queryID, "error", err)
	s.hub.Publish(ctx, queryID, model.NewAgentUpdate(model.SystemAgentName, model.AgentFailed, 0, nil, err.Error()))
}

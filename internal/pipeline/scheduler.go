package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mit-bodhiq/bodhiq/internal/clock"
	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/progress"
	"github.com/mit-bodhiq/bodhiq/internal/telemetry"
)

// Scheduler runs the registered agents for a molecule, one at a time in
// ascending priority order. Runs for different queries may proceed
// concurrently.
type Scheduler struct {
	store  ResultStore
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.RWMutex
	agents []registration
	seq    int

	runsMu sync.Mutex
	runs   map[*runState]struct{}

	global *progress.Broadcaster

	executions metric.Int64Counter
	attempts   metric.Int64Counter
	duration   metric.Float64Histogram
}

type registration struct {
	agent Agent
	seq   int
}

type runState struct {
	queryID   int64
	cancelled atomic.Bool
}

// New creates a scheduler that persists results to store and wraps every
// agent call in policy.
func New(store ResultStore, policy Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Clock == nil {
		policy.Clock = clock.Real()
	}

	meter := telemetry.Meter("bodhiq/pipeline")
	executions, _ := meter.Int64Counter("bodhiq.agent.executions",
		metric.WithDescription("Agent executions by final status"),
	)
	attempts, _ := meter.Int64Counter("bodhiq.agent.attempts",
		metric.WithDescription("Agent execution attempts including retries"),
	)
	duration, _ := meter.Float64Histogram("bodhiq.agent.duration",
		metric.WithDescription("Agent execution time including retries (ms)"),
		metric.WithUnit("ms"),
	)

	s := &Scheduler{
		store:      store,
		clock:      policy.Clock,
		logger:     logger,
		tracer:     otel.Tracer("bodhiq/pipeline"),
		runs:       make(map[*runState]struct{}),
		global:     progress.NewBroadcaster(0),
		executions: executions,
		attempts:   attempts,
		duration:   duration,
	}

	userHook := policy.OnAttempt
	policy.OnAttempt = func(agent string, attempt int, err error) {
		s.attempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("agent", agent)))
		if err != nil {
			s.logger.Debug("pipeline: agent attempt failed", "agent", agent, "attempt", attempt, "error", err)
		}
		if userHook != nil {
			userHook(agent, attempt, err)
		}
	}
	s.policy = policy
	return s
}

// RegisterAgent adds a to the registry. Registering a name that is already
// present replaces that agent in place, keeping its original registration
// slot for tie-breaking.
func (s *Scheduler) RegisterAgent(a Agent) error {
	if a == nil {
		return errors.New("pipeline: register nil agent")
	}
	name := a.Name()
	if name == "" {
		return errors.New("pipeline: agent name is required")
	}
	if name == model.PipelineAgentName || name == model.SystemAgentName {
		return fmt.Errorf("pipeline: agent name %q is reserved", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.agents {
		if r.agent.Name() == name {
			s.agents[i].agent = a
			return nil
		}
	}
	s.agents = append(s.agents, registration{agent: a, seq: s.seq})
	s.seq++
	return nil
}

// Agents returns the registered agents sorted by priority, ties broken by
// registration order.
func (s *Scheduler) Agents() []Agent {
	s.mu.RLock()
	regs := slices.Clone(s.agents)
	s.mu.RUnlock()

	slices.SortStableFunc(regs, func(a, b registration) int {
		if d := a.agent.Priority() - b.agent.Priority(); d != 0 {
			return d
		}
		return a.seq - b.seq
	})
	out := make([]Agent, len(regs))
	for i, r := range regs {
		out[i] = r.agent
	}
	return out
}

// AgentInfo describes the registered pipeline for listings.
func (s *Scheduler) AgentInfo() model.PipelineInfo {
	agents := s.Agents()
	info := model.PipelineInfo{Agents: make([]model.AgentInfo, len(agents)), AgentCount: len(agents)}
	for i, a := range agents {
		info.Agents[i] = model.AgentInfo{
			Name:                a.Name(),
			Priority:            a.Priority(),
			EstimatedDurationMs: a.EstimatedDurationMs(),
		}
		info.TotalEstimatedDurationMs += a.EstimatedDurationMs()
	}
	return info
}

// AgentCount returns the number of registered agents.
func (s *Scheduler) AgentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// TotalEstimatedDurationMs sums the agents' duration hints.
func (s *Scheduler) TotalEstimatedDurationMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.agents {
		total += r.agent.EstimatedDurationMs()
	}
	return total
}

// IsMoleculeSupported reports whether name is a supported molecule,
// ignoring case.
func (s *Scheduler) IsMoleculeSupported(name string) bool {
	return model.IsSupportedMolecule(name)
}

// Policy returns the execution policy applied to every agent.
func (s *Scheduler) Policy() Policy { return s.policy }

// ProgressStream subscribes to updates from every run on this scheduler.
// The subscriber first receives the most recent update, if any.
func (s *Scheduler) ProgressStream() *progress.Subscription {
	return s.global.Subscribe()
}

// Close ends the scheduler-wide progress stream.
func (s *Scheduler) Close() {
	s.global.Close()
}

// CancelExecution flags every in-flight run as cancelled and announces it
// on the scheduler-wide stream. Agents already executing are not
// interrupted; each run stops before its next agent. It returns the number
// of runs flagged.
func (s *Scheduler) CancelExecution() int {
	s.runsMu.Lock()
	n := 0
	for rs := range s.runs {
		if !rs.cancelled.Swap(true) {
			n++
		}
	}
	s.runsMu.Unlock()

	s.global.Publish(model.NewAgentUpdate(model.PipelineAgentName, model.AgentCancelled, 0, nil, model.CancelledMessage))
	s.logger.Info("pipeline: execution cancelled", "runs", n)
	return n
}

// CancelRun flags the in-flight run for queryID as cancelled. It reports
// whether such a run was found; that return value is the caller's
// acknowledgement. Nothing is published here: the run announces CANCELLED
// on its own stream when it stops at the next agent boundary, after the
// in-flight agent's terminal update, so CANCELLED is always the last
// update a subscriber sees.
func (s *Scheduler) CancelRun(queryID int64) bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	found := false
	for rs := range s.runs {
		if rs.queryID == queryID {
			rs.cancelled.Store(true)
			found = true
		}
	}
	if found {
		s.logger.Info("pipeline: run cancelled", "query_id", queryID)
	}
	return found
}

// ActiveRuns returns the number of runs in flight.
func (s *Scheduler) ActiveRuns() int {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return len(s.runs)
}

func (s *Scheduler) track(queryID int64) *runState {
	rs := &runState{queryID: queryID}
	s.runsMu.Lock()
	s.runs[rs] = struct{}{}
	s.runsMu.Unlock()
	return rs
}

func (s *Scheduler) untrack(rs *runState) {
	s.runsMu.Lock()
	delete(s.runs, rs)
	s.runsMu.Unlock()
}

// Run is an asynchronous pipeline execution started by ExecuteAll.
type Run struct {
	QueryID int64

	updates chan model.AgentUpdate
	done    chan struct{}
	err     error
}

// Updates returns the run's updates in emission order. The channel is
// closed when the run ends and never blocks the run.
func (r *Run) Updates() <-chan model.AgentUpdate { return r.updates }

// Wait blocks until the run ends and returns its error.
func (r *Run) Wait() error {
	<-r.done
	return r.err
}

// ExecuteAll starts a run in the background and returns a handle to its
// update stream.
func (s *Scheduler) ExecuteAll(ctx context.Context, molecule string, queryID int64) *Run {
	// Each agent emits two updates and the run may end with one more.
	r := &Run{
		QueryID: queryID,
		updates: make(chan model.AgentUpdate, 2*s.AgentCount()+2),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		defer close(r.updates)
		r.err = s.Run(ctx, molecule, queryID, func(u model.AgentUpdate) {
			r.updates <- u
		})
	}()
	return r
}

// Run executes every registered agent for molecule and calls emit with each
// update in order. Agent failures are recorded and do not stop the run.
// It returns a *PipelineError when the store fails or ctx ends, and
// ErrRunCancelled when the run was cancelled before its last agent.
func (s *Scheduler) Run(ctx context.Context, molecule string, queryID int64, emit func(model.AgentUpdate)) error {
	rs := s.track(queryID)
	defer s.untrack(rs)

	agents := s.Agents()
	ctx, span := s.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int64("bodhiq.query_id", queryID),
		attribute.String("bodhiq.molecule", molecule),
		attribute.Int("bodhiq.agent_count", len(agents)),
	))
	defer span.End()

	send := func(u model.AgentUpdate) {
		if emit != nil {
			emit(u)
		}
		s.global.Publish(u)
	}

	logger := s.logger.With("query_id", queryID, "molecule", molecule)
	logger.Info("pipeline: run started", "agents", len(agents))

	for _, a := range agents {
		if rs.cancelled.Load() {
			if emit != nil {
				emit(model.NewAgentUpdate(model.PipelineAgentName, model.AgentCancelled, 0, nil, model.CancelledMessage))
			}
			span.SetStatus(codes.Error, "cancelled")
			logger.Info("pipeline: run stopped after cancel", "next_agent", a.Name())
			return ErrRunCancelled
		}
		err := ctx.Err()
		if err != nil {
			err = &PipelineError{Op: "schedule agent", Agent: a.Name(), Err: err}
		} else {
			err = s.runAgent(ctx, logger, a, molecule, queryID, send)
		}
		if err != nil {
			send(model.NewAgentUpdate(model.PipelineAgentName, model.AgentFailed, 0, nil, "Pipeline execution failed: "+err.Error()))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("pipeline: run failed", "error", err)
			return err
		}
	}

	logger.Info("pipeline: run finished")
	return nil
}

func (s *Scheduler) runAgent(ctx context.Context, logger *slog.Logger, a Agent, molecule string, queryID int64, send func(model.AgentUpdate)) error {
	name := a.Name()
	ctx, span := s.tracer.Start(ctx, "pipeline.agent", trace.WithAttributes(
		attribute.String("bodhiq.agent", name),
		attribute.Int("bodhiq.priority", a.Priority()),
	))
	defer span.End()

	send(model.NewAgentUpdate(name, model.AgentProcessing, 0, nil, ""))

	startedAt := s.clock.Now().UTC()
	resultID, err := s.store.InsertProcessing(ctx, queryID, name, startedAt)
	if err != nil {
		return &PipelineError{Op: "insert processing result", Agent: name, Err: err}
	}

	payload, execErr := s.policy.Execute(ctx, a, molecule, queryID)
	completedAt := s.clock.Now().UTC()

	res := model.AgentResult{
		ID:              resultID,
		QueryID:         queryID,
		AgentName:       name,
		StartedAt:       startedAt,
		CompletedAt:     &completedAt,
		ExecutionTimeMs: completedAt.Sub(startedAt).Milliseconds(),
	}
	var errMsg string
	if execErr == nil {
		res.Status = model.AgentCompleted
		res.ResultData = &payload
	} else {
		res.Status = model.AgentFailed
		errMsg = execErr.Error()
		res.ErrorMessage = &errMsg
	}

	if ctxErr := ctx.Err(); ctxErr != nil && execErr != nil {
		// The caller is gone; still finalise the row so it is not left PROCESSING.
		if err := s.store.UpdateTerminal(context.WithoutCancel(ctx), resultID, res.Terminal()); err != nil {
			logger.Warn("pipeline: finalise interrupted result", "agent", name, "error", err)
		}
		return &PipelineError{Op: "execute agent", Agent: name, Err: ctxErr}
	}

	if err := s.store.UpdateTerminal(ctx, resultID, res.Terminal()); err != nil {
		return &PipelineError{Op: "update terminal result", Agent: name, Err: err}
	}

	attrs := metric.WithAttributes(
		attribute.String("agent", name),
		attribute.String("status", string(res.Status)),
	)
	s.executions.Add(ctx, 1, attrs)
	s.duration.Record(ctx, float64(res.ExecutionTimeMs), attrs)

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, errMsg)
		logger.Warn("pipeline: agent failed", "agent", name, "duration_ms", res.ExecutionTimeMs, "error", execErr)
		send(model.NewAgentUpdate(name, model.AgentFailed, 0, &res, errMsg))
		return nil
	}
	logger.Info("pipeline: agent completed", "agent", name, "duration_ms", res.ExecutionTimeMs)
	send(model.NewAgentUpdate(name, model.AgentCompleted, 100, &res, ""))
	return nil
}

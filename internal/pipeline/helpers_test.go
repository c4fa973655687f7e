package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAgent struct {
	name     string
	priority int
	estimate int64
	fn       func(ctx context.Context, molecule string) (string, error)
	calls    atomic.Int32
}

func (a *fakeAgent) Name() string               { return a.name }
func (a *fakeAgent) Priority() int              { return a.priority }
func (a *fakeAgent) EstimatedDurationMs() int64 { return a.estimate }

func (a *fakeAgent) Execute(ctx context.Context, molecule string, _ int64) (string, error) {
	a.calls.Add(1)
	if a.fn == nil {
		return `{"agent":"` + a.name + `"}`, nil
	}
	return a.fn(ctx, molecule)
}

func okAgent(name string, priority int) *fakeAgent {
	return &fakeAgent{name: name, priority: priority, estimate: 1000}
}

func failingAgent(name string, priority int, err error) *fakeAgent {
	return &fakeAgent{name: name, priority: priority, fn: func(context.Context, string) (string, error) {
		return "", err
	}}
}

// hangingAgent blocks until its context is cancelled.
func hangingAgent(name string, priority int) *fakeAgent {
	return &fakeAgent{name: name, priority: priority, fn: func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

// memStore is an in-memory ResultStore.
type memStore struct {
	mu        sync.Mutex
	next      int64
	rows      map[int64]model.AgentResult
	order     []int64
	insertErr error
	updateErr error
	updates   int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]model.AgentResult)}
}

func (m *memStore) InsertProcessing(_ context.Context, queryID int64, agentName string, startedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.next++
	m.rows[m.next] = model.AgentResult{
		ID: m.next, QueryID: queryID, AgentName: agentName,
		Status: model.AgentProcessing, StartedAt: startedAt,
	}
	m.order = append(m.order, m.next)
	return m.next, nil
}

func (m *memStore) UpdateTerminal(_ context.Context, id int64, u model.TerminalUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	r, ok := m.rows[id]
	if !ok {
		return errors.New("not found")
	}
	completed := u.CompletedAt
	r.Status = u.Status
	r.CompletedAt = &completed
	r.ExecutionTimeMs = u.ExecutionTimeMs
	r.ResultData = u.ResultData
	r.ErrorMessage = u.ErrorMessage
	m.rows[id] = r
	return nil
}

func (m *memStore) results() []model.AgentResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.AgentResult, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.rows[id])
	}
	return out
}

func (m *memStore) byAgent(name string) (model.AgentResult, bool) {
	for _, r := range m.results() {
		if r.AgentName == name {
			return r, true
		}
	}
	return model.AgentResult{}, false
}

type collector struct {
	mu      sync.Mutex
	updates []model.AgentUpdate
}

func (c *collector) emit(u model.AgentUpdate) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *collector) all() []model.AgentUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.AgentUpdate(nil), c.updates...)
}

type step struct {
	agent  string
	status model.AgentStatus
}

func steps(updates []model.AgentUpdate) []step {
	out := make([]step, len(updates))
	for i, u := range updates {
		out[i] = step{u.AgentName, u.Status}
	}
	return out
}

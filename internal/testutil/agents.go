package testutil

import (
	"context"
	"sync/atomic"
)

// StubAgent is a scripted pipeline agent. With no Fn it returns a small JSON
// object naming the molecule.
type StubAgent struct {
	AgentName string
	Prio      int
	Estimate  int64
	Fn        func(ctx context.Context, molecule string) (string, error)

	calls atomic.Int32
}

// NewStubAgent returns a StubAgent that always succeeds.
func NewStubAgent(name string, priority int) *StubAgent {
	return &StubAgent{AgentName: name, Prio: priority, Estimate: 100}
}

func (a *StubAgent) Name() string               { return a.AgentName }
func (a *StubAgent) Priority() int              { return a.Prio }
func (a *StubAgent) EstimatedDurationMs() int64 { return a.Estimate }

// Execute runs Fn or returns the default payload.
func (a *StubAgent) Execute(ctx context.Context, molecule string, _ int64) (string, error) {
	a.calls.Add(1)
	if a.Fn == nil {
		return `{"agent":"` + a.AgentName + `","molecule":"` + molecule + `"}`, nil
	}
	return a.Fn(ctx, molecule)
}

// Calls reports how many times Execute ran.
func (a *StubAgent) Calls() int { return int(a.calls.Load()) }

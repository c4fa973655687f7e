package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks.
var (
	ErrNoData       = errors.New("pipeline: no data")
	ErrAgentTimeout = errors.New("pipeline: agent timed out")
	ErrRunCancelled = errors.New("pipeline: run cancelled")
)

// NoDataError is the value-level failure an agent returns when it has
// nothing to report for a molecule. It is handled exactly like any other
// execution error.
type NoDataError struct {
	Kind     string // e.g. "market", "patent"; empty for an untyped empty payload
	Molecule string
}

func (e *NoDataError) Error() string {
	if e.Kind == "" {
		return "No data available for molecule: " + e.Molecule
	}
	return fmt.Sprintf("No %s data available for molecule: %s", e.Kind, e.Molecule)
}

func (e *NoDataError) Is(target error) bool { return target == ErrNoData }

// EncodeNonEmpty marshals items to JSON, or returns a NoDataError of the
// given kind when items is empty.
func EncodeNonEmpty[T any](kind, molecule string, items []T) (string, error) {
	if len(items) == 0 {
		return "", &NoDataError{Kind: kind, Molecule: molecule}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("pipeline: encode %s data: %w", kind, err)
	}
	return string(b), nil
}

// AgentExecutionError is the final failure of an agent after the policy
// gave up. Its message is the underlying error's message so stored rows
// read the same whether the agent failed once or on every attempt.
type AgentExecutionError struct {
	Agent string
	Err   error
}

func (e *AgentExecutionError) Error() string { return e.Err.Error() }

func (e *AgentExecutionError) Unwrap() error { return e.Err }

// AgentTimeoutError reports that a single attempt exceeded the policy timeout.
type AgentTimeoutError struct {
	Agent   string
	Timeout time.Duration
}

func (e *AgentTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Agent, e.Timeout)
}

func (e *AgentTimeoutError) Is(target error) bool { return target == ErrAgentTimeout }

// PipelineError is a scheduler-level failure that aborts the whole run,
// such as the result store being unavailable.
type PipelineError struct {
	Op    string
	Agent string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("%s (%s): %v", e.Op, e.Agent, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

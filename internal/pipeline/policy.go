package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/clock"
)

// Default policy values.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
)

// Policy bounds a single agent invocation with a per-attempt timeout and a
// fixed number of whole-call retries.
type Policy struct {
	// Timeout is the ceiling for one attempt. Zero disables the ceiling.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is waited between attempts.
	RetryDelay time.Duration
	// Retryable decides whether a failed attempt is retried. Nil retries
	// every failure.
	Retryable func(error) bool
	// Clock drives timers. Nil uses the real clock.
	Clock clock.Clock
	// OnAttempt, when set, is called after every attempt with its outcome.
	OnAttempt func(agent string, attempt int, err error)
}

// DefaultPolicy returns a 30s timeout with 2 immediate retries on any failure.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Clock:      clock.Real(),
	}
}

// SkipNoData is a Retryable that does not retry deterministic "no data"
// failures.
func SkipNoData(err error) bool {
	return !errors.Is(err, ErrNoData)
}

// MaxDuration is the longest a single agent can hold up a run, not counting
// time the agent needs to notice cancellation.
func (p Policy) MaxDuration() time.Duration {
	attempts := time.Duration(max(p.MaxRetries, 0) + 1)
	return p.Timeout*attempts + p.RetryDelay*(attempts-1)
}

// Execute runs a through the policy. It returns the payload of the first
// successful attempt or an *AgentExecutionError carrying the last attempt's
// error. If ctx is done the context error is returned wrapped the same way.
func (p Policy) Execute(ctx context.Context, a Agent, molecule string, queryID int64) (string, error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}
	name := a.Name()
	retries := max(p.MaxRetries, 0)

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 && p.RetryDelay > 0 {
			if err := sleep(ctx, clk, p.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		out, err := p.attempt(ctx, clk, a, molecule, queryID)
		if p.OnAttempt != nil {
			p.OnAttempt(name, attempt+1, err)
		}
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			break
		}
	}
	return "", &AgentExecutionError{Agent: name, Err: lastErr}
}

type outcome struct {
	payload string
	err     error
}

// attempt runs one invocation. A hung agent is abandoned when the timer
// fires; its context is cancelled so a well-behaved agent exits soon after.
func (p Policy) attempt(ctx context.Context, clk clock.Clock, a Agent, molecule string, queryID int64) (string, error) {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%s panicked: %v", a.Name(), r)}
			}
		}()
		out, err := a.Execute(actx, molecule, queryID)
		if err == nil && isEmptyPayload(out) {
			err = &NoDataError{Molecule: molecule}
		}
		done <- outcome{payload: out, err: err}
	}()

	var timeout <-chan time.Time
	if p.Timeout > 0 {
		t := clk.NewTimer(p.Timeout)
		defer t.Stop()
		timeout = t.C()
	}

	select {
	case o := <-done:
		return o.payload, o.err
	case <-timeout:
		return "", &AgentTimeoutError{Agent: a.Name(), Timeout: p.Timeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func isEmptyPayload(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "null", "[]", "{}":
		return true
	}
	return false
}

func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	t := clk.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

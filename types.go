package bodhiq

import (
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/pipeline"
)

// Policy bounds every agent invocation. It mirrors the BODHIQ_AGENT_*
// settings for callers that configure the App in code.
type Policy struct {
	// Timeout is the ceiling for one attempt. Zero disables it.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// RetryDelay is waited between attempts.
	RetryDelay time.Duration
	// RetryNoData retries agents that answered with no data for the molecule.
	RetryNoData bool
}

// DefaultPolicy returns a 30s timeout with two immediate retries.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     pipeline.DefaultTimeout,
		MaxRetries:  pipeline.DefaultMaxRetries,
		RetryNoData: true,
	}
}

func (p Policy) internal() pipeline.Policy {
	ip := pipeline.DefaultPolicy()
	ip.Timeout = p.Timeout
	ip.MaxRetries = p.MaxRetries
	ip.RetryDelay = p.RetryDelay
	if !p.RetryNoData {
		ip.Retryable = pipeline.SkipNoData
	}
	return ip
}

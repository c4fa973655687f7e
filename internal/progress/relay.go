package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mit-bodhiq/bodhiq/internal/model"
)

// Envelope is an update tagged with its query, as carried between processes.
type Envelope struct {
	QueryID int64             `json:"query_id"`
	Update  model.AgentUpdate `json:"update"`
}

// Relay mirrors updates to other processes.
type Relay interface {
	// Publish forwards one update.
	Publish(ctx context.Context, queryID int64, u model.AgentUpdate) error
	// Subscribe follows updates for queryID, or for every query when
	// queryID is zero. The channel closes when ctx is done.
	Subscribe(ctx context.Context, queryID int64) (<-chan Envelope, error)
	// Name identifies the relay backend in health output.
	Name() string
	Close() error
}

func encodeEnvelope(queryID int64, u model.AgentUpdate) ([]byte, error) {
	b, err := json.Marshal(Envelope{QueryID: queryID, Update: u})
	if err != nil {
		return nil, fmt.Errorf("progress: encode update: %w", err)
	}
	return b, nil
}

func decodeEnvelope(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("progress: decode update: %w", err)
	}
	return env, nil
}

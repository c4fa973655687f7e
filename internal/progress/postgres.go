package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mit-bodhiq/bodhiq/internal/model"
	"github.com/mit-bodhiq/bodhiq/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of the Postgres store.
type Notifier interface {
	Notify(ctx context.Context, channel, payload string) error
	Listen(ctx context.Context, channel string) error
	Unlisten(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// ErrRelayBusy is returned when a Postgres relay already has a subscriber.
// The relay shares one LISTEN connection, so only one follower at a time.
var ErrRelayBusy = errors.New("progress: relay already has a subscriber")

// PostgresRelay relays updates over Postgres NOTIFY on a single channel.
// Result payloads are stripped before sending because NOTIFY payloads are
// limited to 8000 bytes; followers fetch full results from the store.
type PostgresRelay struct {
	db     Notifier
	logger *slog.Logger

	mu        sync.Mutex
	listening bool
}

// NewPostgresRelay creates a relay over db.
func NewPostgresRelay(db Notifier, logger *slog.Logger) *PostgresRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRelay{db: db, logger: logger}
}

// Publish implements Relay.
func (r *PostgresRelay) Publish(ctx context.Context, queryID int64, u model.AgentUpdate) error {
	if u.Result != nil {
		res := *u.Result
		res.ResultData = nil
		u.Result = &res
	}
	payload, err := encodeEnvelope(queryID, u)
	if err != nil {
		return err
	}
	return r.db.Notify(ctx, storage.ChannelProgress, string(payload))
}

// Subscribe implements Relay.
func (r *PostgresRelay) Subscribe(ctx context.Context, queryID int64) (<-chan Envelope, error) {
	r.mu.Lock()
	if r.listening {
		r.mu.Unlock()
		return nil, ErrRelayBusy
	}
	r.listening = true
	r.mu.Unlock()

	if err := r.db.Listen(ctx, storage.ChannelProgress); err != nil {
		r.release()
		return nil, fmt.Errorf("progress: postgres subscribe: %w", err)
	}

	out := make(chan Envelope)
	go func() {
		defer close(out)
		defer r.release()
		defer func() {
			if err := r.db.Unlisten(context.WithoutCancel(ctx), storage.ChannelProgress); err != nil {
				r.logger.Warn("progress: unlisten", "error", err)
			}
		}()
		for {
			_, payload, err := r.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("progress: notification error, retrying", "error", err)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			env, err := decodeEnvelope(payload)
			if err != nil {
				r.logger.Warn("progress: dropping malformed relay message", "error", err)
				continue
			}
			if queryID != 0 && env.QueryID != queryID {
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *PostgresRelay) release() {
	r.mu.Lock()
	r.listening = false
	r.mu.Unlock()
}

// Name implements Relay.
func (r *PostgresRelay) Name() string { return "postgres" }

// Close implements Relay. The underlying store is owned by the caller.
func (r *PostgresRelay) Close() error { return nil }

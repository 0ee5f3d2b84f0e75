// Package redisbus reads job events straight from the backend's redis
// broadcaster, for deployments that reach redis but not the Pusher relay.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/servicedesk/jobsync/internal/ingest"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// Channel is the broadcast channel, including any key prefix the
	// backend adds (e.g. "laravel_database_private-jobs.admin").
	Channel string
	Logger  *slog.Logger
}

type Bus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

var _ ingest.Source = (*Bus)(nil)

func New(opts Options) *Bus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewWithClient(rdb, opts.Channel, opts.Logger)
}

func NewWithClient(client *redis.Client, channel string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, channel: channel, logger: logger}
}

func (b *Bus) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (b *Bus) Close() error {
	return b.client.Close()
}

// message is the broadcaster's envelope.
type message struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Socket *string         `json:"socket"`
}

// ParseMessage turns one published payload into an event.
func ParseMessage(payload string) (ingest.Event, error) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return ingest.Event{}, fmt.Errorf("decode broadcast: %w", err)
	}
	if m.Event == "" {
		return ingest.Event{}, errors.New("decode broadcast: missing event name")
	}
	return ingest.Event{Name: m.Event, Data: m.Data}, nil
}

// Subscribe listens on the configured channel. The returned channel closes
// when ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan ingest.Event, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("redis subscribed", slog.String("channel", b.channel))

	out := make(chan ingest.Event)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				evt, err := ParseMessage(msg.Payload)
				if err != nil {
					b.logger.Warn("dropping broadcast",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

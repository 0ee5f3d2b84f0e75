// Package pusher is a Pusher protocol client that subscribes to the admin
// jobs channel and forwards its events to the ingestor.
package pusher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/servicedesk/jobsync/internal/ingest"
)

const DefaultChannel = "private-jobs.admin"

// Authorizer signs a private channel subscription for socketID.
type Authorizer func(ctx context.Context, socketID, channel string) (string, error)

type Options struct {
	// URL is the full websocket endpoint, e.g.
	// wss://ws-eu.pusher.com/app/KEY?protocol=7&client=jobsync&version=1.0
	URL            string
	Channel        string
	ReconnectDelay time.Duration
	// PingInterval overrides the server's activity timeout when set.
	PingInterval time.Duration
	Buffer       int
	Logger       *slog.Logger
	// OnConnect runs in its own goroutine after every successful
	// subscription, including reconnects.
	OnConnect func(ctx context.Context)
}

type Client struct {
	opts      Options
	authorize Authorizer
	logger    *slog.Logger
	connected atomic.Bool
}

var _ ingest.Source = (*Client)(nil)

func New(opts Options, authorize Authorizer) *Client {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{opts: opts, authorize: authorize, logger: opts.Logger}
}

// Subscribe starts the connection loop and returns the event stream. The
// channel is closed once ctx is done.
func (c *Client) Subscribe(ctx context.Context) (<-chan ingest.Event, error) {
	if c.opts.URL == "" {
		return nil, errors.New("pusher: no websocket url configured")
	}
	if strings.HasPrefix(c.opts.Channel, "private-") && c.authorize == nil {
		return nil, fmt.Errorf("pusher: channel %s needs an authorizer", c.opts.Channel)
	}
	out := make(chan ingest.Event, c.opts.Buffer)
	go func() {
		defer close(out)
		c.Run(ctx, out)
	}()
	return out, nil
}

// Connected reports whether the channel subscription is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps a connection open until ctx is done, reconnecting after every
// failure.
func (c *Client) Run(ctx context.Context, out chan<- ingest.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := c.connect(ctx, out); err != nil && ctx.Err() == nil {
				c.logger.Warn("push connection lost",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", c.opts.ReconnectDelay),
				)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.opts.ReconnectDelay):
				}
			}
		}
	}
}

func (c *Client) connect(ctx context.Context, out chan<- ingest.Event) error {
	conn, _, err := websocket.Dial(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	var hello Frame
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	if hello.Event != eventConnectionEstablished {
		return fmt.Errorf("unexpected handshake event %q", hello.Event)
	}
	var info ConnectionData
	if err := decodeData(hello.Data, &info); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	c.logger.Info("push connected", slog.String("socket_id", info.SocketID))

	if err := c.subscribe(ctx, conn, info.SocketID); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.connected.Store(false)
	go c.heartbeat(connCtx, conn, c.pingInterval(info))

	return c.messageLoop(ctx, connCtx, conn, out)
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, socketID string) error {
	data := SubscribeData{Channel: c.opts.Channel}
	if strings.HasPrefix(c.opts.Channel, "private-") {
		auth, err := c.authorize(ctx, socketID, c.opts.Channel)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", c.opts.Channel, err)
		}
		data.Auth = auth
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, Frame{Event: eventSubscribe, Data: raw}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

func (c *Client) pingInterval(info ConnectionData) time.Duration {
	if c.opts.PingInterval > 0 {
		return c.opts.PingInterval
	}
	if info.ActivityTimeout > 0 {
		return time.Duration(info.ActivityTimeout) * time.Second
	}
	return 120 * time.Second
}

// messageLoop reads until the connection fails. OnConnect gets parent so
// a refresh it starts outlives the connection.
func (c *Client) messageLoop(parent, ctx context.Context, conn *websocket.Conn, out chan<- ingest.Event) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid push frame", slog.String("error", err.Error()))
			continue
		}

		switch f.Event {
		case eventPing:
			if err := wsjson.Write(ctx, conn, Frame{Event: eventPong, Data: json.RawMessage(`{}`)}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}

		case eventPong:

		case eventSubscriptionSucceeded:
			c.logger.Info("push subscribed", slog.String("channel", f.Channel))
			c.connected.Store(true)
			if c.opts.OnConnect != nil {
				go c.opts.OnConnect(parent)
			}

		case eventError:
			var e ErrorData
			decodeData(f.Data, &e)
			c.logger.Warn("push error", slog.String("message", e.Message), slog.Int("code", e.Code))

		default:
			if f.Channel != c.opts.Channel {
				continue
			}
			select {
			case out <- ingest.Event{Name: f.Event, Data: f.Data}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, Frame{Event: eventPing, Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
		}
	}
}

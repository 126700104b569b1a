package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/credential"
	"github.com/matheus3301/mktinbox/internal/remote"
	"github.com/matheus3301/mktinbox/internal/status"
)

var errUnauthorized = errors.New("push channel rejected credential")

// Options configure every channel a Manager opens.
type Options struct {
	// WSBase is the push root, e.g. "wss://market.example/api".
	WSBase         string
	Tokens         credential.Source
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxRetries is the number of reconnect attempts before the channel
	// gives up and stays Degraded.
	MaxRetries       int
	HandshakeTimeout time.Duration
	// MaxFrameBytes bounds a push frame. An oversized frame drops the
	// connection, which then reconnects like any other failure.
	MaxFrameBytes int64
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(30*time.Second, o.InitialBackoff)
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Channel is the push connection for one open conversation. Frames are only
// a wake-up signal: every well-formed JSON object is republished on the bus as
// live.event and the payload is otherwise ignored.
type Channel struct {
	id      string
	opts    Options
	dialer  *websocket.Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newChannel(id string, opts Options, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		id:      id,
		opts:    opts,
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: opts.HandshakeTimeout},
		machine: status.NewMachine(id, b),
		bus:     b,
		logger:  logger.With(zap.String("conversation_id", id)),
		done:    make(chan struct{}),
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() status.State {
	return c.machine.Current()
}

// Done is closed once the channel has reached Closed and its goroutine exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		defer c.machine.Close()
		c.run(ctx)
	}()
}

// stop tears the channel down and waits for it.
func (c *Channel) stop() {
	c.cancel()
	<-c.done
}

func (c *Channel) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(c.opts.MaxRetries))
}

func (c *Channel) run(ctx context.Context) {
	if err := c.transition(status.Connecting); err != nil {
		return
	}
	bo := c.newBackOff()
	for {
		conn, err := c.dial(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errUnauthorized):
			c.unauthorized(err)
			return
		case err != nil:
			c.logger.Warn("push connect failed", zap.Error(err))
		default:
			if c.transition(status.Open) != nil {
				_ = conn.Close()
				return
			}
			bo.Reset()
			err = c.readLoop(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push connection lost", zap.Error(err))
		}

		if c.State() != status.Reconnecting && c.transition(status.Reconnecting) != nil {
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Warn("push reconnect attempts exhausted, falling back to polling",
				zap.Int("max_retries", c.opts.MaxRetries))
			_ = c.transition(status.Degraded)
			<-ctx.Done()
			return
		}
		c.logger.Debug("push reconnect scheduled", zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) transition(to status.State) error {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Error("live channel state", zap.Error(err))
		return err
	}
	c.logger.Debug("live channel state", zap.String("state", string(to)))
	return nil
}

func (c *Channel) unauthorized(err error) {
	c.logger.Warn("push channel closed: credential rejected", zap.Error(err))
	c.bus.Publish(bus.NewEvent(bus.KindUnauthorized, c.id, err))
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := credential.Check(c.opts.Tokens, c.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	u, err := remote.PushURL(c.opts.WSBase, c.id, token)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", errUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial push channel: %w", err)
	}
	return conn, nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()
	conn.SetReadLimit(c.opts.MaxFrameBytes)
	for {
		kind, data, err := conn.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			c.logger.Warn("push frame over limit, reconnecting", zap.Int64("limit", c.opts.MaxFrameBytes))
		}
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		frame, ok := parseFrame(data)
		if !ok {
			c.logger.Warn("dropping malformed push frame", zap.Int("bytes", len(data)))
			continue
		}
		c.bus.Publish(bus.NewEvent(bus.KindLiveEvent, c.id, frame))
	}
}

// parseFrame accepts any JSON object; its fields are not interpreted.
func parseFrame(data []byte) (json.RawMessage, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, false
	}
	return json.RawMessage(data), true
}

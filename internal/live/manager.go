package live

import (
	"context"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/mktinbox/internal/bus"
	"github.com/matheus3301/mktinbox/internal/logging"
	"github.com/matheus3301/mktinbox/internal/status"
)

// Manager keeps at most one live channel per open conversation.
type Manager struct {
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       stdsync.Mutex
	channels map[string]*Channel
}

// NewManager creates a manager; no channel is opened until Open.
func NewManager(b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		bus:      b,
		logger:   logging.OrNop(logger),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*Channel),
	}
}

// Open starts the channel for id. An existing channel is kept unless it gave
// up (Degraded) or already ended, in which case a fresh one replaces it.
func (m *Manager) Open(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if ch, ok := m.channels[id]; ok {
		if !ch.finished() && ch.State() != status.Degraded {
			return
		}
		ch.stop()
	}
	ch := newChannel(id, m.opts, m.bus, m.logger)
	m.channels[id] = ch
	ch.start(m.ctx)
}

// Close tears down the channel for id and waits for it to exit.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if ok {
		ch.stop()
	}
}

// CloseAll tears down every channel. The manager stays usable.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	chans := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()
	for _, ch := range chans {
		ch.stop()
	}
}

// Stop closes every channel and refuses further Opens.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.CloseAll()
}

// State returns the state of id's channel; Closed when none is open.
func (m *Manager) State(id string) status.State {
	m.mu.Lock()
	ch, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return status.Closed
	}
	return ch.State()
}

// States snapshots every open channel's state.
func (m *Manager) States() map[string]status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]status.State, len(m.channels))
	for id, ch := range m.channels {
		out[id] = ch.State()
	}
	return out
}

func (c *Channel) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

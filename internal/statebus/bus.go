package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"lockbox/internal/config"
	"lockbox/internal/lockbox"
)

// Bus publishes lockbox events and hands them to subscribers.
type Bus interface {
	Publish(ctx context.Context, e lockbox.Event) error
	// Subscribe returns a channel that receives events until ctx is done.
	// Slow subscribers miss events rather than blocking publishers.
	Subscribe(ctx context.Context) (<-chan lockbox.Event, error)
	Stats() Stats
	Close() error
}

// Stats counts bus traffic.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

const subscriberBuffer = 64

// New builds the bus selected by cfg.
func New(cfg config.StateBus) (Bus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return DialRedis(cfg.RedisAddr, cfg.Topic)
	case "nats":
		return DialNATS(cfg.NATSURL, cfg.Topic)
	default:
		return nil, fmt.Errorf("statebus: unknown backend %q", cfg.Backend)
	}
}

// hub is the local fan-out shared by every backend.
type hub struct {
	mu        sync.Mutex
	subs      map[chan lockbox.Event]struct{}
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newHub() *hub {
	return &hub{subs: make(map[chan lockbox.Event]struct{})}
}

func (h *hub) subscribe(ctx context.Context) (<-chan lockbox.Event, error) {
	ch := make(chan lockbox.Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errClosed
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(ch)
	}()
	return ch, nil
}

func (h *hub) unsubscribe(ch chan lockbox.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *hub) deliver(e lockbox.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// stats takes the lock so counts include any delivery in progress.
func (h *hub) stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

var errClosed = fmt.Errorf("statebus: closed")

func encode(e lockbox.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("statebus: encode event: %w", err)
	}
	return data, nil
}

func decode(data []byte) (lockbox.Event, error) {
	var e lockbox.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return lockbox.Event{}, fmt.Errorf("statebus: decode event: %w", err)
	}
	return e, nil
}

// Memory is an in-process Bus.
type Memory struct {
	hub *hub
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{hub: newHub()}
}

func (m *Memory) Publish(_ context.Context, e lockbox.Event) error {
	m.hub.published.Add(1)
	m.hub.deliver(e)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan lockbox.Event, error) {
	return m.hub.subscribe(ctx)
}

func (m *Memory) Stats() Stats { return m.hub.stats() }

func (m *Memory) Close() error {
	m.hub.close()
	return nil
}

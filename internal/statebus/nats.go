package statebus

import (
	"context"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"lockbox/internal/lockbox"
)

// NATS publishes events on a NATS subject.
type NATS struct {
	conn  *nats.Conn
	topic string
	hub   *hub

	once sync.Once
	sub  *nats.Subscription
	err  error
}

// DialNATS connects to url.
func DialNATS(url, topic string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("lockbox"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("statebus: connect nats %s: %w", url, err)
	}
	return NewNATS(conn, topic), nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn *nats.Conn, topic string) *NATS {
	return &NATS{conn: conn, topic: topic, hub: newHub()}
}

func (n *NATS) Publish(_ context.Context, e lockbox.Event) error {
	data, err := encode(e)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.topic, data); err != nil {
		return fmt.Errorf("statebus: nats publish: %w", err)
	}
	n.hub.published.Add(1)
	return nil
}

// Subscribe starts the shared NATS subscription on first use.
func (n *NATS) Subscribe(ctx context.Context) (<-chan lockbox.Event, error) {
	n.once.Do(func() {
		n.sub, n.err = n.conn.Subscribe(n.topic, func(msg *nats.Msg) {
			e, err := decode(msg.Data)
			if err != nil {
				n.hub.dropped.Add(1)
				return
			}
			n.hub.deliver(e)
		})
		if n.err == nil {
			n.err = n.conn.Flush()
		}
		if n.err != nil {
			n.err = fmt.Errorf("statebus: nats subscribe: %w", n.err)
		}
	})
	if n.err != nil {
		return nil, n.err
	}
	return n.hub.subscribe(ctx)
}

func (n *NATS) Stats() Stats { return n.hub.stats() }

func (n *NATS) Close() error {
	n.once.Do(func() {})
	var err error
	if n.sub != nil {
		err = n.sub.Unsubscribe()
	}
	n.hub.close()
	n.conn.Close()
	return err
}

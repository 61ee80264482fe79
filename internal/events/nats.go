package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultSubjectPrefix = "brewpoints.events"

// NATSBus publishes events on "<prefix>.<type>".
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSBus(nc *nats.Conn, prefix string) *NATSBus {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSBus{nc: nc, prefix: prefix}
}

func (b *NATSBus) Subject(typ string) string {
	return b.prefix + "." + typ
}

func (b *NATSBus) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Package bus wraps NATS JetStream in the shapes spec.md §4.9 and §6
// require: durable pull consumers with explicit ack/nack and a dead-letter
// subject on redelivery exhaustion, plus outbound publish.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"go.uber.org/zap"
)

// Bus is the message bus adapter.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *zap.Logger
}

// Connect dials every URL in dsn (spec.md §6.5 "NATS_DSN (≥1)") and binds
// a JetStream context.
func Connect(dsn []string, log *zap.Logger) (*Bus, error) {
	if len(dsn) == 0 {
		return nil, fmt.Errorf("bus: at least one NATS_DSN is required")
	}
	nc, err := nats.Connect(dsn[0], nats.Servers(dsn))
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream: %w", err)
	}
	return &Bus{nc: nc, js: js, log: log.Named("bus")}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.log.Warn("drain failed", zap.Error(err))
	}
}

// PublishJSON marshals v and publishes it to subject, at-least-once
// (spec.md §6.2: "the bus itself provides durability").
func (b *Bus) PublishJSON(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("%w: publish %s: %v", crawlerr.ErrGatewayTransient, subject, err)
	}
	return nil
}

// ConsumerConfig describes a durable consumer's delivery policy (spec.md
// §4.9, §6.1).
type ConsumerConfig struct {
	Stream        string
	Subject       string
	Durable       string
	MaxDeliver    int
	MaxAckPending int
	DLQSubject    string
}

// Message is one delivered task envelope with explicit ack/nack/term.
type Message struct {
	raw jetstream.Msg
}

// Data returns the raw message body.
func (m *Message) Data() []byte { return m.raw.Data() }

// DeliveryCount returns how many times this message has been (re)delivered.
func (m *Message) DeliveryCount() int {
	meta, err := m.raw.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// Ack acknowledges successful processing.
func (m *Message) Ack() error { return m.raw.Ack() }

// Nack requests redelivery (spec.md §7: "nack; rely on redelivery").
func (m *Message) Nack() error { return m.raw.Nak() }

// Consume starts pulling messages for cfg and invokes handler for each one
// serially (spec.md §4.9 "max in-flight = 1"). When the handler fails on
// the last delivery cfg.MaxDeliver allows, Consume republishes the body to
// cfg.DLQSubject and acks it, since JetStream's native max-deliver only
// stops redelivering the message.
func (b *Bus) Consume(ctx context.Context, cfg ConsumerConfig, handler func(context.Context, *Message) error) error {
	stream, err := b.js.Stream(ctx, cfg.Stream)
	if err != nil {
		return fmt.Errorf("bus: stream %s: %w", cfg.Stream, err)
	}

	maxAckPending := cfg.MaxAckPending
	if maxAckPending <= 0 {
		maxAckPending = 1
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: maxAckPending,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("bus: consumer %s: %w", cfg.Durable, err)
	}

	consCtx, err := cons.Consume(func(msg jetstream.Msg) {
		m := &Message{raw: msg}
		if err := handler(ctx, m); err != nil {
			if cfg.DLQSubject != "" && cfg.MaxDeliver > 0 && m.DeliveryCount() >= cfg.MaxDeliver {
				b.log.Warn("handler failed on final delivery, dead-lettering", zap.String("durable", cfg.Durable), zap.Error(err))
				if _, pubErr := b.js.Publish(ctx, cfg.DLQSubject, m.Data()); pubErr != nil {
					b.log.Error("dead-letter publish failed", zap.String("subject", cfg.DLQSubject), zap.Error(pubErr))
				}
				_ = m.Ack()
				return
			}
			b.log.Warn("handler failed, nacking", zap.String("durable", cfg.Durable), zap.Error(err))
			_ = m.Nack()
		}
	})
	if err != nil {
		return fmt.Errorf("bus: consume %s: %w", cfg.Durable, err)
	}

	<-ctx.Done()
	consCtx.Stop()
	return nil
}

// Package router binds bus subjects to task executor invocations (spec.md
// §4.9): one durable consumer per subject, max in-flight = 1, and the KV
// watch forwarding that feeds the lease manager's reconciliation.
package router

import (
	"context"
	"encoding/json"

	"github.com/powersemmi/tg-parser/internal/bus"
	"github.com/powersemmi/tg-parser/internal/executor"
	"github.com/powersemmi/tg-parser/internal/kv"
	"github.com/powersemmi/tg-parser/internal/lease"
	"github.com/powersemmi/tg-parser/internal/metrics"
	"github.com/powersemmi/tg-parser/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TaskRunner is the subset of the executor's contract the router drives.
type TaskRunner interface {
	RunBackfill(ctx context.Context, env model.BackfillEnvelope) executor.Result
	RunIncremental(ctx context.Context, env model.IncrementalEnvelope) executor.Result
}

// Config names the two consumers and the lease key prefix to watch.
type Config struct {
	Stream         string
	NewChannelSubj string
	ScheduleSubj   string
	MaxDeliver     int
	LeaseKeyPrefix string
}

// Router ties everything together for one worker process.
type Router struct {
	bus     *bus.Bus
	exec    TaskRunner
	leases  *lease.Manager
	gw      kv.Gateway
	metrics *metrics.Metrics
	cfg     Config
	log     *zap.Logger
}

// New builds a Router. gw is the same lease store gateway internal/lease
// writes through; the router watches it directly so cross-worker lease
// mutations actually reach OnWatchEvent (spec.md §4.2, §4.9) instead of a
// bucket nothing ever writes to.
func New(b *bus.Bus, exec TaskRunner, leases *lease.Manager, gw kv.Gateway, m *metrics.Metrics, cfg Config, log *zap.Logger) *Router {
	return &Router{bus: b, exec: exec, leases: leases, gw: gw, metrics: m, cfg: cfg, log: log.Named("router")}
}

// Run starts the backfill consumer, the incremental consumer, and the KV
// watch forwarder concurrently, and blocks until ctx is canceled or one of
// them returns an error.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.bus.Consume(ctx, bus.ConsumerConfig{
			Stream:        r.cfg.Stream,
			Subject:       r.cfg.NewChannelSubj,
			Durable:       "new_channel_consumer",
			MaxDeliver:    r.cfg.MaxDeliver,
			MaxAckPending: 1,
			DLQSubject:    r.cfg.NewChannelSubj + ".dlq",
		}, r.handleBackfill)
	})

	g.Go(func() error {
		return r.bus.Consume(ctx, bus.ConsumerConfig{
			Stream:        r.cfg.Stream,
			Subject:       r.cfg.ScheduleSubj,
			Durable:       "schedule_consumer",
			MaxDeliver:    r.cfg.MaxDeliver,
			MaxAckPending: 1,
			DLQSubject:    r.cfg.ScheduleSubj + ".dlq",
		}, r.handleIncremental)
	})

	g.Go(func() error {
		return r.watchKV(ctx)
	})

	return g.Wait()
}

func (r *Router) watchKV(ctx context.Context) error {
	events := r.gw.Watch(ctx, r.cfg.LeaseKeyPrefix)
	for ev := range events {
		r.leases.OnWatchEvent(ev)
	}
	return ctx.Err()
}

func (r *Router) handleBackfill(ctx context.Context, msg *bus.Message) error {
	var env model.BackfillEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		r.log.Error("malformed backfill envelope, acking to avoid poison redelivery", zap.Error(err))
		return msg.Ack()
	}
	res := r.exec.RunBackfill(ctx, env)
	return r.finish(msg, res)
}

func (r *Router) handleIncremental(ctx context.Context, msg *bus.Message) error {
	var env model.IncrementalEnvelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		r.log.Error("malformed incremental envelope, acking to avoid poison redelivery", zap.Error(err))
		return msg.Ack()
	}
	res := r.exec.RunIncremental(ctx, env)
	return r.finish(msg, res)
}

func (r *Router) finish(msg *bus.Message, res executor.Result) error {
	if res.Ack {
		r.metrics.TaskOutcome("ack")
		return msg.Ack()
	}
	r.metrics.TaskOutcome("nack")
	r.log.Warn("task nacked", zap.Error(res.PartialErr), zap.Int("delivery_count", msg.DeliveryCount()))
	return res.PartialErr
}

// Package executor implements the per-task state machine of spec.md §4.6
// and §4.7: plan, acquire a session, open a client, iterate channel
// history, emit messages, record collection metadata, then ack or nack.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/powersemmi/tg-parser/internal/chatclient"
	"github.com/powersemmi/tg-parser/internal/clientpool"
	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"github.com/powersemmi/tg-parser/internal/directory"
	"github.com/powersemmi/tg-parser/internal/model"
	"go.uber.org/zap"
)

// Publisher is the outbound side of the bus, kept as an interface so the
// executor can be tested without a live NATS connection.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// SessionManager is the subset of the session lease manager's contract the
// executor drives (spec.md §4.2). *lease.Manager satisfies this.
type SessionManager interface {
	Acquire(ctx context.Context, sessionID int64, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID int64)
	Session(ctx context.Context, ttl, timeout time.Duration, onCooldown func(sessionID int64) bool) (sessionID int64, release func(), err error)
	UpdateResources(newIDs []int64)
}

// ClientOpener is the subset of the client pool's contract the executor
// drives (spec.md §4.5). *clientpool.Pool satisfies this.
type ClientOpener interface {
	Open(ctx context.Context, sessionID int64, credential, apiID, apiSecret, phone, proxyURL string) (*clientpool.Entry, error)
	Close(ctx context.Context, sessionID int64) error
	SetCooldown(sessionID int64, until time.Time)
	CooldownUntil(sessionID int64) time.Time
}

// SessionDirectory is the subset of the session directory's contract the
// executor drives (spec.md §4.4). *directory.Directory satisfies this.
type SessionDirectory interface {
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	FindSubscribed(ctx context.Context, entityID int64) (*model.Session, error)
	EnsureMapping(ctx context.Context, sessionID, entityID int64) error
	GetByURL(ctx context.Context, url string) (*model.Channel, error)
	GetByExternalID(ctx context.Context, externalID int64) (*model.Channel, error)
	CreateOrGet(ctx context.Context, url string, externalID int64, name string) (channel *model.Channel, created bool, err error)
	BeginSerializable(ctx context.Context) (pgx.Tx, error)
	AllSessionIDs(ctx context.Context) ([]int64, error)
}

// RangePlanner is the subset of the range planner's contract the executor
// drives (spec.md §4.3). *planner.Planner satisfies this.
type RangePlanner interface {
	NonOverlapping(ctx context.Context, entityID int64, from, to time.Time) ([]model.Range, error)
}

// MetricsRecorder is the subset of internal/metrics.Metrics the executor
// reports to. Optional: a no-op recorder is used until SetMetrics is
// called, so existing callers and tests are unaffected.
type MetricsRecorder interface {
	MessageEmitted()
	PlannerRangeCount(n int)
}

type noopMetrics struct{}

func (noopMetrics) MessageEmitted()         {}
func (noopMetrics) PlannerRangeCount(n int) {}

// Refresher is the subset of *lease.AutoRefresher's contract the executor
// drives: point the background refresher at whichever session is held for
// the duration of the task (spec.md §4.2 "Auto-refresher"). Optional: a
// no-op is used until SetRefresher is called.
type Refresher interface {
	Watch(sessionID int64)
	Unwatch()
}

type noopRefresher struct{}

func (noopRefresher) Watch(int64) {}
func (noopRefresher) Unwatch()    {}

// SetRefresher wires the background lease refresher, replacing the
// default no-op.
func (e *Executor) SetRefresher(r Refresher) { e.refresher = r }

// Executor wires the lease manager, client pool, directory, and planner
// into the task state machine.
type Executor struct {
	leases    SessionManager
	pool      ClientOpener
	dir       SessionDirectory
	plan      RangePlanner
	pub       Publisher
	outSubj   string
	leaseTTL  time.Duration
	acquireTO time.Duration
	metrics   MetricsRecorder
	refresher Refresher
	log       *zap.Logger
}

// SetMetrics wires a metrics recorder, replacing the default no-op.
func (e *Executor) SetMetrics(m MetricsRecorder) { e.metrics = m }

// New builds an Executor.
func New(leases SessionManager, pool ClientOpener, dir SessionDirectory, plan RangePlanner, pub Publisher, outSubj string, leaseTTL, acquireTimeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		leases:    leases,
		pool:      pool,
		dir:       dir,
		plan:      plan,
		pub:       pub,
		outSubj:   outSubj,
		metrics:   noopMetrics{},
		refresher: noopRefresher{},
		leaseTTL:  leaseTTL,
		acquireTO: acquireTimeout,
		log:       log.Named("executor"),
	}
}

// accumulator tracks the bounds and count of messages emitted for the
// current sub-range (spec.md §4.6 ITERATE_RANGE).
type accumulator struct {
	count         int
	fromMessageID int64
	toMessageID   int64
	fromDatetime  time.Time
	toDatetime    time.Time
}

func (a *accumulator) observe(m chatclient.Message) {
	if a.count == 0 {
		a.fromMessageID = m.ID
		a.fromDatetime = m.Date
	}
	a.toMessageID = m.ID
	a.toDatetime = m.Date
	a.count++
}

func (a *accumulator) record(entityID int64) model.CollectionRecord {
	return model.CollectionRecord{
		EntityID:      entityID,
		FromMessageID: a.fromMessageID,
		ToMessageID:   a.toMessageID,
		FromDatetime:  a.fromDatetime,
		ToDatetime:    a.toDatetime,
		MessageCount:  a.count,
	}
}

// session is the session selected for a task, whether subscribed (reused
// sticky mapping) or newly leased from the pool.
type session struct {
	id         int64
	releaseFn  func()
	subscribed bool
}

// resolveSession implements spec.md §4.6 RESOLVE_SESSION: prefer a
// subscribed session for a known entity, otherwise take any free one from
// the pool.
func (e *Executor) resolveSession(ctx context.Context, entity *model.Channel) (*session, error) {
	if entity != nil {
		sub, err := e.dir.FindSubscribed(ctx, entity.ID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			ok, err := e.leases.Acquire(ctx, sub.ID, e.leaseTTL)
			if err != nil {
				return nil, err
			}
			if ok {
				e.refresher.Watch(sub.ID)
				return &session{id: sub.ID, releaseFn: func() {
					e.refresher.Unwatch()
					e.leases.Release(context.Background(), sub.ID)
				}, subscribed: true}, nil
			}
		}
	}

	onCooldown := func(sessionID int64) bool { return e.pool.CooldownUntil(sessionID).After(time.Now()) }
	id, release, err := e.leases.Session(ctx, e.leaseTTL, e.acquireTO, onCooldown)
	if err != nil {
		return nil, err
	}
	e.refresher.Watch(id)
	return &session{id: id, releaseFn: func() {
		e.refresher.Unwatch()
		release()
	}}, nil
}

// openClient implements spec.md §4.6 OPEN_CLIENT.
func (e *Executor) openClient(ctx context.Context, sess *session) (*clientpool.Entry, error) {
	row, err := e.dir.GetSession(ctx, sess.id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		if ids, idsErr := e.dir.AllSessionIDs(ctx); idsErr != nil {
			e.log.Warn("reconcile resources after vanished session failed", zap.Int64("session_id", sess.id), zap.Error(idsErr))
		} else {
			e.leases.UpdateResources(ids)
		}
		return nil, fmt.Errorf("%w: session %d", crawlerr.ErrSessionVanished, sess.id)
	}
	entry, err := e.pool.Open(ctx, row.ID, row.Credential, row.APIID, row.APISecret, row.Phone, row.ProxyURL)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// resolveEntityByURL implements spec.md §4.6 RESOLVE_ENTITY when only a
// URL is known.
func (e *Executor) resolveEntityByURL(ctx context.Context, entry *clientpool.Entry, url string) (*model.Channel, chatclient.ResolvedEntity, error) {
	var resolved chatclient.ResolvedEntity
	var resolveErr error
	err := entry.WithClient(func(c chatclient.Client) error {
		resolved, resolveErr = c.GetEntity(ctx, url)
		return resolveErr
	})
	if err != nil {
		return nil, chatclient.ResolvedEntity{}, err
	}

	var name string
	switch resolved.Kind {
	case chatclient.EntityChannel, chatclient.EntityChat, chatclient.EntityUser:
		name = resolved.Name
	default:
		return nil, chatclient.ResolvedEntity{}, fmt.Errorf("%w: %v", crawlerr.ErrUnknownEntityType, resolved.Kind)
	}

	channel, _, err := e.dir.CreateOrGet(ctx, url, resolved.ExternalID, name)
	if err != nil {
		return nil, chatclient.ResolvedEntity{}, err
	}
	return channel, resolved, nil
}

// resolveEntityByID implements the preferred, faster path: ask the client
// for an input-entity by already-known external_id.
func (e *Executor) resolveEntityByID(ctx context.Context, entry *clientpool.Entry, externalID int64) (chatclient.ResolvedEntity, error) {
	var resolved chatclient.ResolvedEntity
	var resolveErr error
	err := entry.WithClient(func(c chatclient.Client) error {
		resolved, resolveErr = c.GetInputEntity(ctx, externalID)
		return resolveErr
	})
	return resolved, err
}

// rangeStopCondition resolves spec.md §9's flagged open question
// (SPEC_FULL.md §Resolved Open Questions #1): reverse-chronological
// iteration over sub-range (a, b) skips messages newer than b and stops
// entirely on the first message older than a.
func rangeStopCondition(m chatclient.Message, a, b time.Time) (skip, stop bool) {
	if m.Date.After(b) {
		return true, false
	}
	if m.Date.Before(a) {
		return false, true
	}
	return false, false
}

// incrementalStopCondition implements spec.md §4.7: stop once message IDs
// fall to or below lastMessageID.
func incrementalStopCondition(m chatclient.Message, lastMessageID int64) bool {
	return m.ID <= lastMessageID
}

func projectReaction(r chatclient.RawReaction) model.Reaction {
	switch r.Kind {
	case chatclient.ReactionEmoji:
		return model.Reaction{Emoji: r.Emoji, Count: r.Count}
	case chatclient.ReactionCustom:
		return model.Reaction{Emoji: strconv.FormatInt(r.CustomDocumentID, 10), Count: r.Count}
	case chatclient.ReactionPaid:
		return model.Reaction{Emoji: "PAID STAR", Count: r.Count}
	default:
		return model.Reaction{Emoji: "UNKNOWN", Count: r.Count}
	}
}

func projectMessage(m chatclient.Message, entityID int64, entityName string) model.OutboundMessage {
	var entities []model.MessageEntity
	for _, raw := range m.Entities {
		entities = append(entities, model.MessageEntity{Type: raw.Type, Offset: raw.Offset, Length: raw.Length})
	}
	reactions := make([]model.Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, projectReaction(r))
	}
	return model.OutboundMessage{
		MessageID:        m.ID,
		EntityID:         entityID,
		EntityName:       entityName,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Date:             m.Date,
		Message:          m.Text,
		Reactions:        reactions,
		Views:            m.Views,
		Forwards:         m.Forwards,
		Replies:          m.Replies,
		MediaType:        m.MediaType,
		MediaURL:         m.MediaURL,
		ReplyToMessageID: m.ReplyToMessageID,
		Metadata:         model.OutboundMetadata{Entities: entities},
	}
}

// iterateRange implements spec.md §4.6 ITERATE_RANGE for one (a, b)
// sub-range, or §4.7's single synthetic range keyed on lastMessageID when
// incremental is true. It returns the accumulator and, on a rate limit
// (spec.md §4.8), a non-nil *chatclient.ErrFloodWait alongside whatever
// was accumulated so far.
func (e *Executor) iterateRange(ctx context.Context, entry *clientpool.Entry, entity chatclient.ResolvedEntity, entityID int64, entityName string, a, b time.Time, incremental bool, lastMessageID int64) (*accumulator, error) {
	acc := &accumulator{}

	var iter chatclient.MessageIterator
	var iterErr error
	err := entry.WithClient(func(c chatclient.Client) error {
		iter, iterErr = c.IterMessages(ctx, entity, true)
		return iterErr
	})
	if err != nil {
		return acc, err
	}
	defer iter.Close()

	for {
		var (
			msg chatclient.Message
			ok  bool
			err error
		)
		iterErr := entry.WithClient(func(c chatclient.Client) error {
			msg, ok, err = iter.Next(ctx)
			return err
		})
		if iterErr != nil {
			if fw, isFlood := chatclient.IsFloodWait(iterErr); isFlood {
				return acc, fw
			}
			return acc, fmt.Errorf("%w: iterate messages: %v", crawlerr.ErrGatewayTransient, iterErr)
		}
		if !ok {
			return acc, nil
		}

		if incremental {
			if incrementalStopCondition(msg, lastMessageID) {
				return acc, nil
			}
		} else {
			skip, stop := rangeStopCondition(msg, a, b)
			if stop {
				return acc, nil
			}
			if skip {
				continue
			}
		}

		if err := e.pub.PublishJSON(ctx, e.outSubj, projectMessage(msg, entityID, entityName)); err != nil {
			return acc, err
		}
		e.metrics.MessageEmitted()
		acc.observe(msg)
	}
}

// Result is what a task run produces, for the router to translate into
// ack/nack/DLQ.
type Result struct {
	Ack        bool
	Retriable  bool
	PartialErr error
}

func ackResult() Result { return Result{Ack: true} }
func nackResult(err error) Result {
	return Result{Ack: false, Retriable: true, PartialErr: err}
}

// RunBackfill implements spec.md §4.6 end to end for one backfill
// envelope.
func (e *Executor) RunBackfill(ctx context.Context, env model.BackfillEnvelope) Result {
	existing, err := e.dir.GetByURL(ctx, env.ChannelURL)
	if err != nil {
		return nackResult(err)
	}

	sess, err := e.resolveSession(ctx, existing)
	if err != nil {
		return nackResult(err)
	}
	defer sess.releaseFn()

	entry, err := e.openClient(ctx, sess)
	if err != nil {
		return nackResult(err)
	}
	defer func() { _ = e.pool.Close(context.Background(), sess.id) }()

	var channel *model.Channel
	var resolved chatclient.ResolvedEntity
	if existing != nil {
		resolved, err = e.resolveEntityByID(ctx, entry, existing.ExternalID)
		if err != nil {
			return nackResult(err)
		}
		channel = existing
	} else {
		channel, resolved, err = e.resolveEntityByURL(ctx, entry, env.ChannelURL)
		if err != nil {
			if errors.Is(err, crawlerr.ErrUnknownEntityType) {
				return ackResult()
			}
			return nackResult(err)
		}
	}

	if !sess.subscribed {
		if err := e.dir.EnsureMapping(ctx, sess.id, channel.ID); err != nil {
			return nackResult(err)
		}
	}

	ranges, err := e.plan.NonOverlapping(ctx, channel.ID, env.DatetimeOffset, time.Time{})
	if err != nil {
		return nackResult(err)
	}
	e.metrics.PlannerRangeCount(len(ranges))
	if len(ranges) == 0 {
		return ackResult()
	}

	for _, r := range ranges {
		acc, iterErr := e.iterateRange(ctx, entry, resolved, channel.ID, channel.Name, r.From, r.To, false, 0)
		if fw, isFlood := chatclient.IsFloodWait(iterErr); isFlood {
			if acc.count > 0 {
				if recErr := e.recordPartial(ctx, channel.ID, *acc); recErr != nil {
					return nackResult(recErr)
				}
			}
			e.pool.SetCooldown(sess.id, time.Now().Add(fw.RetryAfter))
			return nackResult(fw)
		}
		if iterErr != nil {
			return nackResult(iterErr)
		}
		if acc.count > 0 {
			if recErr := e.recordPartial(ctx, channel.ID, *acc); recErr != nil {
				return nackResult(recErr)
			}
		}
	}

	return ackResult()
}

// RunIncremental implements spec.md §4.7.
func (e *Executor) RunIncremental(ctx context.Context, env model.IncrementalEnvelope) Result {
	channel, err := e.dir.GetByExternalID(ctx, env.ChannelID)
	if err != nil {
		return nackResult(err)
	}
	if channel == nil {
		return ackResult()
	}

	sess, err := e.resolveSession(ctx, channel)
	if err != nil {
		return nackResult(err)
	}
	defer sess.releaseFn()

	entry, err := e.openClient(ctx, sess)
	if err != nil {
		return nackResult(err)
	}
	defer func() { _ = e.pool.Close(context.Background(), sess.id) }()

	resolved, err := e.resolveEntityByID(ctx, entry, channel.ExternalID)
	if err != nil {
		return nackResult(err)
	}

	if !sess.subscribed {
		if err := e.dir.EnsureMapping(ctx, sess.id, channel.ID); err != nil {
			return nackResult(err)
		}
	}

	acc, iterErr := e.iterateRange(ctx, entry, resolved, channel.ID, channel.Name, time.Time{}, time.Time{}, true, env.LastMessageID)
	if fw, isFlood := chatclient.IsFloodWait(iterErr); isFlood {
		if acc.count > 0 {
			if recErr := e.recordPartial(ctx, channel.ID, *acc); recErr != nil {
				return nackResult(recErr)
			}
		}
		e.pool.SetCooldown(sess.id, time.Now().Add(fw.RetryAfter))
		return nackResult(fw)
	}
	if iterErr != nil {
		return nackResult(iterErr)
	}
	if acc.count > 0 {
		if recErr := e.recordPartial(ctx, channel.ID, *acc); recErr != nil {
			return nackResult(recErr)
		}
	}
	return ackResult()
}

// recordPartial commits one sub-range's collection record (spec.md §4.6
// RECORD), including the rate-limited partial-count case of §4.8.
func (e *Executor) recordPartial(ctx context.Context, entityID int64, acc accumulator) error {
	tx, err := e.dir.BeginSerializable(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := directory.RecordCollection(ctx, tx, acc.record(entityID)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit collection record: %v", crawlerr.ErrGatewayTransient, err)
	}
	return nil
}

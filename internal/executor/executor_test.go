package executor

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/powersemmi/tg-parser/internal/chatclient"
	"github.com/powersemmi/tg-parser/internal/clientpool"
	"github.com/powersemmi/tg-parser/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeSessionManager is a single-session stand-in for *lease.Manager.
type fakeSessionManager struct {
	sessionID int64
	acquired  bool
	released  bool
}

func (f *fakeSessionManager) Acquire(ctx context.Context, sessionID int64, ttl time.Duration) (bool, error) {
	f.acquired = true
	return true, nil
}

func (f *fakeSessionManager) Release(ctx context.Context, sessionID int64) {
	f.released = true
}

func (f *fakeSessionManager) Session(ctx context.Context, ttl, timeout time.Duration, onCooldown func(sessionID int64) bool) (int64, func(), error) {
	f.acquired = true
	return f.sessionID, func() { f.released = true }, nil
}

func (f *fakeSessionManager) UpdateResources(newIDs []int64) {}

// fakePublisher records every published message.
type fakePublisher struct {
	subject  string
	messages []model.OutboundMessage
}

func (f *fakePublisher) PublishJSON(ctx context.Context, subject string, v any) error {
	f.subject = subject
	f.messages = append(f.messages, v.(model.OutboundMessage))
	return nil
}

// fakeDirectory is an in-memory stand-in for *directory.Directory.
type fakeDirectory struct {
	sessions map[int64]*model.Session
	channel  *model.Channel
	mappings map[[2]int64]bool
	records  []model.CollectionRecord
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{sessions: map[int64]*model.Session{}, mappings: map[[2]int64]bool{}}
}

func (d *fakeDirectory) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	return d.sessions[id], nil
}

func (d *fakeDirectory) FindSubscribed(ctx context.Context, entityID int64) (*model.Session, error) {
	return nil, nil
}

func (d *fakeDirectory) EnsureMapping(ctx context.Context, sessionID, entityID int64) error {
	d.mappings[[2]int64{sessionID, entityID}] = true
	return nil
}

func (d *fakeDirectory) GetByURL(ctx context.Context, url string) (*model.Channel, error) {
	return d.channel, nil
}

func (d *fakeDirectory) GetByExternalID(ctx context.Context, externalID int64) (*model.Channel, error) {
	return d.channel, nil
}

func (d *fakeDirectory) CreateOrGet(ctx context.Context, url string, externalID int64, name string) (*model.Channel, bool, error) {
	if d.channel == nil {
		d.channel = &model.Channel{ID: 1, ExternalID: externalID, Name: name, URL: url}
		return d.channel, true, nil
	}
	return d.channel, false, nil
}

func (d *fakeDirectory) BeginSerializable(ctx context.Context) (pgx.Tx, error) {
	return fakeTx{d: d}, nil
}

func (d *fakeDirectory) AllSessionIDs(ctx context.Context) ([]int64, error) {
	ids := make([]int64, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

// fakeTx records RecordCollection's Exec call into the fake directory
// instead of hitting a real pool.
type fakeTx struct {
	pgx.Tx
	d *fakeDirectory
}

func (t fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.d.records = append(t.d.records, model.CollectionRecord{
		EntityID:      args[0].(int64),
		FromMessageID: args[1].(int64),
		ToMessageID:   args[2].(int64),
		FromDatetime:  args[3].(time.Time),
		ToDatetime:    args[4].(time.Time),
		MessageCount:  args[5].(int),
	})
	return pgconn.CommandTag{}, nil
}

func (t fakeTx) Commit(ctx context.Context) error   { return nil }
func (t fakeTx) Rollback(ctx context.Context) error { return nil }

// fakeChatClient is a chatclient.Client stand-in that yields a fixed
// message sequence, optionally raising a flood wait partway through.
type fakeChatClient struct {
	entity   chatclient.ResolvedEntity
	messages []chatclient.Message
	floodAt  int // index at which IterMessages raises ErrFloodWait; -1 disables
}

func (c *fakeChatClient) Connect(ctx context.Context) error    { return nil }
func (c *fakeChatClient) Disconnect(ctx context.Context) error { return nil }

func (c *fakeChatClient) GetEntity(ctx context.Context, url string) (chatclient.ResolvedEntity, error) {
	return c.entity, nil
}

func (c *fakeChatClient) GetInputEntity(ctx context.Context, externalID int64) (chatclient.ResolvedEntity, error) {
	return c.entity, nil
}

func (c *fakeChatClient) IterMessages(ctx context.Context, entity chatclient.ResolvedEntity, reverse bool) (chatclient.MessageIterator, error) {
	return &fakeIterator{client: c}, nil
}

type fakeIterator struct {
	client *fakeChatClient
	idx    int
}

func (it *fakeIterator) Next(ctx context.Context) (chatclient.Message, bool, error) {
	if it.client.floodAt >= 0 && it.idx == it.client.floodAt {
		return chatclient.Message{}, false, &chatclient.ErrFloodWait{RetryAfter: time.Minute}
	}
	if it.idx >= len(it.client.messages) {
		return chatclient.Message{}, false, nil
	}
	m := it.client.messages[it.idx]
	it.idx++
	return m, true, nil
}

func (it *fakeIterator) Close() error { return nil }

func msgAt(id int64, h, m int) chatclient.Message {
	return chatclient.Message{ID: id, Date: time.Date(2024, 1, 1, h, m, 0, 0, time.UTC), Text: "hi"}
}

type fakeRangePlanner struct {
	ranges []model.Range
}

func (p *fakeRangePlanner) NonOverlapping(ctx context.Context, entityID int64, from, to time.Time) ([]model.Range, error) {
	if p.ranges != nil {
		return p.ranges, nil
	}
	return []model.Range{{From: from, To: to}}, nil
}

func newTestExecutor(t *testing.T, fc *fakeChatClient, dir *fakeDirectory, sm *fakeSessionManager, pub *fakePublisher, plan *fakeRangePlanner) *Executor {
	t.Helper()
	dir.sessions[sm.sessionID] = &model.Session{ID: sm.sessionID, Credential: "cred"}
	pool := clientpool.New(func(credential, apiID, apiSecret, phone string, proxy *clientpool.Proxy) (chatclient.Client, error) {
		return fc, nil
	}, zaptest.NewLogger(t))
	return New(sm, pool, dir, plan, pub, "messages.collected", time.Minute, time.Second, zaptest.NewLogger(t))
}

func TestRunBackfill_NoMessagesStillAcks(t *testing.T) {
	fc := &fakeChatClient{entity: chatclient.ResolvedEntity{Kind: chatclient.EntityChannel, ExternalID: 99, Name: "Chan"}, floodAt: -1}
	dir := newFakeDirectory()
	sm := &fakeSessionManager{sessionID: 1}
	pub := &fakePublisher{}
	e := newTestExecutor(t, fc, dir, sm, pub, &fakeRangePlanner{})

	res := e.RunBackfill(context.Background(), model.BackfillEnvelope{ChannelURL: "https://t.me/chan", DatetimeOffset: time.Now().Add(-time.Hour)})

	require.True(t, res.Ack)
	assert.Empty(t, dir.records)
	assert.Empty(t, pub.messages)
}

func TestRunBackfill_EmitsAndRecords(t *testing.T) {
	fc := &fakeChatClient{
		entity:   chatclient.ResolvedEntity{Kind: chatclient.EntityChannel, ExternalID: 99, Name: "Chan"},
		messages: []chatclient.Message{msgAt(3, 2, 0), msgAt(2, 1, 0), msgAt(1, 0, 30)},
		floodAt:  -1,
	}
	dir := newFakeDirectory()
	sm := &fakeSessionManager{sessionID: 1}
	pub := &fakePublisher{}
	plan := &fakeRangePlanner{ranges: []model.Range{{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC),
	}}}
	e := newTestExecutor(t, fc, dir, sm, pub, plan)

	res := e.RunBackfill(context.Background(), model.BackfillEnvelope{ChannelURL: "https://t.me/chan", DatetimeOffset: time.Now().Add(-time.Hour)})

	require.True(t, res.Ack)
	require.Len(t, pub.messages, 3)
	require.Len(t, dir.records, 1)
	assert.Equal(t, 3, dir.records[0].MessageCount)
}

func TestRunBackfill_RateLimitMidIterationRecordsPartialAndNacks(t *testing.T) {
	msgs := make([]chatclient.Message, 0, 42)
	for i := 0; i < 42; i++ {
		msgs = append(msgs, chatclient.Message{ID: int64(42 - i), Date: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC).Add(time.Duration(-i) * time.Minute)})
	}
	fc := &fakeChatClient{
		entity:   chatclient.ResolvedEntity{Kind: chatclient.EntityChannel, ExternalID: 99, Name: "Chan"},
		messages: msgs,
		floodAt:  42,
	}
	dir := newFakeDirectory()
	sm := &fakeSessionManager{sessionID: 1}
	pub := &fakePublisher{}
	plan := &fakeRangePlanner{ranges: []model.Range{{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
	}}}
	e := newTestExecutor(t, fc, dir, sm, pub, plan)

	res := e.RunBackfill(context.Background(), model.BackfillEnvelope{ChannelURL: "https://t.me/chan", DatetimeOffset: time.Now().Add(-time.Hour)})

	require.False(t, res.Ack)
	require.Len(t, dir.records, 1)
	assert.Equal(t, 42, dir.records[0].MessageCount)
	assert.Len(t, pub.messages, 42)
}

func TestRunIncremental_UnknownChannelAcks(t *testing.T) {
	dir := newFakeDirectory()
	sm := &fakeSessionManager{sessionID: 1}
	pub := &fakePublisher{}
	e := newTestExecutor(t, &fakeChatClient{floodAt: -1}, dir, sm, pub, &fakeRangePlanner{})

	res := e.RunIncremental(context.Background(), model.IncrementalEnvelope{ChannelID: 42, LastMessageID: 10})

	assert.True(t, res.Ack)
}

func TestRunIncremental_StopsAtLastMessageID(t *testing.T) {
	fc := &fakeChatClient{
		entity:   chatclient.ResolvedEntity{Kind: chatclient.EntityChannel, ExternalID: 99, Name: "Chan"},
		messages: []chatclient.Message{msgAt(15, 2, 0), msgAt(12, 1, 0), msgAt(10, 0, 30), msgAt(9, 0, 0)},
		floodAt:  -1,
	}
	dir := newFakeDirectory()
	dir.channel = &model.Channel{ID: 1, ExternalID: 99, Name: "Chan", URL: "https://t.me/chan"}
	sm := &fakeSessionManager{sessionID: 1}
	pub := &fakePublisher{}
	e := newTestExecutor(t, fc, dir, sm, pub, &fakeRangePlanner{})

	res := e.RunIncremental(context.Background(), model.IncrementalEnvelope{ChannelID: 99, LastMessageID: 10})

	require.True(t, res.Ack)
	require.Len(t, pub.messages, 2)
	assert.Equal(t, int64(15), pub.messages[0].MessageID)
	assert.Equal(t, int64(12), pub.messages[1].MessageID)
}

func TestRangeStopCondition(t *testing.T) {
	a, b := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)

	skip, stop := rangeStopCondition(msgAt(1, 4, 0), a, b)
	assert.True(t, skip)
	assert.False(t, stop)

	skip, stop = rangeStopCondition(msgAt(1, 2, 0), a, b)
	assert.False(t, skip)
	assert.False(t, stop)

	skip, stop = rangeStopCondition(chatclient.Message{Date: a.Add(-time.Hour)}, a, b)
	assert.False(t, skip)
	assert.True(t, stop)
}

func TestIncrementalStopCondition(t *testing.T) {
	assert.True(t, incrementalStopCondition(chatclient.Message{ID: 10}, 10))
	assert.True(t, incrementalStopCondition(chatclient.Message{ID: 9}, 10))
	assert.False(t, incrementalStopCondition(chatclient.Message{ID: 11}, 10))
}

func TestProjectReaction(t *testing.T) {
	assert.Equal(t, model.Reaction{Emoji: "🔥", Count: 3}, projectReaction(chatclient.RawReaction{Kind: chatclient.ReactionEmoji, Emoji: "🔥", Count: 3}))
	assert.Equal(t, model.Reaction{Emoji: "555", Count: 1}, projectReaction(chatclient.RawReaction{Kind: chatclient.ReactionCustom, CustomDocumentID: 555, Count: 1}))
	assert.Equal(t, model.Reaction{Emoji: "PAID STAR", Count: 2}, projectReaction(chatclient.RawReaction{Kind: chatclient.ReactionPaid, Count: 2}))
	assert.Equal(t, model.Reaction{Emoji: "UNKNOWN", Count: 0}, projectReaction(chatclient.RawReaction{Kind: chatclient.ReactionUnknown}))
}

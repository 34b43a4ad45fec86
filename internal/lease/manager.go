// Package lease implements the session lease manager (spec.md §4.2): a
// distributed mutual-exclusion primitive on top of internal/kv's gateway,
// with a reconciled local cache.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"github.com/powersemmi/tg-parser/internal/kv"
	"go.uber.org/zap"
)

const acquireRetryInterval = 500 * time.Millisecond

// sessionState is the local, possibly-stale view of one session's lease
// (spec.md §3 "Local session state").
//
// condemned marks a session that update_resources wants to drop but which
// is currently locked; it is evicted the moment it becomes free instead of
// being retained forever as a ghost entry (spec.md §9 open question,
// resolved in SPEC_FULL.md).
type sessionState struct {
	version   int64
	hasVer    bool
	locked    bool
	condemned bool
}

// Manager is the session lease manager's public contract.
type Manager struct {
	gw         kv.Gateway
	keyPrefix  string
	instanceID string
	log        *zap.Logger

	mu     sync.Mutex
	states map[int64]*sessionState
}

// NewManager constructs a Manager tracking the given initial set of known
// session IDs, all presumed free until a reload or watch event says
// otherwise.
func NewManager(gw kv.Gateway, keyPrefix, instanceID string, knownSessionIDs []int64, log *zap.Logger) *Manager {
	states := make(map[int64]*sessionState, len(knownSessionIDs))
	for _, id := range knownSessionIDs {
		states[id] = &sessionState{}
	}
	return &Manager{
		gw:         gw,
		keyPrefix:  keyPrefix,
		instanceID: instanceID,
		log:        log.Named("lease"),
		states:     states,
	}
}

func (m *Manager) key(sessionID int64) string {
	return fmt.Sprintf("%s%d", m.keyPrefix, sessionID)
}

// Acquire attempts to claim sessionID exclusively. It returns false (not an
// error) when the session is already held by someone else.
func (m *Manager) Acquire(ctx context.Context, sessionID int64, ttl time.Duration) (bool, error) {
	rev, err := m.gw.Create(ctx, m.key(sessionID), m.instanceID, ttl)
	if err != nil {
		if isAlready(err) {
			return false, nil
		}
		m.log.Warn("acquire failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return false, nil
	}
	m.mu.Lock()
	st := m.stateLocked(sessionID)
	st.locked = true
	st.version = rev
	st.hasVer = true
	m.mu.Unlock()
	m.log.Info("session acquired", zap.Int64("session_id", sessionID), zap.Int64("revision", rev))
	return true, nil
}

// Release purges the lease and marks the session free locally. Idempotent.
func (m *Manager) Release(ctx context.Context, sessionID int64) {
	if err := m.gw.Purge(ctx, m.key(sessionID)); err != nil {
		m.log.Warn("release failed", zap.Int64("session_id", sessionID), zap.Error(err))
	}
	m.mu.Lock()
	if st, ok := m.states[sessionID]; ok {
		if st.condemned {
			delete(m.states, sessionID)
		} else {
			st.locked = false
			st.hasVer = false
		}
	}
	m.mu.Unlock()
	m.log.Info("session released", zap.Int64("session_id", sessionID))
}

// Refresh extends the TTL of a currently-held lease. On sequence mismatch
// it triggers a full reload (spec.md §4.2.2); on not-found it marks the
// session free.
func (m *Manager) Refresh(ctx context.Context, sessionID int64) error {
	m.mu.Lock()
	st, ok := m.states[sessionID]
	if !ok || !st.hasVer {
		m.mu.Unlock()
		return nil
	}
	expect := st.version
	m.mu.Unlock()

	newRev, err := m.gw.Update(ctx, m.key(sessionID), m.instanceID, expect)
	switch {
	case err == nil:
		m.mu.Lock()
		if st, ok := m.states[sessionID]; ok {
			st.version = newRev
			st.hasVer = true
		}
		m.mu.Unlock()
		return nil
	case isSequenceMismatch(err):
		m.log.Warn("sequence mismatch on refresh, reloading", zap.Int64("session_id", sessionID))
		return m.Reload(ctx)
	case isNotFound(err):
		m.mu.Lock()
		if st, ok := m.states[sessionID]; ok {
			if st.condemned {
				delete(m.states, sessionID)
			} else {
				st.locked = false
				st.hasVer = false
			}
		}
		m.mu.Unlock()
		return nil
	default:
		m.log.Warn("refresh failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return nil
	}
}

// Reload is the fallback of spec.md §4.2.2: list every key under the
// prefix, get its revision, and mark everything else free.
func (m *Manager) Reload(ctx context.Context) error {
	keys, err := m.gw.List(ctx, m.keyPrefix)
	if err != nil {
		return fmt.Errorf("%w: reload list: %v", crawlerr.ErrGatewayTransient, err)
	}

	locked := make(map[int64]int64, len(keys))
	for _, key := range keys {
		var id int64
		if _, err := fmt.Sscanf(key, m.keyPrefix+"%d", &id); err != nil {
			continue
		}
		_, rev, found, err := m.gw.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		locked[id] = rev
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range m.states {
		if rev, isLocked := locked[id]; isLocked {
			st.locked = true
			st.version = rev
			st.hasVer = true
		} else {
			if st.condemned {
				delete(m.states, id)
				continue
			}
			st.locked = false
			st.hasVer = false
		}
	}
	for id, rev := range locked {
		if _, ok := m.states[id]; !ok {
			m.states[id] = &sessionState{locked: true, version: rev, hasVer: true}
		}
	}
	return nil
}

// OnWatchEvent updates local state from a gateway watch event.
func (m *Manager) OnWatchEvent(ev kv.WatchEvent) {
	var id int64
	if _, err := fmt.Sscanf(ev.Key, m.keyPrefix+"%d", &id); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(id)
	switch ev.Op {
	case kv.OpPut:
		st.locked = true
		st.version = ev.Revision
		st.hasVer = true
	case kv.OpPurge:
		if st.condemned {
			delete(m.states, id)
			return
		}
		st.locked = false
		st.hasVer = false
	}
}

// UpdateResources reconciles the known session set. Unseen IDs are added
// free; IDs no longer present are removed only if locally free, otherwise
// condemned for deferred eviction (spec.md §4.2 + §9 resolution).
func (m *Manager) UpdateResources(newIDs []int64) {
	newSet := make(map[int64]struct{}, len(newIDs))
	for _, id := range newIDs {
		newSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range newSet {
		if _, ok := m.states[id]; !ok {
			m.states[id] = &sessionState{}
			m.log.Info("discovered new session", zap.Int64("session_id", id))
		}
	}
	for id, st := range m.states {
		if _, stillKnown := newSet[id]; stillKnown {
			continue
		}
		if st.locked {
			st.condemned = true
			m.log.Debug("session condemned, awaiting release", zap.Int64("session_id", id))
			continue
		}
		delete(m.states, id)
		m.log.Info("removed session", zap.Int64("session_id", id))
	}
}

// Session acquires an arbitrary currently-free session and returns a
// release function the caller must invoke on scope exit (spec.md §4.2.1).
// onCooldown, when non-nil, reports sessions the caller would rather not
// pick right now (spec.md §4.8's flood-wait hint). It is advisory: a
// session on cooldown is only picked when every other free session is
// also on cooldown, so a temporary rate limit never stalls task
// dispatch entirely.
func (m *Manager) Session(ctx context.Context, ttl time.Duration, timeout time.Duration, onCooldown func(sessionID int64) bool) (sessionID int64, release func(), err error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		m.mu.Lock()
		var preferred, resting []int64
		for id, st := range m.states {
			if st.locked || st.condemned {
				continue
			}
			if onCooldown != nil && onCooldown(id) {
				resting = append(resting, id)
			} else {
				preferred = append(preferred, id)
			}
		}
		m.mu.Unlock()

		free := preferred
		if len(free) == 0 {
			free = resting
		}

		if len(free) > 0 {
			pick := free[rand.Intn(len(free))]
			ok, acquireErr := m.Acquire(ctx, pick, ttl)
			if acquireErr != nil {
				return 0, nil, acquireErr
			}
			if ok {
				return pick, func() { m.Release(context.Background(), pick) }, nil
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, nil, crawlerr.ErrTimeout
		}

		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (m *Manager) stateLocked(id int64) *sessionState {
	st, ok := m.states[id]
	if !ok {
		st = &sessionState{}
		m.states[id] = st
	}
	return st
}

func isAlready(err error) bool          { return errors.Is(err, crawlerr.ErrAlreadyExists) }
func isSequenceMismatch(err error) bool { return errors.Is(err, crawlerr.ErrSequenceMismatch) }
func isNotFound(err error) bool         { return errors.Is(err, crawlerr.ErrNotFound) }

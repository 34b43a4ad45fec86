// Package clientpool manages per-session chat-client instances: connect
// with bounded retry, scoped exclusive access, and proxy URL parsing
// (spec.md §4.5).
package clientpool

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/powersemmi/tg-parser/internal/chatclient"
	"github.com/powersemmi/tg-parser/internal/crawlerr"
	"go.uber.org/zap"
)

// ProxyKind is the scheme-normalized proxy type (spec.md §4.5).
type ProxyKind int

const (
	ProxySOCKS5 ProxyKind = iota
	ProxySOCKS4
	ProxyHTTP
)

// Proxy is a parsed proxy configuration ready to hand to a chat client
// factory.
type Proxy struct {
	Kind     ProxyKind
	Host     string
	Port     string
	User     string
	Password string
	RDNS     bool
}

// ParseProxy implements spec.md §4.5's scheme table:
// socks5|socks5h -> SOCKS5, socks4|socks4a -> SOCKS4, http|https -> HTTP;
// anything else is crawlerr.ErrInvalidProxy. rdns defaults to true.
func ParseProxy(raw string) (*Proxy, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", crawlerr.ErrInvalidProxy, err)
	}

	var kind ProxyKind
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
		kind = ProxySOCKS5
	case "socks4", "socks4a":
		kind = ProxySOCKS4
	case "http", "https":
		kind = ProxyHTTP
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", crawlerr.ErrInvalidProxy, u.Scheme)
	}

	p := &Proxy{Kind: kind, Host: u.Hostname(), Port: u.Port(), RDNS: true}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// Factory builds a concrete chatclient.Client bound to a session's
// credentials and (optional) proxy.
type Factory func(credential, apiID, apiSecret, phone string, proxy *Proxy) (chatclient.Client, error)

// Entry is one session's pooled client, guarded by its own mutex so the
// (non-reentrant) underlying client is never used concurrently (spec.md
// §5 "Shared-state policy").
type Entry struct {
	client chatclient.Client
	mu     sync.Mutex

	connectedMu sync.Mutex
	connected   bool
}

// Pool hands out per-session client Entries.
type Pool struct {
	factory Factory
	log     *zap.Logger

	mu      sync.Mutex
	entries map[int64]*Entry

	cooldownMu sync.Mutex
	cooldown   map[int64]time.Time
}

// New builds a Pool using factory to construct clients on demand.
func New(factory Factory, log *zap.Logger) *Pool {
	return &Pool{
		factory:  factory,
		log:      log.Named("clientpool"),
		entries:  make(map[int64]*Entry),
		cooldown: make(map[int64]time.Time),
	}
}

// Open connects the session's client in up to 3 attempts (2 retries),
// waiting an exponentially growing, jittered delay between them (starting
// at 1s, doubling, capped at 10s), per spec.md §4.5.
func (p *Pool) Open(ctx context.Context, sessionID int64, credential, apiID, apiSecret, phone string, proxyURL string) (*Entry, error) {
	proxy, err := ParseProxy(proxyURL)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	entry, ok := p.entries[sessionID]
	if !ok {
		client, err := p.factory(credential, apiID, apiSecret, phone, proxy)
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("build client for session %d: %w", sessionID, err)
		}
		entry = &Entry{client: client}
		p.entries[sessionID] = entry
	}
	p.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, 2) // 3 total attempts

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		connErr := entry.client.Connect(ctx)
		if connErr != nil {
			p.log.Warn("connect attempt failed", zap.Int64("session_id", sessionID), zap.Int("attempt", attempt), zap.Error(connErr))
		}
		return connErr
	}, backoff.WithContext(bounded, ctx))
	if err != nil {
		return nil, fmt.Errorf("open session %d after retries: %w", sessionID, err)
	}

	entry.connectedMu.Lock()
	entry.connected = true
	entry.connectedMu.Unlock()
	return entry, nil
}

// Close disconnects the session's client if connected. Idempotent.
func (p *Pool) Close(ctx context.Context, sessionID int64) error {
	p.mu.Lock()
	entry, ok := p.entries[sessionID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	entry.connectedMu.Lock()
	defer entry.connectedMu.Unlock()
	if !entry.connected {
		return nil
	}
	if err := entry.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("close session %d: %w", sessionID, err)
	}
	entry.connected = false
	return nil
}

// WithClient serializes access to a session's underlying client handle
// (spec.md §4.5 "the library is not re-entrant on a single session").
func (e *Entry) WithClient(fn func(chatclient.Client) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.client)
}

// SetCooldown records a per-session flood-wait hint, surfaced so the
// lease manager's free-session pick (fed by the executor through
// CooldownUntil) can deprioritize a session without ever sleeping through it
// inside a task (spec.md §4.8, supplemented from
// common/utils/telegram_rate_limiter.py in original_source).
func (p *Pool) SetCooldown(sessionID int64, until time.Time) {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	p.cooldown[sessionID] = until
}

// CooldownUntil reports the time before which sessionID should not be
// picked for new iteration work, or the zero Time if none is set.
func (p *Pool) CooldownUntil(sessionID int64) time.Time {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	return p.cooldown[sessionID]
}

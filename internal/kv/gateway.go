// Package kv wraps the etcd v3 client in the five operations spec.md §4.1
// calls for: create, update-with-expected-revision, purge, list, watch.
// This is the lease store gateway leaf component.
package kv

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/powersemmi/tg-parser/internal/crawlerr"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// WatchOp distinguishes the two kinds of mutation the gateway's Watch
// stream can deliver.
type WatchOp int

const (
	// OpPut means the key was created or updated.
	OpPut WatchOp = iota
	// OpPurge means the key was deleted (explicitly or via TTL expiry).
	OpPurge
)

// WatchEvent is one delivered mutation (spec.md §4.1: "no ordering
// guarantee across keys, per-key order matches KV commit order").
type WatchEvent struct {
	Key      string
	Op       WatchOp
	Revision int64
}

// TLSConfig carries optional mTLS material for dialing etcd, mirroring the
// teacher's store.NewStoreWithConfig CA/cert/key handling.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// Gateway is the lease store gateway's public contract.
type Gateway interface {
	// Create fails with crawlerr.ErrAlreadyExists if key is present.
	Create(ctx context.Context, key, value string, ttl time.Duration) (revision int64, err error)
	// Update fails with crawlerr.ErrSequenceMismatch if the current
	// revision isn't expectRevision, or crawlerr.ErrNotFound if key is
	// absent.
	Update(ctx context.Context, key, value string, expectRevision int64) (newRevision int64, err error)
	// Purge is an idempotent remove.
	Purge(ctx context.Context, key string) error
	// List returns a point-in-time snapshot of keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Get returns the current value and revision of key.
	Get(ctx context.Context, key string) (value string, revision int64, found bool, err error)
	// Watch streams mutations under prefix until ctx is canceled.
	Watch(ctx context.Context, prefix string) <-chan WatchEvent
	// Close releases the underlying client.
	Close() error
}

type etcdGateway struct {
	client *clientv3.Client
	log    *zap.Logger
}

// NewGateway dials etcd with the teacher's TLS-loading shape (store.go),
// and quiets the client's internal logger at Error level the way the
// teacher's zap config does.
func NewGateway(endpoints []string, tlsCfg *TLSConfig, log *zap.Logger) (Gateway, error) {
	var tc *tls.Config
	if tlsCfg != nil && tlsCfg.CAFile != "" && tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("kv: read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("kv: append CA cert: invalid PEM")
		}
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("kv: load client cert/key: %w", err)
		}
		tc = &tls.Config{
			RootCAs:      caPool,
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	etcdLogger := log.Named("etcd-client").WithOptions(zap.IncreaseLevel(zap.ErrorLevel))
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		TLS:         tc,
		Logger:      etcdLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("kv: dial etcd: %w", err)
	}
	return &etcdGateway{client: cli, log: log.Named("kv")}, nil
}

func (g *etcdGateway) Create(ctx context.Context, key, value string, ttl time.Duration) (int64, error) {
	var leaseID clientv3.LeaseID
	if ttl > 0 {
		lease, err := g.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return 0, fmt.Errorf("%w: grant lease: %v", crawlerr.ErrGatewayTransient, err)
		}
		leaseID = lease.ID
	}

	txn := g.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(leaseID)))
	resp, err := txn.Commit()
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %v", crawlerr.ErrGatewayTransient, key, err)
	}
	if !resp.Succeeded {
		return 0, fmt.Errorf("%w: %s", crawlerr.ErrAlreadyExists, key)
	}
	return resp.Header.Revision, nil
}

func (g *etcdGateway) Update(ctx context.Context, key, value string, expectRevision int64) (int64, error) {
	resp, err := g.client.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("%w: get %s: %v", crawlerr.ErrGatewayTransient, key, err)
	}
	if len(resp.Kvs) == 0 {
		return 0, fmt.Errorf("%w: %s", crawlerr.ErrNotFound, key)
	}

	txn := g.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", expectRevision)).
		Then(clientv3.OpPut(key, value, clientv3.WithIgnoreLease()))
	txnResp, err := txn.Commit()
	if err != nil {
		return 0, fmt.Errorf("%w: update %s: %v", crawlerr.ErrGatewayTransient, key, err)
	}
	if !txnResp.Succeeded {
		return 0, fmt.Errorf("%w: %s expected revision %d", crawlerr.ErrSequenceMismatch, key, expectRevision)
	}
	// The put keeps the key's existing lease; renew that lease so the key's
	// TTL starts over.
	if leaseID := clientv3.LeaseID(resp.Kvs[0].Lease); leaseID != clientv3.NoLease {
		if _, err := g.client.KeepAliveOnce(ctx, leaseID); err != nil {
			return 0, fmt.Errorf("%w: renew lease of %s: %v", crawlerr.ErrGatewayTransient, key, err)
		}
	}
	return txnResp.Header.Revision, nil
}

func (g *etcdGateway) Purge(ctx context.Context, key string) error {
	if _, err := g.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: purge %s: %v", crawlerr.ErrGatewayTransient, key, err)
	}
	return nil
}

func (g *etcdGateway) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := g.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", crawlerr.ErrGatewayTransient, prefix, err)
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

func (g *etcdGateway) Get(ctx context.Context, key string) (string, int64, bool, error) {
	resp, err := g.client.Get(ctx, key)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: get %s: %v", crawlerr.ErrGatewayTransient, key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", 0, false, nil
	}
	return string(resp.Kvs[0].Value), resp.Kvs[0].ModRevision, true, nil
}

func (g *etcdGateway) Watch(ctx context.Context, prefix string) <-chan WatchEvent {
	out := make(chan WatchEvent)
	watchChan := g.client.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchChan:
				if !ok {
					return
				}
				if err := resp.Err(); err != nil {
					g.log.Warn("watch stream error", zap.Error(err))
					continue
				}
				for _, ev := range resp.Events {
					op := OpPut
					if ev.Type == clientv3.EventTypeDelete {
						op = OpPurge
					}
					select {
					case out <- WatchEvent{Key: string(ev.Kv.Key), Op: op, Revision: ev.Kv.ModRevision}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func (g *etcdGateway) Close() error {
	return g.client.Close()
}

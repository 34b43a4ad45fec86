// Command worker runs one crawl orchestration worker process: it leases a
// session account, pulls backfill/incremental tasks off the bus, and
// serves admin health/metrics endpoints, mirroring the teacher's
// pod-acquires-lock-then-serves shape in a task-consuming form.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/powersemmi/tg-parser/internal/adminserver"
	"github.com/powersemmi/tg-parser/internal/bus"
	"github.com/powersemmi/tg-parser/internal/chatclient"
	"github.com/powersemmi/tg-parser/internal/clientpool"
	"github.com/powersemmi/tg-parser/internal/config"
	"github.com/powersemmi/tg-parser/internal/directory"
	"github.com/powersemmi/tg-parser/internal/executor"
	"github.com/powersemmi/tg-parser/internal/kv"
	"github.com/powersemmi/tg-parser/internal/lease"
	"github.com/powersemmi/tg-parser/internal/metrics"
	"github.com/powersemmi/tg-parser/internal/planner"
	"github.com/powersemmi/tg-parser/internal/router"
)

// unimplementedChatClientFactory is the boundary spec.md §1 places out of
// scope: a real deployment swaps this for a factory wrapping the actual
// chat-platform client library.
func unimplementedChatClientFactory(_, _, _, _ string, _ *clientpool.Proxy) (chatclient.Client, error) {
	return nil, fmt.Errorf("chatclient: no client factory configured")
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := kv.NewGateway(cfg.KVEndpoints, nil, logger)
	if err != nil {
		logger.Fatal("connect kv gateway", zap.Error(err))
	}

	pgPool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}

	dir := directory.New(pgPool)
	plan := planner.New(pgPool)

	sessionIDs, err := dir.AllSessionIDs(ctx)
	if err != nil {
		logger.Fatal("load session ids", zap.Error(err))
	}

	leases := lease.NewManager(gw, cfg.NATSPrefix, cfg.PodName, sessionIDs, logger)
	if err := leases.Reload(ctx); err != nil {
		logger.Warn("initial lease reload failed", zap.Error(err))
	}

	refresher := lease.NewAutoRefresher(leases, cfg.NATSKVTTL, logger)
	refreshCtx, stopRefresher := context.WithCancel(context.Background())
	defer stopRefresher()
	go refresher.Run(refreshCtx)

	pool := clientpool.New(unimplementedChatClientFactory, logger)

	b, err := bus.Connect(cfg.NATSDSN, logger)
	if err != nil {
		logger.Fatal("connect bus", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	mx := metrics.New(reg)

	exec := executor.New(leases, pool, dir, plan, b, cfg.MessageSubject, cfg.NATSKVTTL, 30*time.Second, logger)
	exec.SetMetrics(mx)
	exec.SetRefresher(refresher)

	admin := adminserver.New(reg, logger)
	adminErrCh := admin.Start(cfg.AdminAddr)

	r := router.New(b, exec, leases, gw, mx, router.Config{
		Stream:         cfg.MessageStream,
		NewChannelSubj: cfg.NATSPrefix + "new_channel",
		ScheduleSubj:   cfg.NATSPrefix + "schedule",
		MaxDeliver:     cfg.NATSMaxDeliveredMessagesCount,
		LeaseKeyPrefix: cfg.NATSPrefix,
	}, logger)

	routerErrCh := make(chan error, 1)
	go func() { routerErrCh <- r.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-routerErrCh:
		if err != nil {
			logger.Error("router stopped", zap.Error(err))
		}
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}

	stop()
	stopRefresher()
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", zap.Error(err))
	}

	b.Close()
	pgPool.Close()
	if err := gw.Close(); err != nil {
		logger.Error("kv gateway close", zap.Error(err))
	}

	logger.Info("worker stopped")
}

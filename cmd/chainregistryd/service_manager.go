package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chain-registry-go/internal/chainruntime"
	"chain-registry-go/internal/chainsync"
	"chain-registry-go/internal/config"
	"chain-registry-go/internal/connection"
	"chain-registry-go/internal/database"
	"chain-registry-go/internal/limiter"
	"chain-registry-go/internal/metrics"
	"chain-registry-go/internal/registry"
	"chain-registry-go/internal/remote"
	"chain-registry-go/internal/runtimesync"
	"chain-registry-go/internal/web"
)

// ServiceManager 负责协调所有底层组件
type ServiceManager struct {
	store     *database.ChainStore
	listener  *database.ChangeListener
	connPool  *connection.Pool
	wsHub     *web.Hub
	Registry  *registry.Registry
	reportInt time.Duration
}

func NewServiceManager(ctx context.Context, cfg *config.Config) (*ServiceManager, error) {
	store, err := database.NewChainStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.InitSchema(ctx, store.DB()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	slog.Info("database_ready")

	files, err := runtimesync.NewFilesCache(cfg.CacheDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open runtime cache: %w", err)
	}

	// 远程配置共享同一个限流器
	fetcher := remote.NewHTTPFetcher(limiter.NewRateLimiter(cfg.FetchRPS), remote.DefaultOptions())

	connOpts := connection.DefaultOptions()
	connOpts.HealthInterval = cfg.NodeHealthInterval
	connOpts.DialTimeout = cfg.RPCTimeout
	connPool := connection.NewPool(connection.NewRPCTransport(cfg.RPCTimeout), connOpts)

	syncSvc := runtimesync.NewService(store, files, fetcher, runtimesync.PoolCallers(connPool), runtimesync.Options{
		DefaultTypesURL: cfg.DefaultTypesURL,
		Interval:        cfg.RuntimeSyncInterval,
		CallTimeout:     cfg.RPCTimeout,
		RetryBackoff:    cfg.RuntimeRetryBackoff,
	})
	subs := runtimesync.NewSubscriptionPool(syncSvc, cfg.RuntimeVersionPollInterval, cfg.RPCTimeout)

	wsHub := web.NewHub(cfg.WSAllowedOrigins)
	notifier := web.NewNotifier(wsHub)

	providers := chainruntime.NewPool(chainruntime.Deps{
		Store:    store,
		Files:    files,
		Sync:     syncSvc,
		Notifier: notifier,
		Builder:  chainruntime.NewFactory(files),
	})

	chains := chainsync.NewService(store, fetcher, chainsync.Options{
		ChainsURL: cfg.ChainsURL,
		AssetsURL: cfg.AssetsURL,
		SeedFile:  cfg.ChainsSeedFile,
	})

	reg := registry.New(registry.Deps{
		Store:         store,
		ChainSyncer:   chains,
		RuntimeSync:   syncSvc,
		Subscriptions: subs,
		Connections:   connPool,
		Providers:     providers,
		Notifier:      notifier,
	}, registry.Options{SetupConcurrency: cfg.SetupConcurrency})

	return &ServiceManager{
		store:     store,
		listener:  database.NewChangeListener(cfg.DatabaseURL, store.NotifyChanged),
		connPool:  connPool,
		wsHub:     wsHub,
		Registry:  reg,
		reportInt: 15 * time.Second,
	}, nil
}

func (sm *ServiceManager) Hub() *web.Hub {
	return sm.wsHub
}

// Start 启动推送、变更监听、注册表主循环和指标上报
func (sm *ServiceManager) Start(ctx context.Context) {
	go sm.wsHub.Run(ctx)
	sm.listener.Start(ctx)
	sm.Registry.Start(ctx)
	go sm.startMetricsReporter(ctx)
	slog.Info("services_started")
}

// Stop 按依赖逆序关闭
func (sm *ServiceManager) Stop() {
	sm.listener.Stop()
	sm.Registry.Stop()
	if err := sm.store.Close(); err != nil {
		slog.Warn("database_close_failed", slog.String("error", err.Error()))
	}
	slog.Info("services_stopped")
}

// startMetricsReporter 定期上报各链健康节点数到 Prometheus
func (sm *ServiceManager) startMetricsReporter(ctx context.Context) {
	ticker := time.NewTicker(sm.reportInt)
	defer ticker.Stop()

	m := metrics.GetMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, chainID := range sm.connPool.ChainIDs() {
				if conn := sm.connPool.GetConnectionOrNil(chainID); conn != nil {
					m.UpdateHealthyNodes(chainID, conn.HealthyNodeCount())
				}
			}
		}
	}
}

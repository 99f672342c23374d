package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/agent"
	"github.com/MarcoPoloResearchLab/qasync/internal/cache"
	"github.com/MarcoPoloResearchLab/qasync/internal/config"
	"github.com/MarcoPoloResearchLab/qasync/internal/localstore"
	"github.com/MarcoPoloResearchLab/qasync/internal/notify"
	"github.com/MarcoPoloResearchLab/qasync/internal/quota"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"github.com/MarcoPoloResearchLab/qasync/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// clientRuntime holds the composed client components behind one agent.
type clientRuntime struct {
	config config.AgentConfig
	logger *zap.Logger
	bus    *notify.Bus
	cache  *cache.WriteThrough
	store  *localstore.Store
	health *remote.HTTPClient
	engine *syncengine.Engine
	agent  *agent.Agent
	close  func() error
}

func newClientRuntime(ctx context.Context, agentConfig config.AgentConfig, logger *zap.Logger) (*clientRuntime, error) {
	db, err := localstore.Open(agentConfig.StorePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	runtime, err := composeClient(ctx, agentConfig, logger, db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	runtime.close = sqlDB.Close
	return runtime, nil
}

func composeClient(ctx context.Context, agentConfig config.AgentConfig, logger *zap.Logger, db *gorm.DB) (*clientRuntime, error) {
	bus := notify.NewBus()

	store, err := localstore.NewStore(localstore.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}

	quotaController, err := quota.NewController(ctx, quota.Config{
		Prober:             newProber(agentConfig),
		Settings:           store,
		Publisher:          bus,
		FallbackTotalBytes: uint64(agentConfig.FallbackTotalBytes),
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	remotes := remote.NewDirectory()
	httpClient := &http.Client{Timeout: agentConfig.RemoteTimeout}
	var health *remote.HTTPClient
	for _, category := range agentConfig.Categories {
		client := remote.NewHTTPClient(remote.HTTPClientConfig{
			BaseURL:    agentConfig.RemoteBaseURL,
			Token:      agentConfig.RemoteToken,
			Category:   category,
			HTTPClient: httpClient,
		})
		remotes.Register(category, client)
		if health == nil {
			health = client
		}
	}

	ids := records.NewUUIDProvider()
	writeThrough, err := cache.New(cache.Config{
		Store:           store,
		Quota:           quotaController,
		Remotes:         remotes,
		IDProvider:      ids,
		LargeMediaBytes: agentConfig.LargeMediaBytes,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:      store,
		Remotes:    remotes,
		Publisher:  bus,
		IDProvider: ids,
		Interval:   agentConfig.SyncInterval,
		BatchSize:  agentConfig.BatchSize,
		MaxRetries: agentConfig.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	clientAgent, err := agent.New(agent.Config{
		Cache:         writeThrough,
		Sync:          engine,
		Quota:         quotaController,
		Sweeper:       store,
		SweepInterval: agentConfig.SweepInterval,
		Retention:     agentConfig.Retention,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return &clientRuntime{
		config: agentConfig,
		logger: logger,
		bus:    bus,
		cache:  writeThrough,
		store:  store,
		health: health,
		engine: engine,
		agent:  clientAgent,
		close:  func() error { return nil },
	}, nil
}

func newProber(agentConfig config.AgentConfig) quota.Prober {
	root := filepath.Dir(agentConfig.StorePath)
	if agentConfig.QuotaMode == config.QuotaModeDisk {
		return quota.DiskProber{Path: root}
	}
	return quota.BudgetProber{Root: root, BudgetBytes: uint64(agentConfig.QuotaBudgetBytes)}
}

func (r *clientRuntime) Close() error {
	r.engine.Stop()
	if err := r.close(); err != nil {
		return fmt.Errorf("close local store: %w", err)
	}
	return nil
}

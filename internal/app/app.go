package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"perp-keeper/internal/config"
	"perp-keeper/internal/store"
)

// App 聚合核心依赖并驱动keeper生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动编排器并阻塞到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("keeper已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("contract", a.cfg.Chain.ContractAddress),
		zap.Int64s("markets", a.cfg.Chain.MarketIDs),
		zap.Bool("indexer_configured", a.cfg.Indexer.URL != ""),
	)

	orch, err := newOrchestrator(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, orch.Monitor(), a.cfg.Monitor.Port, a.logger); err != nil {
			return fmt.Errorf("启动监控接口失败: %w", err)
		}
	}

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			a.logger.Info("keeper收到退出信号，正在停止")
			return nil
		}
		return fmt.Errorf("keeper异常退出: %w", err)
	}

	a.logger.Info("keeper收到退出信号，正在停止")
	return nil
}

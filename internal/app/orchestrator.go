package app

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perp-keeper/internal/cache"
	"perp-keeper/internal/config"
	"perp-keeper/internal/executor"
	"perp-keeper/internal/indexer"
	"perp-keeper/internal/listener"
	"perp-keeper/internal/monitor"
	"perp-keeper/internal/protocol"
	"perp-keeper/internal/scanner"
	"perp-keeper/internal/store"
)

// orchestrator 把事件监听、缓存刷新和三个扫描器串成反应周期。
type orchestrator struct {
	cfg      *config.Config
	client   *ethclient.Client
	executor *executor.Executor
	cache    *cache.Cache
	listener *listener.Listener
	orders   *scanner.OrderScanner
	liqs     *scanner.LiquidationScanner
	vamm     *scanner.VammSyncer
	monitor  *monitor.Service
	logger   *zap.Logger

	// 反应周期整体互斥：事件回调与兜底定时器可能同时醒来，
	// 同一时刻只允许一个周期在跑，避免对同一候选重复下单。
	cycleMu sync.Mutex
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("连接链RPC失败: %w", err)
	}

	exec, err := executor.New(client, cfg.Chain, cfg.Gas, cfg.Executor, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化执行器失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}
	exec.SetRecorder(monitorSvc)

	var idx *indexer.Client
	if cfg.Indexer.URL != "" {
		idx = indexer.New(cfg.Indexer, logger)
	} else {
		logger.Info("未配置索引器，缓存将始终走链上扫描")
	}

	contract := common.HexToAddress(cfg.Chain.ContractAddress)

	var idxClient cache.IndexerClient
	if idx != nil {
		idxClient = idx
	}
	stateCache := cache.New(exec, idxClient, client, contract, cfg.Cache, cfg.Chain.MarketIDs, logger)

	return &orchestrator{
		cfg:      cfg,
		client:   client,
		executor: exec,
		cache:    stateCache,
		listener: listener.New(client, contract, cfg.Listener, logger),
		orders:   scanner.NewOrderScanner(stateCache, exec, logger),
		liqs:     scanner.NewLiquidationScanner(stateCache, exec, logger),
		vamm:     scanner.NewVammSyncer(exec, cfg.Chain.MarketIDs, logger),
		monitor:  monitorSvc,
		logger:   logger,
	}, nil
}

// Monitor 返回监控服务，供HTTP接口使用。
func (o *orchestrator) Monitor() *monitor.Service {
	return o.monitor
}

// Run 启动事件监听与各后台节奏，阻塞到ctx取消。
func (o *orchestrator) Run(ctx context.Context) error {
	o.listener.OnPriceUpdate(func(cbCtx context.Context, marketIDs []*big.Int, _ []*big.Int) error {
		o.reactionCycle(cbCtx, marketIDs)
		return nil
	})

	o.startupChecks(ctx)

	if err := o.listener.Start(ctx); err != nil {
		return err
	}
	defer o.listener.Stop()

	// 启动时先全量跑一轮，不等第一个事件。
	// 反应周期一律在不可取消的context上执行：停止请求只拦下一轮，
	// 已经开跑的周期（其中可能有在途交易）必须跑到终局。
	o.reactionCycle(context.WithoutCancel(ctx), nil)

	group, groupCtx := errgroup.WithContext(ctx)

	// 兜底定时器：事件丢失或长期无价格更新时仍保证周期性扫描。
	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Schedule.FallbackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				o.reactionCycle(context.WithoutCancel(groupCtx), nil)
			}
		}
	})

	// 索引器健康探测：故障后自动恢复索引器优先模式。
	if o.cfg.Indexer.URL != "" {
		group.Go(func() error {
			ticker := time.NewTicker(o.cfg.Indexer.HealthInterval)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					o.cache.CheckIndexerHealth(groupCtx)
				}
			}
		})
	}

	// 资金池重探：管理员可能在运行期间初始化了新池子。
	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Schedule.PoolRecheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				o.vamm.ResetPoolChecks()
			}
		}
	})

	return group.Wait()
}

// startupChecks 在开跑前核实keeper钱包的角色与余额。
// 两项检查都只告警不中止：角色可能稍后授予，余额可能稍后充入，
// 缺了它们交易会失败，但失败本身已有完整的重试与记录路径。
func (o *orchestrator) startupChecks(ctx context.Context) {
	from := o.executor.From()

	hasRole, err := o.executor.HasRole(ctx, o.keeperRole(), from)
	switch {
	case err != nil:
		o.logger.Warn("查询keeper角色失败", zap.Error(err))
	case !hasRole:
		o.logger.Error("keeper钱包未持有KEEPER_ROLE，所有写操作都将被拒绝",
			zap.String("wallet", from.Hex()),
		)
	}

	balance, err := o.executor.GetBalance(ctx)
	if err != nil {
		o.logger.Warn("查询钱包余额失败", zap.Error(err))
		return
	}
	if balance.Sign() == 0 {
		o.logger.Error("keeper钱包余额为0，无法支付gas", zap.String("wallet", from.Hex()))
		return
	}
	o.logger.Info("keeper钱包就绪",
		zap.String("wallet", from.Hex()),
		zap.String("balance_wei", balance.String()),
	)
}

func (o *orchestrator) keeperRole() [32]byte {
	var role [32]byte
	copy(role[:], protocol.KeeperRole.Bytes())
	return role
}

// reactionCycle 是一次完整的"刷新缓存→三个扫描器"反应周期。
// updatedMarketIDs 为nil表示全量扫描。
func (o *orchestrator) reactionCycle(ctx context.Context, updatedMarketIDs []*big.Int) {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := time.Now()

	if err := o.cache.RefreshPrices(ctx); err != nil {
		o.monitor.RecordError(ctx, "刷新价格失败", err, nil)
		o.logger.Warn("刷新价格失败", zap.Error(err))
	}
	if err := o.cache.RefreshOrders(ctx); err != nil {
		o.monitor.RecordError(ctx, "刷新订单缓存失败", err, nil)
		o.logger.Warn("刷新订单缓存失败", zap.Error(err))
	}
	if err := o.cache.RefreshPositions(ctx); err != nil {
		o.monitor.RecordError(ctx, "刷新持仓缓存失败", err, nil)
		o.logger.Warn("刷新持仓缓存失败", zap.Error(err))
	}
	if err := o.cache.RefreshMarketConfigs(ctx); err != nil {
		o.monitor.RecordError(ctx, "刷新市场配置失败", err, nil)
		o.logger.Warn("刷新市场配置失败", zap.Error(err))
	}
	o.monitor.RecordCacheRefresh(ctx, "cycle", o.cache.IndexerAvailable(), time.Since(start))

	// 清算优先于订单执行：保险基金的敞口比用户的限价成交更紧急。
	o.liqs.Scan(ctx, updatedMarketIDs)
	o.orders.Scan(ctx, updatedMarketIDs)
	o.vamm.SyncAll(ctx, updatedMarketIDs)

	o.logger.Debug("反应周期完成",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("updated_markets", len(updatedMarketIDs)),
	)
}

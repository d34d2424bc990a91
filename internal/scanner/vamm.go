package scanner

import (
	"context"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"perp-keeper/internal/protocol"
)

// vammExecutor 是vAMM同步器需要的执行面，*executor.Executor 完整实现。
type vammExecutor interface {
	GetPool(ctx context.Context, marketID *big.Int) (protocol.Pool, error)
	SyncVamm(ctx context.Context, marketID *big.Int) protocol.ExecutionResult
}

// VammStats 是vAMM同步器的进程级计数器。
type VammStats struct {
	Scans   uint64
	Synced  uint64
	Skipped uint64
	Failed  uint64
}

// poolState 记录对某市场资金池的三态记忆：
// 未出现在map中=未知，checked=查过且未初始化，confirmed=已确认初始化。
type poolState int

const (
	poolCheckedUninitialized poolState = iota + 1
	poolConfirmedInitialized
)

// VammSyncer 周期性地把各市场的vAMM标记价格校准到预言机价格，
// 并通过三态记忆避免对未初始化的资金池反复发起链上查询。
type VammSyncer struct {
	executor vammExecutor
	markets  []*big.Int
	logger   *zap.Logger

	mu    sync.Mutex
	pools map[string]poolState

	statsMu sync.Mutex
	stats   VammStats
}

// NewVammSyncer 创建vAMM同步器。
func NewVammSyncer(executor vammExecutor, marketIDs []int64, logger *zap.Logger) *VammSyncer {
	if logger == nil {
		logger = zap.NewNop()
	}

	markets := make([]*big.Int, 0, len(marketIDs))
	for _, id := range marketIDs {
		markets = append(markets, big.NewInt(id))
	}

	return &VammSyncer{
		executor: executor,
		markets:  markets,
		logger:   logger,
		pools:    make(map[string]poolState),
	}
}

// SyncAll 逐个同步相关市场。updatedMarketIDs 非nil时只同步这些市场。
// 市场间严格串行，执行器的nonce跟踪不支持并发提交。
func (s *VammSyncer) SyncAll(ctx context.Context, updatedMarketIDs []*big.Int) {
	s.statsMu.Lock()
	s.stats.Scans++
	s.statsMu.Unlock()

	relevant := marketFilter(updatedMarketIDs)

	for _, marketID := range s.markets {
		if relevant != nil && !relevant[marketID.String()] {
			continue
		}
		s.syncMarket(ctx, marketID)
	}
}

func (s *VammSyncer) syncMarket(ctx context.Context, marketID *big.Int) {
	key := marketID.String()

	s.mu.Lock()
	state := s.pools[key]
	s.mu.Unlock()

	switch state {
	case poolConfirmedInitialized:
		// 已确认过的池子不再重查，直接同步。

	case poolCheckedUninitialized:
		// 已知死池，静默跳过，不再花RPC查询。
		s.statsMu.Lock()
		s.stats.Skipped++
		s.statsMu.Unlock()
		return

	default:
		pool, err := s.executor.GetPool(ctx, marketID)
		if err != nil {
			s.statsMu.Lock()
			s.stats.Failed++
			s.statsMu.Unlock()
			s.logger.Warn("查询资金池失败",
				zap.String("market", key),
				zap.Error(err),
			)
			return
		}

		if pool.BaseReserve == nil || pool.BaseReserve.Sign() == 0 {
			s.mu.Lock()
			s.pools[key] = poolCheckedUninitialized
			s.mu.Unlock()

			s.statsMu.Lock()
			s.stats.Skipped++
			s.statsMu.Unlock()
			s.logger.Info("资金池未初始化，本进程内不再重查",
				zap.String("market", key),
			)
			return
		}

		s.mu.Lock()
		s.pools[key] = poolConfirmedInitialized
		s.mu.Unlock()
	}

	result := s.executor.SyncVamm(ctx, marketID)
	if result.Success {
		s.statsMu.Lock()
		s.stats.Synced++
		s.statsMu.Unlock()
		return
	}

	s.statsMu.Lock()
	s.stats.Failed++
	s.statsMu.Unlock()
	s.logger.Warn("vAMM同步失败",
		zap.String("market", key),
		zap.Bool("reverted", result.Reverted),
		zap.String("error", result.Err),
	)
}

// ResetPoolChecks 清除"查过且未初始化"的标记，让下个周期重新探测。
// 管理员可能在运行期间初始化了新池子，编排器会周期性调用这里。
// 已确认初始化的标记保留，初始化不会被撤销。
func (s *VammSyncer) ResetPoolChecks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, state := range s.pools {
		if state == poolCheckedUninitialized {
			delete(s.pools, key)
		}
	}
}

// GetStats 返回计数器快照。
func (s *VammSyncer) GetStats() VammStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

package scanner

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"go.uber.org/zap"

	"perp-keeper/internal/protocol"
)

// positionCache 是清算扫描器需要的缓存读写面，*cache.Cache 完整实现。
type positionCache interface {
	GetActivePositions() []protocol.Position
	GetPrice(marketID *big.Int) (protocol.PriceEntry, bool)
	GetMarket(marketID *big.Int) (protocol.MarketConfig, bool)
	RemovePosition(positionID *big.Int)
}

// liquidationExecutor 是清算扫描器需要的执行面，*executor.Executor 完整实现。
type liquidationExecutor interface {
	CheckLiquidatable(ctx context.Context, positionID *big.Int) (bool, error)
	Liquidate(ctx context.Context, positionID *big.Int) protocol.ExecutionResult
}

// LiquidationStats 是清算扫描器的进程级计数器。
type LiquidationStats struct {
	Scans      uint64
	Candidates uint64
	Liquidated uint64
	Skipped    uint64
	Failed     uint64
}

// LiquidationScanner 找出保证金率跌破维持线的持仓并按风险从高到低清算。
type LiquidationScanner struct {
	cache    positionCache
	executor liquidationExecutor
	logger   *zap.Logger

	statsMu sync.Mutex
	stats   LiquidationStats
}

// NewLiquidationScanner 创建清算扫描器。
func NewLiquidationScanner(cache positionCache, executor liquidationExecutor, logger *zap.Logger) *LiquidationScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiquidationScanner{
		cache:    cache,
		executor: executor,
		logger:   logger,
	}
}

type liquidationCandidate struct {
	position  protocol.Position
	marginBps *big.Int
}

// Scan 评估全部缓存持仓并清算保证金不足者。
// updatedMarketIDs 非nil时只看这些市场，价格未变的市场风险不会变化。
//
// 候选必须严格串行清算：执行器的nonce跟踪不支持并发提交，
// 串行执行也让每笔清算之间有机会看到最新链上状态，不要并发化。
func (s *LiquidationScanner) Scan(ctx context.Context, updatedMarketIDs []*big.Int) {
	s.statsMu.Lock()
	s.stats.Scans++
	s.statsMu.Unlock()

	relevant := marketFilter(updatedMarketIDs)

	var candidates []liquidationCandidate
	for _, position := range s.cache.GetActivePositions() {
		if relevant != nil && !relevant[position.MarketID.String()] {
			continue
		}

		entry, ok := s.cache.GetPrice(position.MarketID)
		if !ok {
			continue
		}
		market, ok := s.cache.GetMarket(position.MarketID)
		if !ok {
			continue
		}

		bps := marginBps(position, entry.Price)
		if bps == nil {
			continue
		}
		if bps.Cmp(market.MaintenanceMarginBps) >= 0 {
			continue
		}

		candidates = append(candidates, liquidationCandidate{position: position, marginBps: bps})
	}

	// 最缺保证金的排最前：keeper每拖延一秒，保险基金的敞口都在扩大。
	// 稳定排序，保证金率相同时保持扫描顺序。
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].marginBps.Cmp(candidates[j].marginBps) < 0
	})

	s.statsMu.Lock()
	s.stats.Candidates += uint64(len(candidates))
	s.statsMu.Unlock()

	for _, candidate := range candidates {
		s.liquidate(ctx, candidate)
	}
}

func (s *LiquidationScanner) liquidate(ctx context.Context, candidate liquidationCandidate) {
	positionID := candidate.position.PositionID

	// 本地价格刷新节奏与链上含资金费的视图可能有出入，
	// 先用链上判定复核一次，避免在健康持仓上浪费gas。
	liquidatable, err := s.executor.CheckLiquidatable(ctx, positionID)
	if err != nil {
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		s.logger.Warn("链上清算判定查询失败",
			zap.String("position", positionID.String()),
			zap.Error(err),
		)
		return
	}
	if !liquidatable {
		s.statsMu.Lock()
		s.stats.Skipped++
		s.statsMu.Unlock()
		s.logger.Debug("链上判定持仓仍健康，跳过",
			zap.String("position", positionID.String()),
			zap.String("local_margin_bps", candidate.marginBps.String()),
		)
		return
	}

	s.logger.Info("发现可清算持仓，提交清算",
		zap.String("position", positionID.String()),
		zap.String("market", candidate.position.MarketID.String()),
		zap.String("margin_bps", candidate.marginBps.String()),
	)

	result := s.executor.Liquidate(ctx, positionID)

	switch {
	case result.Success:
		s.cache.RemovePosition(positionID)
		s.statsMu.Lock()
		s.stats.Liquidated++
		s.statsMu.Unlock()

	case result.Reverted:
		// 链上已经以其他方式终局化了这个持仓，缓存视图作废。
		s.cache.RemovePosition(positionID)
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		s.logger.Info("清算被链上拒绝，已逐出缓存",
			zap.String("position", positionID.String()),
			zap.String("reason", result.Err),
		)

	default:
		// 基础设施类失败：持仓留在缓存里等下个周期再试。
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		s.logger.Warn("清算提交失败，留待下个周期",
			zap.String("position", positionID.String()),
			zap.String("error", result.Err),
		)
	}
}

// GetStats 返回计数器快照。
func (s *LiquidationScanner) GetStats() LiquidationStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// marginBps 计算持仓的保证金率(基点)，必须与链上公式逐位一致。
//
//	多头 pnl = (current - entry) * size / entry
//	空头 pnl = (entry - current) * size / entry
//	equity = collateral + pnl
//	equity <= 0 时保证金率恒为0，否则 equity * 10000 / size
//
// 全程为定点整数运算，equity可为负，big.Int天然携带符号。
// 返回nil表示持仓数据不完整，调用方应跳过。
func marginBps(position protocol.Position, currentPrice *big.Int) *big.Int {
	if position.EntryPrice == nil || position.EntryPrice.Sign() <= 0 {
		return nil
	}
	if position.SizeUsd == nil || position.SizeUsd.Sign() <= 0 {
		return nil
	}
	if position.CollateralUsd == nil || currentPrice == nil {
		return nil
	}

	var diff *big.Int
	if position.IsLong {
		diff = new(big.Int).Sub(currentPrice, position.EntryPrice)
	} else {
		diff = new(big.Int).Sub(position.EntryPrice, currentPrice)
	}

	pnl := new(big.Int).Mul(diff, position.SizeUsd)
	pnl.Quo(pnl, position.EntryPrice)

	equity := new(big.Int).Add(position.CollateralUsd, pnl)
	if equity.Sign() <= 0 {
		return big.NewInt(0)
	}

	bps := new(big.Int).Mul(equity, big.NewInt(10000))
	return bps.Quo(bps, position.SizeUsd)
}

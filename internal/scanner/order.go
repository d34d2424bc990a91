package scanner

import (
	"context"
	"math/big"
	"sync"

	"go.uber.org/zap"

	"perp-keeper/internal/protocol"
)

// orderCache 是订单扫描器需要的缓存读写面，*cache.Cache 完整实现。
type orderCache interface {
	GetActiveOrders() []protocol.Order
	GetPrice(marketID *big.Int) (protocol.PriceEntry, bool)
	RemoveOrder(orderID *big.Int)
}

// orderExecutor 是订单扫描器需要的执行面，*executor.Executor 完整实现。
type orderExecutor interface {
	ExecuteOrder(ctx context.Context, orderID *big.Int) protocol.ExecutionResult
}

// OrderStats 是订单扫描器的进程级计数器。
type OrderStats struct {
	Scans     uint64
	Triggered uint64
	Executed  uint64
	Failed    uint64
}

// OrderScanner 找出触发条件已满足的条件单并逐一执行。
type OrderScanner struct {
	cache    orderCache
	executor orderExecutor
	logger   *zap.Logger

	statsMu sync.Mutex
	stats   OrderStats
}

// NewOrderScanner 创建订单扫描器。
func NewOrderScanner(cache orderCache, executor orderExecutor, logger *zap.Logger) *OrderScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderScanner{
		cache:    cache,
		executor: executor,
		logger:   logger,
	}
}

// Scan 评估全部缓存订单并执行已触发的。
// updatedMarketIDs 非nil时只看这些市场，其余市场的价格没变，触发状态不可能变化。
//
// 触发的订单必须严格串行执行：执行器的nonce跟踪不支持并发提交，
// 不要为了性能改成并发。
func (s *OrderScanner) Scan(ctx context.Context, updatedMarketIDs []*big.Int) {
	s.statsMu.Lock()
	s.stats.Scans++
	s.statsMu.Unlock()

	relevant := marketFilter(updatedMarketIDs)

	for _, order := range s.cache.GetActiveOrders() {
		if relevant != nil && !relevant[order.MarketID.String()] {
			continue
		}

		entry, ok := s.cache.GetPrice(order.MarketID)
		if !ok {
			continue
		}

		if !isTriggered(order, entry.Price) {
			continue
		}

		s.statsMu.Lock()
		s.stats.Triggered++
		s.statsMu.Unlock()

		s.execute(ctx, order, entry.Price)
	}
}

func (s *OrderScanner) execute(ctx context.Context, order protocol.Order, price *big.Int) {
	s.logger.Info("订单已触发，提交执行",
		zap.String("order", order.OrderID.String()),
		zap.String("market", order.MarketID.String()),
		zap.String("trigger_price", order.TriggerPrice.String()),
		zap.String("current_price", price.String()),
	)

	result := s.executor.ExecuteOrder(ctx, order.OrderID)

	switch {
	case result.Success:
		s.cache.RemoveOrder(order.OrderID)
		s.statsMu.Lock()
		s.stats.Executed++
		s.statsMu.Unlock()

	case result.Reverted:
		// 链上已经以其他方式终局化了这张单，缓存视图作废。
		s.cache.RemoveOrder(order.OrderID)
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		s.logger.Info("订单执行被链上拒绝，已逐出缓存",
			zap.String("order", order.OrderID.String()),
			zap.String("reason", result.Err),
		)

	default:
		// 基础设施类失败：订单留在缓存里等下个周期再试。
		s.statsMu.Lock()
		s.stats.Failed++
		s.statsMu.Unlock()
		s.logger.Warn("订单执行失败，留待下个周期",
			zap.String("order", order.OrderID.String()),
			zap.String("error", result.Err),
		)
	}
}

// GetStats 返回计数器快照。
func (s *OrderScanner) GetStats() OrderStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// isTriggered 是纯函数：订单参数与当前价格完全决定是否触发。
//
//	LIMIT 多头:       price <= trigger
//	LIMIT 空头:       price >= trigger
//	STOP_LIMIT 多头:  trigger <= price <= limit
//	STOP_LIMIT 空头:  limit <= price <= trigger
func isTriggered(order protocol.Order, price *big.Int) bool {
	switch order.OrderType {
	case protocol.OrderTypeLimit:
		if order.IsLong {
			return price.Cmp(order.TriggerPrice) <= 0
		}
		return price.Cmp(order.TriggerPrice) >= 0
	case protocol.OrderTypeStopLimit:
		if order.IsLong {
			return price.Cmp(order.TriggerPrice) >= 0 && price.Cmp(order.LimitPrice) <= 0
		}
		return price.Cmp(order.TriggerPrice) <= 0 && price.Cmp(order.LimitPrice) >= 0
	default:
		return false
	}
}

// marketFilter 把更新市场列表转成集合，nil表示全量扫描。
func marketFilter(marketIDs []*big.Int) map[string]bool {
	if marketIDs == nil {
		return nil
	}
	filter := make(map[string]bool, len(marketIDs))
	for _, id := range marketIDs {
		filter[id.String()] = true
	}
	return filter
}

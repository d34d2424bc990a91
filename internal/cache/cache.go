package cache

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"perp-keeper/internal/config"
	"perp-keeper/internal/protocol"
)

// chainReader 是缓存需要的链上只读访问器，*executor.Executor 完整实现。
type chainReader interface {
	GetOrder(ctx context.Context, orderID *big.Int) (protocol.Order, error)
	GetPosition(ctx context.Context, positionID *big.Int) (protocol.Position, error)
	GetPrice(ctx context.Context, marketID *big.Int) (protocol.PriceEntry, error)
	GetMarket(ctx context.Context, marketID *big.Int) (protocol.MarketConfig, error)
}

// IndexerClient 是索引器查询面，*indexer.Client 完整实现。
// 传nil表示未配置索引器，缓存始终走链上扫描。
type IndexerClient interface {
	ActiveOrderIDs(ctx context.Context) ([]*big.Int, error)
	ActivePositionIDs(ctx context.Context) ([]*big.Int, error)
	Health(ctx context.Context) error
}

// logScanner 提供链上事件回退扫描能力，*ethclient.Client 完整实现。
type logScanner interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Cache 为各扫描器提供零RPC延迟的当前状态视图。
//
// 订单与持仓优先走索引器，索引器任何一次失败都会切换到链上事件
// 回退扫描，直到健康探测成功才恢复。无论来源是谁，每条记录入缓存前
// 都会用链上active标志重新核实，缓存绝不保存链自己不认可的记录。
type Cache struct {
	reader   chainReader
	idx      IndexerClient
	scanner  logScanner
	contract common.Address
	cfg      config.CacheConfig
	markets  []*big.Int
	logger   *zap.Logger

	mu               sync.Mutex
	orders           map[string]protocol.Order
	positions        map[string]protocol.Position
	prices           map[string]protocol.PriceEntry
	marketConfigs    map[string]protocol.MarketConfig
	lastOrderRefresh time.Time
	lastPosRefresh   time.Time
	lastMktRefresh   time.Time
	indexerAvailable bool
}

// New 创建状态缓存。idx 可以为nil，此时始终走链上扫描。
func New(reader chainReader, idx IndexerClient, scanner logScanner, contract common.Address, cfg config.CacheConfig, marketIDs []int64, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}

	markets := make([]*big.Int, 0, len(marketIDs))
	for _, id := range marketIDs {
		markets = append(markets, big.NewInt(id))
	}

	return &Cache{
		reader:           reader,
		idx:              idx,
		scanner:          scanner,
		contract:         contract,
		cfg:              cfg,
		markets:          markets,
		logger:           logger,
		orders:           make(map[string]protocol.Order),
		positions:        make(map[string]protocol.Position),
		prices:           make(map[string]protocol.PriceEntry),
		marketConfigs:    make(map[string]protocol.MarketConfig),
		indexerAvailable: idx != nil,
	}
}

// RefreshPrices 直接从链上读取全部配置市场的价格。
// 价格决定其他所有判断，因此永远不信任索引器的滞后视图。
func (c *Cache) RefreshPrices(ctx context.Context) error {
	var errs error
	fresh := make(map[string]protocol.PriceEntry, len(c.markets))

	for _, marketID := range c.markets {
		entry, err := c.reader.GetPrice(ctx, marketID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cache: 刷新市场 %s 价格失败: %w", marketID, err))
			continue
		}
		fresh[marketID.String()] = entry
	}

	c.mu.Lock()
	for key, entry := range fresh {
		c.prices[key] = entry
	}
	c.mu.Unlock()

	return errs
}

// RefreshOrders 刷新活跃订单集合，窗口期内的重复调用是no-op。
func (c *Cache) RefreshOrders(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastOrderRefresh) < c.cfg.OrderRefreshInterval && !c.lastOrderRefresh.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ids, err := c.candidateOrderIDs(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]protocol.Order, len(ids))
	for _, id := range ids {
		order, err := c.reader.GetOrder(ctx, id)
		if err != nil {
			return fmt.Errorf("cache: 核实订单 %s 失败: %w", id, err)
		}
		if !order.Active {
			continue
		}
		fresh[id.String()] = order
	}

	c.mu.Lock()
	c.orders = fresh
	c.lastOrderRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Debug("订单缓存已刷新",
		zap.Int("candidates", len(ids)),
		zap.Int("active", len(fresh)),
	)
	return nil
}

// RefreshPositions 刷新活跃持仓集合，窗口期内的重复调用是no-op。
func (c *Cache) RefreshPositions(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastPosRefresh) < c.cfg.PositionRefreshInterval && !c.lastPosRefresh.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ids, err := c.candidatePositionIDs(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]protocol.Position, len(ids))
	for _, id := range ids {
		position, err := c.reader.GetPosition(ctx, id)
		if err != nil {
			return fmt.Errorf("cache: 核实持仓 %s 失败: %w", id, err)
		}
		if !position.Active {
			continue
		}
		fresh[id.String()] = position
	}

	c.mu.Lock()
	c.positions = fresh
	c.lastPosRefresh = time.Now()
	c.mu.Unlock()

	c.logger.Debug("持仓缓存已刷新",
		zap.Int("candidates", len(ids)),
		zap.Int("active", len(fresh)),
	)
	return nil
}

// RefreshMarketConfigs 刷新市场配置，协议级配置变化极少，窗口很长。
func (c *Cache) RefreshMarketConfigs(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.lastMktRefresh) < c.cfg.MarketRefreshInterval && !c.lastMktRefresh.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var errs error
	fresh := make(map[string]protocol.MarketConfig, len(c.markets))
	for _, marketID := range c.markets {
		market, err := c.reader.GetMarket(ctx, marketID)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cache: 刷新市场 %s 配置失败: %w", marketID, err))
			continue
		}
		fresh[marketID.String()] = market
	}

	c.mu.Lock()
	for key, market := range fresh {
		c.marketConfigs[key] = market
	}
	c.lastMktRefresh = time.Now()
	c.mu.Unlock()

	return errs
}

// candidateOrderIDs 优先查索引器，失败时切换到链上事件回退扫描。
func (c *Cache) candidateOrderIDs(ctx context.Context) ([]*big.Int, error) {
	if c.idx != nil && c.isIndexerAvailable() {
		ids, err := c.idx.ActiveOrderIDs(ctx)
		if err == nil {
			return ids, nil
		}
		c.markIndexerDown(err)
	}
	return c.scanOrderIDs(ctx)
}

func (c *Cache) candidatePositionIDs(ctx context.Context) ([]*big.Int, error) {
	if c.idx != nil && c.isIndexerAvailable() {
		ids, err := c.idx.ActivePositionIDs(ctx)
		if err == nil {
			return ids, nil
		}
		c.markIndexerDown(err)
	}
	return c.scanPositionIDs(ctx)
}

// scanOrderIDs 在有限回看窗口内扫描订单事件：创建集合减去已解决集合。
// 窗口外已解决的订单不可见，但那些订单也必然不再活跃，可以接受。
func (c *Cache) scanOrderIDs(ctx context.Context) ([]*big.Int, error) {
	from, to, err := c.scanRange(ctx)
	if err != nil {
		return nil, err
	}

	placedID := protocol.EventID(protocol.EventOrderPlaced)
	cancelledID := protocol.EventID(protocol.EventOrderCancelled)
	executedID := protocol.EventID(protocol.EventOrderExecuted)

	logs, err := c.scanner.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{placedID, cancelledID, executedID}},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: 回退扫描订单事件失败: %w", err)
	}

	placed := make(map[string]*big.Int)
	resolved := make(map[string]struct{})

	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		switch lg.Topics[0] {
		case placedID:
			placed[id.String()] = id
		case cancelledID, executedID:
			resolved[id.String()] = struct{}{}
		}
	}

	ids := make([]*big.Int, 0, len(placed))
	for key, id := range placed {
		if _, done := resolved[key]; done {
			continue
		}
		ids = append(ids, id)
	}

	c.logger.Info("已通过链上扫描获取订单候选",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("placed", len(placed)),
		zap.Int("resolved", len(resolved)),
	)
	return ids, nil
}

// scanPositionIDs 扫描开仓事件。持仓没有显式的关闭事件，
// 是否仍活跃由之后的链上active核实决定。
func (c *Cache) scanPositionIDs(ctx context.Context) ([]*big.Int, error) {
	from, to, err := c.scanRange(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := c.scanner.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{protocol.EventID(protocol.EventPositionOpened)}},
	})
	if err != nil {
		return nil, fmt.Errorf("cache: 回退扫描持仓事件失败: %w", err)
	}

	seen := make(map[string]struct{}, len(logs))
	ids := make([]*big.Int, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 2 {
			continue
		}
		id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
		if _, dup := seen[id.String()]; dup {
			continue
		}
		seen[id.String()] = struct{}{}
		ids = append(ids, id)
	}

	c.logger.Info("已通过链上扫描获取持仓候选",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("candidates", len(ids)),
	)
	return ids, nil
}

func (c *Cache) scanRange(ctx context.Context) (uint64, uint64, error) {
	head, err := c.scanner.BlockNumber(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("cache: 获取链头失败: %w", err)
	}

	from := uint64(0)
	if head > c.cfg.LookbackBlocks {
		from = head - c.cfg.LookbackBlocks
	}
	return from, head, nil
}

// CheckIndexerHealth 探测索引器，成功后恢复索引器优先模式。
func (c *Cache) CheckIndexerHealth(ctx context.Context) bool {
	if c.idx == nil {
		return false
	}

	if err := c.idx.Health(ctx); err != nil {
		c.markIndexerDown(err)
		return false
	}

	c.mu.Lock()
	restored := !c.indexerAvailable
	c.indexerAvailable = true
	c.mu.Unlock()

	if restored {
		c.logger.Info("索引器已恢复，切回索引器优先模式")
	}
	return true
}

// IndexerAvailable 返回当前是否处于索引器优先模式。
func (c *Cache) IndexerAvailable() bool {
	return c.isIndexerAvailable()
}

func (c *Cache) isIndexerAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexerAvailable
}

func (c *Cache) markIndexerDown(err error) {
	c.mu.Lock()
	wasAvailable := c.indexerAvailable
	c.indexerAvailable = false
	c.mu.Unlock()

	if wasAvailable {
		c.logger.Warn("索引器不可用，切换到链上回退扫描", zap.Error(err))
	}
}

// GetActiveOrders 返回当前订单快照的副本。
func (c *Cache) GetActiveOrders() []protocol.Order {
	c.mu.Lock()
	defer c.mu.Unlock()

	orders := make([]protocol.Order, 0, len(c.orders))
	for _, order := range c.orders {
		orders = append(orders, order)
	}
	return orders
}

// GetActivePositions 返回当前持仓快照的副本。
func (c *Cache) GetActivePositions() []protocol.Position {
	c.mu.Lock()
	defer c.mu.Unlock()

	positions := make([]protocol.Position, 0, len(c.positions))
	for _, position := range c.positions {
		positions = append(positions, position)
	}
	return positions
}

// GetPrice 返回某市场的最新缓存价格。
func (c *Cache) GetPrice(marketID *big.Int) (protocol.PriceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.prices[marketID.String()]
	return entry, ok
}

// GetMarket 返回某市场的缓存配置。
func (c *Cache) GetMarket(marketID *big.Int) (protocol.MarketConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	market, ok := c.marketConfigs[marketID.String()]
	return market, ok
}

// RemoveOrder 将终局订单逐出缓存，重复调用是no-op。
func (c *Cache) RemoveOrder(orderID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.orders, orderID.String())
}

// RemovePosition 将终局持仓逐出缓存，重复调用是no-op。
func (c *Cache) RemovePosition(positionID *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, positionID.String())
}

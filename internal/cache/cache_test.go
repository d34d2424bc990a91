package cache

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"perp-keeper/internal/config"
	"perp-keeper/internal/protocol"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type fakeChainReader struct {
	orders    map[string]protocol.Order
	positions map[string]protocol.Position
	prices    map[string]protocol.PriceEntry
	markets   map[string]protocol.MarketConfig
}

func (r *fakeChainReader) GetOrder(ctx context.Context, orderID *big.Int) (protocol.Order, error) {
	if order, ok := r.orders[orderID.String()]; ok {
		return order, nil
	}
	return protocol.Order{OrderID: orderID, Active: false}, nil
}

func (r *fakeChainReader) GetPosition(ctx context.Context, positionID *big.Int) (protocol.Position, error) {
	if position, ok := r.positions[positionID.String()]; ok {
		return position, nil
	}
	return protocol.Position{PositionID: positionID, Active: false}, nil
}

func (r *fakeChainReader) GetPrice(ctx context.Context, marketID *big.Int) (protocol.PriceEntry, error) {
	if entry, ok := r.prices[marketID.String()]; ok {
		return entry, nil
	}
	return protocol.PriceEntry{}, errors.New("no price feed")
}

func (r *fakeChainReader) GetMarket(ctx context.Context, marketID *big.Int) (protocol.MarketConfig, error) {
	if market, ok := r.markets[marketID.String()]; ok {
		return market, nil
	}
	return protocol.MarketConfig{}, errors.New("unknown market")
}

type fakeIndexer struct {
	orderIDs    []*big.Int
	positionIDs []*big.Int
	queryErr    error
	healthErr   error

	orderCalls    int
	positionCalls int
	healthCalls   int
}

func (i *fakeIndexer) ActiveOrderIDs(ctx context.Context) ([]*big.Int, error) {
	i.orderCalls++
	if i.queryErr != nil {
		return nil, i.queryErr
	}
	return i.orderIDs, nil
}

func (i *fakeIndexer) ActivePositionIDs(ctx context.Context) ([]*big.Int, error) {
	i.positionCalls++
	if i.queryErr != nil {
		return nil, i.queryErr
	}
	return i.positionIDs, nil
}

func (i *fakeIndexer) Health(ctx context.Context) error {
	i.healthCalls++
	return i.healthErr
}

type fakeScanner struct {
	head         uint64
	orderLogs    []types.Log
	positionLogs []types.Log
	filterCalls  int
}

func (s *fakeScanner) BlockNumber(ctx context.Context) (uint64, error) {
	return s.head, nil
}

func (s *fakeScanner) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	s.filterCalls++
	openedID := protocol.EventID(protocol.EventPositionOpened)
	for _, topic := range q.Topics[0] {
		if topic == openedID {
			return s.positionLogs, nil
		}
	}
	return s.orderLogs, nil
}

func eventLog(event string, id int64) types.Log {
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			protocol.EventID(event),
			common.BigToHash(big.NewInt(id)),
		},
	}
}

func activeOrder(id int64) protocol.Order {
	return protocol.Order{
		OrderID:      big.NewInt(id),
		MarketID:     big.NewInt(1),
		TriggerPrice: big.NewInt(100),
		Active:       true,
	}
}

func activePosition(id int64) protocol.Position {
	return protocol.Position{
		PositionID:    big.NewInt(id),
		MarketID:      big.NewInt(1),
		SizeUsd:       big.NewInt(1000),
		EntryPrice:    big.NewInt(100),
		CollateralUsd: big.NewInt(10),
		Active:        true,
	}
}

func newTestCache(reader *fakeChainReader, idx IndexerClient, scanner *fakeScanner, cfg config.CacheConfig) *Cache {
	return New(reader, idx, scanner, testContract, cfg, []int64{1}, nil)
}

func TestRefreshOrders_IndexerFailureSwitchesToChainScan(t *testing.T) {
	reader := &fakeChainReader{
		orders: map[string]protocol.Order{
			"1": activeOrder(1),
			"2": activeOrder(2),
		},
	}
	idx := &fakeIndexer{orderIDs: []*big.Int{big.NewInt(1)}}
	scanner := &fakeScanner{
		head:      1000,
		orderLogs: []types.Log{eventLog(protocol.EventOrderPlaced, 2)},
	}
	c := newTestCache(reader, idx, scanner, config.CacheConfig{LookbackBlocks: 500})
	ctx := context.Background()

	// 第一轮：索引器健康，不应触发链上扫描。
	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders: %v", err)
	}
	if scanner.filterCalls != 0 {
		t.Fatalf("indexer-first refresh must not scan the chain, calls=%d", scanner.filterCalls)
	}
	if got := len(c.GetActiveOrders()); got != 1 {
		t.Fatalf("expected 1 cached order from indexer, got %d", got)
	}

	// 第二轮：索引器故障，必须降级到链上扫描并完成刷新。
	idx.queryErr = errors.New("indexer lagging")
	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders after indexer failure: %v", err)
	}
	if scanner.filterCalls != 1 {
		t.Fatalf("expected chain-scan fallback, calls=%d", scanner.filterCalls)
	}
	if c.IndexerAvailable() {
		t.Fatalf("indexer must be marked unavailable after a failure")
	}

	// 第三轮：降级状态下不再尝试索引器。
	callsBefore := idx.orderCalls
	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders in degraded mode: %v", err)
	}
	if idx.orderCalls != callsBefore {
		t.Errorf("degraded mode must not query the indexer, calls went %d -> %d", callsBefore, idx.orderCalls)
	}

	// 健康探测成功后恢复索引器优先。
	idx.queryErr = nil
	if !c.CheckIndexerHealth(ctx) {
		t.Fatalf("health check should succeed")
	}
	if !c.IndexerAvailable() {
		t.Fatalf("indexer should be available after successful health check")
	}
	scansBefore := scanner.filterCalls
	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders after recovery: %v", err)
	}
	if scanner.filterCalls != scansBefore {
		t.Errorf("recovered mode must not scan the chain")
	}
}

func TestRefreshOrders_ChainScanSubtractsResolvedOrders(t *testing.T) {
	reader := &fakeChainReader{
		orders: map[string]protocol.Order{
			"1": activeOrder(1),
			"2": activeOrder(2),
			"3": activeOrder(3),
		},
	}
	scanner := &fakeScanner{
		head: 60_000,
		orderLogs: []types.Log{
			eventLog(protocol.EventOrderPlaced, 1),
			eventLog(protocol.EventOrderPlaced, 2),
			eventLog(protocol.EventOrderPlaced, 3),
			eventLog(protocol.EventOrderExecuted, 2),
			eventLog(protocol.EventOrderCancelled, 3),
		},
	}
	c := newTestCache(reader, nil, scanner, config.CacheConfig{LookbackBlocks: 50_000})

	if err := c.RefreshOrders(context.Background()); err != nil {
		t.Fatalf("RefreshOrders: %v", err)
	}

	orders := c.GetActiveOrders()
	if len(orders) != 1 {
		t.Fatalf("expected only the unresolved order, got %d", len(orders))
	}
	if orders[0].OrderID.String() != "1" {
		t.Errorf("expected order 1, got %s", orders[0].OrderID)
	}
}

func TestRefreshOrders_InactiveOnChainRecordsFiltered(t *testing.T) {
	// 索引器视图滞后：它还认为订单2活跃，但链上已终局。
	reader := &fakeChainReader{
		orders: map[string]protocol.Order{"1": activeOrder(1)},
	}
	idx := &fakeIndexer{orderIDs: []*big.Int{big.NewInt(1), big.NewInt(2)}}
	c := newTestCache(reader, idx, &fakeScanner{head: 100}, config.CacheConfig{LookbackBlocks: 50})

	if err := c.RefreshOrders(context.Background()); err != nil {
		t.Fatalf("RefreshOrders: %v", err)
	}

	orders := c.GetActiveOrders()
	if len(orders) != 1 || orders[0].OrderID.String() != "1" {
		t.Fatalf("stale indexer record must be dropped, got %v", orders)
	}
}

func TestRefreshOrders_IntervalGuard(t *testing.T) {
	reader := &fakeChainReader{orders: map[string]protocol.Order{"1": activeOrder(1)}}
	idx := &fakeIndexer{orderIDs: []*big.Int{big.NewInt(1)}}
	c := newTestCache(reader, idx, &fakeScanner{head: 100}, config.CacheConfig{
		OrderRefreshInterval: time.Hour,
		LookbackBlocks:       50,
	})
	ctx := context.Background()

	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders: %v", err)
	}
	if err := c.RefreshOrders(ctx); err != nil {
		t.Fatalf("RefreshOrders (guarded): %v", err)
	}

	if idx.orderCalls != 1 {
		t.Errorf("second refresh inside the window must be a no-op, indexer calls=%d", idx.orderCalls)
	}
}

func TestRefreshPositions_HydratesAndFilters(t *testing.T) {
	reader := &fakeChainReader{
		positions: map[string]protocol.Position{"10": activePosition(10)},
	}
	scanner := &fakeScanner{
		head: 1000,
		positionLogs: []types.Log{
			eventLog(protocol.EventPositionOpened, 10),
			eventLog(protocol.EventPositionOpened, 10), // 重复事件去重
			eventLog(protocol.EventPositionOpened, 11), // 链上已关闭
		},
	}
	c := newTestCache(reader, nil, scanner, config.CacheConfig{LookbackBlocks: 500})

	if err := c.RefreshPositions(context.Background()); err != nil {
		t.Fatalf("RefreshPositions: %v", err)
	}

	positions := c.GetActivePositions()
	if len(positions) != 1 || positions[0].PositionID.String() != "10" {
		t.Fatalf("expected only position 10, got %v", positions)
	}
}

func TestRefreshPrices_AlwaysFromChain(t *testing.T) {
	reader := &fakeChainReader{
		prices: map[string]protocol.PriceEntry{
			"1": {MarketID: big.NewInt(1), Price: big.NewInt(4_200), Timestamp: big.NewInt(1700000000)},
		},
	}
	idx := &fakeIndexer{}
	c := newTestCache(reader, idx, &fakeScanner{head: 100}, config.CacheConfig{LookbackBlocks: 50})

	if err := c.RefreshPrices(context.Background()); err != nil {
		t.Fatalf("RefreshPrices: %v", err)
	}

	entry, ok := c.GetPrice(big.NewInt(1))
	if !ok || entry.Price.Cmp(big.NewInt(4_200)) != 0 {
		t.Fatalf("expected chain price cached, got %+v ok=%v", entry, ok)
	}
	if idx.orderCalls+idx.positionCalls != 0 {
		t.Errorf("price refresh must never touch the indexer")
	}
}

func TestRemove_Idempotent(t *testing.T) {
	reader := &fakeChainReader{orders: map[string]protocol.Order{"1": activeOrder(1)}}
	idx := &fakeIndexer{orderIDs: []*big.Int{big.NewInt(1)}}
	c := newTestCache(reader, idx, &fakeScanner{head: 100}, config.CacheConfig{LookbackBlocks: 50})

	if err := c.RefreshOrders(context.Background()); err != nil {
		t.Fatalf("RefreshOrders: %v", err)
	}

	c.RemoveOrder(big.NewInt(1))
	c.RemoveOrder(big.NewInt(1))
	c.RemovePosition(big.NewInt(99))

	if got := len(c.GetActiveOrders()); got != 0 {
		t.Errorf("expected empty order cache, got %d", got)
	}
}

func TestCheckIndexerHealth_NilIndexer(t *testing.T) {
	c := newTestCache(&fakeChainReader{}, nil, &fakeScanner{head: 100}, config.CacheConfig{LookbackBlocks: 50})

	if c.CheckIndexerHealth(context.Background()) {
		t.Errorf("health check must fail without an indexer")
	}
	if c.IndexerAvailable() {
		t.Errorf("nil indexer must never report available")
	}
}

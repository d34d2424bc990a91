package scanner

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"perp-keeper/internal/protocol"
)

type fakeVammExecutor struct {
	pools    map[string]protocol.Pool
	poolErrs map[string]error
	results  map[string]protocol.ExecutionResult

	poolQueries map[string]int
	synced      []string
}

func newFakeVammExecutor() *fakeVammExecutor {
	return &fakeVammExecutor{
		pools:       make(map[string]protocol.Pool),
		poolErrs:    make(map[string]error),
		results:     make(map[string]protocol.ExecutionResult),
		poolQueries: make(map[string]int),
	}
}

func (e *fakeVammExecutor) GetPool(ctx context.Context, marketID *big.Int) (protocol.Pool, error) {
	key := marketID.String()
	e.poolQueries[key]++
	if err, ok := e.poolErrs[key]; ok {
		return protocol.Pool{}, err
	}
	if pool, ok := e.pools[key]; ok {
		return pool, nil
	}
	return protocol.Pool{MarketID: marketID, BaseReserve: big.NewInt(0), QuoteReserve: big.NewInt(0)}, nil
}

func (e *fakeVammExecutor) SyncVamm(ctx context.Context, marketID *big.Int) protocol.ExecutionResult {
	key := marketID.String()
	e.synced = append(e.synced, key)
	if r, ok := e.results[key]; ok {
		return r
	}
	return protocol.ExecutionResult{Success: true, TxHash: "0x123"}
}

func livePool(marketID int64) protocol.Pool {
	return protocol.Pool{
		MarketID:     big.NewInt(marketID),
		BaseReserve:  e18(100),
		QuoteReserve: e18(5_000_000),
	}
}

func TestVammSync_UninitializedPoolQueriedOnce(t *testing.T) {
	execFake := newFakeVammExecutor()
	execFake.pools["1"] = livePool(1)
	// 市场2的池子BaseReserve为0，保持未初始化。

	s := NewVammSyncer(execFake, []int64{1, 2}, nil)
	ctx := context.Background()

	s.SyncAll(ctx, nil)
	s.SyncAll(ctx, nil)

	if execFake.poolQueries["2"] != 1 {
		t.Errorf("uninitialized pool queried %d times, want exactly 1", execFake.poolQueries["2"])
	}
	if got := len(execFake.synced); got != 2 {
		t.Errorf("expected market 1 synced twice and market 2 never, got %v", execFake.synced)
	}
	for _, key := range execFake.synced {
		if key != "1" {
			t.Errorf("unexpected sync for market %s", key)
		}
	}

	stats := s.GetStats()
	if stats.Synced != 2 || stats.Skipped != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestVammSync_ConfirmedPoolNotRequeried(t *testing.T) {
	execFake := newFakeVammExecutor()
	execFake.pools["1"] = livePool(1)

	s := NewVammSyncer(execFake, []int64{1}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.SyncAll(ctx, nil)
	}

	if execFake.poolQueries["1"] != 1 {
		t.Errorf("confirmed pool queried %d times, want exactly 1", execFake.poolQueries["1"])
	}
	if len(execFake.synced) != 3 {
		t.Errorf("expected 3 syncs, got %d", len(execFake.synced))
	}
}

func TestVammSync_ResetPoolChecksReprobesOnlyDeadPools(t *testing.T) {
	execFake := newFakeVammExecutor()
	execFake.pools["1"] = livePool(1)

	s := NewVammSyncer(execFake, []int64{1, 2}, nil)
	ctx := context.Background()

	s.SyncAll(ctx, nil)

	// 管理员随后初始化了市场2的池子。
	execFake.pools["2"] = livePool(2)
	s.ResetPoolChecks()
	s.SyncAll(ctx, nil)

	if execFake.poolQueries["2"] != 2 {
		t.Errorf("dead pool should be reprobed after reset, queries=%d", execFake.poolQueries["2"])
	}
	// 已确认的池子不受reset影响。
	if execFake.poolQueries["1"] != 1 {
		t.Errorf("confirmed pool must not be reprobed, queries=%d", execFake.poolQueries["1"])
	}

	var market2Syncs int
	for _, key := range execFake.synced {
		if key == "2" {
			market2Syncs++
		}
	}
	if market2Syncs != 1 {
		t.Errorf("expected market 2 synced once after reprobe, got %d", market2Syncs)
	}
}

func TestVammSync_PoolQueryErrorLeavesStateUnknown(t *testing.T) {
	execFake := newFakeVammExecutor()
	execFake.poolErrs["1"] = errors.New("rpc timeout")

	s := NewVammSyncer(execFake, []int64{1}, nil)
	ctx := context.Background()

	s.SyncAll(ctx, nil)

	// 查询失败不等于未初始化，下个周期必须重查。
	delete(execFake.poolErrs, "1")
	execFake.pools["1"] = livePool(1)
	s.SyncAll(ctx, nil)

	if execFake.poolQueries["1"] != 2 {
		t.Errorf("expected requery after transient error, queries=%d", execFake.poolQueries["1"])
	}
	if len(execFake.synced) != 1 {
		t.Errorf("expected a single sync after recovery, got %v", execFake.synced)
	}
}

func TestVammSync_MarketFilter(t *testing.T) {
	execFake := newFakeVammExecutor()
	execFake.pools["1"] = livePool(1)
	execFake.pools["2"] = livePool(2)

	s := NewVammSyncer(execFake, []int64{1, 2}, nil)
	s.SyncAll(context.Background(), []*big.Int{big.NewInt(2)})

	if len(execFake.synced) != 1 || execFake.synced[0] != "2" {
		t.Errorf("expected only market 2 synced, got %v", execFake.synced)
	}
}

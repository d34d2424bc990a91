package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"perp-keeper/internal/config"
	"perp-keeper/internal/protocol"
	"perp-keeper/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestRecordActionAndList(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordAction(ctx, "liquidate", "42", protocol.ExecutionResult{Success: true, TxHash: "0xabc"})
	svc.RecordAction(ctx, "execute_order", "7", protocol.ExecutionResult{Reverted: true, Err: "OrderNotActive"})
	svc.RecordCacheRefresh(ctx, "cycle", true, 120*time.Millisecond)

	events, err := svc.ListEvents(ctx, EventAction, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 action events, got %d", len(events))
	}

	// 倒序返回：最近的在前。
	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload type = %T, want json.RawMessage", events[0].Payload)
	}
	var payload ActionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Action != "execute_order" || !payload.Reverted {
		t.Errorf("unexpected latest action payload: %+v", payload)
	}
}

func TestListEvents_FilterAndLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordCacheRefresh(ctx, "cycle", false, time.Millisecond)
	}
	svc.RecordError(ctx, "刷新价格失败", context.DeadlineExceeded, nil)

	refreshes, err := svc.ListEvents(ctx, EventCacheRefresh, 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(refreshes) != 3 {
		t.Errorf("expected limit to cap results at 3, got %d", len(refreshes))
	}

	all, err := svc.ListEvents(ctx, "", 100)
	if err != nil {
		t.Fatalf("ListEvents (all): %v", err)
	}
	if len(all) != 6 {
		t.Errorf("expected 6 events across types, got %d", len(all))
	}
}

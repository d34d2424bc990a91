package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventAction       EventType = "action"
	EventCacheRefresh EventType = "cache_refresh"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ActionPayload 记录一次出站交易的结果。
type ActionPayload struct {
	Action   string `json:"action"`
	TargetID string `json:"target_id"`
	TxHash   string `json:"tx_hash,omitempty"`
	Success  bool   `json:"success"`
	Reverted bool   `json:"reverted"`
	Error    string `json:"error,omitempty"`
}

// CacheRefreshPayload 记录一次缓存刷新。
type CacheRefreshPayload struct {
	Kind           string `json:"kind"`
	IndexerBacked  bool   `json:"indexer_backed"`
	DurationMillis int64  `json:"duration_ms"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

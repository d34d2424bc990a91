package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"go.uber.org/zap"

	"perp-keeper/internal/config"
)

// 索引器只作为候选集来源，字段以链上为准，因此查询只取ID与状态。
const (
	activeOrdersQuery    = `{ orders(where: {status: "ACTIVE"}) { id } }`
	activePositionsQuery = `{ positions(where: {status: "OPEN"}) { id } }`
	healthQuery          = `{ _meta { block { number } } }`
)

// Client 访问索引器的GraphQL查询端点。
// 超时刻意压短：索引器无响应时应尽快退化到链上扫描，而不是拖垮整个反应周期。
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// New 创建索引器客户端。
func New(cfg config.IndexerConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    cfg.URL,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type idRecord struct {
	ID string `json:"id"`
}

// ActiveOrderIDs 查询当前处于激活状态的条件单ID。
func (c *Client) ActiveOrderIDs(ctx context.Context) ([]*big.Int, error) {
	var payload struct {
		Orders []idRecord `json:"orders"`
	}
	if err := c.query(ctx, activeOrdersQuery, &payload); err != nil {
		return nil, fmt.Errorf("indexer: 查询活跃订单失败: %w", err)
	}
	return parseIDs(payload.Orders)
}

// ActivePositionIDs 查询当前未平仓的持仓ID。
func (c *Client) ActivePositionIDs(ctx context.Context) ([]*big.Int, error) {
	var payload struct {
		Positions []idRecord `json:"positions"`
	}
	if err := c.query(ctx, activePositionsQuery, &payload); err != nil {
		return nil, fmt.Errorf("indexer: 查询活跃持仓失败: %w", err)
	}
	return parseIDs(payload.Positions)
}

// Health 执行一次轻量探活查询。
func (c *Client) Health(ctx context.Context) error {
	var payload struct {
		Meta struct {
			Block struct {
				Number uint64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}
	if err := c.query(ctx, healthQuery, &payload); err != nil {
		return fmt.Errorf("indexer: 探活失败: %w", err)
	}
	return nil
}

// query 发送查询并解码data。errors数组非空一律视为硬失败。
func (c *Client) query(ctx context.Context, query string, out interface{}) error {
	body, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return fmt.Errorf("编码查询失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("非预期状态码 %d", resp.StatusCode)
	}

	var decoded graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("解码响应失败: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return fmt.Errorf("查询返回错误: %s", decoded.Errors[0].Message)
	}
	if decoded.Data == nil {
		return fmt.Errorf("响应缺少data字段")
	}

	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("解码data失败: %w", err)
	}
	return nil
}

func parseIDs(records []idRecord) ([]*big.Int, error) {
	ids := make([]*big.Int, 0, len(records))
	for _, r := range records {
		id, ok := new(big.Int).SetString(r.ID, 10)
		if !ok {
			return nil, fmt.Errorf("indexer: 非法ID %q", r.ID)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

package executor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"perp-keeper/internal/protocol"
)

// 只读访问器都是直接透传的链上调用：不重试，失败原样抛给调用方。

func (e *Executor) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := protocol.ABI().Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("executor: 编码 %s 调用失败: %w", method, err)
	}

	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &e.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: 调用 %s 失败: %w", method, err)
	}

	vals, err := protocol.ABI().Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("executor: 解码 %s 返回值失败: %w", method, err)
	}
	return vals, nil
}

// GetOrder 读取单个条件单的链上状态。
func (e *Executor) GetOrder(ctx context.Context, orderID *big.Int) (protocol.Order, error) {
	vals, err := e.call(ctx, "getOrder", orderID)
	if err != nil {
		return protocol.Order{}, err
	}
	if len(vals) != 11 {
		return protocol.Order{}, fmt.Errorf("executor: getOrder 返回值数量异常: %d", len(vals))
	}

	return protocol.Order{
		OrderID:          new(big.Int).Set(orderID),
		User:             vals[0].(common.Address),
		MarketID:         vals[1].(*big.Int),
		OrderType:        protocol.OrderType(vals[2].(uint8)),
		IsLong:           vals[3].(bool),
		TriggerPrice:     vals[4].(*big.Int),
		LimitPrice:       vals[5].(*big.Int),
		SizeUsd:          vals[6].(*big.Int),
		Leverage:         vals[7].(*big.Int),
		CollateralToken:  vals[8].(common.Address),
		CollateralAmount: vals[9].(*big.Int),
		Active:           vals[10].(bool),
	}, nil
}

// GetPosition 读取单个持仓的链上状态。
func (e *Executor) GetPosition(ctx context.Context, positionID *big.Int) (protocol.Position, error) {
	vals, err := e.call(ctx, "getPosition", positionID)
	if err != nil {
		return protocol.Position{}, err
	}
	if len(vals) != 7 {
		return protocol.Position{}, fmt.Errorf("executor: getPosition 返回值数量异常: %d", len(vals))
	}

	return protocol.Position{
		PositionID:    new(big.Int).Set(positionID),
		User:          vals[0].(common.Address),
		MarketID:      vals[1].(*big.Int),
		IsLong:        vals[2].(bool),
		SizeUsd:       vals[3].(*big.Int),
		EntryPrice:    vals[4].(*big.Int),
		CollateralUsd: vals[5].(*big.Int),
		Active:        vals[6].(bool),
	}, nil
}

// CheckLiquidatable 查询链上对该持仓是否判定为可清算。
func (e *Executor) CheckLiquidatable(ctx context.Context, positionID *big.Int) (bool, error) {
	vals, err := e.call(ctx, "checkLiquidatable", positionID)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// GetPrice 读取某市场的最新预言机价格。
func (e *Executor) GetPrice(ctx context.Context, marketID *big.Int) (protocol.PriceEntry, error) {
	vals, err := e.call(ctx, "getPrice", marketID)
	if err != nil {
		return protocol.PriceEntry{}, err
	}
	if len(vals) != 2 {
		return protocol.PriceEntry{}, fmt.Errorf("executor: getPrice 返回值数量异常: %d", len(vals))
	}

	return protocol.PriceEntry{
		MarketID:  new(big.Int).Set(marketID),
		Price:     vals[0].(*big.Int),
		Timestamp: vals[1].(*big.Int),
	}, nil
}

// GetMarket 读取市场级配置。
func (e *Executor) GetMarket(ctx context.Context, marketID *big.Int) (protocol.MarketConfig, error) {
	vals, err := e.call(ctx, "getMarket", marketID)
	if err != nil {
		return protocol.MarketConfig{}, err
	}
	if len(vals) != 3 {
		return protocol.MarketConfig{}, fmt.Errorf("executor: getMarket 返回值数量异常: %d", len(vals))
	}

	return protocol.MarketConfig{
		MarketID:             new(big.Int).Set(marketID),
		MaxLeverage:          vals[0].(*big.Int),
		MaintenanceMarginBps: vals[1].(*big.Int),
		Enabled:              vals[2].(bool),
	}, nil
}

// GetPool 读取某市场的vAMM储备。
func (e *Executor) GetPool(ctx context.Context, marketID *big.Int) (protocol.Pool, error) {
	vals, err := e.call(ctx, "getPool", marketID)
	if err != nil {
		return protocol.Pool{}, err
	}
	if len(vals) != 2 {
		return protocol.Pool{}, fmt.Errorf("executor: getPool 返回值数量异常: %d", len(vals))
	}

	return protocol.Pool{
		MarketID:     new(big.Int).Set(marketID),
		BaseReserve:  vals[0].(*big.Int),
		QuoteReserve: vals[1].(*big.Int),
	}, nil
}

// HasRole 查询某地址是否持有指定角色。
func (e *Executor) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	vals, err := e.call(ctx, "hasRole", role, account)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// GetBalance 查询keeper钱包的原生币余额。
func (e *Executor) GetBalance(ctx context.Context) (*big.Int, error) {
	balance, err := e.backend.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, fmt.Errorf("executor: 查询钱包余额失败: %w", err)
	}
	return balance, nil
}

package protocol

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderType 表示条件单类型。
type OrderType uint8

const (
	OrderTypeLimit OrderType = iota
	OrderTypeStopLimit
)

// Order 表示链上的条件单快照。
type Order struct {
	OrderID          *big.Int
	User             common.Address
	MarketID         *big.Int
	OrderType        OrderType
	IsLong           bool
	TriggerPrice     *big.Int
	LimitPrice       *big.Int
	SizeUsd          *big.Int
	Leverage         *big.Int
	CollateralToken  common.Address
	CollateralAmount *big.Int
	Active           bool
}

// Position 表示链上的持仓快照。
type Position struct {
	PositionID    *big.Int
	User          common.Address
	MarketID      *big.Int
	IsLong        bool
	SizeUsd       *big.Int
	EntryPrice    *big.Int
	CollateralUsd *big.Int
	Active        bool
}

// PriceEntry 记录单个市场的最新预言机价格，价格为1e18定点数。
type PriceEntry struct {
	MarketID  *big.Int
	Price     *big.Int
	Timestamp *big.Int
}

// MarketConfig 描述市场级配置，变更频率很低。
type MarketConfig struct {
	MarketID             *big.Int
	MaxLeverage          *big.Int
	MaintenanceMarginBps *big.Int
	Enabled              bool
}

// Pool 描述某市场的vAMM储备。
type Pool struct {
	MarketID     *big.Int
	BaseReserve  *big.Int
	QuoteReserve *big.Int
}

// ExecutionResult 是执行器所有写操作的统一返回结构。
// Reverted=true 表示失败由链上状态决定，重试无意义。
type ExecutionResult struct {
	Success  bool
	TxHash   string
	Err      string
	Reverted bool
}

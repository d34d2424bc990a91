package protocol

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeeperRole 是合约侧授权执行 executeOrder/liquidate/syncToOracle 的角色标识。
var KeeperRole = crypto.Keccak256Hash([]byte("KEEPER_ROLE"))

// 事件名称，与合约端保持一致。
const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderCancelled = "OrderCancelled"
	EventOrderExecuted  = "OrderExecuted"
	EventPositionOpened = "PositionOpened"
	EventPricesUpdated  = "PricesUpdated"
)

const perpABIJSON = `[
  {"type":"function","name":"getOrder","stateMutability":"view","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[{"name":"user","type":"address"},{"name":"marketId","type":"uint256"},{"name":"orderType","type":"uint8"},{"name":"isLong","type":"bool"},{"name":"triggerPrice","type":"uint256"},{"name":"limitPrice","type":"uint256"},{"name":"sizeUsd","type":"uint256"},{"name":"leverage","type":"uint256"},{"name":"collateralToken","type":"address"},{"name":"collateralAmount","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"getPosition","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"user","type":"address"},{"name":"marketId","type":"uint256"},{"name":"isLong","type":"bool"},{"name":"sizeUsd","type":"uint256"},{"name":"entryPrice","type":"uint256"},{"name":"collateralUsd","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"checkLiquidatable","stateMutability":"view","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[{"name":"liquidatable","type":"bool"}]},
  {"type":"function","name":"getPrice","stateMutability":"view","inputs":[{"name":"marketId","type":"uint256"}],"outputs":[{"name":"price","type":"uint256"},{"name":"timestamp","type":"uint256"}]},
  {"type":"function","name":"getMarket","stateMutability":"view","inputs":[{"name":"marketId","type":"uint256"}],"outputs":[{"name":"maxLeverage","type":"uint256"},{"name":"maintenanceMarginBps","type":"uint256"},{"name":"enabled","type":"bool"}]},
  {"type":"function","name":"getPool","stateMutability":"view","inputs":[{"name":"marketId","type":"uint256"}],"outputs":[{"name":"baseReserve","type":"uint256"},{"name":"quoteReserve","type":"uint256"}]},
  {"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"executeOrder","stateMutability":"nonpayable","inputs":[{"name":"orderId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"liquidate","stateMutability":"nonpayable","inputs":[{"name":"positionId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"syncToOracle","stateMutability":"nonpayable","inputs":[{"name":"marketId","type":"uint256"}],"outputs":[]},
  {"type":"event","name":"OrderPlaced","inputs":[{"name":"orderId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"marketId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"OrderCancelled","inputs":[{"name":"orderId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"OrderExecuted","inputs":[{"name":"orderId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"PositionOpened","inputs":[{"name":"positionId","type":"uint256","indexed":true},{"name":"user","type":"address","indexed":true},{"name":"marketId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"PricesUpdated","inputs":[{"name":"marketIds","type":"uint256[]","indexed":false},{"name":"prices","type":"uint256[]","indexed":false}],"anonymous":false},
  {"type":"error","name":"OrderNotActive","inputs":[]},
  {"type":"error","name":"OrderAlreadyExecuted","inputs":[]},
  {"type":"error","name":"NotOrderOwner","inputs":[]},
  {"type":"error","name":"TriggerNotMet","inputs":[]},
  {"type":"error","name":"PositionNotActive","inputs":[]},
  {"type":"error","name":"PositionHealthy","inputs":[]},
  {"type":"error","name":"MarketPaused","inputs":[]},
  {"type":"error","name":"MarketDisabled","inputs":[]},
  {"type":"error","name":"ProtocolPaused","inputs":[]},
  {"type":"error","name":"PoolNotInitialized","inputs":[]},
  {"type":"error","name":"MissingRole","inputs":[]}
]`

var perpABI = mustParseABI(perpABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("protocol: 解析合约ABI失败: %v", err))
	}
	return parsed
}

// ABI 返回合约ABI，全进程共享一份解析结果。
func ABI() abi.ABI {
	return perpABI
}

// EventID 返回指定事件的topic哈希。
func EventID(name string) common.Hash {
	ev, ok := perpABI.Events[name]
	if !ok {
		panic(fmt.Sprintf("protocol: 未知事件 %q", name))
	}
	return ev.ID
}

package executor

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"perp-keeper/internal/protocol"
)

// ErrorKind 区分失败是否值得重试。
type ErrorKind int

const (
	// KindRetryable 表示基础设施类失败，重试可能成功。
	KindRetryable ErrorKind = iota
	// KindNonRetryable 表示链上前置条件已不成立，重试必然失败。
	KindNonRetryable
)

// ClassifiedError 是对revert原因的统一归类结果。
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
}

// 永久性revert的自定义错误名，与合约ABI中的error定义一致。
var nonRetryableErrorNames = map[string]struct{}{
	"OrderNotActive":       {},
	"OrderAlreadyExecuted": {},
	"NotOrderOwner":        {},
	"TriggerNotMet":        {},
	"PositionNotActive":    {},
	"PositionHealthy":      {},
	"MarketPaused":         {},
	"MarketDisabled":       {},
	"ProtocolPaused":       {},
	"PoolNotInitialized":   {},
	"MissingRole":          {},
}

// 永久性revert的文本特征，大小写不敏感的子串匹配。
// 仅在拿不到结构化自定义错误时才使用。
var nonRetryableReasons = []string{
	"order not active",
	"order already executed",
	"order already resolved",
	"order does not exist",
	"not order owner",
	"not the owner",
	"not authorized",
	"access denied",
	"trigger not met",
	"trigger condition not met",
	"price condition not met",
	"position not active",
	"position is healthy",
	"position does not exist",
	"market paused",
	"market disabled",
	"market not enabled",
	"protocol paused",
	"pool not initialized",
	"missing role",
}

// Error(string) 的函数选择子。
var revertSelector = [4]byte{0x08, 0xc3, 0x79, 0xa0}

var nonRetryableSelectors = buildSelectorTable()

func buildSelectorTable() map[[4]byte]string {
	table := make(map[[4]byte]string, len(nonRetryableErrorNames))
	for name, def := range protocol.ABI().Errors {
		if _, ok := nonRetryableErrorNames[name]; !ok {
			continue
		}
		var sel [4]byte
		copy(sel[:], def.ID[:4])
		table[sel] = name
	}
	return table
}

// Classify 将链端返回的错误归类为可重试或不可重试。
// 优先匹配结构化自定义错误选择子，其次解包 Error(string)，
// 最后退化为对错误文本的子串匹配；无法识别的错误一律视为可重试。
func Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{Kind: KindRetryable}
	}

	if data := extractErrorData(err); len(data) >= 4 {
		var sel [4]byte
		copy(sel[:], data[:4])

		if name, ok := nonRetryableSelectors[sel]; ok {
			return ClassifiedError{Kind: KindNonRetryable, Message: name}
		}

		if sel == revertSelector {
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
				return classifyReason(reason)
			}
		}
	}

	return classifyReason(err.Error())
}

func classifyReason(reason string) ClassifiedError {
	lowered := strings.ToLower(reason)
	for _, marker := range nonRetryableReasons {
		if strings.Contains(lowered, marker) {
			return ClassifiedError{Kind: KindNonRetryable, Message: reason}
		}
	}
	return ClassifiedError{Kind: KindRetryable, Message: reason}
}

// extractErrorData 从RPC错误中取出revert携带的返回数据。
func extractErrorData(err error) []byte {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil
	}

	switch data := dataErr.ErrorData().(type) {
	case string:
		return common.FromHex(data)
	case []byte:
		return data
	default:
		return nil
	}
}

package executor

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"perp-keeper/internal/config"
	"perp-keeper/internal/protocol"
)

// chainBackend 抽象了执行器依赖的链RPC能力，*ethclient.Client 完整实现。
type chainBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ActionRecorder 接收每次写操作的最终结果，由监控服务实现。
type ActionRecorder interface {
	RecordAction(ctx context.Context, action string, targetID string, result protocol.ExecutionResult)
}

// Stats 是执行器的进程级计数器，只增不减，重启后清零。
type Stats struct {
	OrdersExecuted      uint64
	Liquidations        uint64
	VammSyncs           uint64
	Failed              uint64
	ConsecutiveFailures int
}

// Executor 是所有出站交易的唯一通道，持有钱包与nonce状态。
//
// submit 内部对nonce做乐观递增：连续提交无需每次询问链上，
// 任何一次失败都会丢弃本地值，下次提交重新以链上pending计数为准。
// submitMu 串行化全部提交路径，调用方不得并发下发写操作。
type Executor struct {
	backend  chainBackend
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	gas      config.GasConfig
	cfg      config.ExecutorConfig
	logger   *zap.Logger
	recorder ActionRecorder

	submitMu     sync.Mutex
	pendingNonce *uint64

	statsMu sync.Mutex
	stats   Stats
}

// New 创建执行器。
func New(backend chainBackend, chainCfg config.ChainConfig, gas config.GasConfig, cfg config.ExecutorConfig, logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(chainCfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("executor: 解析keeper私钥失败: %w", err)
	}

	if !common.IsHexAddress(chainCfg.ContractAddress) {
		return nil, fmt.Errorf("executor: 合约地址非法: %q", chainCfg.ContractAddress)
	}

	return &Executor{
		backend:  backend,
		contract: common.HexToAddress(chainCfg.ContractAddress),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(chainCfg.ChainID)),
		gas:      gas,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// From 返回keeper钱包地址。
func (e *Executor) From() common.Address {
	return e.from
}

// SetRecorder 挂接监控记录器，nil表示不记录。
func (e *Executor) SetRecorder(recorder ActionRecorder) {
	e.recorder = recorder
}

// ExecuteOrder 执行一张已触发的条件单。
func (e *Executor) ExecuteOrder(ctx context.Context, orderID *big.Int) protocol.ExecutionResult {
	result := e.submit(ctx, "executeOrder", e.gas.ExecuteOrder, func(s *Stats) { s.OrdersExecuted++ }, orderID)
	e.record(ctx, "execute_order", orderID.String(), result)
	return result
}

// Liquidate 清算一个保证金不足的持仓。
func (e *Executor) Liquidate(ctx context.Context, positionID *big.Int) protocol.ExecutionResult {
	result := e.submit(ctx, "liquidate", e.gas.Liquidate, func(s *Stats) { s.Liquidations++ }, positionID)
	e.record(ctx, "liquidate", positionID.String(), result)
	return result
}

// SyncVamm 将某市场的vAMM标记价格校准到预言机价格。
func (e *Executor) SyncVamm(ctx context.Context, marketID *big.Int) protocol.ExecutionResult {
	result := e.submit(ctx, "syncToOracle", e.gas.SyncVamm, func(s *Stats) { s.VammSyncs++ }, marketID)
	e.record(ctx, "sync_vamm", marketID.String(), result)
	return result
}

func (e *Executor) record(ctx context.Context, action string, targetID string, result protocol.ExecutionResult) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordAction(ctx, action, targetID, result)
}

// GetStats 返回计数器快照。
func (e *Executor) GetStats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Executor) submit(ctx context.Context, method string, gasLimit uint64, onSuccess func(*Stats), args ...interface{}) protocol.ExecutionResult {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()

	data, err := protocol.ABI().Pack(method, args...)
	if err != nil {
		return protocol.ExecutionResult{Err: fmt.Sprintf("编码 %s 调用失败: %v", method, err)}
	}

	msg := ethereum.CallMsg{
		From: e.from,
		To:   &e.contract,
		Gas:  gasLimit,
		Data: data,
	}

	// 预检：先做一次只读模拟，永久性revert直接放弃，省掉一笔gas。
	// 模拟因其他原因失败时照常提交，本地视图偏旧不代表真实调用会失败。
	if _, callErr := e.backend.CallContract(ctx, msg, nil); callErr != nil {
		cls := Classify(callErr)
		if cls.Kind == KindNonRetryable {
			e.logger.Info("预检发现永久性revert，跳过提交",
				zap.String("method", method),
				zap.String("reason", cls.Message),
			)
			return protocol.ExecutionResult{Reverted: true, Err: cls.Message}
		}
		e.logger.Warn("预检模拟失败，仍尝试提交",
			zap.String("method", method),
			zap.Error(callErr),
		)
	}

	var lastErr string

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		result, retryable := e.attempt(ctx, method, msg, onSuccess)
		if result.Success || result.Reverted {
			return result
		}
		lastErr = result.Err

		if !retryable {
			break
		}

		if attempt < e.cfg.MaxRetries {
			wait := time.Duration(attempt) * e.cfg.RetryDelay
			e.logger.Warn("提交失败，等待重试",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.String("error", lastErr),
			)

			select {
			case <-ctx.Done():
				e.recordFailure(method)
				return protocol.ExecutionResult{Err: ctx.Err().Error()}
			case <-time.After(wait):
			}
		}
	}

	e.recordFailure(method)
	return protocol.ExecutionResult{Err: lastErr}
}

// attempt 完成一次"取nonce→签名→提交→等待确认"的完整尝试。
// 返回的bool表示失败后是否还值得继续重试。
func (e *Executor) attempt(ctx context.Context, method string, msg ethereum.CallMsg, onSuccess func(*Stats)) (protocol.ExecutionResult, bool) {
	nonce, err := e.nextNonce(ctx)
	if err != nil {
		return protocol.ExecutionResult{Err: fmt.Sprintf("获取nonce失败: %v", err)}, true
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		e.clearNonce()
		return protocol.ExecutionResult{Err: fmt.Sprintf("获取gas价格失败: %v", err)}, true
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Gas:      msg.Gas,
		GasPrice: gasPrice,
		Data:     msg.Data,
	})

	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		e.clearNonce()
		return protocol.ExecutionResult{Err: fmt.Sprintf("签名交易失败: %v", err)}, true
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		e.clearNonce()
		cls := Classify(err)
		if cls.Kind == KindNonRetryable {
			return protocol.ExecutionResult{Reverted: true, Err: cls.Message}, false
		}
		return protocol.ExecutionResult{Err: fmt.Sprintf("发送交易失败: %v", err)}, true
	}

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		e.clearNonce()
		return protocol.ExecutionResult{Err: fmt.Sprintf("等待确认失败: %v", err)}, true
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		e.statsMu.Lock()
		e.stats.ConsecutiveFailures = 0
		if onSuccess != nil {
			onSuccess(&e.stats)
		}
		e.statsMu.Unlock()

		e.logger.Info("交易已确认",
			zap.String("method", method),
			zap.String("tx", signed.Hash().Hex()),
			zap.Uint64("block", receipt.BlockNumber.Uint64()),
		)
		return protocol.ExecutionResult{Success: true, TxHash: signed.Hash().Hex()}, false
	}

	// 交易上链但执行失败：在失败区块重放调用以提取revert原因。
	e.clearNonce()
	cls := e.revertReason(ctx, msg, receipt.BlockNumber)
	if cls.Kind == KindNonRetryable {
		return protocol.ExecutionResult{Reverted: true, Err: cls.Message}, false
	}
	return protocol.ExecutionResult{Err: cls.Message}, true
}

// nextNonce 优先消费本地跟踪值，缺失时以链上pending计数重新播种。
func (e *Executor) nextNonce(ctx context.Context) (uint64, error) {
	if e.pendingNonce != nil {
		nonce := *e.pendingNonce
		next := nonce + 1
		e.pendingNonce = &next
		return nonce, nil
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return 0, err
	}
	next := nonce + 1
	e.pendingNonce = &next
	return nonce, nil
}

// clearNonce 在任何失败路径上丢弃本地nonce，下次提交重查链上真值。
func (e *Executor) clearNonce() {
	e.pendingNonce = nil
}

func (e *Executor) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("交易 %s 在超时前未确认: %w", txHash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Executor) revertReason(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ClassifiedError {
	_, err := e.backend.CallContract(ctx, msg, blockNumber)
	if err == nil {
		return ClassifiedError{Kind: KindRetryable, Message: "transaction reverted without reason"}
	}
	return Classify(err)
}

func (e *Executor) recordFailure(method string) {
	e.statsMu.Lock()
	e.stats.Failed++
	e.stats.ConsecutiveFailures++
	consecutive := e.stats.ConsecutiveFailures
	e.statsMu.Unlock()

	if consecutive > e.cfg.MaxConsecutiveFailures {
		e.logger.Error("连续提交失败超过阈值，请立即检查RPC与钱包状态",
			zap.String("method", method),
			zap.Int("consecutive_failures", consecutive),
			zap.Int("threshold", e.cfg.MaxConsecutiveFailures),
		)
	}
}

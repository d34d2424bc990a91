package listener

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"perp-keeper/internal/config"
	"perp-keeper/internal/protocol"
)

// logPoller 抽象事件轮询所需的链RPC能力，*ethclient.Client 完整实现。
type logPoller interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// PriceUpdateFunc 在捕获到价格更新事件后被调用。
// 回调返回的错误只记录日志，不会中断轮询，也不会影响其他回调。
type PriceUpdateFunc func(ctx context.Context, marketIDs []*big.Int, prices []*big.Int) error

// Listener 轮询链上的 PricesUpdated 事件并触发注册的回调。
type Listener struct {
	poller   logPoller
	contract common.Address
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	callbacks []PriceUpdateFunc

	lastBlock uint64
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
}

// New 创建事件监听器。
func New(poller logPoller, contract common.Address, cfg config.ListenerConfig, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		poller:   poller,
		contract: contract,
		interval: cfg.PollInterval,
		logger:   logger,
	}
}

// OnPriceUpdate 注册价格更新回调，可在 Start 前后调用。
func (l *Listener) OnPriceUpdate(fn PriceUpdateFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = append(l.callbacks, fn)
}

// Start 从当前链头开始轮询。重复调用是无害的no-op。
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	head, err := l.poller.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("listener: 获取链头失败: %w", err)
	}
	l.lastBlock = head

	pollCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true

	go l.loop(pollCtx)

	l.logger.Info("事件监听已启动",
		zap.Uint64("from_block", head),
		zap.Duration("interval", l.interval),
	)
	return nil
}

// Stop 停止轮询并释放定时器，幂等。
// 若有回调正在执行，Stop 会阻塞到它自然结束，不会撤销其context。
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	done := l.done
	l.cancel = nil
	l.started = false
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("事件监听已停止")
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

// poll 扫描 [lastBlock+1, head] 区间。扫描出错时水位不动，
// 下个tick重扫同一区间；扫描成功则无论有没有事件都推进水位。
func (l *Listener) poll(ctx context.Context) {
	head, err := l.poller.BlockNumber(ctx)
	if err != nil {
		l.logger.Warn("获取链头失败", zap.Error(err))
		return
	}
	if head <= l.lastBlock {
		return
	}

	from := l.lastBlock + 1
	logs, err := l.poller.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{l.contract},
		Topics:    [][]common.Hash{{protocol.EventID(protocol.EventPricesUpdated)}},
	})
	if err != nil {
		l.logger.Warn("扫描价格事件失败",
			zap.Uint64("from", from),
			zap.Uint64("to", head),
			zap.Error(err),
		)
		return
	}

	l.lastBlock = head

	if len(logs) == 0 {
		return
	}

	// 区间内出现多次更新时只分发最新一条，旧价格已被覆盖。
	latest := logs[len(logs)-1]
	marketIDs, prices, err := decodePricesUpdated(latest)
	if err != nil {
		l.logger.Warn("解码价格事件失败",
			zap.String("tx", latest.TxHash.Hex()),
			zap.Error(err),
		)
		return
	}

	l.logger.Info("捕获价格更新",
		zap.Uint64("block", latest.BlockNumber),
		zap.Int("markets", len(marketIDs)),
		zap.Int("superseded", len(logs)-1),
	)

	// 停止请求只中断轮询节奏，不得波及在途回调：回调内部可能已经
	// 广播了交易，必须跑到终局（确认、明确revert或重试耗尽）。
	// Stop 会等到本次 poll 返回才结束，回调不会被半路掐断。
	l.dispatch(context.WithoutCancel(ctx), marketIDs, prices)
}

func (l *Listener) dispatch(ctx context.Context, marketIDs []*big.Int, prices []*big.Int) {
	l.mu.Lock()
	callbacks := make([]PriceUpdateFunc, len(l.callbacks))
	copy(callbacks, l.callbacks)
	l.mu.Unlock()

	for i, fn := range callbacks {
		if err := fn(ctx, marketIDs, prices); err != nil {
			l.logger.Warn("价格更新回调失败",
				zap.Int("callback", i),
				zap.Error(err),
			)
		}
	}
}

func decodePricesUpdated(lg types.Log) ([]*big.Int, []*big.Int, error) {
	vals, err := protocol.ABI().Unpack(protocol.EventPricesUpdated, lg.Data)
	if err != nil {
		return nil, nil, err
	}
	if len(vals) != 2 {
		return nil, nil, fmt.Errorf("listener: PricesUpdated 字段数量异常: %d", len(vals))
	}

	marketIDs, ok := vals[0].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("listener: marketIds 类型异常: %T", vals[0])
	}
	prices, ok := vals[1].([]*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("listener: prices 类型异常: %T", vals[1])
	}
	if len(marketIDs) != len(prices) {
		return nil, nil, fmt.Errorf("listener: marketIds 与 prices 长度不一致: %d vs %d", len(marketIDs), len(prices))
	}
	return marketIDs, prices, nil
}

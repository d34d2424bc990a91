package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了keeper运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Gas      GasConfig      `mapstructure:"gas"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Listener ListenerConfig `mapstructure:"listener"`
	Schedule ScheduleConfig `mapstructure:"scheduler"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ChainConfig 描述链RPC连接、keeper钱包与关注的市场。
type ChainConfig struct {
	RPCURL          string  `mapstructure:"rpc_url"`
	ContractAddress string  `mapstructure:"contract_address"`
	PrivateKey      string  `mapstructure:"private_key"`
	ChainID         int64   `mapstructure:"chain_id"`
	MarketIDs       []int64 `mapstructure:"market_ids"`
}

// GasConfig 为每类写操作设定gas上限。
type GasConfig struct {
	ExecuteOrder uint64 `mapstructure:"execute_order"`
	Liquidate    uint64 `mapstructure:"liquidate"`
	SyncVamm     uint64 `mapstructure:"sync_vamm"`
}

// ExecutorConfig 控制交易提交的重试策略。
type ExecutorConfig struct {
	MaxRetries             int           `mapstructure:"max_retries"`
	RetryDelay             time.Duration `mapstructure:"retry_delay"`
	ConfirmTimeout         time.Duration `mapstructure:"confirm_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
}

// IndexerConfig 描述索引器查询端点，URL为空时直接走链上扫描。
type IndexerConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// CacheConfig 控制状态缓存的刷新节奏与回退扫描窗口。
type CacheConfig struct {
	OrderRefreshInterval    time.Duration `mapstructure:"order_refresh_interval"`
	PositionRefreshInterval time.Duration `mapstructure:"position_refresh_interval"`
	MarketRefreshInterval   time.Duration `mapstructure:"market_refresh_interval"`
	LookbackBlocks          uint64        `mapstructure:"lookback_blocks"`
}

// ListenerConfig 控制事件轮询。
type ListenerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ScheduleConfig 控制编排器的兜底节奏。
type ScheduleConfig struct {
	FallbackInterval    time.Duration `mapstructure:"fallback_interval"`
	PoolRecheckInterval time.Duration `mapstructure:"pool_recheck_interval"`
}

// DatabaseConfig 管理监控事件库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控HTTP接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Chain.RPCURL == "" {
		err = multierr.Append(err, errors.New("chain.rpc_url 不能为空"))
	}
	if c.Chain.ContractAddress == "" {
		err = multierr.Append(err, errors.New("chain.contract_address 不能为空"))
	}
	if c.Chain.PrivateKey == "" {
		err = multierr.Append(err, errors.New("chain.private_key 不能为空"))
	}
	if c.Chain.ChainID <= 0 {
		err = multierr.Append(err, errors.New("chain.chain_id 必须大于0"))
	}
	if len(c.Chain.MarketIDs) == 0 {
		err = multierr.Append(err, errors.New("chain.market_ids 至少包含一个市场"))
	}
	if c.Gas.ExecuteOrder == 0 || c.Gas.Liquidate == 0 || c.Gas.SyncVamm == 0 {
		err = multierr.Append(err, errors.New("gas 各项上限必须大于0"))
	}
	if c.Executor.MaxRetries <= 0 {
		err = multierr.Append(err, errors.New("executor.max_retries 必须大于0"))
	}
	if c.Executor.RetryDelay <= 0 {
		err = multierr.Append(err, errors.New("executor.retry_delay 必须大于0"))
	}
	if c.Executor.ConfirmTimeout <= 0 {
		err = multierr.Append(err, errors.New("executor.confirm_timeout 必须大于0"))
	}
	if c.Executor.MaxConsecutiveFailures <= 0 {
		err = multierr.Append(err, errors.New("executor.max_consecutive_failures 必须大于0"))
	}
	if c.Indexer.URL != "" {
		if !strings.HasPrefix(c.Indexer.URL, "http://") && !strings.HasPrefix(c.Indexer.URL, "https://") {
			err = multierr.Append(err, errors.New("indexer.url 必须是http(s)地址"))
		}
		if c.Indexer.Timeout <= 0 {
			err = multierr.Append(err, errors.New("indexer.timeout 必须大于0"))
		}
		if c.Indexer.HealthInterval <= 0 {
			err = multierr.Append(err, errors.New("indexer.health_interval 必须大于0"))
		}
	}
	if c.Cache.OrderRefreshInterval <= 0 || c.Cache.PositionRefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("cache 订单/持仓刷新间隔必须大于0"))
	}
	if c.Cache.MarketRefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("cache.market_refresh_interval 必须大于0"))
	}
	if c.Cache.LookbackBlocks == 0 {
		err = multierr.Append(err, errors.New("cache.lookback_blocks 必须大于0"))
	}
	if c.Listener.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("listener.poll_interval 必须大于0"))
	}
	if c.Schedule.FallbackInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.fallback_interval 必须大于0"))
	}
	if c.Schedule.PoolRecheckInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.pool_recheck_interval 必须大于0"))
	}
	if c.Schedule.FallbackInterval < c.Listener.PollInterval {
		err = multierr.Append(err, errors.New("scheduler.fallback_interval 不应小于 listener.poll_interval"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

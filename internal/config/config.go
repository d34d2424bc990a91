package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "keeper"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("chain.chain_id", 1)

	v.SetDefault("gas.execute_order", 1_500_000)
	v.SetDefault("gas.liquidate", 2_000_000)
	v.SetDefault("gas.sync_vamm", 800_000)

	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_delay", "2s")
	v.SetDefault("executor.confirm_timeout", "90s")
	v.SetDefault("executor.max_consecutive_failures", 5)

	v.SetDefault("indexer.timeout", "5s")
	v.SetDefault("indexer.health_interval", "1m")

	v.SetDefault("cache.order_refresh_interval", "30s")
	v.SetDefault("cache.position_refresh_interval", "30s")
	v.SetDefault("cache.market_refresh_interval", "30m")
	v.SetDefault("cache.lookback_blocks", 50_000)

	v.SetDefault("listener.poll_interval", "5s")

	v.SetDefault("scheduler.fallback_interval", "1m")
	v.SetDefault("scheduler.pool_recheck_interval", "15m")

	v.SetDefault("database.path", "data/keeper.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8787)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

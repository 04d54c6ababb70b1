package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 为所有环境变量覆盖项的前缀，例如 BATCHSIGNER_SERVER_ADDRESS。
const EnvPrefix = "BATCHSIGNER"

// Config 描述了 batchsignerd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Web3      Web3Config      `mapstructure:"web3"`
	WalletAPI WalletAPIConfig `mapstructure:"wallet_api"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// ServerConfig 控制 API 服务与指标端点的监听地址。
type ServerConfig struct {
	Address        string `mapstructure:"address"`
	MetricsAddress string `mapstructure:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// StorageConfig 描述重试 nonce 提示的持久化后端。
type StorageConfig struct {
	NonceHints NonceHintConfig `mapstructure:"nonce_hints"`
}

// NonceHintConfig 支持 memory、redis、mysql 三种驱动。
type NonceHintConfig struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  RedisConfig   `mapstructure:"redis"`
	MySQL  MySQLConfig   `mapstructure:"mysql"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// MySQLConfig 为 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// ProgressConfig 描述发送进度的推送方式，支持 memory、redis、rabbitmq、none。
type ProgressConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Channel  string         `mapstructure:"channel"`
	History  int64          `mapstructure:"history"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 为 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `mapstructure:"url"`
	Queue   string `mapstructure:"queue"`
	Durable bool   `mapstructure:"durable"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	// ChainConfig 指向 chain.yaml，为空时仅使用 RPCURL 构造单链。
	ChainConfig string `mapstructure:"chain_config"`
	RPCURL      string `mapstructure:"rpc_url"`
	ChainID     uint64 `mapstructure:"chain_id"`
	// SignerKey 为十六进制私钥，仅用于开发环境的本地签名。
	SignerKey string `mapstructure:"signer_key"`
}

// WalletAPIConfig 描述远程钱包服务（模拟、gas 推荐、风控、代付）的地址。
type WalletAPIConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BatchConfig 控制签名上下文缓存与重试策略。
type BatchConfig struct {
	CacheSize   int   `mapstructure:"cache_size"`
	BumpPercent int64 `mapstructure:"bump_percent"`
}

// AlertingConfig 列出启用的告警渠道。
type AlertingConfig struct {
	Channels []string `mapstructure:"channels"`
}

// AuthConfig 控制 API 的令牌认证，mode 为 disabled 或 token。
type AuthConfig struct {
	Mode   string        `mapstructure:"mode"`
	Tokens []TokenConfig `mapstructure:"tokens"`
}

// TokenConfig 描述一个 API 令牌，生产环境建议只配置 token_hash。
type TokenConfig struct {
	Name        string   `mapstructure:"name"`
	Token       string   `mapstructure:"token"`
	TokenHash   string   `mapstructure:"token_hash"`
	Permissions []string `mapstructure:"permissions"`
	Disabled    bool     `mapstructure:"disabled"`
}

// Load 解析指定路径的配置文件（yaml/json/toml 均可），并叠加 BATCHSIGNER_* 环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 登记默认值，同时让 AutomaticEnv 能识别每个 key。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.metrics_address", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.max_size_mb", 100)
	v.SetDefault("logging.audit.max_backups", 7)
	v.SetDefault("logging.audit.max_age_days", 30)
	v.SetDefault("storage.nonce_hints.driver", "memory")
	v.SetDefault("storage.nonce_hints.ttl", 30*time.Minute)
	v.SetDefault("storage.nonce_hints.redis.address", "")
	v.SetDefault("storage.nonce_hints.redis.key_prefix", "")
	v.SetDefault("storage.nonce_hints.mysql.dsn", "")
	v.SetDefault("progress.driver", "memory")
	v.SetDefault("progress.redis.address", "")
	v.SetDefault("progress.channel", "batchsigner:progress")
	v.SetDefault("progress.history", 256)
	v.SetDefault("progress.rabbitmq.url", "")
	v.SetDefault("progress.rabbitmq.queue", "batchsigner.progress")
	v.SetDefault("web3.chain_config", "")
	v.SetDefault("web3.rpc_url", "")
	v.SetDefault("web3.chain_id", 0)
	v.SetDefault("web3.signer_key", "")
	v.SetDefault("wallet_api.endpoint", "")
	v.SetDefault("wallet_api.timeout", 15*time.Second)
	v.SetDefault("batch.cache_size", 256)
	v.SetDefault("batch.bump_percent", 130)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("auth.mode", "disabled")
}

// applyDefaults 处理相对路径等无法用 SetDefault 表达的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
	c.Storage.NonceHints.Driver = strings.ToLower(strings.TrimSpace(c.Storage.NonceHints.Driver))
	c.Progress.Driver = strings.ToLower(strings.TrimSpace(c.Progress.Driver))
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
}

// Validate 检查驱动与必填项的组合是否合法。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.NonceHints.Driver {
	case "memory":
	case "redis":
		if c.Storage.NonceHints.Redis.Address == "" {
			errs = append(errs, errors.New("storage.nonce_hints.redis.address 不能为空"))
		}
	case "mysql":
		if c.Storage.NonceHints.MySQL.DSN == "" {
			errs = append(errs, errors.New("storage.nonce_hints.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 nonce 提示存储驱动: %s", c.Storage.NonceHints.Driver))
	}

	switch c.Progress.Driver {
	case "memory", "none":
	case "redis":
		if c.Progress.Redis.Address == "" {
			errs = append(errs, errors.New("progress.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Progress.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("progress.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的进度推送驱动: %s", c.Progress.Driver))
	}

	switch c.Auth.Mode {
	case "", "disabled":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("auth.mode 为 token 时必须配置 auth.tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode))
	}

	if c.Batch.BumpPercent < 100 {
		errs = append(errs, fmt.Errorf("batch.bump_percent 必须不小于 100，当前为 %d", c.Batch.BumpPercent))
	}
	return errors.Join(errs...)
}

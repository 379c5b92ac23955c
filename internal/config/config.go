package config

import (
	"fmt"
	"strings"
	"time"

	"ledgersystem/internal/model"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port     int   `mapstructure:"port"`
	WorkerID int64 `mapstructure:"worker_id"` // 雪花算法机器ID
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | text
}

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

// LedgerConfig 余额引擎参数
type LedgerConfig struct {
	DefaultCurrency   string        `mapstructure:"default_currency"`
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
	LockExpiration    time.Duration `mapstructure:"lock_expiration"`
}

type BusinessConfig struct {
	OutboxInterval     time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	MaxRetryCount      int           `mapstructure:"max_retry_count"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ReconcileBatchSize int           `mapstructure:"reconcile_batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.worker_id", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.driver", StorageMySQL)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "")
	v.SetDefault("mysql.database", "ledger")
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.ledger_events", "ledger-events")

	v.SetDefault("ledger.default_currency", "USD")
	v.SetDefault("ledger.lock_timeout", 3*time.Second)
	v.SetDefault("ledger.lock_retry_interval", 50*time.Millisecond)
	v.SetDefault("ledger.lock_expiration", 30*time.Second)

	v.SetDefault("business.outbox_interval", 100*time.Millisecond)
	v.SetDefault("business.outbox_batch_size", 100)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.reconcile_interval", 10*time.Minute)
	v.SetDefault("business.reconcile_batch_size", 200)
}

// LoadConfig 加载配置文件
//
// configPath 为空时只使用默认值与环境变量；
// 环境变量前缀 LEDGER_，层级用下划线连接，例如 LEDGER_MYSQL_HOST
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageMySQL, StorageMemory:
	default:
		return fmt.Errorf("不支持的存储类型: %q", c.Storage.Driver)
	}
	if !model.ValidCurrency(c.Ledger.DefaultCurrency) {
		return fmt.Errorf("ledger.default_currency 必须是三位大写字母: %q", c.Ledger.DefaultCurrency)
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.lock_timeout 必须大于0")
	}
	// 两个间隔直接用于 time.NewTicker，非正数会 panic
	if c.Business.OutboxInterval <= 0 {
		return fmt.Errorf("business.outbox_interval 必须大于0")
	}
	if c.Business.ReconcileInterval <= 0 {
		return fmt.Errorf("business.reconcile_interval 必须大于0")
	}
	if c.Business.OutboxBatchSize <= 0 || c.Business.ReconcileBatchSize <= 0 {
		return fmt.Errorf("business.outbox_batch_size 与 business.reconcile_batch_size 必须大于0")
	}
	if c.Business.MaxRetryCount <= 0 {
		return fmt.Errorf("business.max_retry_count 必须大于0")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers 不能为空")
	}
	return nil
}

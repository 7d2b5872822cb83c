package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Kafka          KafkaConfig          `mapstructure:"kafka"`
	Business       BusinessConfig       `mapstructure:"business"`
	Payout         PayoutConfig         `mapstructure:"payout"`
	Processor      ProcessorConfig      `mapstructure:"processor"`
	Auth           AuthConfig           `mapstructure:"auth"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Recommendation RecommendationConfig `mapstructure:"recommendation"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	PayoutEvent        string `mapstructure:"payout_event"`
	BountyEvent        string `mapstructure:"bounty_event"`
	SubmissionApproved string `mapstructure:"submission_approved"`
}

type BusinessConfig struct {
	MaxRetryCount int `mapstructure:"max_retry_count"`
}

// PayoutConfig 提现编排相关参数
type PayoutConfig struct {
	Currency        string        `mapstructure:"currency"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialBackoff  time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	LockWait        time.Duration `mapstructure:"lock_wait"`
	StuckAfter      time.Duration `mapstructure:"stuck_after"`
	ReconcileEvery  time.Duration `mapstructure:"reconcile_every"`
	ReconcileBatch  int           `mapstructure:"reconcile_batch"`
	DispatchTimeout time.Duration `mapstructure:"dispatch_timeout"`
}

// DispatchWindow 最坏情况下一次下发占用用户锁的时长：
// 每次调用都超时，加上两次调用之间的退避（倍数 2，封顶 MaxBackoff）
func (p PayoutConfig) DispatchWindow() time.Duration {
	window := time.Duration(p.MaxAttempts) * p.DispatchTimeout
	wait := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
		window += wait
		wait *= 2
	}
	return window
}

// ProcessorConfig 支付渠道凭证，构造 processor client 时显式传入
type ProcessorConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	RoleMaxAttempts  int           `mapstructure:"role_max_attempts"`
	RoleInitialDelay time.Duration `mapstructure:"role_initial_delay"`
	RoleMaxDelay     time.Duration `mapstructure:"role_max_delay"`
}

type WebhookConfig struct {
	EventRetention time.Duration `mapstructure:"event_retention"`
	CleanupEvery   time.Duration `mapstructure:"cleanup_every"`
}

type RecommendationConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoadConfig 加载配置文件，环境变量 BOUNTY_XXX_YYY 可覆盖 xxx.yyy
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BOUNTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("kafka.consumer_group", "creator-wallet")
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("payout.currency", "usd")
	v.SetDefault("payout.max_attempts", 4)
	v.SetDefault("payout.initial_backoff", 200*time.Millisecond)
	v.SetDefault("payout.max_backoff", 2*time.Second)
	v.SetDefault("payout.lock_ttl", 60*time.Second)
	v.SetDefault("payout.lock_wait", 3*time.Second)
	v.SetDefault("payout.stuck_after", 30*time.Minute)
	v.SetDefault("payout.reconcile_every", 30*time.Second)
	v.SetDefault("payout.reconcile_batch", 50)
	v.SetDefault("payout.dispatch_timeout", 10*time.Second)
	v.SetDefault("auth.role_max_attempts", 3)
	v.SetDefault("auth.role_initial_delay", 100*time.Millisecond)
	v.SetDefault("auth.role_max_delay", time.Second)
	v.SetDefault("webhook.event_retention", 7*24*time.Hour)
	v.SetDefault("webhook.cleanup_every", time.Hour)
	v.SetDefault("recommendation.cache_ttl", time.Hour)
	v.SetDefault("recommendation.timeout", 5*time.Second)
}

// Validate 启动时校验必填项
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMySQL:
		if c.Database.Host == "" || c.Database.Database == "" {
			errs = append(errs, errors.New("database.host 和 database.database 不能为空"))
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 database.driver: %q", c.Database.Driver))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret 不能为空"))
	}
	if c.Processor.SecretKey == "" || c.Processor.WebhookSecret == "" {
		errs = append(errs, errors.New("processor.secret_key 和 processor.webhook_secret 不能为空"))
	}
	if c.Payout.MaxAttempts < 1 {
		errs = append(errs, errors.New("payout.max_attempts 至少为 1"))
	}
	if c.Payout.LockTTL <= 0 {
		errs = append(errs, errors.New("payout.lock_ttl 必须大于 0"))
	} else if window := c.Payout.DispatchWindow(); c.Payout.LockTTL <= window {
		errs = append(errs, fmt.Errorf("payout.lock_ttl (%s) 必须大于最坏情况下的下发耗时 %s", c.Payout.LockTTL, window))
	}
	return errors.Join(errs...)
}

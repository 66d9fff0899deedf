package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	OSS          OSSConfig          `mapstructure:"oss"`
	Queue        QueueConfig        `mapstructure:"queue"`
	CORS         CORSConfig         `mapstructure:"cors"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Billing      BillingConfig      `mapstructure:"billing"`
	Settlement   SettlementConfig   `mapstructure:"settlement"`
	Cron         CronConfig         `mapstructure:"cron"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Upload       UploadConfig       `mapstructure:"upload"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // mysql, postgres, sqlite
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	BucketName      string `mapstructure:"bucket_name"`
	CDNDomain       string `mapstructure:"cdn_domain"`
}

type QueueConfig struct {
	OutboxQueue        string `mapstructure:"outbox_queue"`
	NotificationsTopic string `mapstructure:"notifications_topic"`
	MaxWorkers         int    `mapstructure:"max_workers"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

type SubscriptionConfig struct {
	Levels map[string]SubscriptionLevel `mapstructure:"levels"`
}

// SubscriptionLevel 每个订阅档位的月度额度以及是否允许动用平台池
type SubscriptionLevel struct {
	MonthlyAllowance int64   `mapstructure:"monthly_allowance"`
	PlatformEligible bool    `mapstructure:"platform_eligible"`
	Price            float64 `mapstructure:"price"`
}

// PoolConfig 平台积分池的初始参数（首次启动时写入数据库）
type PoolConfig struct {
	Provider            string  `mapstructure:"provider"`
	CostPerCredit       string  `mapstructure:"cost_per_credit"` // 十进制字符串，避免浮点误差
	AutoRefillThreshold int64   `mapstructure:"auto_refill_threshold"`
	AutoRefillAmount    int64   `mapstructure:"auto_refill_amount"`
	InitialBalance      int64   `mapstructure:"initial_balance"`
}

// ProviderConfig 增强服务商回调相关配置
type ProviderConfig struct {
	Name          string            `mapstructure:"name"`
	WebhookSecret string            `mapstructure:"webhook_secret"`
	StatusCodes   ProviderCodeTable `mapstructure:"status_codes"`
}

type ProviderCodeTable struct {
	Success          int `mapstructure:"success"`
	ContentPolicy    int `mapstructure:"content_policy"`
	InternalError    int `mapstructure:"internal_error"`
	GenerationFailed int `mapstructure:"generation_failed"`
}

// BillingConfig 平台池充值方式：stripe 直接扣款，manual 生成待审批采购单
type BillingConfig struct {
	Mode            string        `mapstructure:"mode"`
	StripeSecretKey string        `mapstructure:"stripe_secret_key"`
	StripeCustomer  string        `mapstructure:"stripe_customer"`
	PaymentMethod   string        `mapstructure:"payment_method"`
	Currency        string        `mapstructure:"currency"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type SettlementConfig struct {
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	MaxArtifactBytes  int64         `mapstructure:"max_artifact_bytes"`
	PlatformLossUnits float64       `mapstructure:"platform_loss_units"`
}

type CronConfig struct {
	ThresholdCheckInterval time.Duration `mapstructure:"threshold_check_interval"`
	OutboxSweepInterval    time.Duration `mapstructure:"outbox_sweep_interval"`
	OutboxStaleAfter       time.Duration `mapstructure:"outbox_stale_after"`
	ReuploadInterval       time.Duration `mapstructure:"reupload_interval"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type UploadConfig struct {
	TempDir string `mapstructure:"temp_dir"` // OSS 未配置时结果图片的本地目录
}

func Load(configPath string) (*Config, error) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	// 优先尝试读取 config.local.yaml（包含真实密钥，不提交到git）
	dir := filepath.Dir(configPath)
	localConfigPath := filepath.Join(dir, "config.local.yaml")

	if _, err := os.Stat(localConfigPath); err == nil {
		configPath = localConfigPath
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	// 环境变量覆盖
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("queue.outbox_queue", "ledger_outbox")
	v.SetDefault("queue.notifications_topic", "ledger_notifications")
	v.SetDefault("queue.max_workers", 4)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("provider.status_codes.success", 0)
	v.SetDefault("provider.status_codes.content_policy", 1)
	v.SetDefault("provider.status_codes.internal_error", 2)
	v.SetDefault("provider.status_codes.generation_failed", 3)
	v.SetDefault("billing.mode", "manual")
	v.SetDefault("billing.currency", "usd")
	v.SetDefault("billing.timeout", 15*time.Second)
	v.SetDefault("settlement.fetch_timeout", 30*time.Second)
	v.SetDefault("settlement.max_artifact_bytes", 32<<20)
	v.SetDefault("settlement.platform_loss_units", 1)
	v.SetDefault("cron.threshold_check_interval", 10*time.Minute)
	v.SetDefault("cron.outbox_sweep_interval", time.Minute)
	v.SetDefault("cron.outbox_stale_after", 2*time.Minute)
	v.SetDefault("cron.reupload_interval", 5*time.Minute)
}

// Level 返回指定档位配置，未知档位回落到 free
func (c SubscriptionConfig) Level(name string) SubscriptionLevel {
	if level, ok := c.Levels[name]; ok {
		return level
	}
	return c.Levels["free"]
}

package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Chain         ChainConfig         `mapstructure:"chain"`
	Relay         RelayConfig         `mapstructure:"relay"`
	Tip           TipConfig           `mapstructure:"tip"`
	Signing       SigningConfig       `mapstructure:"signing"`
	Poller        PollerConfig        `mapstructure:"poller"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation"`
	Hub           HubConfig           `mapstructure:"hub"`
	Trade         TradeConfig         `mapstructure:"trade"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type"` // "redis" or "kafka"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type ChainConfig struct {
	RpcUrl        string `mapstructure:"rpc_url"`
	Commitment    string `mapstructure:"commitment"`     // processed / confirmed / finalized
	TokenDecimals int    `mapstructure:"token_decimals"` // 跟踪代币的精度 (pump 系代币为 6)
}

type RelayConfig struct {
	Endpoints  []string      `mapstructure:"endpoints"` // 各地区 block engine
	Attempts   int           `mapstructure:"attempts"`
	BundleSize int           `mapstructure:"bundle_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type TipConfig struct {
	FloorUrl        string        `mapstructure:"floor_url"`
	Interval        time.Duration `mapstructure:"interval"`
	DefaultLamports uint64        `mapstructure:"default_lamports"`
	Accounts        []string      `mapstructure:"accounts"` // relay tip 收款账户
}

type SigningConfig struct {
	SignTimeout   time.Duration `mapstructure:"sign_timeout"`
	BundleTimeout time.Duration `mapstructure:"bundle_timeout"`
	AwaitTimeout  time.Duration `mapstructure:"await_timeout"`
}

type PollerConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type ConsolidationConfig struct {
	VerifyInterval time.Duration `mapstructure:"verify_interval"`
	VerifyAttempts int           `mapstructure:"verify_attempts"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
}

type HubConfig struct {
	CloseGrace time.Duration `mapstructure:"close_grace"`
}

type TradeConfig struct {
	BuilderUrl string        `mapstructure:"builder_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

var Global Config

func Init() {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// 环境变量设置
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			log.Fatalf("Fatal error config file: %s \n", err)
		}
	}

	if err := viper.Unmarshal(&Global); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}

	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

func setDefaults() {
	viper.SetDefault("app.env", "development")
	viper.SetDefault("app.http_port", "8080")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.mq_type", "redis")

	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})

	viper.SetDefault("chain.rpc_url", "https://api.mainnet-beta.solana.com")
	viper.SetDefault("chain.commitment", "confirmed")
	viper.SetDefault("chain.token_decimals", 6)

	viper.SetDefault("relay.endpoints", []string{
		"https://mainnet.block-engine.jito.wtf",
		"https://amsterdam.mainnet.block-engine.jito.wtf",
		"https://frankfurt.mainnet.block-engine.jito.wtf",
		"https://ny.mainnet.block-engine.jito.wtf",
		"https://tokyo.mainnet.block-engine.jito.wtf",
	})
	viper.SetDefault("relay.attempts", 10)
	viper.SetDefault("relay.bundle_size", 5)
	viper.SetDefault("relay.timeout", 5*time.Second)

	viper.SetDefault("tip.floor_url", "https://bundles.jito.wtf/api/v1/bundles/tip_floor")
	viper.SetDefault("tip.interval", 10*time.Second)
	viper.SetDefault("tip.default_lamports", 100000)
	viper.SetDefault("tip.accounts", []string{
		"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
		"HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe",
		"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
		"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	})

	viper.SetDefault("signing.sign_timeout", 30*time.Second)
	viper.SetDefault("signing.bundle_timeout", 30*time.Second)
	viper.SetDefault("signing.await_timeout", 60*time.Second)

	viper.SetDefault("poller.interval", 3*time.Second)
	viper.SetDefault("poller.retry_delay", 500*time.Millisecond)

	viper.SetDefault("consolidation.verify_interval", time.Second)
	viper.SetDefault("consolidation.verify_attempts", 60)
	viper.SetDefault("consolidation.lock_ttl", 5*time.Minute)

	viper.SetDefault("hub.close_grace", 500*time.Millisecond)

	viper.SetDefault("trade.timeout", 5*time.Second)
}

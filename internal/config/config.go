package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// GT06Config holds GT06/Concox protocol tuning knobs.
type GT06Config struct {
	Port        int  `mapstructure:"port"`
	CRCFallback bool `mapstructure:"crcFallback"`
}

// TeltonikaConfig holds Teltonika protocol tuning knobs.
type TeltonikaConfig struct {
	Port      int  `mapstructure:"port"`
	StrictCRC bool `mapstructure:"strictCrc"`
}

// GatewayConfig carries the shared TCP acceptor limits applied to every port.
type GatewayConfig struct {
	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`
	SocketTimeout         time.Duration `mapstructure:"socketTimeout"`
	KeepAliveTimeout      time.Duration `mapstructure:"keepAliveTimeout"`
	MaxConnectionsPerPort int           `mapstructure:"maxConnectionsPerPort"`
	ShutdownGrace         time.Duration `mapstructure:"shutdownGrace"`
}

// APIConfig configures the admin HTTP surface.
type APIConfig struct {
	Port      int    `mapstructure:"port"`
	SecretKey string `mapstructure:"secretKey"`
}

// LumberjackConfig configures rolling file output for zap.
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig configures zap's level, encoding and file sink.
type LoggingConfig struct {
	Level string           `mapstructure:"level"`
	Env   string           `mapstructure:"env"`
	File  LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// DatabaseConfig configures the PostgreSQL connection pool.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PoolSize        int           `mapstructure:"poolSize"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
	AutoMigrate     bool          `mapstructure:"autoMigrate"`
}

// RedisConfig configures the shared Redis client used by the presence store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port form go-redis expects.
func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%d", r.Host, r.Port) }

// ThirdpartyConfig configures the webhook event fan-out.
type ThirdpartyConfig struct {
	ForwardURL string `mapstructure:"forwardUrl"`
	SecretKey  string `mapstructure:"secretKey"`
}

// Config is the top-level configuration tree, populated from environment
// variables and filled in with defaults for anything left unset.
type Config struct {
	GT06       GT06Config       `mapstructure:"gt06"`
	Teltonika  TeltonikaConfig  `mapstructure:"teltonika"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Thirdparty ThirdpartyConfig `mapstructure:"thirdparty"`
}

// Load reads configuration from the process environment. There is no config
// file in production; viper is used purely for its typed env-binding and
// default-merging, same as the rest of the stack's services.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	bindings := map[string]string{
		"gt06.port":                     "GT06_PORT",
		"gt06.crcFallback":              "GT06_CRC_FALLBACK",
		"teltonika.port":                "TELTONIKA_PORT",
		"teltonika.strictCrc":           "TELTONIKA_STRICT_CRC",
		"gateway.connectTimeout":        "CON_TIME_OUT",
		"gateway.socketTimeout":         "SOCKET_TIMEOUT",
		"gateway.keepAliveTimeout":      "KEEP_ALIVE_TIMEOUT",
		"gateway.maxConnectionsPerPort": "MAX_CONNECTIONS_PER_PORT",
		"api.port":                      "API_PORT",
		"api.secretKey":                 "SECRET_KEY",
		"logging.level":                 "LOG_LEVEL",
		"logging.env":                   "NODE_ENV",
		"database.dsn":                  "PRIMARY_DATABASE_URL",
		"database.poolSize":             "DB_POOL_SIZE",
		"redis.host":                    "REDIS_HOST",
		"redis.port":                    "REDIS_PORT",
		"redis.password":                "REDIS_PASSWORD",
		"redis.db":                      "REDIS_DB",
		"thirdparty.forwardUrl":         "DATA_FORWARD_URL",
		"thirdparty.secretKey":          "SECRET_KEY",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gt06.port", 5023)
	v.SetDefault("gt06.crcFallback", false)

	v.SetDefault("teltonika.port", 5024)
	v.SetDefault("teltonika.strictCrc", false)

	v.SetDefault("gateway.connectTimeout", 5*time.Second)
	v.SetDefault("gateway.socketTimeout", 300*time.Second)
	v.SetDefault("gateway.keepAliveTimeout", 120*time.Second)
	v.SetDefault("gateway.maxConnectionsPerPort", 50000)
	v.SetDefault("gateway.shutdownGrace", 5*time.Second)

	v.SetDefault("api.port", 5055)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.env", "development")
	v.SetDefault("logging.file.filename", "logs/telematics-gateway.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("database.poolSize", 50)
	v.SetDefault("database.connMaxLifetime", time.Hour)
	v.SetDefault("database.autoMigrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("PRIMARY_DATABASE_URL is required")
	}
	if cfg.API.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if cfg.Thirdparty.ForwardURL == "" {
		return fmt.Errorf("DATA_FORWARD_URL is required")
	}
	switch cfg.Logging.Env {
	case "development", "production", "test", "staging":
	default:
		return fmt.Errorf("NODE_ENV must be one of development,production,test,staging, got %q", cfg.Logging.Env)
	}
	switch cfg.Logging.Level {
	case "error", "warn", "info", "debug", "verbose":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of error,warn,info,debug,verbose, got %q", cfg.Logging.Level)
	}
	return nil
}

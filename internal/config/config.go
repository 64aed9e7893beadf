package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Server       ServerConfig       `mapstructure:"server"`
	WebTransport WebTransportConfig `mapstructure:"webtransport"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Redis        RedisConfig        `mapstructure:"redis"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	NodeID   int64  `mapstructure:"node_id"` // 雪花ID节点号，集群内唯一
	LogLevel string `mapstructure:"log_level"`
	Mode     string `mapstructure:"mode"` // gin 运行模式
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	QueueSize       int           `mapstructure:"queue_size"` // 每个连接的下行队列长度
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"` // 0 表示不启用心跳检测
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type WebTransportConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	CertFile        string        `mapstructure:"cert_file"`
	KeyFile         string        `mapstructure:"key_file"`
	MaxIdleTimeout  time.Duration `mapstructure:"max_idle_timeout"`
	KeepAlivePeriod time.Duration `mapstructure:"keep_alive_period"`
}

type StorageConfig struct {
	Driver         string         `mapstructure:"driver"` // memory | sqlite | postgres
	PersistTimeout time.Duration  `mapstructure:"persist_timeout"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
	SQLite         SQLiteConfig   `mapstructure:"sqlite"`
	Batcher        BatcherConfig  `mapstructure:"batcher"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type BatcherConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Workers       int           `mapstructure:"workers"`     // 远端事件的处理分片数
	BufferSize    int           `mapstructure:"buffer_size"` // 所有分片的缓冲总量
}

type AuthConfig struct {
	// 为空时 identify 不校验 token
	TokenSecret string        `mapstructure:"token_secret"`
	TokenExpire time.Duration `mapstructure:"token_expire"`
}

type LimitsConfig struct {
	EventsPerSecond float64 `mapstructure:"events_per_second"`
	Burst           int     `mapstructure:"burst"`
	Workers         int     `mapstructure:"workers"`
	WorkerQueue     int     `mapstructure:"worker_queue"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "presence")
	v.SetDefault("app.node_id", 1)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.mode", "release")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.queue_size", 256)
	v.SetDefault("server.max_message_size", 64*1024)
	v.SetDefault("server.ping_interval", 25*time.Second)
	v.SetDefault("server.pong_wait", 60*time.Second)
	v.SetDefault("server.write_wait", 10*time.Second)
	v.SetDefault("server.idle_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("webtransport.enabled", false)
	v.SetDefault("webtransport.addr", ":4433")
	v.SetDefault("webtransport.cert_file", "")
	v.SetDefault("webtransport.key_file", "")
	v.SetDefault("webtransport.max_idle_timeout", 60*time.Second)
	v.SetDefault("webtransport.keep_alive_period", 15*time.Second)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.persist_timeout", 5*time.Second)
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.name", "presence")
	v.SetDefault("storage.postgres.user", "postgres")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.postgres.max_open_conns", 20)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.sqlite.path", "data/presence.db")
	v.SetDefault("storage.batcher.batch_size", 64)
	v.SetDefault("storage.batcher.flush_interval", 2*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.presence_ttl", 5*time.Minute)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.workers", 4)
	v.SetDefault("nats.buffer_size", 4096)

	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_expire", 24*time.Hour)

	v.SetDefault("limits.events_per_second", 20.0)
	v.SetDefault("limits.burst", 40)
	v.SetDefault("limits.workers", 4)
	v.SetDefault("limits.worker_queue", 1024)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "OPTIONS"})
	v.SetDefault("cors.allow_credentials", false)
}

// Load 从指定路径加载配置
// 文件不存在时使用默认值，环境变量 PRESENCE_<SECTION>_<KEY> 覆盖文件中的值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置组合是否合法
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLite.Path == "" {
		return errors.New("storage.sqlite.path is required for the sqlite driver")
	}
	if c.Storage.PersistTimeout <= 0 {
		return errors.New("storage.persist_timeout must be positive")
	}
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		return fmt.Errorf("app.node_id %d out of range [0, 1023]", c.App.NodeID)
	}
	if c.Server.QueueSize <= 0 {
		return errors.New("server.queue_size must be positive")
	}
	if c.Server.PingInterval >= c.Server.PongWait {
		return errors.New("server.ping_interval must be shorter than server.pong_wait")
	}
	if c.Limits.EventsPerSecond < 0 || c.Limits.Burst < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// NodeName 集群中标识本节点的名称
func (c *Config) NodeName() string {
	return fmt.Sprintf("%s-%d", c.App.Name, c.App.NodeID)
}

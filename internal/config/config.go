package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MySQL     MySQLConfig     `mapstructure:"mysql"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Lock      LockConfig      `mapstructure:"lock"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Events    EventsConfig    `mapstructure:"events"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
	Instance  InstanceConfig  `mapstructure:"instance"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects the authoritative store: "memory" or "mysql".
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// LockConfig selects per-auction locking: "local" or "redis".
type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Retry   time.Duration `mapstructure:"retry"`
}

type EngineConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	AutoExtendWindow time.Duration `mapstructure:"auto_extend_window"`
	AutoExtendBy     time.Duration `mapstructure:"auto_extend_by"`
}

type SchedulerConfig struct {
	Interval         string        `mapstructure:"interval"`
	EndingSoonWindow time.Duration `mapstructure:"ending_soon_window"`
	Concurrency      int           `mapstructure:"concurrency"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
}

type LeaderConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type EventsConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Redis          bool          `mapstructure:"redis"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type TracingConfig struct {
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type InstanceConfig struct {
	ID string `mapstructure:"id"`
}

var envBindings = map[string]string{
	"server.port":             "SERVER_PORT",
	"server.host":             "SERVER_HOST",
	"redis.address":           "REDIS_ADDRESS",
	"redis.password":          "REDIS_PASSWORD",
	"redis.db":                "REDIS_DB",
	"mysql.dsn":               "MYSQL_DSN",
	"mysql.max_open_conns":    "MYSQL_MAX_OPEN_CONNS",
	"mysql.max_idle_conns":    "MYSQL_MAX_IDLE_CONNS",
	"mysql.conn_max_lifetime": "MYSQL_CONN_MAX_LIFETIME",
	"storage.backend":         "STORAGE_BACKEND",
	"lock.backend":            "LOCK_BACKEND",
	"leader.enabled":          "LEADER_ENABLED",
	"leader.ttl":              "LEADER_TTL",
	"events.kafka.enabled":    "KAFKA_ENABLED",
	"events.kafka.brokers":    "KAFKA_BROKERS",
	"tracing.jaeger_endpoint": "JAEGER_ENDPOINT",
	"log.level":               "LOG_LEVEL",
	"instance.id":             "INSTANCE_ID",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", 10*time.Minute)
	v.SetDefault("mysql.dsn", "bidhub:bidhub@tcp(localhost:3306)/bidhub?parseTime=true&loc=UTC")
	v.SetDefault("mysql.max_open_conns", 25)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("mysql.migrate", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", 5*time.Second)
	v.SetDefault("lock.retry", 10*time.Millisecond)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.lock_timeout", 2*time.Second)
	v.SetDefault("engine.auto_extend_window", 5*time.Minute)
	v.SetDefault("engine.auto_extend_by", 5*time.Minute)
	v.SetDefault("scheduler.interval", "@every 1s")
	v.SetDefault("scheduler.ending_soon_window", 5*time.Minute)
	v.SetDefault("scheduler.concurrency", 16)
	v.SetDefault("scheduler.task_timeout", 10*time.Second)
	v.SetDefault("leader.enabled", false)
	v.SetDefault("leader.ttl", 30*time.Second)
	v.SetDefault("events.workers", 8)
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("events.publish_timeout", 5*time.Second)
	v.SetDefault("events.redis", false)
	v.SetDefault("events.kafka.enabled", false)
	v.SetDefault("events.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("events.kafka.topic", "auction-events")
	v.SetDefault("events.kafka.group_id", "bidhub-event-archiver")
	v.SetDefault("tracing.jaeger_endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("instance.id", "bidding-service-1")
}

// Load reads defaults, an optional config.yaml and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/bidhub/")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return load(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Backend {
	case "memory", "mysql":
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q must be memory or mysql", c.Storage.Backend))
	}
	switch c.Lock.Backend {
	case "local", "redis":
	default:
		problems = append(problems, fmt.Sprintf("lock.backend %q must be local or redis", c.Lock.Backend))
	}
	if c.Engine.MaxAttempts < 1 {
		problems = append(problems, "engine.max_attempts must be at least 1")
	}
	if c.Events.Workers < 1 || c.Events.QueueSize < 1 {
		problems = append(problems, "events.workers and events.queue_size must be positive")
	}
	if c.Events.Kafka.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		problems = append(problems, "events.kafka.brokers is required when kafka is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesRedis reports whether any enabled component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == "redis" || c.Leader.Enabled || c.Events.Redis
}

// GetConfigString returns a formatted string representation of the config
func (c *Config) GetConfigString() string {
	return fmt.Sprintf(
		"Server: %s:%d, Storage: %s, Lock: %s, Redis: %s, Kafka: %t, Instance: %s",
		c.Server.Host,
		c.Server.Port,
		c.Storage.Backend,
		c.Lock.Backend,
		c.Redis.Address,
		c.Events.Kafka.Enabled,
		c.Instance.ID,
	)
}

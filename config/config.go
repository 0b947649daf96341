package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/notify/internal/channel/email"
	"github.com/jwalitptl/notify/internal/channel/push"
	"github.com/jwalitptl/notify/internal/model"
	"github.com/jwalitptl/notify/internal/repository/postgres"
	redisrepo "github.com/jwalitptl/notify/internal/repository/redis"
	"github.com/jwalitptl/notify/internal/service/analytics"
	"github.com/jwalitptl/notify/internal/service/batching"
	"github.com/jwalitptl/notify/internal/service/dispatch"
	"github.com/jwalitptl/notify/internal/service/pipeline"
	"github.com/jwalitptl/notify/internal/service/scheduler"
	"github.com/jwalitptl/notify/internal/service/template"
	"github.com/jwalitptl/notify/internal/worker"
	"github.com/jwalitptl/notify/pkg/logger"
	"github.com/jwalitptl/notify/pkg/messaging/rabbitmq"
	"github.com/jwalitptl/notify/pkg/messaging/redis"
)

// EnvPrefix namespaces environment overrides, e.g. NOTIFY_DATABASE_HOST.
const EnvPrefix = "NOTIFY"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	BrokerMemory   = "memory"
	BrokerRedis    = "redis"
	BrokerRabbitMQ = "rabbitmq"
)

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// HealthPort serves probes and metrics from the worker binary.
	HealthPort      int           `mapstructure:"health_port" split_words:"true"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" split_words:"true"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" split_words:"true"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" split_words:"true"`
	Debug           bool          `mapstructure:"debug"`
}

type StoreConfig struct {
	// Driver is memory or postgres.
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" split_words:"true"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries" split_words:"true"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff" split_words:"true"`
	PoolSize     int           `mapstructure:"pool_size" split_words:"true"`
	MinIdleConns int           `mapstructure:"min_idle_conns" split_words:"true"`
	KeyPrefix    string        `mapstructure:"key_prefix" split_words:"true"`
}

type BrokerConfig struct {
	// Driver is memory, redis or rabbitmq.
	Driver string `mapstructure:"driver"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Prefetch int    `mapstructure:"prefetch"`
}

type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	Issuer      string `mapstructure:"issuer"`
	ExpiryHours int    `mapstructure:"expiry_hours" split_words:"true"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second" split_words:"true"`
	Burst             int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" split_words:"true"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type EmailConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	From            string        `mapstructure:"from"`
	BreakerFailures int           `mapstructure:"breaker_failures" split_words:"true"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" split_words:"true"`
}

type PushConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	GatewayURL      string        `mapstructure:"gateway_url" split_words:"true"`
	APIKey          string        `mapstructure:"api_key" split_words:"true"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RatePerSecond   float64       `mapstructure:"rate_per_second" split_words:"true"`
	Burst           int           `mapstructure:"burst"`
	BreakerFailures int           `mapstructure:"breaker_failures" split_words:"true"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" split_words:"true"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" split_words:"true"`
	BatchSize    int           `mapstructure:"batch_size" split_words:"true"`
	StaleAfter   time.Duration `mapstructure:"stale_after" split_words:"true"`
	MaxAttempts  int           `mapstructure:"max_attempts" split_words:"true"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff" split_words:"true"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff" split_words:"true"`
	DigestBatch  int           `mapstructure:"digest_batch" split_words:"true"`
}

type BatchPolicyConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Mode      string        `mapstructure:"mode"`
	MaxWindow time.Duration `mapstructure:"max_window"`
}

type BatchingConfig struct {
	// Store is memory or redis.
	Store        string                       `mapstructure:"store"`
	Timers       bool                         `mapstructure:"timers"`
	FlushTimeout time.Duration                `mapstructure:"flush_timeout" split_words:"true"`
	DueLimit     int                          `mapstructure:"due_limit" split_words:"true"`
	RetryDelay   time.Duration                `mapstructure:"retry_delay" split_words:"true"`
	WindowTTL    time.Duration                `mapstructure:"window_ttl" split_words:"true"`
	Policies     map[string]BatchPolicyConfig `mapstructure:"policies" ignored:"true"`
}

type DispatchConfig struct {
	TypeChannels map[string][]string `mapstructure:"type_channels" ignored:"true"`
	SendTimeout  time.Duration       `mapstructure:"send_timeout" split_words:"true"`
	// Workers bounds how many released notifications the sweeper delivers
	// at once.
	Workers int `mapstructure:"workers"`
}

type AnalyticsConfig struct {
	QueueSize     int           `mapstructure:"queue_size" split_words:"true"`
	BatchSize     int           `mapstructure:"batch_size" split_words:"true"`
	FlushInterval time.Duration `mapstructure:"flush_interval" split_words:"true"`
}

type IntakeConfig struct {
	QueueSize      int           `mapstructure:"queue_size" split_words:"true"`
	Workers        int           `mapstructure:"workers"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout" split_words:"true"`
	// Subscribe consumes domain events from the broker topic.
	Subscribe bool `mapstructure:"subscribe"`
}

type TemplatesConfig struct {
	CacheTTL       time.Duration     `mapstructure:"cache_ttl" split_words:"true"`
	ByType         map[string]string `mapstructure:"by_type" ignored:"true"`
	BatchByType    map[string]string `mapstructure:"batch_by_type" ignored:"true"`
	DigestTemplate string            `mapstructure:"digest_template" split_words:"true"`
	DigestHour     int               `mapstructure:"digest_hour" split_words:"true"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" split_words:"true"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Log       LogConfig       `mapstructure:"log"`
	Email     EmailConfig     `mapstructure:"email"`
	Push      PushConfig      `mapstructure:"push"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Batching  BatchingConfig  `mapstructure:"batching"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Templates TemplatesConfig `mapstructure:"templates"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.key_prefix", "notify:")
	v.SetDefault("broker.driver", BrokerMemory)
	v.SetDefault("rabbitmq.exchange", "notify")
	v.SetDefault("rabbitmq.prefetch", 32)
	v.SetDefault("jwt.expiry_hours", 24)
	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("scheduler.poll_interval", 5*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.stale_after", 10*time.Minute)
	v.SetDefault("batching.store", StoreMemory)
	v.SetDefault("batching.timers", true)
	v.SetDefault("batching.retry_delay", time.Minute)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("intake.subscribe", true)
}

// LoadConfig reads config.yml, then a .env file if present, then NOTIFY_*
// environment overrides. CONFIG_FILE points at an explicit file.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app")
		v.AddConfigPath("/app/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory, StorePostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch c.Batching.Store {
	case StoreMemory:
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("batching.store redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("batching.store: unknown store %q", c.Batching.Store))
	}
	switch c.Broker.Driver {
	case BrokerMemory:
	case BrokerRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("broker.driver redis requires redis.url"))
		}
	case BrokerRabbitMQ:
		if c.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("broker.driver rabbitmq requires rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.driver: unknown driver %q", c.Broker.Driver))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	for name, p := range c.Batching.Policies {
		if !model.EventType(name).IsValid() {
			errs = append(errs, fmt.Errorf("batching.policies: unknown type %q", name))
		}
		if p.Window <= 0 {
			errs = append(errs, fmt.Errorf("batching.policies.%s: window must be positive", name))
		}
		if p.Mode != "" && p.Mode != string(model.BatchModeFixed) && p.Mode != string(model.BatchModeSliding) {
			errs = append(errs, fmt.Errorf("batching.policies.%s: unknown mode %q", name, p.Mode))
		}
	}
	for name, chs := range c.Dispatch.TypeChannels {
		if !model.EventType(name).IsValid() {
			errs = append(errs, fmt.Errorf("dispatch.type_channels: unknown type %q", name))
		}
		for _, ch := range chs {
			if !model.Channel(ch).IsValid() {
				errs = append(errs, fmt.Errorf("dispatch.type_channels.%s: unknown channel %q", name, ch))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *DatabaseConfig) ToPostgresConfig() postgres.Config {
	return postgres.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func (c *RedisConfig) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.URL,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: c.RetryBackoff,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
}

func (c *RabbitMQConfig) ToBrokerConfig() rabbitmq.Config {
	return rabbitmq.Config{
		URL:      c.URL,
		Exchange: c.Exchange,
		Prefetch: c.Prefetch,
	}
}

func (c *Config) ToBatchStoreConfig() redisrepo.Config {
	return redisrepo.Config{
		Prefix: c.Redis.KeyPrefix,
		TTL:    c.Batching.WindowTTL,
	}
}

func (c *LogConfig) ToLoggerConfig() *logger.Config {
	return &logger.Config{
		Level:      logger.ParseLevel(c.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       c.JSON,
	}
}

func (c *RateLimitConfig) Limit() rate.Limit {
	if c.RequestsPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RequestsPerSecond)
}

func (c *EmailConfig) ToSenderConfig() email.Config {
	return email.Config{
		Host:            c.Host,
		Port:            c.Port,
		Username:        c.Username,
		Password:        c.Password,
		From:            c.From,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

func (c *PushConfig) ToSenderConfig() push.Config {
	return push.Config{
		GatewayURL:      c.GatewayURL,
		APIKey:          c.APIKey,
		Timeout:         c.Timeout,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		BreakerFailures: c.BreakerFailures,
		BreakerTimeout:  c.BreakerTimeout,
	}
}

func (c *SchedulerConfig) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
		DigestBatch: c.DigestBatch,
	}
}

func (c *Config) ToWorkerConfig() worker.SweeperConfig {
	return worker.SweeperConfig{
		BatchSize:    c.Scheduler.BatchSize,
		PollInterval: c.Scheduler.PollInterval,
		StaleAfter:   c.Scheduler.StaleAfter,
		Workers:      c.Dispatch.Workers,
	}
}

func (c *BatchingConfig) ToEngineConfig() batching.Config {
	policies := make(map[model.EventType]batching.Policy, len(c.Policies))
	for name, p := range c.Policies {
		mode := model.BatchMode(p.Mode)
		if mode == "" {
			mode = model.BatchModeFixed
		}
		policies[model.EventType(name)] = batching.Policy{
			Window:    p.Window,
			Mode:      mode,
			MaxWindow: p.MaxWindow,
		}
	}
	return batching.Config{
		Policies:     policies,
		Timers:       c.Timers,
		FlushTimeout: c.FlushTimeout,
		DueLimit:     c.DueLimit,
		RetryDelay:   c.RetryDelay,
	}
}

func (c *DispatchConfig) ToDispatchConfig() dispatch.Config {
	channels := make(map[model.EventType][]model.Channel, len(c.TypeChannels))
	for name, chs := range c.TypeChannels {
		list := make([]model.Channel, 0, len(chs))
		for _, ch := range chs {
			list = append(list, model.Channel(strings.TrimSpace(ch)))
		}
		channels[model.EventType(name)] = list
	}
	return dispatch.Config{
		TypeChannels: channels,
		SendTimeout:  c.SendTimeout,
	}
}

func (c *AnalyticsConfig) ToAnalyticsConfig() analytics.Config {
	return analytics.Config{
		QueueSize:     c.QueueSize,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
	}
}

func (c *TemplatesConfig) ToTemplateConfig() template.Config {
	return template.Config{CacheTTL: c.CacheTTL}
}

func (c *Config) ToPipelineConfig() pipeline.Config {
	byType := func(in map[string]string) map[model.EventType]string {
		out := make(map[model.EventType]string, len(in))
		for k, v := range in {
			out[model.EventType(k)] = v
		}
		return out
	}
	return pipeline.Config{
		QueueSize:      c.Intake.QueueSize,
		Workers:        c.Intake.Workers,
		Templates:      byType(c.Templates.ByType),
		BatchTemplates: byType(c.Templates.BatchByType),
		DigestTemplate: c.Templates.DigestTemplate,
		DigestHour:     c.Templates.DigestHour,
		ProcessTimeout: c.Intake.ProcessTimeout,
	}
}

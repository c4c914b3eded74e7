// Package config loads the keepalive daemon configuration from a YAML file
// and KEEPALIVE_* environment variables, then validates it.
package config

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"
)

// Lock backends.
const (
	LockShared = "shm"
	LockFile   = "file"
	LockMemory = "memory"
	LockRedis  = "redis"
	LockS3     = "s3"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Lock event buses.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// EnvPrefix prefixes every environment override, e.g. KEEPALIVE_LOCK_BACKEND.
const EnvPrefix = "KEEPALIVE"

type SchedulerConfig struct {
	Interval   string `mapstructure:"interval"`
	Reschedule string `mapstructure:"reschedule"`
}

type LockConfig struct {
	Backend string `mapstructure:"backend"`
	// File backs the shared memory segment of the shm backend.
	File    string `mapstructure:"file"`
	// Dir holds one flock file per key for the file backend.
	Dir     string `mapstructure:"dir"`
	Segment string `mapstructure:"segment"`
	Key     string `mapstructure:"key"`
	TTL     string `mapstructure:"ttl"`
	Timeout string `mapstructure:"timeout"`
}

type QueueConfig struct {
	Backend string   `mapstructure:"backend"`
	Key     string   `mapstructure:"key"`
	Targets []string `mapstructure:"targets"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type BusConfig struct {
	Kind    string   `mapstructure:"kind"`
	NATSURL string   `mapstructure:"nats_url"`
	Brokers []string `mapstructure:"brokers"`
}

type ProbeConfig struct {
	Timeout     string `mapstructure:"timeout"`
	Concurrency int    `mapstructure:"concurrency"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Lock      LockConfig      `mapstructure:"lock"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	Bus       BusConfig       `mapstructure:"bus"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.reschedule", "documented")
	v.SetDefault("lock.backend", LockShared)
	v.SetDefault("lock.file", "/var/run/keepalive.lock")
	v.SetDefault("lock.dir", "/var/run/keepalive")
	v.SetDefault("lock.segment", "keepalive_zone")
	v.SetDefault("lock.key", "keepalive_zone")
	v.SetDefault("lock.ttl", "2m")
	v.SetDefault("lock.timeout", "200ms")
	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.key", "keepalive:queue")
	v.SetDefault("queue.targets", []string{})
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "locks/")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("bus.kind", BusNone)
	v.SetDefault("bus.nats_url", "")
	v.SetDefault("bus.brokers", []string{})
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("probe.timeout", "3s")
	v.SetDefault("probe.concurrency", 8)
	v.SetDefault("http.address", ":9108")
	v.SetDefault("logging.level", LogLevelInfo)
}

// Load reads config.yaml from ./config or the working directory. A missing
// file is not an error: defaults and the environment apply.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the configuration from path, or searches the default
// locations when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}
	// lists set through the environment arrive as one comma separated value
	cfg.Queue.Targets = splitList(cfg.Queue.Targets)
	cfg.Bus.Brokers = splitList(cfg.Bus.Brokers)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the configuration as a whole, including the settings
// required by the selected backends.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Scheduler, validation.By(func(value interface{}) error {
			sc := value.(SchedulerConfig)
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Interval, validation.Required, validation.By(validatePositiveDuration)),
				validation.Field(&sc.Reschedule, validation.Required, validation.In("documented", "always")),
			)
		})),
		validation.Field(&c.Lock, validation.By(func(value interface{}) error {
			lc := value.(LockConfig)
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Backend, validation.Required,
					validation.In(LockShared, LockFile, LockMemory, LockRedis, LockS3)),
				validation.Field(&lc.File, validation.When(lc.Backend == LockShared, validation.Required)),
				validation.Field(&lc.Dir, validation.When(lc.Backend == LockFile, validation.Required)),
				validation.Field(&lc.Key, validation.Required),
				validation.Field(&lc.TTL, validation.Required, validation.By(validatePositiveDuration)),
				validation.Field(&lc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
			)
		})),
		validation.Field(&c.Queue, validation.By(func(value interface{}) error {
			qc := value.(QueueConfig)
			return validation.ValidateStruct(&qc,
				validation.Field(&qc.Backend, validation.Required, validation.In(QueueMemory, QueueRedis)),
				validation.Field(&qc.Key, validation.When(qc.Backend == QueueRedis, validation.Required)),
				validation.Field(&qc.Targets, validation.Each(validation.By(validateHostPort))),
			)
		})),
		validation.Field(&c.Redis, validation.By(func(value interface{}) error {
			if !c.usesRedis() {
				return nil
			}
			rc := value.(RedisConfig)
			return validation.ValidateStruct(&rc,
				validation.Field(&rc.Addr, validation.Required, validation.By(validateHostPort)),
				validation.Field(&rc.DB, validation.Min(0)),
			)
		})),
		validation.Field(&c.S3, validation.By(func(value interface{}) error {
			if c.Lock.Backend != LockS3 {
				return nil
			}
			sc := value.(S3Config)
			return validation.ValidateStruct(&sc,
				validation.Field(&sc.Bucket, validation.Required),
				validation.Field(&sc.Endpoint, is.URL),
			)
		})),
		validation.Field(&c.Bus, validation.By(func(value interface{}) error {
			bc := value.(BusConfig)
			return validation.ValidateStruct(&bc,
				validation.Field(&bc.Kind, validation.Required,
					validation.In(BusNone, BusMemory, BusRedis, BusNATS, BusKafka)),
				validation.Field(&bc.NATSURL, validation.When(bc.Kind == BusNATS, validation.Required)),
				validation.Field(&bc.Brokers,
					validation.When(bc.Kind == BusKafka, validation.Required),
					validation.Each(validation.By(validateHostPort))),
			)
		})),
		validation.Field(&c.Probe, validation.By(func(value interface{}) error {
			pc := value.(ProbeConfig)
			return validation.ValidateStruct(&pc,
				validation.Field(&pc.Timeout, validation.Required, validation.By(validatePositiveDuration)),
				validation.Field(&pc.Concurrency, validation.Required, validation.Min(1)),
			)
		})),
		validation.Field(&c.HTTP, validation.By(func(value interface{}) error {
			hc := value.(HTTPConfig)
			return validation.ValidateStruct(&hc,
				validation.Field(&hc.Address, validation.By(validateHostPort)),
			)
		})),
		validation.Field(&c.Logging, validation.By(func(value interface{}) error {
			lc := value.(LoggingConfig)
			return validation.ValidateStruct(&lc,
				validation.Field(&lc.Level, validation.Required,
					validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError)),
			)
		})),
	)
}

func (c *Config) usesRedis() bool {
	return c.Lock.Backend == LockRedis || c.Queue.Backend == QueueRedis || c.Bus.Kind == BusRedis
}

// Interval returns the parsed scheduler interval.
func (c *Config) Interval() time.Duration { return mustDuration(c.Scheduler.Interval) }

// LockTTL returns the parsed lock ttl.
func (c *Config) LockTTL() time.Duration { return mustDuration(c.Lock.TTL) }

// LockTimeout returns the parsed bound of one lock call.
func (c *Config) LockTimeout() time.Duration { return mustDuration(c.Lock.Timeout) }

// ProbeTimeout returns the parsed dial timeout.
func (c *Config) ProbeTimeout() time.Duration { return mustDuration(c.Probe.Timeout) }

// LogLevel maps the configured level to slog.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// mustDuration parses a duration that Validate already accepted.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}
	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}
	return nil
}

func validatePositiveDuration(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be positive")
	}
	return nil
}

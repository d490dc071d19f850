package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/notifyhub/reminder-engine/internal/domain"
	"github.com/notifyhub/reminder-engine/internal/queue"
)

// Config holds all runtime configuration. Values come from defaults, an
// optional reminder.yaml, and environment variables, in increasing order
// of precedence. Env names are the dotted keys upper-cased with "." -> "_",
// e.g. DATABASE_URL, SCHEDULER_INTERVAL, RETRY_DISPATCH_MAX_ATTEMPTS.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Channels  ChannelsConfig  `mapstructure:"channels"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig points at the domain store. An empty URL runs the engine
// against the in-memory store, for local development only.
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"gte=1"`
	MinConns       int32  `mapstructure:"min_conns" validate:"gte=0,ltefield=MaxConns"`
	MigrationsPath string `mapstructure:"migrations_path" validate:"required"`
}

type QueueConfig struct {
	Backend           string        `mapstructure:"backend" validate:"oneof=redis memory"`
	RedisAddr         string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword     string        `mapstructure:"redis_password"`
	RedisDB           int           `mapstructure:"redis_db" validate:"gte=0"`
	Prefix            string        `mapstructure:"prefix" validate:"required"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	DeadLetterCap     int           `mapstructure:"dead_letter_cap" validate:"gte=0"`
	DepthPollInterval time.Duration `mapstructure:"depth_poll_interval" validate:"gt=0"`
}

type SchedulerConfig struct {
	Interval              time.Duration `mapstructure:"interval" validate:"gte=1s"`
	MedicationOffsets     []int         `mapstructure:"medication_offsets" validate:"min=1,dive,gte=0"`
	AppointmentOffsets    []int         `mapstructure:"appointment_offsets" validate:"min=1,dive,gte=0"`
	ShiftOffsets          []int         `mapstructure:"shift_offsets" validate:"min=1,dive,gte=0"`
	RefillCheckTime       string        `mapstructure:"refill_check_time" validate:"required,datetime=15:04"`
	RefillUrgentThreshold int           `mapstructure:"refill_urgent_threshold" validate:"gte=0"`
	DefaultTimeZone       string        `mapstructure:"default_time_zone" validate:"required,timezone"`
}

// WorkersConfig is the pool concurrency per category.
type WorkersConfig struct {
	Medication  int `mapstructure:"medication" validate:"gte=1"`
	Appointment int `mapstructure:"appointment" validate:"gte=1"`
	Shift       int `mapstructure:"shift" validate:"gte=1"`
	Refill      int `mapstructure:"refill" validate:"gte=1"`
	Dispatch    int `mapstructure:"dispatch" validate:"gte=1"`
	DeadLetter  int `mapstructure:"dead_letter" validate:"gte=1"`
}

type BackoffConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
}

// RetryConfig is the explicit backoff contract of each category.
type RetryConfig struct {
	Medication  BackoffConfig `mapstructure:"medication"`
	Appointment BackoffConfig `mapstructure:"appointment"`
	Shift       BackoffConfig `mapstructure:"shift"`
	Refill      BackoffConfig `mapstructure:"refill"`
	Dispatch    BackoffConfig `mapstructure:"dispatch"`
	DeadLetter  BackoffConfig `mapstructure:"dead_letter"`
}

// ChannelsConfig configures the delivery sinks. A sink whose credentials
// are empty is disabled and its dispatch jobs are skipped.
type ChannelsConfig struct {
	RateLimit int          `mapstructure:"rate_limit" validate:"gte=0"`
	FCM       FCMConfig    `mapstructure:"fcm"`
	SES       SESConfig    `mapstructure:"ses"`
	Twilio    TwilioConfig `mapstructure:"twilio"`
}

type FCMConfig struct {
	Endpoint  string        `mapstructure:"endpoint" validate:"omitempty,url"`
	ServerKey string        `mapstructure:"server_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type SESConfig struct {
	Region           string `mapstructure:"region"`
	From             string `mapstructure:"from" validate:"omitempty,email"`
	ConfigurationSet string `mapstructure:"configuration_set"`
}

type TwilioConfig struct {
	BaseURL    string        `mapstructure:"base_url" validate:"omitempty,url"`
	AccountSID string        `mapstructure:"account_sid"`
	AuthToken  string        `mapstructure:"auth_token"`
	From       string        `mapstructure:"from"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	ServiceName  string `mapstructure:"service_name" validate:"required"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("queue.backend", "redis")
	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.prefix", "reminder")
	v.SetDefault("queue.visibility_timeout", 30*time.Second)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.dead_letter_cap", 10000)
	v.SetDefault("queue.depth_poll_interval", 15*time.Second)

	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.medication_offsets", []int{30, 15, 5, 0})
	v.SetDefault("scheduler.appointment_offsets", []int{1440, 60, 30})
	v.SetDefault("scheduler.shift_offsets", []int{60, 15})
	v.SetDefault("scheduler.refill_check_time", "09:00")
	v.SetDefault("scheduler.refill_urgent_threshold", 5)
	v.SetDefault("scheduler.default_time_zone", "UTC")

	v.SetDefault("workers.medication", 10)
	v.SetDefault("workers.appointment", 10)
	v.SetDefault("workers.shift", 10)
	v.SetDefault("workers.refill", 5)
	v.SetDefault("workers.dispatch", 20)
	v.SetDefault("workers.dead_letter", 1)

	for _, cat := range []string{"medication", "appointment", "shift", "refill", "dispatch", "dead_letter"} {
		v.SetDefault("retry."+cat+".base_delay", 5*time.Second)
		v.SetDefault("retry."+cat+".multiplier", 2.0)
		v.SetDefault("retry."+cat+".max_delay", 10*time.Minute)
		v.SetDefault("retry."+cat+".max_attempts", 5)
	}
	v.SetDefault("retry.dead_letter.max_attempts", queue.DeadLetterMaxAttempts)

	v.SetDefault("channels.rate_limit", 100)
	v.SetDefault("channels.fcm.endpoint", "https://fcm.googleapis.com/fcm/send")
	v.SetDefault("channels.fcm.server_key", "")
	v.SetDefault("channels.fcm.timeout", 10*time.Second)
	v.SetDefault("channels.ses.region", "")
	v.SetDefault("channels.ses.from", "")
	v.SetDefault("channels.ses.configuration_set", "")
	v.SetDefault("channels.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("channels.twilio.account_sid", "")
	v.SetDefault("channels.twilio.auth_token", "")
	v.SetDefault("channels.twilio.from", "")
	v.SetDefault("channels.twilio.timeout", 10*time.Second)

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.timeout", 5*time.Second)

	v.SetDefault("telemetry.service_name", "reminder-engine")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads reminder.yaml from the working directory or $CONFIG_DIR if
// present, applies environment overrides and validates the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("reminder")
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Shorter alias kept for deployment manifests.
	if err := v.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT", "SHUTDOWN_TIMEOUT"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Policy returns the backoff contract of a category.
func (c *Config) Policy(cat domain.Category) queue.BackoffPolicy {
	var b BackoffConfig
	switch cat {
	case domain.CategoryMedication:
		b = c.Retry.Medication
	case domain.CategoryAppointment:
		b = c.Retry.Appointment
	case domain.CategoryShift:
		b = c.Retry.Shift
	case domain.CategoryRefill:
		b = c.Retry.Refill
	case domain.CategoryDispatch:
		b = c.Retry.Dispatch
	case domain.CategoryDeadLetter:
		b = c.Retry.DeadLetter
	default:
		return queue.DefaultBackoff
	}
	return queue.BackoffPolicy{
		BaseDelay:   b.BaseDelay,
		Multiplier:  b.Multiplier,
		MaxDelay:    b.MaxDelay,
		MaxAttempts: b.MaxAttempts,
	}
}

// Concurrency returns the pool size of a category.
func (c *Config) Concurrency(cat domain.Category) int {
	switch cat {
	case domain.CategoryMedication:
		return c.Workers.Medication
	case domain.CategoryAppointment:
		return c.Workers.Appointment
	case domain.CategoryShift:
		return c.Workers.Shift
	case domain.CategoryRefill:
		return c.Workers.Refill
	case domain.CategoryDispatch:
		return c.Workers.Dispatch
	case domain.CategoryDeadLetter:
		return c.Workers.DeadLetter
	}
	return 1
}

// MaxAttempts maps every category to its attempt ceiling.
func (c *Config) MaxAttempts() map[domain.Category]int {
	out := make(map[domain.Category]int, len(domain.AllCategories()))
	for _, cat := range domain.AllCategories() {
		out[cat] = c.Policy(cat).MaxAttempts
	}
	return out
}

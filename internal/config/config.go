// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file named by DM_CONFIG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	GRPCPort string `mapstructure:"GRPC_PORT"`
	Env      string `mapstructure:"ENV"`

	DBDriver string `mapstructure:"DB_DRIVER"`
	DBDSN    string `mapstructure:"DB_DSN"`

	JWTSecret string `mapstructure:"JWT_SECRET"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	RedisURL    string `mapstructure:"REDIS_URL"`
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`

	S3Bucket        string `mapstructure:"S3_BUCKET"`
	S3Region        string `mapstructure:"S3_REGION"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT"`
	S3PublicBaseURL string `mapstructure:"S3_PUBLIC_BASE_URL"`

	MaxAttachmentBytes int64 `mapstructure:"MAX_ATTACHMENT_BYTES"`
	AllowEmptyMessages bool  `mapstructure:"ALLOW_EMPTY_MESSAGES"`
	SendRatePerMinute  int   `mapstructure:"SEND_RATE_PER_MINUTE"`
	FeedBuffer         int   `mapstructure:"FEED_BUFFER"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	DebugRoutes  bool   `mapstructure:"DEBUG_ROUTES"`
}

var defaults = map[string]any{
	"PORT":                        "8083",
	"GRPC_PORT":                   "9083",
	"ENV":                         "production",
	"DB_DRIVER":                   "postgres",
	"DB_DSN":                      "",
	"JWT_SECRET":                  "",
	"AMQP_URL":                    "",
	"AMQP_EXCHANGE":               "dm.events",
	"REDIS_URL":                   "",
	"REDIS_PREFIX":                "dm",
	"S3_BUCKET":                   "",
	"S3_REGION":                   "us-east-1",
	"S3_ENDPOINT":                 "",
	"S3_PUBLIC_BASE_URL":          "",
	"MAX_ATTACHMENT_BYTES":        int64(10 << 20),
	"ALLOW_EMPTY_MESSAGES":        false,
	"SEND_RATE_PER_MINUTE":        60,
	"FEED_BUFFER":                 64,
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"DEBUG_ROUTES":                false,
}

// Load reads configuration. Environment variables win over the YAML file,
// which wins over defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	if path := os.Getenv("DM_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.DBDriver = strings.ToLower(cfg.DBDriver)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DBDSN == "" {
		errs = append(errs, errors.New("DB_DSN is required"))
	}
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		errs = append(errs, fmt.Errorf("DB_DRIVER %q is not supported", c.DBDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("MAX_ATTACHMENT_BYTES must be positive"))
	}
	if c.FeedBuffer <= 0 {
		errs = append(errs, errors.New("FEED_BUFFER must be positive"))
	}
	if c.SendRatePerMinute <= 0 {
		errs = append(errs, errors.New("SEND_RATE_PER_MINUTE must be positive"))
	}
	return errors.Join(errs...)
}

// Development reports whether the service runs in a local setup.
func (c *Config) Development() bool {
	switch c.Env {
	case "dev", "development", "local":
		return true
	}
	return false
}

// AttachmentsEnabled reports whether an S3 bucket is configured.
func (c *Config) AttachmentsEnabled() bool {
	return c.S3Bucket != ""
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "FLIPBOOK"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultAllowedOrigins   = "*"
	defaultDatabaseDriver   = DatabaseDriverSQLite
	defaultDatabasePath     = "flipbook.db"
	defaultLogLevel         = "info"
	defaultOperationTimeout = 5 * time.Second
	defaultSendBuffer       = 256
	defaultMaxMessageBytes  = 4 << 20
	defaultMetricsEnabled   = true
	maxOperationTimeout     = 5 * time.Minute

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

var validate = validator.New()

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string   `validate:"required"`
	AllowedOrigins   []string `validate:"dive,required"`
	DatabaseDriver   string   `validate:"oneof=sqlite postgres"`
	DatabasePath     string
	DatabaseDSN      string
	LogLevel         string        `validate:"oneof=debug info warn warning error"`
	OperationTimeout time.Duration `validate:"gt=0"`
	SendBuffer       int           `validate:"min=1"`
	MaxMessageBytes  int64         `validate:"min=1024"`
	MetricsEnabled   bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.operation_timeout", defaultOperationTimeout)
	configViper.SetDefault("websocket.send_buffer", defaultSendBuffer)
	configViper.SetDefault("websocket.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("metrics.enabled", defaultMetricsEnabled)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:   splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:      strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.level"))),
		OperationTimeout: configViper.GetDuration("store.operation_timeout"),
		SendBuffer:       configViper.GetInt("websocket.send_buffer"),
		MaxMessageBytes:  configViper.GetInt64("websocket.max_message_bytes"),
		MetricsEnabled:   configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DatabaseDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	}
	if c.OperationTimeout > maxOperationTimeout {
		return fmt.Errorf("store.operation_timeout must not exceed %s", maxOperationTimeout)
	}
	return nil
}

var fieldKeys = map[string]string{
	"HTTPAddress":      "http.address",
	"AllowedOrigins":   "http.allowed_origins",
	"DatabaseDriver":   "database.driver",
	"LogLevel":         "log.level",
	"OperationTimeout": "store.operation_timeout",
	"SendBuffer":       "websocket.send_buffer",
	"MaxMessageBytes":  "websocket.max_message_bytes",
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		first := validationErrs[0]
		key, ok := fieldKeys[first.StructField()]
		if !ok {
			key = first.Namespace()
		}
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", key, first.Tag(), first.Value())
	}
	return err
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return values
}

// Package config provides configuration management for the register poller.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nexus-edge/register-poller/internal/domain"
	"github.com/spf13/viper"
)

// Config holds all configuration for the register poller.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// RegistersConfigPath is the path to the register map file
	RegistersConfigPath string `mapstructure:"registers_config_path"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	API     APIConfig     `mapstructure:"api"`
	Modbus  ModbusConfig  `mapstructure:"modbus"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// APIConfig holds API security configuration.
type APIConfig struct {
	// AuthEnabled enables API key authentication for the write endpoint
	AuthEnabled bool `mapstructure:"auth_enabled"`

	APIKey string `mapstructure:"api_key"`

	// MaxRequestBodySize is the maximum allowed request body size in bytes
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ModbusConfig describes the polled device.
type ModbusConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	UnitID           int           `mapstructure:"unit_id"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RetryCount       int           `mapstructure:"retry_count"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	UpdateInterval   time.Duration `mapstructure:"update_interval"`
	MaxChunkSpan     int           `mapstructure:"max_chunk_span"`
	Addressing       string        `mapstructure:"addressing"`
	InputFallback    string        `mapstructure:"input_fallback"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// MQTTConfig holds MQTT client, publishing and command configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            int           `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Retain         bool          `mapstructure:"retain"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`

	CommandsEnabled     bool          `mapstructure:"commands_enabled"`
	CommandTopicPrefix  string        `mapstructure:"command_topic_prefix"`
	ResponseTopicPrefix string        `mapstructure:"response_topic_prefix"`
	CommandQueueSize    int           `mapstructure:"command_queue_size"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from the default search paths and environment.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom loads configuration from path, or from the default search paths
// when path is empty. Environment variables override file values.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/register-poller")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: error reading config file: %w", domain.ErrConfig, err)
		}
		// No config file: defaults and env vars only.
	}

	v.SetEnvPrefix("POLLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: error unmarshaling config: %w", domain.ErrConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := domain.DefaultModbusConfig()

	v.SetDefault("environment", "development")
	v.SetDefault("registers_config_path", "./config/registers.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	// API security
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.max_request_body_size", 64*1024)
	v.SetDefault("api.allowed_origins", []string{})

	// Modbus
	v.SetDefault("modbus.host", "")
	v.SetDefault("modbus.port", defaults.Port)
	v.SetDefault("modbus.unit_id", defaults.UnitID)
	v.SetDefault("modbus.connect_timeout", defaults.ConnectTimeout)
	v.SetDefault("modbus.retry_count", defaults.RetryCount)
	v.SetDefault("modbus.retry_delay", defaults.RetryDelay)
	v.SetDefault("modbus.update_interval", defaults.UpdateInterval)
	v.SetDefault("modbus.max_chunk_span", defaults.MaxChunkSpan)
	v.SetDefault("modbus.addressing", string(defaults.Addressing))
	v.SetDefault("modbus.input_fallback", string(defaults.InputFallback))
	v.SetDefault("modbus.breaker_threshold", 0)
	v.SetDefault("modbus.breaker_cooldown", 30*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "register-poller")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.tls_enabled", false)
	v.SetDefault("mqtt.buffer_size", 10000)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.topic_prefix", "register-poller")
	v.SetDefault("mqtt.commands_enabled", true)
	v.SetDefault("mqtt.command_topic_prefix", "register-poller/cmd")
	v.SetDefault("mqtt.response_topic_prefix", "register-poller/cmd/response")
	v.SetDefault("mqtt.command_queue_size", 100)
	v.SetDefault("mqtt.write_timeout", 10*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds the unprefixed environment variables commonly set by
// container deployments.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("modbus.host", "POLLER_MODBUS_HOST", "MODBUS_HOST")
	_ = v.BindEnv("modbus.port", "POLLER_MODBUS_PORT", "MODBUS_PORT")
	_ = v.BindEnv("modbus.unit_id", "POLLER_MODBUS_UNIT_ID", "MODBUS_UNIT_ID")

	_ = v.BindEnv("mqtt.enabled", "POLLER_MQTT_ENABLED", "MQTT_ENABLED")
	_ = v.BindEnv("mqtt.broker_url", "POLLER_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "POLLER_MQTT_USERNAME", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "POLLER_MQTT_PASSWORD", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "POLLER_MQTT_CLIENT_ID", "MQTT_CLIENT_ID")

	_ = v.BindEnv("environment", "POLLER_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("registers_config_path", "POLLER_REGISTERS_CONFIG_PATH", "REGISTERS_CONFIG_PATH")

	_ = v.BindEnv("http.port", "POLLER_HTTP_PORT", "HTTP_PORT")

	_ = v.BindEnv("api.auth_enabled", "POLLER_API_AUTH_ENABLED", "API_AUTH_ENABLED")
	_ = v.BindEnv("api.api_key", "POLLER_API_API_KEY", "API_KEY")

	_ = v.BindEnv("logging.level", "POLLER_LOGGING_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "POLLER_LOGGING_FORMAT", "LOG_FORMAT")
}

// ModbusConfig converts the device section into the domain configuration.
func (c *Config) ModbusConfig() domain.ModbusConfig {
	m := c.Modbus
	return domain.ModbusConfig{
		Host:             m.Host,
		Port:             m.Port,
		UnitID:           m.UnitID,
		ConnectTimeout:   m.ConnectTimeout,
		RetryCount:       m.RetryCount,
		RetryDelay:       m.RetryDelay,
		UpdateInterval:   m.UpdateInterval,
		MaxChunkSpan:     m.MaxChunkSpan,
		Addressing:       domain.Addressing(strings.ToLower(m.Addressing)),
		InputFallback:    domain.InputFallback(strings.ToLower(m.InputFallback)),
		BreakerThreshold: m.BreakerThreshold,
		BreakerCooldown:  m.BreakerCooldown,
	}.WithDefaults()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.ModbusConfig().Validate(); err != nil {
		return err
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return domain.ConfigError(fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port))
	}
	if c.API.AuthEnabled && c.API.APIKey == "" {
		return domain.ConfigError(errors.New("api key is required when auth is enabled"))
	}
	if c.MQTT.Enabled {
		if c.MQTT.BrokerURL == "" {
			return domain.ConfigError(errors.New("MQTT broker URL is required"))
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return domain.ConfigError(fmt.Errorf("invalid MQTT qos: %d", c.MQTT.QoS))
		}
		if strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
			return domain.ConfigError(errors.New("MQTT topic prefix is required"))
		}
	}
	return nil
}

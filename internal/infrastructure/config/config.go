package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for teleop-core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Transport TransportConfig `yaml:"transport"`
	Billing   BillingConfig   `yaml:"billing"`
	Safety    SafetyConfig    `yaml:"safety"`
	Payment   PaymentConfig   `yaml:"payment"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig identifies this instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite event log settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket hub settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// AuthConfig contains API authentication settings. An empty JWTSecret runs
// the API in development mode, trusting the X-User-ID header.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// RegistryConfig contains device registry policy.
type RegistryConfig struct {
	AutoApproval         bool `yaml:"auto_approval"`
	MaxDevicesPerOwner   int  `yaml:"max_devices_per_owner"`
	RequireCertification bool `yaml:"require_certification"`
}

// TransportConfig contains device transport settings.
type TransportConfig struct {
	// ResponseBufferMs is added to a capability's execution time to form
	// the async response deadline.
	ResponseBufferMs int `yaml:"response_buffer_ms"`

	// HTTPTimeout bounds a synchronous device call, in seconds.
	HTTPTimeout int `yaml:"http_timeout"`

	// RedialMinMs and RedialMaxMs bound the backoff used to redial a
	// persistent device link that dropped.
	RedialMinMs int `yaml:"redial_min_ms"`
	RedialMaxMs int `yaml:"redial_max_ms"`
}

// BillingConfig contains command pricing defaults.
type BillingConfig struct {
	// DefaultOverageRate is charged per second beyond a capability's
	// execution time when the device pricing sets no overage rate.
	DefaultOverageRate float64 `yaml:"default_overage_rate"`
	Currency           string  `yaml:"currency"`
}

// SafetyConfig bounds motion parameters on every command. Zero limits
// are not enforced.
type SafetyConfig struct {
	MaxSpeed float64 `yaml:"max_speed"`
	MaxForce float64 `yaml:"max_force"`

	// Boundaries maps a coordinate parameter name to its [min, max] range.
	Boundaries map[string][]float64 `yaml:"boundaries"`
}

// PaymentConfig selects the settlement backend.
type PaymentConfig struct {
	// Mode is "local" or "facilitator".
	Mode    string `yaml:"mode"`
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Timeout int    `yaml:"timeout"`
	Payee   string `yaml:"payee"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// KafkaConfig contains event forwarding settings.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	BatchTimeout int      `yaml:"batch_timeout_ms"`
}

// MetricsConfig contains Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Payment modes.
const (
	PaymentModeLocal       = "local"
	PaymentModeFacilitator = "facilitator"
)

// minJWTSecretLength is enforced whenever a JWT secret is configured.
const minJWTSecretLength = 32

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TELEOP_SECTION_KEY
// For example: TELEOP_DATABASE_PATH, TELEOP_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults. Optional integrations
// (MQTT, InfluxDB, Kafka) are disabled.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "teleop-001",
			Name: "teleop-core",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  120,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Auth: AuthConfig{
			Issuer: "teleop-core",
		},
		Registry: RegistryConfig{
			MaxDevicesPerOwner: 10,
		},
		Transport: TransportConfig{
			ResponseBufferMs: 5000,
			HTTPTimeout:      30,
			RedialMinMs:      1000,
			RedialMaxMs:      30000,
		},
		Billing: BillingConfig{
			DefaultOverageRate: 0.001,
			Currency:           "SOL",
		},
		Payment: PaymentConfig{
			Mode:    PaymentModeLocal,
			Timeout: 30,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/teleop.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "teleop-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Org:           "teleop",
			Bucket:        "teleop",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "teleop.events",
			BatchTimeout: 100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TELEOP_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"TELEOP_API_HOST":          &cfg.API.Host,
		"TELEOP_JWT_SECRET":        &cfg.Auth.JWTSecret,
		"TELEOP_DATABASE_PATH":     &cfg.Database.Path,
		"TELEOP_MQTT_HOST":         &cfg.MQTT.Broker.Host,
		"TELEOP_MQTT_USERNAME":     &cfg.MQTT.Auth.Username,
		"TELEOP_MQTT_PASSWORD":     &cfg.MQTT.Auth.Password,
		"TELEOP_INFLUXDB_URL":      &cfg.InfluxDB.URL,
		"TELEOP_INFLUXDB_TOKEN":    &cfg.InfluxDB.Token,
		"TELEOP_PAYMENT_MODE":      &cfg.Payment.Mode,
		"TELEOP_PAYMENT_URL":       &cfg.Payment.URL,
		"TELEOP_PAYMENT_API_KEY":   &cfg.Payment.APIKey,
		"TELEOP_KAFKA_TOPIC":       &cfg.Kafka.Topic,
		"TELEOP_LOG_LEVEL":         &cfg.Logging.Level,
		"TELEOP_BILLING_CURRENCY":  &cfg.Billing.Currency,
		"TELEOP_SERVICE_ID":        &cfg.Service.ID,
		"TELEOP_PAYMENT_PAYEE":     &cfg.Payment.Payee,
		"TELEOP_AUTH_ISSUER":       &cfg.Auth.Issuer,
		"TELEOP_METRICS_PATH":      &cfg.Metrics.Path,
		"TELEOP_INFLUXDB_ORG":      &cfg.InfluxDB.Org,
		"TELEOP_INFLUXDB_BUCKET":   &cfg.InfluxDB.Bucket,
		"TELEOP_MQTT_CLIENT_ID":    &cfg.MQTT.Broker.ClientID,
		"TELEOP_LOG_FORMAT":        &cfg.Logging.Format,
		"TELEOP_API_TLS_CERT_FILE": &cfg.API.TLS.CertFile,
		"TELEOP_API_TLS_KEY_FILE":  &cfg.API.TLS.KeyFile,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("TELEOP_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}

	var errs []string
	ints := map[string]*int{
		"TELEOP_API_PORT":  &cfg.API.Port,
		"TELEOP_MQTT_PORT": &cfg.MQTT.Broker.Port,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not an integer", key, v))
				continue
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"TELEOP_MQTT_ENABLED":     &cfg.MQTT.Enabled,
		"TELEOP_INFLUXDB_ENABLED": &cfg.InfluxDB.Enabled,
		"TELEOP_KAFKA_ENABLED":    &cfg.Kafka.Enabled,
		"TELEOP_DATABASE_ENABLED": &cfg.Database.Enabled,
		"TELEOP_AUTO_APPROVAL":    &cfg.Registry.AutoApproval,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
				continue
			}
			*dst = b
		}
	}

	if v := os.Getenv("TELEOP_BILLING_OVERAGE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("TELEOP_BILLING_OVERAGE_RATE: %q is not a number", v))
		} else {
			cfg.Billing.DefaultOverageRate = f
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration and reports every problem at once.
//
// Returns:
//   - error: All violations joined with "; ", or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls requires cert_file and key_file")
	}

	// An empty secret is development mode; a short one is always a mistake.
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, "auth.jwt_secret must be at least 32 characters")
	}

	if c.Registry.MaxDevicesPerOwner < 1 {
		errs = append(errs, "registry.max_devices_per_owner must be at least 1")
	}

	if c.Transport.ResponseBufferMs < 0 {
		errs = append(errs, "transport.response_buffer_ms cannot be negative")
	}
	if c.Transport.RedialMinMs < 0 || c.Transport.RedialMaxMs < 0 {
		errs = append(errs, "transport redial bounds cannot be negative")
	} else if c.Transport.RedialMaxMs != 0 && c.Transport.RedialMaxMs < c.Transport.RedialMinMs {
		errs = append(errs, "transport.redial_max_ms must not be below redial_min_ms")
	}

	if c.Billing.DefaultOverageRate < 0 {
		errs = append(errs, "billing.default_overage_rate cannot be negative")
	}
	switch c.Billing.Currency {
	case "SOL", "USDC":
	default:
		errs = append(errs, fmt.Sprintf("billing.currency %q must be SOL or USDC", c.Billing.Currency))
	}

	if c.Safety.MaxSpeed < 0 || c.Safety.MaxForce < 0 {
		errs = append(errs, "safety limits cannot be negative")
	}
	axes := make([]string, 0, len(c.Safety.Boundaries))
	for axis := range c.Safety.Boundaries {
		axes = append(axes, axis)
	}
	sort.Strings(axes)
	for _, axis := range axes {
		b := c.Safety.Boundaries[axis]
		if len(b) != 2 || b[0] > b[1] {
			errs = append(errs, fmt.Sprintf("safety.boundaries.%s must be [min, max]", axis))
		}
	}

	switch c.Payment.Mode {
	case PaymentModeLocal:
	case PaymentModeFacilitator:
		if c.Payment.URL == "" {
			errs = append(errs, "payment.url is required in facilitator mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("payment.mode %q must be local or facilitator", c.Payment.Mode))
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, "kafka.brokers and kafka.topic are required when enabled")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// ResponseBuffer returns the async transport response buffer.
func (c *Config) ResponseBuffer() time.Duration {
	return time.Duration(c.Transport.ResponseBufferMs) * time.Millisecond
}

// RedialBackoff returns the bounds for redialling dropped device links.
func (c *Config) RedialBackoff() (minDelay, maxDelay time.Duration) {
	return time.Duration(c.Transport.RedialMinMs) * time.Millisecond,
		time.Duration(c.Transport.RedialMaxMs) * time.Millisecond
}

// PaymentTimeout returns the settlement call timeout.
func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Payment.Timeout) * time.Second
}

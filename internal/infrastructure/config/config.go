package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for rolekeeper.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	BrokerAPI  BrokerAPIConfig  `yaml:"broker_api"`
	API        APIConfig        `yaml:"api"`
	Roles      RolesConfig      `yaml:"roles"`
	Eviction   EvictionConfig   `yaml:"eviction"`
	Credential CredentialConfig `yaml:"credential"`
	Security   SecurityConfig   `yaml:"security"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for rolekeeper's own
// client (used for revocation notifications and the service status topic).
type MQTTConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// BrokerAPIConfig contains settings for the broker's administrative HTTP API
// (the control plane used to query client status and force disconnects).
type BrokerAPIConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`
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

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// RolesConfig defines the closed set of relay roles a device may claim.
type RolesConfig struct {
	Allowed []string `yaml:"allowed"`
}

// EvictionConfig contains the forced-takeover protocol settings.
type EvictionConfig struct {
	// Budget is the wall-clock deadline for eviction verification, in seconds.
	Budget int `yaml:"budget"`

	// InitialBackoffMS is the first verifier poll interval, in milliseconds.
	InitialBackoffMS int `yaml:"initial_backoff_ms"`

	// MaxBackoffMS caps the verifier poll interval, in milliseconds.
	MaxBackoffMS int `yaml:"max_backoff_ms"`

	// ProceedAfterTimeout selects the policy when eviction cannot be
	// confirmed within the budget. False (fail-closed) rejects the claim;
	// true (fail-open) grants it and flags the response as uncertain.
	ProceedAfterTimeout bool `yaml:"proceed_after_timeout"`

	// DisconnectRetries bounds retries of the broker disconnect call.
	DisconnectRetries int `yaml:"disconnect_retries"`

	// StaleRetries bounds restarts of conflict resolution after a
	// concurrent takeover superseded the lease mid-flight.
	StaleRetries int `yaml:"stale_retries"`
}

// CredentialConfig contains broker credential issuance settings.
type CredentialConfig struct {
	Secret     string `yaml:"secret"`
	TTLMinutes int    `yaml:"ttl_minutes"`
	Issuer     string `yaml:"issuer"`
}

// SecurityConfig contains security settings for the HTTP surface.
type SecurityConfig struct {
	JWT           JWTConfig `yaml:"jwt"`
	WebhookSecret string    `yaml:"webhook_secret"`
}

// JWTConfig contains settings for validating caller access tokens.
type JWTConfig struct {
	Secret string `yaml:"secret"`
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

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ROLEKEEPER_SECTION_KEY
// For example: ROLEKEEPER_DATABASE_PATH, ROLEKEEPER_CREDENTIAL_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/rolekeeper.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "rolekeeper-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		BrokerAPI: BrokerAPIConfig{
			Host:    "localhost",
			Port:    18083,
			Timeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Roles: RolesConfig{
			Allowed: []string{"transmitter", "receiver"},
		},
		Eviction: EvictionConfig{
			Budget:              10,
			InitialBackoffMS:    500,
			MaxBackoffMS:        5000,
			ProceedAfterTimeout: false,
			DisconnectRetries:   3,
			StaleRetries:        3,
		},
		Credential: CredentialConfig{
			TTLMinutes: 60,
			Issuer:     "rolekeeper",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ROLEKEEPER_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("ROLEKEEPER_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ROLEKEEPER_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ROLEKEEPER_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ROLEKEEPER_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Broker control plane
	if v := os.Getenv("ROLEKEEPER_BROKER_API_HOST"); v != "" {
		cfg.BrokerAPI.Host = v
	}
	if v := os.Getenv("ROLEKEEPER_BROKER_API_USERNAME"); v != "" {
		cfg.BrokerAPI.Username = v
	}
	if v := os.Getenv("ROLEKEEPER_BROKER_API_PASSWORD"); v != "" {
		cfg.BrokerAPI.Password = v
	}

	// API
	if v := os.Getenv("ROLEKEEPER_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("ROLEKEEPER_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Secrets (IMPORTANT: always override in production)
	if v := os.Getenv("ROLEKEEPER_CREDENTIAL_SECRET"); v != "" {
		cfg.Credential.Secret = v
	}
	if v := os.Getenv("ROLEKEEPER_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("ROLEKEEPER_WEBHOOK_SECRET"); v != "" {
		cfg.Security.WebhookSecret = v
	}
}

// minSecretLength is the minimum length for signing secrets.
// Broker credentials gate exclusive relay roles; a forgeable secret would
// let an attacker mint credentials for roles it never acquired.
const minSecretLength = 32

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// Broker control plane validation
	if c.BrokerAPI.Host == "" {
		errs = append(errs, "broker_api.host is required")
	}
	if c.BrokerAPI.Port < 1 || c.BrokerAPI.Port > 65535 {
		errs = append(errs, "broker_api.port must be between 1 and 65535")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Role set validation
	if len(c.Roles.Allowed) == 0 {
		errs = append(errs, "roles.allowed must list at least one role")
	}
	seen := make(map[string]bool)
	for _, role := range c.Roles.Allowed {
		if role == "" {
			errs = append(errs, "roles.allowed must not contain empty entries")
			continue
		}
		if seen[role] {
			errs = append(errs, fmt.Sprintf("roles.allowed contains duplicate role %q", role))
		}
		seen[role] = true
	}

	// Eviction validation
	if c.Eviction.Budget <= 0 {
		errs = append(errs, "eviction.budget must be positive")
	}
	if c.Eviction.InitialBackoffMS <= 0 {
		errs = append(errs, "eviction.initial_backoff_ms must be positive")
	}
	if c.Eviction.MaxBackoffMS < c.Eviction.InitialBackoffMS {
		errs = append(errs, "eviction.max_backoff_ms must be >= eviction.initial_backoff_ms")
	}

	// Secret validation - credentials gate role exclusivity
	if c.Credential.Secret == "" {
		errs = append(errs, "credential.secret is required (set ROLEKEEPER_CREDENTIAL_SECRET environment variable)")
	} else if len(c.Credential.Secret) < minSecretLength {
		errs = append(errs, "credential.secret must be at least 32 characters")
	}
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set ROLEKEEPER_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RoleAllowed reports whether role is in the configured role set.
func (c *Config) RoleAllowed(role string) bool {
	for _, allowed := range c.Roles.Allowed {
		if allowed == role {
			return true
		}
	}
	return false
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

// EvictionBudget returns the eviction verification deadline as a Duration.
func (e EvictionConfig) EvictionBudget() time.Duration {
	return time.Duration(e.Budget) * time.Second
}

// InitialBackoff returns the first verifier poll interval as a Duration.
func (e EvictionConfig) InitialBackoff() time.Duration {
	return time.Duration(e.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the verifier poll interval cap as a Duration.
func (e EvictionConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMS) * time.Millisecond
}

// RequestTimeout returns the broker control API per-request timeout.
func (b BrokerAPIConfig) RequestTimeout() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// TTL returns the credential lifetime as a Duration.
func (c CredentialConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// Package config provides environment-variable-first configuration loading
// with an optional YAML file and .env file for the sandbox gateway.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 25 MiB in bytes.
	defaultMaxMessageSize = 25 * 1024 * 1024

	BackendRedis  = "redis"
	BackendMemory = "memory"

	ProviderRelay  = "relay"
	ProviderSES    = "ses"
	ProviderGraph  = "graph"
	ProviderStdout = "stdout"

	// JobOverhead is the time an analysis job may take beyond the poll
	// budget: the grace before its deadline plus the time to settle.
	JobOverhead = 30*time.Second + 2*time.Minute
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	Relay      RelayConfig      `yaml:"relay"`
	Redis      RedisConfig      `yaml:"redis"`
	Store      StoreConfig      `yaml:"store"`
	Queue      QueueConfig      `yaml:"queue"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Policy     PolicyConfig     `yaml:"policy"`
	Provider   string           `yaml:"provider"`
	SES        SESConfig        `yaml:"ses"`
	Graph      GraphConfig      `yaml:"graph"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	TLS        TLSConfig        `yaml:"tls"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SMTPConfig holds the inbound listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int64  `yaml:"max_connections"`
}

// RelayConfig holds the downstream SMTP relay used by the relay provider.
type RelayConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DisableStartTLS bool          `yaml:"disable_starttls"`
	Timeout         time.Duration `yaml:"timeout"`
}

// RedisConfig holds the connection settings shared by the store and queue.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig selects the correlation store backend.
type StoreConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// QueueConfig selects the job queue backend and sizes the worker pool.
type QueueConfig struct {
	Backend     string `yaml:"backend"`
	Workers     int    `yaml:"workers"`
	MaxFailures int    `yaml:"max_failures"`
}

// SandboxConfig holds the WildFire credentials and the polling budget.
type SandboxConfig struct {
	APIKey              string `yaml:"api_key"`
	URL                 string `yaml:"url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxPollAttempts     int    `yaml:"max_poll_attempts"`
	MaxPollErrors       int    `yaml:"max_poll_errors"`
}

// PollInterval returns the poll interval as a duration.
func (s SandboxConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// PolicyConfig controls what happens to mail with removed or unverified
// attachments.
type PolicyConfig struct {
	ForwardSanitized bool   `yaml:"forward_sanitized"`
	Fail             string `yaml:"fail"`
}

// SESConfig holds AWS SES provider configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// QuarantineConfig enables the S3 archive of removed attachments. An empty
// bucket disables it.
type QuarantineConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ConfigError describes one invalid or missing setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. An empty path means
// ./.env, which may be absent.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables with sensible
// defaults. Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration can start the gateway. Every
// problem is reported; each is a *ConfigError.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Sandbox.APIKey == "" {
		fail("SANDBOX_API_KEY", "is required")
	}
	if c.Sandbox.PollIntervalSeconds <= 0 {
		fail("POLL_INTERVAL_SECONDS", "must be positive")
	}
	if c.Sandbox.MaxPollAttempts <= 0 {
		fail("MAX_POLL_ATTEMPTS", "must be positive")
	}
	if c.Sandbox.MaxPollErrors <= 0 {
		fail("MAX_POLL_ERRORS", "must be positive")
	}

	switch c.Policy.Fail {
	case "open", "closed":
	default:
		fail("FAIL_POLICY", "must be open or closed, got %q", c.Policy.Fail)
	}

	for field, backend := range map[string]string{"STORE_BACKEND": c.Store.Backend, "QUEUE_BACKEND": c.Queue.Backend} {
		if backend != BackendRedis && backend != BackendMemory {
			fail(field, "must be redis or memory, got %q", backend)
		}
	}
	if c.Store.Backend == BackendMemory && c.Queue.Backend == BackendRedis {
		fail("STORE_BACKEND", "memory store cannot back a redis queue shared between processes")
	}
	if c.Store.TTL <= 0 {
		fail("STORE_TTL", "must be positive")
	} else if c.Sandbox.PollIntervalSeconds > 0 && c.Sandbox.MaxPollAttempts > 0 {
		if longest := c.JobDuration(); c.Store.TTL <= longest {
			fail("STORE_TTL", "must exceed the longest job (%s), got %s", longest, c.Store.TTL)
		}
	}
	if c.Queue.Workers <= 0 {
		fail("WORKER_COUNT", "must be positive")
	}
	if c.Queue.MaxFailures <= 0 {
		fail("MAX_JOB_FAILURES", "must be positive")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		fail("SMTP_MAX_MESSAGE_SIZE", "must be positive")
	}

	switch c.Provider {
	case ProviderRelay:
		if c.Relay.Host == "" || c.Relay.Port <= 0 {
			fail("RELAY_HOST", "relay provider requires RELAY_HOST and RELAY_PORT")
		}
	case ProviderSES:
		if !c.SESConfigured() {
			fail("SES_REGION", "ses provider requires SES_REGION and SES_SENDER")
		}
	case ProviderGraph:
		if !c.GraphConfigured() {
			fail("GRAPH_TENANT_ID", "graph provider requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER")
		}
	case ProviderStdout:
	default:
		fail("PROVIDER", "unknown provider %q", c.Provider)
	}

	return errors.Join(errs...)
}

// JobDuration is the longest one analysis job can hold a message: the
// full poll budget plus JobOverhead.
func (c *Config) JobDuration() time.Duration {
	return c.Sandbox.PollInterval()*time.Duration(c.Sandbox.MaxPollAttempts) + JobOverhead
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// QuarantineEnabled reports whether removed attachments are archived.
func (c *Config) QuarantineEnabled() bool {
	return c.Quarantine.Bucket != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnections = 100

	c.Relay.Host = "localhost"
	c.Relay.Port = 25
	c.Relay.Timeout = 60 * time.Second

	c.Redis.Host = "localhost"
	c.Redis.Port = 6379

	c.Store.Backend = BackendRedis
	c.Store.TTL = time.Hour
	c.Queue.Backend = BackendRedis
	c.Queue.Workers = 4
	c.Queue.MaxFailures = 3

	c.Sandbox.URL = "https://wildfire.paloaltonetworks.com"
	c.Sandbox.PollIntervalSeconds = 30
	c.Sandbox.MaxPollAttempts = 10
	c.Sandbox.MaxPollErrors = 3

	c.Policy.Fail = "closed"
	c.Provider = ProviderRelay
	c.Quarantine.Prefix = "quarantine/"
	c.Logging.Level = "info"
}

// envReader collects parse errors while applying overrides. Only non-empty
// variables override existing values; the first name that is set wins, so
// legacy names are listed after current ones.
type envReader struct {
	errs []error
}

func (r *envReader) lookup(names ...string) (string, string, bool) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return name, v, true
		}
	}
	return "", "", false
}

func (r *envReader) str(dst *string, names ...string) {
	if _, v, ok := r.lookup(names...); ok {
		*dst = v
	}
}

func (r *envReader) integer(dst *int, names ...string) {
	if name, v, ok := r.lookup(names...); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, &ConfigError{Field: name, Reason: fmt.Sprintf("invalid integer %q", v)})
			return
		}
		*dst = n
	}
}

func (r *envReader) int64(dst *int64, names ...string) {
	if name, v, ok := r.lookup(names...); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, &ConfigError{Field: name, Reason: fmt.Sprintf("invalid integer %q", v)})
			return
		}
		*dst = n
	}
}

func (r *envReader) boolean(dst *bool, names ...string) {
	if name, v, ok := r.lookup(names...); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.errs = append(r.errs, &ConfigError{Field: name, Reason: fmt.Sprintf("invalid boolean %q", v)})
			return
		}
		*dst = b
	}
}

// duration accepts Go duration syntax ("90s", "1h") or a bare number of
// seconds.
func (r *envReader) duration(dst *time.Duration, names ...string) {
	name, v, ok := r.lookup(names...)
	if !ok {
		return
	}
	if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, &ConfigError{Field: name, Reason: fmt.Sprintf("invalid duration %q", v)})
		return
	}
	*dst = d
}

// applyEnvVars overrides configuration with environment variable values.
func (c *Config) applyEnvVars() error {
	r := &envReader{}

	r.str(&c.SMTP.Listen, "SMTP_LISTEN")
	r.str(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	r.str(&c.SMTP.Username, "SMTP_USERNAME")
	r.str(&c.SMTP.Password, "SMTP_PASSWORD")
	r.int64(&c.SMTP.MaxMessageSize, "SMTP_MAX_MESSAGE_SIZE")
	r.int64(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS")

	r.str(&c.Relay.Host, "RELAY_HOST", "SMTP_SERVER")
	r.integer(&c.Relay.Port, "RELAY_PORT", "SMTP_PORT")
	r.str(&c.Relay.Username, "RELAY_USERNAME")
	r.str(&c.Relay.Password, "RELAY_PASSWORD")
	r.boolean(&c.Relay.DisableStartTLS, "RELAY_DISABLE_STARTTLS")
	r.duration(&c.Relay.Timeout, "RELAY_TIMEOUT")

	r.str(&c.Redis.Host, "REDIS_HOST")
	r.integer(&c.Redis.Port, "REDIS_PORT")
	r.integer(&c.Redis.DB, "REDIS_DB")
	r.str(&c.Redis.Password, "REDIS_PASSWORD")

	r.str(&c.Store.Backend, "STORE_BACKEND")
	r.duration(&c.Store.TTL, "STORE_TTL")
	r.str(&c.Queue.Backend, "QUEUE_BACKEND")
	r.integer(&c.Queue.Workers, "WORKER_COUNT")
	r.integer(&c.Queue.MaxFailures, "MAX_JOB_FAILURES")

	r.str(&c.Sandbox.APIKey, "SANDBOX_API_KEY", "WILDFIRE_API_KEY")
	r.str(&c.Sandbox.URL, "SANDBOX_URL")
	r.integer(&c.Sandbox.PollIntervalSeconds, "POLL_INTERVAL_SECONDS")
	r.integer(&c.Sandbox.MaxPollAttempts, "MAX_POLL_ATTEMPTS")
	r.integer(&c.Sandbox.MaxPollErrors, "MAX_POLL_ERRORS")

	r.boolean(&c.Policy.ForwardSanitized, "FORWARD_SANITIZED_MAIL", "FORWARD_WASHED_MAIL")
	r.str(&c.Policy.Fail, "FAIL_POLICY")
	c.Policy.Fail = strings.ToLower(c.Policy.Fail)

	r.str(&c.Provider, "PROVIDER")
	c.Provider = strings.ToLower(c.Provider)

	r.str(&c.SES.Region, "SES_REGION")
	r.str(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	r.str(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	r.str(&c.SES.Sender, "SES_SENDER")
	r.str(&c.SES.ConfigurationSet, "SES_CONFIGURATION_SET")

	r.str(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	r.str(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	r.str(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	r.str(&c.Graph.Sender, "GRAPH_SENDER")

	r.str(&c.Quarantine.Bucket, "QUARANTINE_BUCKET")
	r.str(&c.Quarantine.Prefix, "QUARANTINE_PREFIX")
	r.str(&c.Quarantine.Region, "QUARANTINE_REGION")

	r.str(&c.TLS.CertFile, "TLS_CERT_FILE")
	r.str(&c.TLS.KeyFile, "TLS_KEY_FILE")

	r.str(&c.Logging.Level, "LOG_LEVEL")
	c.Logging.Level = strings.ToLower(c.Logging.Level)

	return errors.Join(r.errs...)
}

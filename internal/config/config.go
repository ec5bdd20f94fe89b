package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the settings of one relayshare instance. Values come from an
// optional TOML file; RELAYSHARE_* environment variables override them.
type Config struct {
	Addr string `toml:"addr"`
	// Domain is the instance host name, PublicURL the base URL peers use.
	Domain     string `toml:"domain"`
	PublicURL  string `toml:"public_url"`
	PublicName string `toml:"public_name"`
	LogLevel   string `toml:"log_level"`

	StateBackendDSN string `toml:"state_backend_dsn"` // file://, memory:// or postgres://
	JobQueueDSN     string `toml:"job_queue_dsn"`
	JobQueueSize    int    `toml:"job_queue_size"`

	JWTSecret string `toml:"jwt_secret"`

	Sharing   SharingConfig   `toml:"sharing"`
	Peer      PeerConfig      `toml:"peer"`
	Jobs      JobsConfig      `toml:"jobs"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

type SharingConfig struct {
	ReplicateDebounce   Duration `toml:"replicate_debounce"`
	UploadDebounce      Duration `toml:"upload_debounce"`
	DiscoveryRetryDelay Duration `toml:"discovery_retry_delay"`
}

type PeerConfig struct {
	Timeout Duration `toml:"timeout"`
}

type JobsConfig struct {
	Workers     int `toml:"workers"`
	MaxAttempts int `toml:"max_attempts"`
}

type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// Duration reads "30s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	value, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = value
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the settings used when neither the file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Addr:            ":8080",
		Domain:          "localhost:8080",
		LogLevel:        "info",
		StateBackendDSN: "memory://",
		JobQueueSize:    1024,
		Sharing: SharingConfig{
			ReplicateDebounce:   Duration{5 * time.Second},
			UploadDebounce:      Duration{5 * time.Second},
			DiscoveryRetryDelay: Duration{2 * time.Second},
		},
		Peer: PeerConfig{Timeout: Duration{15 * time.Second}},
		Jobs: JobsConfig{Workers: 4, MaxAttempts: 5},
		RateLimit: RateLimitConfig{
			RPS:   0,
			Burst: 0,
		},
	}
}

// Read decodes a Config from r on top of the defaults.
func Read(r io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads the file named by path, or by RELAYSHARE_CONFIG when path is
// empty, then applies the environment. A missing file is only an error when
// it was named explicitly.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("RELAYSHARE_CONFIG"))
	}
	cfg := Default()
	if path != "" {
		var err error
		cfg, err = ReadFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = stringEnv("RELAYSHARE_ADDR", c.Addr)
	c.Domain = stringEnv("RELAYSHARE_DOMAIN", c.Domain)
	c.PublicURL = stringEnv("RELAYSHARE_PUBLIC_URL", c.PublicURL)
	c.PublicName = stringEnv("RELAYSHARE_PUBLIC_NAME", c.PublicName)
	c.LogLevel = stringEnv("RELAYSHARE_LOG_LEVEL", c.LogLevel)
	c.StateBackendDSN = stringEnv("RELAYSHARE_STATE_BACKEND_DSN", c.StateBackendDSN)
	c.JobQueueDSN = stringEnv("RELAYSHARE_JOB_QUEUE_DSN", c.JobQueueDSN)
	c.JobQueueSize = intEnv("RELAYSHARE_JOB_QUEUE_SIZE", c.JobQueueSize)
	c.JWTSecret = stringEnv("RELAYSHARE_JWT_SECRET", c.JWTSecret)
	c.Sharing.ReplicateDebounce.Duration = durationEnv("RELAYSHARE_REPLICATE_DEBOUNCE", c.Sharing.ReplicateDebounce.Duration)
	c.Sharing.UploadDebounce.Duration = durationEnv("RELAYSHARE_UPLOAD_DEBOUNCE", c.Sharing.UploadDebounce.Duration)
	c.Sharing.DiscoveryRetryDelay.Duration = durationEnv("RELAYSHARE_DISCOVERY_RETRY_DELAY", c.Sharing.DiscoveryRetryDelay.Duration)
	c.Peer.Timeout.Duration = durationEnv("RELAYSHARE_PEER_TIMEOUT", c.Peer.Timeout.Duration)
	c.Jobs.Workers = intEnv("RELAYSHARE_JOB_WORKERS", c.Jobs.Workers)
	c.Jobs.MaxAttempts = intEnv("RELAYSHARE_MAX_JOB_ATTEMPTS", c.Jobs.MaxAttempts)
	c.RateLimit.RPS = floatEnv("RELAYSHARE_RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = intEnv("RELAYSHARE_RATE_LIMIT_BURST", c.RateLimit.Burst)
}

// Validate fills the derived values and rejects unusable settings.
func (c *Config) Validate() error {
	c.Domain = strings.TrimSpace(c.Domain)
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.PublicURL == "" {
		c.PublicURL = "http://" + c.Domain
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
	if !strings.HasPrefix(c.PublicURL, "http://") && !strings.HasPrefix(c.PublicURL, "https://") {
		return fmt.Errorf("public url must be http or https: %s", c.PublicURL)
	}
	if c.PublicName == "" {
		c.PublicName = c.Domain
	}
	if c.JobQueueSize <= 0 {
		return fmt.Errorf("job queue size must be positive, got %d", c.JobQueueSize)
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate limit rps must not be negative, got %v", c.RateLimit.RPS)
	}
	return nil
}

// JWTSecretOrDefault returns the signing secret, falling back to a
// development value when none is configured.
func (c *Config) JWTSecretOrDefault() string {
	if c.JWTSecret == "" {
		return "dev-secret"
	}
	return c.JWTSecret
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

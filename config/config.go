package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/raven-ecosystem/ravenauth/core"
	"github.com/raven-ecosystem/ravenauth/signer"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultEnvPrefix is the prefix of every environment variable
	DefaultEnvPrefix = "RAVENAUTH_"

	VerifierCanister = "canister"
	VerifierMemory   = "memory"
)

// Config is the process configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	RedisURL   string `yaml:"redis_url"` // empty selects in-memory stores

	// Internet Computer
	ICHost       string `yaml:"ic_host"`
	FetchRootKey bool   `yaml:"fetch_root_key"`
	SIWECanister string `yaml:"siwe_canister"`
	SIWSCanister string `yaml:"siws_canister"`
	SIWBCanister string `yaml:"siwb_canister"`
	SISCanister  string `yaml:"sis_canister"`
	Verifier     string `yaml:"verifier"`

	// Sign-in messages
	Domain string `yaml:"domain"`
	URI    string `yaml:"uri"`

	// ES256 key for challenge and access tokens. A fresh key is generated
	// when empty, which invalidates tokens on restart.
	JWTKeyFile string        `yaml:"jwt_key_file"`
	AccessTTL  time.Duration `yaml:"access_ttl"`

	// Signer bridge
	IdentityPEM        string        `yaml:"identity_pem"`
	SignerURL          string        `yaml:"signer_url"`
	SignerOrigin       string        `yaml:"signer_origin"`
	SignerTimeout      time.Duration `yaml:"signer_timeout"`
	SignerPollInterval time.Duration `yaml:"signer_poll_interval"`

	DemoStore string `yaml:"demo_store"`

	LogLevel string `yaml:"log_level"`

	// Gateway
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
	AllowOrigins   []string `yaml:"allow_origins"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		ListenAddr:         ":9000",
		ICHost:             "https://icp0.io",
		Verifier:           VerifierCanister,
		Domain:             "localhost",
		URI:                "http://localhost:9000",
		AccessTTL:          24 * time.Hour,
		SignerURL:          signer.DefaultURL,
		SignerTimeout:      signer.DefaultRequestTimeout,
		SignerPollInterval: signer.DefaultPollInterval,
		DemoStore:          "~/.ravenauth/demo.yaml",
		LogLevel:           "info",
		RateLimitRPS:       10,
		RateLimitBurst:     20,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file and RAVENAUTH_ environment variables, in increasing
// precedence.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	loader := NewEnvLoader(DefaultEnvPrefix)
	loader.LoadAll()
	if err := cfg.applyEnv(loader); err != nil {
		return nil, err
	}

	if cfg.SignerOrigin == "" && cfg.SignerURL != "" {
		origin, err := signer.OriginOf(cfg.SignerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid signer URL: %w", err)
		}
		cfg.SignerOrigin = origin
	}

	demoStore, err := expandHome(cfg.DemoStore)
	if err != nil {
		return nil, err
	}
	cfg.DemoStore = demoStore

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(loader *EnvLoader) error {
	var err error

	c.ListenAddr = loader.GetString("LISTEN_ADDR", c.ListenAddr)
	c.RedisURL = loader.GetString("REDIS_URL", c.RedisURL)

	c.ICHost = loader.GetString("IC_HOST", c.ICHost)
	c.FetchRootKey = loader.GetBool("FETCH_ROOT_KEY", c.FetchRootKey)
	c.SIWECanister = loader.GetString("SIWE_CANISTER", c.SIWECanister)
	c.SIWSCanister = loader.GetString("SIWS_CANISTER", c.SIWSCanister)
	c.SIWBCanister = loader.GetString("SIWB_CANISTER", c.SIWBCanister)
	c.SISCanister = loader.GetString("SIS_CANISTER", c.SISCanister)
	c.Verifier = strings.ToLower(loader.GetString("VERIFIER", c.Verifier))

	c.Domain = loader.GetString("DOMAIN", c.Domain)
	c.URI = loader.GetString("URI", c.URI)

	c.JWTKeyFile = loader.GetString("JWT_KEY_FILE", c.JWTKeyFile)
	if c.AccessTTL, err = loader.GetDuration("ACCESS_TTL", c.AccessTTL); err != nil {
		return err
	}

	c.IdentityPEM = loader.GetString("IDENTITY_PEM", c.IdentityPEM)
	c.SignerURL = loader.GetString("SIGNER_URL", c.SignerURL)
	c.SignerOrigin = loader.GetString("SIGNER_ORIGIN", c.SignerOrigin)
	if c.SignerTimeout, err = loader.GetDuration("SIGNER_TIMEOUT", c.SignerTimeout); err != nil {
		return err
	}
	if c.SignerPollInterval, err = loader.GetDuration("SIGNER_POLL_INTERVAL", c.SignerPollInterval); err != nil {
		return err
	}

	c.DemoStore = loader.GetString("DEMO_STORE", c.DemoStore)
	c.LogLevel = loader.GetString("LOG_LEVEL", c.LogLevel)

	if c.RateLimitRPS, err = loader.GetFloat64("RATE_LIMIT_RPS", c.RateLimitRPS); err != nil {
		return err
	}
	if c.RateLimitBurst, err = loader.GetInt("RATE_LIMIT_BURST", c.RateLimitBurst); err != nil {
		return err
	}
	if origins := loader.GetString("ALLOW_ORIGINS", ""); origins != "" {
		c.AllowOrigins = strings.Split(origins, ",")
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	switch c.Verifier {
	case VerifierMemory:
	case VerifierCanister:
		if c.ICHost == "" {
			return fmt.Errorf("IC host is required for the canister verifier")
		}
		if _, err := url.ParseRequestURI(c.ICHost); err != nil {
			return fmt.Errorf("invalid IC host: %w", err)
		}
	default:
		return fmt.Errorf("unknown verifier %q: must be %q or %q", c.Verifier, VerifierCanister, VerifierMemory)
	}

	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.URI == "" {
		return fmt.Errorf("URI is required")
	}
	if c.AccessTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}

	if c.SignerTimeout <= 0 {
		return fmt.Errorf("signer timeout must be positive")
	}
	if c.SignerPollInterval <= 0 {
		return fmt.Errorf("signer poll interval must be positive")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit must be non-negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit burst must be positive when rate limiting is enabled")
	}

	return nil
}

// CanisterIDs returns the configured sign-in canister per chain. Unset
// canisters are omitted.
func (c *Config) CanisterIDs() map[core.Chain]string {
	ids := map[core.Chain]string{
		core.ChainEthereum: c.SIWECanister,
		core.ChainSolana:   c.SIWSCanister,
		core.ChainBitcoin:  c.SIWBCanister,
		core.ChainSui:      c.SISCanister,
	}
	for k, v := range ids {
		if v == "" {
			delete(ids, k)
		}
	}
	return ids
}

// Logger returns a logrus logger at the configured level
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(level)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/market"
	"github.com/tradeport/tradeport-client/market/binance"
	"github.com/tradeport/tradeport-client/tokens"
)

// Token store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

const (
	DefaultPort      = "8080"
	DefaultHost      = "localhost"
	DefaultStoreKind = StoreFile
)

var defaultStorePaths = map[string]string{
	StoreFile:   "data/session.json",
	StoreSQLite: "data/tradeport.db",
}

// Config holds the application configuration. It is read from an optional
// YAML file and then overridden by environment variables.
type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	AppHost    string `yaml:"app_host"`
	AppPort    string `yaml:"app_port"`

	TokenStore struct {
		Kind             string `yaml:"kind"`
		Path             string `yaml:"path"`
		Profile          string `yaml:"profile"`
		EncryptionSecret string `yaml:"encryption_secret"`
		RedisAddr        string `yaml:"redis_addr"`
	} `yaml:"token_store"`

	// JWTVerifySecret enables HS256 verification of access tokens. Without it
	// tokens are only shape-checked.
	JWTVerifySecret string `yaml:"jwt_verify_secret"`

	// LoginEmail and LoginPassword sign in at startup when no stored session
	// can be restored.
	LoginEmail    string `yaml:"login_email"`
	LoginPassword string `yaml:"login_password"`

	Binance struct {
		RESTURL string `yaml:"rest_url"`
		WSURL   string `yaml:"ws_url"`
	} `yaml:"binance"`

	DefaultInstruments []string `yaml:"default_instruments"`
	DefaultInterval    string   `yaml:"default_interval"`

	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads path when it is non-empty, applies environment overrides
// and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.APIBaseURL, "API_BASE_URL")
	set(&c.AppHost, "APP_HOST")
	set(&c.AppPort, "APP_PORT")
	set(&c.TokenStore.Kind, "TOKEN_STORE")
	set(&c.TokenStore.Path, "TOKEN_STORE_PATH")
	set(&c.TokenStore.Profile, "TOKEN_STORE_PROFILE")
	set(&c.TokenStore.EncryptionSecret, "TOKEN_ENCRYPTION_SECRET")
	set(&c.TokenStore.RedisAddr, "REDIS_ADDR")
	set(&c.JWTVerifySecret, "JWT_VERIFY_SECRET")
	set(&c.LoginEmail, "LOGIN_EMAIL")
	set(&c.LoginPassword, "LOGIN_PASSWORD")
	set(&c.Binance.RESTURL, "BINANCE_REST_URL")
	set(&c.Binance.WSURL, "BINANCE_WS_URL")
	set(&c.DefaultInterval, "DEFAULT_INTERVAL")
	set(&c.LogLevel, "LOG_LEVEL")
	if v := getenv("DEFAULT_INSTRUMENTS"); v != "" {
		c.DefaultInstruments = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.DefaultInstruments = append(c.DefaultInstruments, id)
			}
		}
	}
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = auth.DefaultBaseURL
	}
	if c.AppHost == "" {
		c.AppHost = DefaultHost
	}
	if c.AppPort == "" {
		c.AppPort = DefaultPort
	}
	if c.TokenStore.Kind == "" {
		c.TokenStore.Kind = DefaultStoreKind
	}
	if c.TokenStore.Path == "" {
		c.TokenStore.Path = defaultStorePaths[c.TokenStore.Kind]
	}
	if c.TokenStore.Profile == "" {
		c.TokenStore.Profile = tokens.DefaultProfile
	}
	if c.Binance.RESTURL == "" {
		c.Binance.RESTURL = binance.DefaultRESTURL
	}
	if c.Binance.WSURL == "" {
		c.Binance.WSURL = binance.DefaultWSURL
	}
	if c.DefaultInterval == "" {
		c.DefaultInterval = string(market.DefaultInterval)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for values the app cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_base_url %q must be an http(s) URL", c.APIBaseURL))
	}
	switch c.TokenStore.Kind {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.TokenStore.Path == "" {
			errs = append(errs, fmt.Errorf("token_store.path is required for %s", c.TokenStore.Kind))
		}
	case StoreRedis:
		if c.TokenStore.RedisAddr == "" {
			errs = append(errs, errors.New("token_store.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown token_store.kind %q", c.TokenStore.Kind))
	}
	if (c.LoginEmail == "") != (c.LoginPassword == "") {
		errs = append(errs, errors.New("login_email and login_password must be set together"))
	}
	if _, err := market.ParseInterval(c.DefaultInterval); err != nil {
		errs = append(errs, fmt.Errorf("default_interval: %w", err))
	}
	for _, id := range c.DefaultInstruments {
		if _, ok := market.LookupInstrument(id); !ok {
			errs = append(errs, fmt.Errorf("unknown instrument %q in default_instruments", id))
		}
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return c.AppHost + ":" + c.AppPort
}

// Package config loads the daemon configuration from an optional YAML file
// and OTPD_ prefixed environment variables using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-mfa/pkg/hsm"
	"github.com/jeremyhahn/go-mfa/pkg/log"
	"github.com/jeremyhahn/go-mfa/pkg/policy"
)

// EnvPrefix prefixes every environment override; OTPD_RADIUS_SECRET sets
// radius.secret.
const EnvPrefix = "OTPD"

// Ledger backends.
const (
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Config is the complete daemon configuration.
type Config struct {
	Log      log.Config     `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Database DatabaseConfig `mapstructure:"database"`
	HSM      HSMConfig      `mapstructure:"hsm"`
	RADIUS   RADIUSConfig   `mapstructure:"radius"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Yubico   YubicoConfig   `mapstructure:"yubico"`
	Policy   []policy.Rule  `mapstructure:"policy"`
}

// LedgerConfig selects where challenges live.
type LedgerConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Prefix        string `mapstructure:"prefix"`
	// ExpireInterval is how often stale challenges are purged.
	ExpireInterval time.Duration `mapstructure:"expire_interval"`
}

// DatabaseConfig points at the Postgres token store. An empty DSN keeps
// tokens in memory.
type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
}

// HSMConfig selects the module sealing token secrets: a hex AES-256 key or a
// PKCS#11 token.
type HSMConfig struct {
	Key    string     `mapstructure:"key"`
	PKCS11 hsm.Config `mapstructure:"pkcs11"`
}

// UsePKCS11 reports whether secrets are sealed by a PKCS#11 token.
func (c HSMConfig) UsePKCS11() bool {
	return c.PKCS11.ModulePath != ""
}

// RADIUSConfig covers the RADIUS frontend and the default upstream used by
// RADIUS tokens.
type RADIUSConfig struct {
	Listen         string        `mapstructure:"listen"`
	Secret         string        `mapstructure:"secret"`
	Upstream       string        `mapstructure:"upstream"`
	UpstreamSecret string        `mapstructure:"upstream_secret"`
	UpstreamRetry  time.Duration `mapstructure:"upstream_retry"`
}

// MetricsConfig sets the Prometheus listener. Empty disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// YubicoConfig holds YubiCloud API credentials. Without a client id YUBICO
// tokens are not served.
type YubicoConfig struct {
	ClientID string `mapstructure:"client_id"`
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.environment", "production")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
	v.SetDefault("ledger.backend", LedgerMemory)
	v.SetDefault("ledger.redis_addr", "")
	v.SetDefault("ledger.redis_password", "")
	v.SetDefault("ledger.redis_db", 0)
	v.SetDefault("ledger.prefix", "otpd:challenge:")
	v.SetDefault("ledger.expire_interval", time.Minute)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("hsm.key", "")
	v.SetDefault("hsm.pkcs11.module_path", "")
	v.SetDefault("hsm.pkcs11.token_label", "")
	v.SetDefault("hsm.pkcs11.slot", "")
	v.SetDefault("hsm.pkcs11.pin", "")
	v.SetDefault("hsm.pkcs11.key_label", "")
	v.SetDefault("hsm.pkcs11.pool_size", 4)
	v.SetDefault("hsm.pkcs11.acquire_timeout", 2*time.Second)
	v.SetDefault("hsm.pkcs11.retry_attempts", 3)
	v.SetDefault("radius.listen", ":1812")
	v.SetDefault("radius.secret", "")
	v.SetDefault("radius.upstream", "")
	v.SetDefault("radius.upstream_secret", "")
	v.SetDefault("radius.upstream_retry", time.Second)
	v.SetDefault("metrics.listen", ":9100")
	v.SetDefault("yubico.client_id", "")
	v.SetDefault("yubico.api_key", "")
	v.SetDefault("yubico.endpoint", "")
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerMemory:
	case LedgerRedis:
		if c.Ledger.RedisAddr == "" {
			return errors.New("config: ledger.redis_addr must be set for the redis ledger")
		}
	default:
		return fmt.Errorf("config: unknown ledger.backend %q", c.Ledger.Backend)
	}
	if c.Ledger.ExpireInterval <= 0 {
		return errors.New("config: ledger.expire_interval must be positive")
	}

	if c.Database.DSN != "" && c.HSM.Key == "" && !c.HSM.UsePKCS11() {
		return errors.New("config: hsm.key or hsm.pkcs11 must be set to seal secrets in the database")
	}
	if c.HSM.Key != "" && c.HSM.UsePKCS11() {
		return errors.New("config: hsm.key and hsm.pkcs11 are mutually exclusive")
	}
	if c.HSM.UsePKCS11() {
		p := c.HSM.PKCS11
		if p.TokenLabel == "" && p.Slot == "" {
			return errors.New("config: hsm.pkcs11 needs token_label or slot")
		}
		if p.KeyLabel == "" {
			return errors.New("config: hsm.pkcs11.key_label must be set")
		}
		if p.Size < 1 {
			return errors.New("config: hsm.pkcs11.pool_size must be at least 1")
		}
	}

	if c.RADIUS.Listen != "" && c.RADIUS.Secret == "" {
		return errors.New("config: radius.secret must be set when radius.listen is")
	}
	if c.RADIUS.Upstream != "" && c.RADIUS.UpstreamSecret == "" {
		return errors.New("config: radius.upstream_secret must be set when radius.upstream is")
	}
	if c.Yubico.ClientID != "" && c.Yubico.APIKey == "" {
		return errors.New("config: yubico.api_key must be set when yubico.client_id is")
	}

	if _, err := policy.NewStatic(c.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr     string
	DatabaseURL    string
	// AutoMigrate applies pending schema migrations during startup.
	AutoMigrate    bool
	JWTSecret      string
	LogLevel       string
	LogFormat      string
	RedisURL       string
	AllowedOrigins []string
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers name the client. Everyone else is keyed by socket address.
	TrustedProxies []netip.Prefix

	RouterProvider  string
	PaymentProvider string
	VaultProvider   string

	VaultMasterKey  string
	KMSKeyID        string
	AWSRegion       string
	DarajaBaseURL   string
	CallbackBaseURL string
	CallbackSecret  string

	Tunables Tunables
}

// Tunables are the knobs an optional YAML file may set. Environment
// variables override file values.
type Tunables struct {
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	RetryInterval         time.Duration `yaml:"retry_interval"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	SyncInterval          time.Duration `yaml:"sync_interval"`
	ReconcileGrace        time.Duration `yaml:"reconcile_grace"`
	PollInterval          time.Duration `yaml:"poll_interval"`
	PollAttempts          int           `yaml:"poll_attempts"`
	ProvisionMaxAttempts  int           `yaml:"provision_max_attempts"`
	ProvisionRetryBase    time.Duration `yaml:"provision_retry_base"`
	ProvisionRetryMax     time.Duration `yaml:"provision_retry_max"`
	RouterTimeout         time.Duration `yaml:"router_timeout"`
	RouterRetryAttempts   int           `yaml:"router_retry_attempts"`
	GatewayTimeout        time.Duration `yaml:"gateway_timeout"`
	PortalRateLimit       int           `yaml:"portal_rate_limit"`
	PortalRateLimitWindow time.Duration `yaml:"portal_rate_limit_window"`
	LockTTL               time.Duration `yaml:"lock_ttl"`
}

func DefaultTunables() Tunables {
	return Tunables{
		SweepInterval:         30 * time.Second,
		RetryInterval:         15 * time.Second,
		ReconcileInterval:     20 * time.Second,
		SyncInterval:          5 * time.Second,
		ReconcileGrace:        time.Minute,
		PollInterval:          3 * time.Second,
		PollAttempts:          40,
		ProvisionMaxAttempts:  8,
		ProvisionRetryBase:    15 * time.Second,
		ProvisionRetryMax:     10 * time.Minute,
		RouterTimeout:         10 * time.Second,
		RouterRetryAttempts:   3,
		GatewayTimeout:        15 * time.Second,
		PortalRateLimit:       10,
		PortalRateLimitWindow: time.Minute,
		LockTTL:               2 * time.Minute,
	}
}

// LoadFromEnv reads an optional .env file, then the optional YAML file named
// by ACCESS_CONFIG_FILE, then the environment.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()

	tun := DefaultTunables()
	if path := strings.TrimSpace(os.Getenv("ACCESS_CONFIG_FILE")); path != "" {
		if err := loadTunables(path, &tun); err != nil {
			return Config{}, err
		}
	}
	if err := overrideTunables(&tun); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      envOrDefault("ACCESS_LISTEN_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("ACCESS_DATABASE_URL"),
		JWTSecret:       os.Getenv("ACCESS_JWT_SECRET"),
		LogLevel:        envOrDefault("ACCESS_LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("ACCESS_LOG_FORMAT", "text"),
		RedisURL:        os.Getenv("ACCESS_REDIS_URL"),
		AllowedOrigins:  splitCSV(envOrDefault("ACCESS_ALLOWED_ORIGINS", "*")),
		RouterProvider:  envOrDefault("ACCESS_ROUTER_PROVIDER", "fake"),
		PaymentProvider: envOrDefault("ACCESS_PAYMENT_PROVIDER", "fake"),
		VaultProvider:   envOrDefault("ACCESS_VAULT_PROVIDER", "local"),
		VaultMasterKey:  os.Getenv("ACCESS_VAULT_MASTER_KEY"),
		KMSKeyID:        os.Getenv("ACCESS_KMS_KEY_ID"),
		AWSRegion:       envOrDefault("ACCESS_AWS_REGION", "af-south-1"),
		DarajaBaseURL:   envOrDefault("ACCESS_DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		CallbackBaseURL: os.Getenv("ACCESS_CALLBACK_BASE_URL"),
		CallbackSecret:  os.Getenv("ACCESS_CALLBACK_SECRET"),
		Tunables:        tun,
	}

	proxies, err := parsePrefixes(os.Getenv("ACCESS_TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, fmt.Errorf("ACCESS_TRUSTED_PROXIES: %w", err)
	}
	cfg.TrustedProxies = proxies

	autoMigrate, err := strconv.ParseBool(envOrDefault("ACCESS_AUTO_MIGRATE", "true"))
	if err != nil {
		return Config{}, fmt.Errorf("ACCESS_AUTO_MIGRATE must be a boolean: %w", err)
	}
	cfg.AutoMigrate = autoMigrate

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("ACCESS_DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("ACCESS_JWT_SECRET is required")
	}
	if cfg.RouterProvider != "fake" && cfg.RouterProvider != "routeros" {
		return Config{}, fmt.Errorf("ACCESS_ROUTER_PROVIDER must be one of fake|routeros")
	}
	if cfg.PaymentProvider != "fake" && cfg.PaymentProvider != "daraja" {
		return Config{}, fmt.Errorf("ACCESS_PAYMENT_PROVIDER must be one of fake|daraja")
	}
	switch cfg.VaultProvider {
	case "local":
		if cfg.VaultMasterKey == "" {
			return Config{}, fmt.Errorf("ACCESS_VAULT_MASTER_KEY is required for local vault provider")
		}
		if _, err := base64.StdEncoding.DecodeString(cfg.VaultMasterKey); err != nil {
			return Config{}, fmt.Errorf("ACCESS_VAULT_MASTER_KEY must be base64: %w", err)
		}
	case "kms":
		if cfg.KMSKeyID == "" {
			return Config{}, fmt.Errorf("ACCESS_KMS_KEY_ID is required for kms vault provider")
		}
	default:
		return Config{}, fmt.Errorf("ACCESS_VAULT_PROVIDER must be one of local|kms")
	}
	if cfg.PaymentProvider == "daraja" && cfg.CallbackBaseURL == "" {
		return Config{}, fmt.Errorf("ACCESS_CALLBACK_BASE_URL is required for daraja payment provider")
	}
	if cfg.PaymentProvider == "daraja" && len(cfg.CallbackSecret) < 16 {
		return Config{}, fmt.Errorf("ACCESS_CALLBACK_SECRET of at least 16 characters is required for daraja payment provider")
	}
	return cfg, nil
}

func loadTunables(path string, tun *Tunables) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, tun); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func overrideTunables(tun *Tunables) error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"ACCESS_SWEEP_INTERVAL", &tun.SweepInterval},
		{"ACCESS_RETRY_INTERVAL", &tun.RetryInterval},
		{"ACCESS_RECONCILE_INTERVAL", &tun.ReconcileInterval},
		{"ACCESS_SYNC_INTERVAL", &tun.SyncInterval},
		{"ACCESS_RECONCILE_GRACE", &tun.ReconcileGrace},
		{"ACCESS_POLL_INTERVAL", &tun.PollInterval},
		{"ACCESS_PROVISION_RETRY_BASE", &tun.ProvisionRetryBase},
		{"ACCESS_PROVISION_RETRY_MAX", &tun.ProvisionRetryMax},
		{"ACCESS_ROUTER_TIMEOUT", &tun.RouterTimeout},
		{"ACCESS_GATEWAY_TIMEOUT", &tun.GatewayTimeout},
		{"ACCESS_PORTAL_RATE_LIMIT_WINDOW", &tun.PortalRateLimitWindow},
		{"ACCESS_LOCK_TTL", &tun.LockTTL},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(os.Getenv(d.env))
		if raw == "" {
			continue
		}
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("%s must be a positive duration", d.env)
		}
		*d.dst = v
	}
	tun.PollAttempts = ParsePositiveIntEnv("ACCESS_POLL_ATTEMPTS", tun.PollAttempts)
	tun.ProvisionMaxAttempts = ParsePositiveIntEnv("ACCESS_PROVISION_MAX_ATTEMPTS", tun.ProvisionMaxAttempts)
	tun.RouterRetryAttempts = ParsePositiveIntEnv("ACCESS_ROUTER_RETRY_ATTEMPTS", tun.RouterRetryAttempts)
	tun.PortalRateLimit = ParsePositiveIntEnv("ACCESS_PORTAL_RATE_LIMIT", tun.PortalRateLimit)
	return nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePrefixes reads a comma-separated list of addresses or CIDR ranges.
// A bare address is a single-host range.
func parsePrefixes(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range splitCSV(v) {
		if p, err := netip.ParsePrefix(item); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("invalid address or range %q", item)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

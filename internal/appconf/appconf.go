// Package appconf holds the server configuration. Values come from the
// environment (optionally seeded from a .env file) and cmd/api lets
// command-line flags override them.
package appconf

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment maps an -env flag or APP_ENV value to an Environment.
// Unknown values fall back to Development.
func EnvFlagToEnvironment(env string) Environment {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "test":
		return Test
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

type Config struct {
	Port      int
	Env       Environment
	LogLevel  string
	LogFormat string

	StoreDriver   string
	StoreDSN      string
	MongoDatabase string

	AdminPassword    string
	AdminTokenSecret string
	AdminTokenTTL    time.Duration

	// RateLimit is the number of requests per second allowed per client.
	RateLimit   int
	CORSOrigins []string
	// TrustedProxies are the reverse proxies whose X-Forwarded-For entries
	// are believed. Empty means clients are identified by socket address only.
	TrustedProxies []netip.Prefix
	MetricsAddr    string
	SeedSample  bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:          8000,
		Env:           Development,
		LogLevel:      "info",
		LogFormat:     "json",
		StoreDriver:   "sqlite",
		MongoDatabase: "bustracker",
		AdminPassword: "admin123",
		AdminTokenTTL: 12 * time.Hour,
		RateLimit:     100,
		CORSOrigins:   []string{"*"},
		SeedSample:    true,
	}
}

// LoadFromEnv loads .env (missing files are ignored) and reads the
// environment on top of Default.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Port = port
	}
	if v, ok := get("APP_ENV"); ok {
		cfg.Env = EnvFlagToEnvironment(v)
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v, ok := get("STORE_DRIVER"); ok {
		cfg.StoreDriver = strings.ToLower(v)
	}
	if v, ok := get("STORE_DSN"); ok {
		cfg.StoreDSN = v
	}
	if v, ok := get("MONGO_DATABASE"); ok {
		cfg.MongoDatabase = v
	}
	if v, ok := get("ADMIN_PASSWORD"); ok {
		cfg.AdminPassword = v
	}
	if v, ok := get("ADMIN_TOKEN_SECRET"); ok {
		cfg.AdminTokenSecret = v
	}
	if v, ok := get("ADMIN_TOKEN_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid ADMIN_TOKEN_TTL: %q", v)
		}
		cfg.AdminTokenTTL = d
	}
	if v, ok := get("RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT: %q", v)
		}
		cfg.RateLimit = n
	}
	if v, ok := get("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = SplitList(v)
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		proxies, err := ParseTrustedProxies(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
		}
		cfg.TrustedProxies = proxies
	}
	if v, ok := get("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := get("SEED_SAMPLE_DATA"); ok {
		b, err := parseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SEED_SAMPLE_DATA: %q", v)
		}
		cfg.SeedSample = b
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite", "postgres", "mongo":
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q (want sqlite, postgres or mongo)", c.StoreDriver)
	}
	if c.StoreDriver != "sqlite" && c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required for the %s store", c.StoreDriver)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL: %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid LOG_FORMAT: %q", c.LogFormat)
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD must not be empty")
	}
	if c.Env == Production && c.AdminTokenSecret == "" {
		return fmt.Errorf("ADMIN_TOKEN_SECRET is required in production")
	}
	return nil
}

// ParseTrustedProxies parses a comma separated list of IPs and CIDR ranges.
// A bare IP is taken as a single-address range.
func ParseTrustedProxies(v string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range SplitList(v) {
		if strings.Contains(item, "/") {
			prefix, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

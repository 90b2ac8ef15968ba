// Package config loads service configuration from the environment and an
// optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Env        string `env:"APP_ENV,default=development"`
	Version    string `env:"APP_VERSION,default=dev"`
	PolicyFile string `env:"POLICY_FILE"`

	HTTP     HTTPConfig
	Log      LogConfig
	Supabase SupabaseConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AI       AIConfig
	Maps     MapsConfig
	Email    EmailConfig
	Auth     AuthConfig

	Policy Policy
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=15s"`
	RatePerSecond   int           `env:"HTTP_RATE_PER_SECOND,default=20"`
	RateBurst       int           `env:"HTTP_RATE_BURST,default=40"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type SupabaseConfig struct {
	URL        string `env:"SUPABASE_URL"`
	ServiceKey string `env:"SUPABASE_SERVICE_KEY"`
	JWTSecret  string `env:"SUPABASE_JWT_SECRET"`
	Resilience bool   `env:"SUPABASE_RESILIENCE,default=true"`
}

// DatabaseConfig selects the direct Postgres store. When URL is empty the
// service goes through the Supabase REST API only.
type DatabaseConfig struct {
	URL          string `env:"DATABASE_URL"`
	MaxOpenConns int    `env:"DATABASE_MAX_OPEN_CONNS,default=10"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type AIConfig struct {
	APIKey  string        `env:"GEMINI_API_KEY"`
	Model   string        `env:"GEMINI_MODEL,default=gemini-2.0-flash"`
	Timeout time.Duration `env:"GEMINI_TIMEOUT,default=90s"`
}

type MapsConfig struct {
	APIKey  string `env:"GOOGLE_MAPS_API_KEY"`
	BaseURL string `env:"MAPS_BASE_URL,default=https://maps.googleapis.com/maps/api"`
}

type EmailConfig struct {
	APIKey  string `env:"RESEND_API_KEY"`
	BaseURL string `env:"EMAIL_BASE_URL,default=https://api.resend.com"`
	From    string `env:"EMAIL_FROM,default=Tradeloft <no-reply@tradeloft.app>"`
	AppURL  string `env:"APP_PUBLIC_URL,default=http://localhost:3000"`
}

type AuthConfig struct {
	AdminUserIDs       string `env:"ADMIN_USER_IDS"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS"`
}

// Load reads an optional .env file, decodes the environment and overlays the
// YAML policy file when POLICY_FILE is set.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Policy = DefaultPolicy()
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}
	return &cfg, nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// ValidateServe checks what `serve` needs to start.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.Supabase.URL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.Supabase.ServiceKey == "" {
		missing = append(missing, "SUPABASE_SERVICE_KEY")
	}
	if c.Supabase.JWTSecret == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	parsed, err := url.Parse(c.Supabase.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("SUPABASE_URL must be an absolute URL")
	}
	if c.IsProduction() && parsed.Scheme != "https" {
		return fmt.Errorf("SUPABASE_URL must use https in production")
	}
	return c.Policy.Validate()
}

// AdminIDs returns the admin allowlist as a set.
func (c *Config) AdminIDs() map[string]struct{} {
	return ParseCSVSet(c.Auth.AdminUserIDs)
}

// AllowedOrigins returns the CORS allowlist, defaulting to local dev servers.
func (c *Config) AllowedOrigins() []string {
	raw := c.Auth.CORSAllowedOrigins
	if strings.TrimSpace(raw) == "" {
		raw = "http://localhost:3000,http://localhost:5173"
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if origin := strings.TrimSpace(part); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

// ParseCSVSet splits a comma separated list into a set, ignoring blanks.
func ParseCSVSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	return out
}

// =============================================================================
// Policy
// =============================================================================

// Policy holds tunables that product owners adjust without a deploy.
type Policy struct {
	Orders OrderPolicy  `yaml:"orders"`
	BOM    BOMPolicy    `yaml:"bom"`
	Search SearchPolicy `yaml:"search"`
	Chat   ChatPolicy   `yaml:"chat"`
}

type OrderPolicy struct {
	AutoCompleteAfter    time.Duration `yaml:"auto_complete_after"`
	AutoCompleteSchedule string        `yaml:"auto_complete_schedule"`
	DefaultMaxRevisions  int           `yaml:"default_max_revisions"`
}

type BOMPolicy struct {
	MaxImages       int     `yaml:"max_images"`
	MaxImageBytes   int64   `yaml:"max_image_bytes"`
	MaxTotalBytes   int64   `yaml:"max_total_bytes"`
	ContingencyRate float64 `yaml:"contingency_rate"`
	RatePerMinute   int     `yaml:"rate_per_minute"`
	Burst           int     `yaml:"burst"`
}

type SearchPolicy struct {
	DefaultRadiusKm float64       `yaml:"default_radius_km"`
	MaxRadiusKm     float64       `yaml:"max_radius_km"`
	DefaultPageSize int           `yaml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

type ChatPolicy struct {
	HistoryLimit    int `yaml:"history_limit"`
	MaxMessageChars int `yaml:"max_message_chars"`
	RatePerMinute   int `yaml:"rate_per_minute"`
	Burst           int `yaml:"burst"`
}

// DefaultPolicy returns the built-in tunables.
func DefaultPolicy() Policy {
	return Policy{
		Orders: OrderPolicy{
			AutoCompleteAfter:    14 * 24 * time.Hour,
			AutoCompleteSchedule: "@every 1h",
			DefaultMaxRevisions:  2,
		},
		BOM: BOMPolicy{
			MaxImages:       5,
			MaxImageBytes:   5 << 20,
			MaxTotalBytes:   20 << 20,
			ContingencyRate: 0.10,
			RatePerMinute:   6,
			Burst:           2,
		},
		Search: SearchPolicy{
			DefaultRadiusKm: 25,
			MaxRadiusKm:     200,
			DefaultPageSize: 20,
			MaxPageSize:     50,
			CacheTTL:        5 * time.Minute,
		},
		Chat: ChatPolicy{
			HistoryLimit:    20,
			MaxMessageChars: 4000,
			RatePerMinute:   20,
			Burst:           5,
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy. Keys absent
// from the file keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// Validate rejects nonsensical tunables.
func (p Policy) Validate() error {
	switch {
	case p.Orders.AutoCompleteAfter < time.Hour:
		return fmt.Errorf("orders.auto_complete_after must be at least 1h")
	case p.Orders.DefaultMaxRevisions < 0 || p.Orders.DefaultMaxRevisions > 10:
		return fmt.Errorf("orders.default_max_revisions must be within 0..10")
	case p.BOM.MaxImages < 1:
		return fmt.Errorf("bom.max_images must be positive")
	case p.BOM.MaxImageBytes <= 0 || p.BOM.MaxTotalBytes < p.BOM.MaxImageBytes:
		return fmt.Errorf("bom.max_total_bytes must be >= bom.max_image_bytes > 0")
	case p.BOM.ContingencyRate < 0 || p.BOM.ContingencyRate > 1:
		return fmt.Errorf("bom.contingency_rate must be within 0..1")
	case p.Search.DefaultRadiusKm <= 0 || p.Search.MaxRadiusKm < p.Search.DefaultRadiusKm:
		return fmt.Errorf("search radius limits are inconsistent")
	case p.Search.DefaultPageSize < 1 || p.Search.MaxPageSize < p.Search.DefaultPageSize:
		return fmt.Errorf("search page size limits are inconsistent")
	case p.Chat.HistoryLimit < 0 || p.Chat.MaxMessageChars < 1:
		return fmt.Errorf("chat limits are inconsistent")
	}
	return nil
}

// Package config defines the gateway configuration, its YAML loader with
// environment variable substitution, and the file watcher that drives live
// reloads.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/geoexchange/pkigateway/internal/profile"
	"github.com/geoexchange/pkigateway/internal/secrets"
)

// Config is the root gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Origins   OriginsConfig   `yaml:"origins"`
	PKIDir    string          `yaml:"pkiDir"`
	Database  DatabaseConfig  `yaml:"database"`
	MasterKey secrets.Config  `yaml:"masterKey"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Proxy     ProxyConfig     `yaml:"proxy"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// OriginsConfig names the gateway's two faces: the browser-facing site
// origin and the internal origin the gateway itself answers on.
type OriginsConfig struct {
	Site     string `yaml:"site"`
	Internal string `yaml:"internal"`
}

// DatabaseConfig configures the profile store.
type DatabaseConfig struct {
	Path         string        `yaml:"path"`
	MaxOpenConns int           `yaml:"maxOpenConns"`
	BusyTimeout  time.Duration `yaml:"busyTimeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RateLimitConfig configures per-client request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// ProxyConfig configures the proxy endpoint.
type ProxyConfig struct {
	// AllowedOrigins is the Origin allow-list for browser requests. An
	// empty list allows none.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// Timeout bounds a full proxied exchange.
	Timeout time.Duration `yaml:"timeout"`

	// DefaultRetries and DefaultRedirects are budget strings governing
	// destinations that resolve to no profile.
	DefaultRetries   string `yaml:"defaultRetries"`
	DefaultRedirects string `yaml:"defaultRedirects"`

	// MaxBodyBytes caps buffered request bodies. Zero means no cap.
	MaxBodyBytes int64 `yaml:"maxBodyBytes"`
}

// Default returns the configuration defaults applied before a file is read.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8480",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Origins: OriginsConfig{
			Internal: "http://127.0.0.1:8480",
		},
		PKIDir: "pki",
		Database: DatabaseConfig{
			Path:         "data/pkigateway.db",
			MaxOpenConns: 10,
			BusyTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "pkigateway",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Proxy: ProxyConfig{
			Timeout:          60 * time.Second,
			DefaultRetries:   "3",
			DefaultRedirects: "3",
			MaxBodyBytes:     32 << 20,
		},
	}
}

// Validate checks the configuration for structural problems.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Server.Address == "" {
		problems = append(problems, "server.address is required")
	}
	if cfg.Origins.Site == "" {
		problems = append(problems, "origins.site is required")
	} else if u, err := url.Parse(cfg.Origins.Site); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("origins.site %q is not a valid origin", cfg.Origins.Site))
	}
	if cfg.Origins.Internal != "" {
		if u, err := url.Parse(cfg.Origins.Internal); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("origins.internal %q is not a valid origin", cfg.Origins.Internal))
		}
	}
	if cfg.PKIDir == "" {
		problems = append(problems, "pkiDir is required")
	}
	if cfg.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if _, err := profile.ParseBudget(cfg.Proxy.DefaultRetries); err != nil {
		problems = append(problems, fmt.Sprintf("proxy.defaultRetries: %v", err))
	}
	if _, err := profile.ParseBudget(cfg.Proxy.DefaultRedirects); err != nil {
		problems = append(problems, fmt.Sprintf("proxy.defaultRedirects: %v", err))
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerSecond <= 0 {
		problems = append(problems, "rateLimit.requestsPerSecond must be positive when enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

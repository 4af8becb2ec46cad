// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/render-proxy/internal/proxy"
)

// DefaultUserAgent is the desktop browser identification sent with every fetch.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Supported render engines.
const (
	EngineChromedp = "chromedp"
	EngineRod      = "rod"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Render  RenderConfig  `mapstructure:"render"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
}

// FetchConfig governs behavior shared by both fetch modes.
type FetchConfig struct {
	Mode         string        `mapstructure:"mode"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
	MaxRedirects int           `mapstructure:"max_redirects"`
}

// RenderConfig configures the headless rendering subsystem and its worker pool.
type RenderConfig struct {
	Engine            string        `mapstructure:"engine"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	QueueTimeout      time.Duration `mapstructure:"queue_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
	ViewportWidth     int           `mapstructure:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height"`
	BrowserPath       string        `mapstructure:"browser_path"`
	Stealth           bool          `mapstructure:"stealth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("fetch.mode", string(proxy.ModeRender))
	v.SetDefault("fetch.user_agent", DefaultUserAgent)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("render.engine", EngineChromedp)
	v.SetDefault("render.max_parallel", 4)
	v.SetDefault("render.queue_depth", 64)
	v.SetDefault("render.queue_timeout", "60s")
	v.SetDefault("render.navigation_timeout", "30s")
	v.SetDefault("render.settle_delay", "2s")
	v.SetDefault("render.launch_timeout", "20s")
	v.SetDefault("render.viewport_width", 1920)
	v.SetDefault("render.viewport_height", 1080)
	v.SetDefault("render.browser_path", "")
	v.SetDefault("render.stealth", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	switch proxy.Mode(c.Fetch.Mode) {
	case proxy.ModeRender, proxy.ModeRaw:
	default:
		return fmt.Errorf("fetch.mode must be %q or %q, got %q", proxy.ModeRender, proxy.ModeRaw, c.Fetch.Mode)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if c.Mode() != proxy.ModeRender {
		return nil
	}
	switch c.Render.Engine {
	case EngineChromedp, EngineRod:
	default:
		return fmt.Errorf("render.engine must be %q or %q, got %q", EngineChromedp, EngineRod, c.Render.Engine)
	}
	if c.Render.MaxParallel <= 0 {
		return fmt.Errorf("render.max_parallel must be > 0 when rendering")
	}
	if c.Render.QueueDepth < 0 {
		return fmt.Errorf("render.queue_depth must be >= 0")
	}
	if c.Render.NavigationTimeout <= 0 {
		return fmt.Errorf("render.navigation_timeout must be > 0")
	}
	if c.Render.SettleDelay < 0 {
		return fmt.Errorf("render.settle_delay must be >= 0")
	}
	if c.Render.ViewportWidth <= 0 || c.Render.ViewportHeight <= 0 {
		return fmt.Errorf("render viewport dimensions must be > 0")
	}
	return nil
}

// Mode returns the configured fetch mode.
func (c Config) Mode() proxy.Mode {
	return proxy.Mode(c.Fetch.Mode)
}

// Addr returns the host:port the HTTP server binds.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

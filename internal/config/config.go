package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Upstream  UpstreamConfig
	REST      RESTConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// WebSocketConfig covers the browser-facing side of the proxy.
type WebSocketConfig struct {
	Path              string
	DefaultInstrument string
	SendBuffer        int
	MaxMessageSize    int64
}

// UpstreamConfig covers the venue's public market-data WebSocket.
type UpstreamConfig struct {
	URL            string
	Channel        string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
}

type RESTConfig struct {
	BaseURL string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

type RateLimitConfig struct {
	Requests      int
	Window        time.Duration
	WSConnections int
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PROXY_HOST", "")
	v.SetDefault("PROXY_PORT", "3001")
	v.SetDefault("PROXY_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("PROXY_WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("PROXY_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("PROXY_SHUTDOWN_TIMEOUT", 15*time.Second)
	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("WS_PATH", "/ws/okx")
	v.SetDefault("WS_DEFAULT_INST_ID", "BTC-USDT")
	v.SetDefault("WS_CLIENT_SEND_BUFFER", 256)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 4096)

	v.SetDefault("OKX_WS_URL", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("OKX_WS_CHANNEL", "tickers")
	v.SetDefault("OKX_RECONNECT_DELAY", 3*time.Second)
	v.SetDefault("OKX_DIAL_TIMEOUT", 10*time.Second)
	v.SetDefault("OKX_PING_INTERVAL", 25*time.Second)
	v.SetDefault("OKX_IDLE_TIMEOUT", time.Duration(0))

	v.SetDefault("OKX_REST_URL", "https://www.okx.com")
	v.SetDefault("OKX_REST_TIMEOUT", 10*time.Second)
	v.SetDefault("OKX_REST_RPS", 10.0)
	v.SetDefault("OKX_REST_BURST", 20)

	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("REDIS_READ_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_WRITE_TIMEOUT", 3*time.Second)
	v.SetDefault("REDIS_POOL_SIZE", 20)

	v.SetDefault("RATE_LIMIT_REQUESTS", 120)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_WS_CONNECTIONS", 30)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads configuration from the environment, optionally seeded from a .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("PROXY_HOST"),
			Port:            v.GetString("PROXY_PORT"),
			ReadTimeout:     v.GetDuration("PROXY_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("PROXY_WRITE_TIMEOUT"),
			IdleTimeout:     v.GetDuration("PROXY_IDLE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("PROXY_SHUTDOWN_TIMEOUT"),
			AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),
		},
		WebSocket: WebSocketConfig{
			Path:              v.GetString("WS_PATH"),
			DefaultInstrument: v.GetString("WS_DEFAULT_INST_ID"),
			SendBuffer:        v.GetInt("WS_CLIENT_SEND_BUFFER"),
			MaxMessageSize:    v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		},
		Upstream: UpstreamConfig{
			URL:            v.GetString("OKX_WS_URL"),
			Channel:        v.GetString("OKX_WS_CHANNEL"),
			ReconnectDelay: v.GetDuration("OKX_RECONNECT_DELAY"),
			DialTimeout:    v.GetDuration("OKX_DIAL_TIMEOUT"),
			PingInterval:   v.GetDuration("OKX_PING_INTERVAL"),
			IdleTimeout:    v.GetDuration("OKX_IDLE_TIMEOUT"),
		},
		REST: RESTConfig{
			BaseURL: strings.TrimRight(v.GetString("OKX_REST_URL"), "/"),
			Timeout: v.GetDuration("OKX_REST_TIMEOUT"),
			RPS:     v.GetFloat64("OKX_REST_RPS"),
			Burst:   v.GetInt("OKX_REST_BURST"),
		},
		Redis: RedisConfig{
			URL:          v.GetString("REDIS_URL"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			Window:        v.GetDuration("RATE_LIMIT_WINDOW"),
			WSConnections: v.GetInt("RATE_LIMIT_WS_CONNECTIONS"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("PROXY_PORT is required")
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("WS_PATH must start with '/', got %q", c.WebSocket.Path)
	}
	if c.WebSocket.DefaultInstrument == "" {
		return errors.New("WS_DEFAULT_INST_ID is required")
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("WS_CLIENT_SEND_BUFFER must be >= 1")
	}
	if c.WebSocket.MaxMessageSize < 1 {
		return errors.New("WS_MAX_MESSAGE_SIZE must be >= 1")
	}
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return errors.New("OKX_WS_URL is required")
	}
	if c.Upstream.Channel == "" {
		return errors.New("OKX_WS_CHANNEL is required")
	}
	if c.Upstream.ReconnectDelay <= 0 {
		return fmt.Errorf("OKX_RECONNECT_DELAY must be positive, got %s", c.Upstream.ReconnectDelay)
	}
	if c.Upstream.PingInterval < 0 || c.Upstream.IdleTimeout < 0 {
		return errors.New("OKX_PING_INTERVAL and OKX_IDLE_TIMEOUT must be >= 0")
	}
	if c.REST.BaseURL == "" {
		return errors.New("OKX_REST_URL is required")
	}
	if c.REST.RPS <= 0 || c.REST.Burst < 1 {
		return errors.New("OKX_REST_RPS must be positive and OKX_REST_BURST >= 1")
	}
	if c.RateLimit.Requests < 1 || c.RateLimit.WSConnections < 1 || c.RateLimit.Window <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WS_CONNECTIONS must be >= 1 and RATE_LIMIT_WINDOW positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// SlogLevel maps LOG_LEVEL onto slog levels, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

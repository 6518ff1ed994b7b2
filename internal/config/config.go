package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	API     APIConfig
	Media   MediaConfig
	HTTP    HTTPConfig
	Observe ObserveConfig
}

// APIConfig configures the authenticated request client.
type APIConfig struct {
	BaseURL string `env:"IM_API_BASE_URL, required"`

	// ClientID and ClientSecret identify this application to the backend. When
	// both are set, every request carries them as a base64 Authorization value.
	ClientID     string `env:"IM_API_CLIENT_ID"`
	ClientSecret string `env:"IM_API_CLIENT_SECRET"`

	// CatalogFile optionally points at a YAML endpoint catalog that extends or
	// overrides the built-in one.
	CatalogFile string `env:"IM_API_CATALOG_FILE"`

	// Token and RefreshToken seed the session. Persisting them between runs is
	// the responsibility of the caller.
	Token        string `env:"IM_API_TOKEN"`
	RefreshToken string `env:"IM_API_REFRESH_TOKEN"`
}

// MediaConfig configures the media cache manager.
type MediaConfig struct {
	Homeserver string `env:"MATRIX_HOMESERVER_URL, required"`

	// CacheDir defaults to <user cache dir>/hula/media_cache.
	CacheDir string `env:"MEDIA_CACHE_DIR"`

	MaxDownloadBytes int64 `env:"MEDIA_MAX_DOWNLOAD_BYTES, default=104857600"`

	IndexSize       int `env:"MEDIA_INDEX_SIZE, default=10000"`
	IndexTTLSeconds int `env:"MEDIA_INDEX_TTL_SECS, default=3600"`

	BreakerEnabled bool `env:"MEDIA_BREAKER_ENABLED, default=true"`

	// StallTimeoutSeconds aborts a download that receives no bytes for this
	// long. Transfers have no total time limit.
	StallTimeoutSeconds int `env:"MEDIA_STALL_TIMEOUT_SECS, default=60"`
}

func (c MediaConfig) IndexTTL() time.Duration {
	return time.Duration(c.IndexTTLSeconds) * time.Second
}

func (c MediaConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

// HTTPConfig configures the outbound HTTP clients shared by both subsystems.
type HTTPConfig struct {
	// TimeoutSeconds bounds one decoded API call, refreshes included. Streams
	// and media downloads are not subject to it.
	TimeoutSeconds int `env:"HTTP_TIMEOUT_SECS, default=30"`

	ConnectTimeoutSeconds        int `env:"HTTP_CONNECT_TIMEOUT_SECS, default=10"`
	ResponseHeaderTimeoutSeconds int `env:"HTTP_RESPONSE_HEADER_TIMEOUT_SECS, default=30"`

	MaxRedirects    int `env:"HTTP_MAX_REDIRECTS, default=10"`
	MaxIdleConns    int `env:"HTTP_MAX_IDLE_CONNS, default=100"`
	MaxConnsPerHost int `env:"HTTP_MAX_CONNS_PER_HOST, default=20"`
}

func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c HTTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c HTTPConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=hula-core"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=false"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if cfg.Media.CacheDir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return cfg, fmt.Errorf("cannot determine media cache directory: %w", err)
		}
		cfg.Media.CacheDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "hula", "media_cache"), nil
}

// Validate checks values that envconfig cannot express.
func (c *Config) Validate() error {
	if err := validateBaseURL("IM_API_BASE_URL", c.API.BaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("MATRIX_HOMESERVER_URL", c.Media.Homeserver); err != nil {
		return err
	}

	if (c.API.ClientID == "") != (c.API.ClientSecret == "") {
		return errors.New("IM_API_CLIENT_ID and IM_API_CLIENT_SECRET must be set together")
	}

	if c.Media.MaxDownloadBytes <= 0 {
		return errors.New("MEDIA_MAX_DOWNLOAD_BYTES must be positive")
	}
	if c.Media.IndexSize <= 0 || c.Media.IndexTTLSeconds <= 0 {
		return errors.New("MEDIA_INDEX_SIZE and MEDIA_INDEX_TTL_SECS must be positive")
	}

	if c.Media.StallTimeoutSeconds <= 0 {
		return errors.New("MEDIA_STALL_TIMEOUT_SECS must be positive")
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("HTTP_TIMEOUT_SECS must be positive")
	}
	if c.HTTP.ConnectTimeoutSeconds <= 0 || c.HTTP.ResponseHeaderTimeoutSeconds <= 0 {
		return errors.New("HTTP_CONNECT_TIMEOUT_SECS and HTTP_RESPONSE_HEADER_TIMEOUT_SECS must be positive")
	}
	if c.HTTP.MaxRedirects < 0 {
		return errors.New("HTTP_MAX_REDIRECTS must not be negative")
	}

	return nil
}

func validateBaseURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", name, value)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got %q", name, value)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/hula-im/hula-core/internal/apiclient"
	"github.com/hula-im/hula-core/internal/cache"
	"github.com/hula-im/hula-core/internal/command"
	"github.com/hula-im/hula-core/internal/config"
	"github.com/hula-im/hula-core/internal/media"
	"github.com/hula-im/hula-core/internal/observe"
	"github.com/hula-im/hula-core/internal/shutdown"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configureLogging()

	logBuildInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCommand()
	err := root.ExecuteContext(ctx)
	cleanup(ctx)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// app holds the wired core for the duration of one CLI invocation.
type app struct {
	cfg        config.Config
	client     *apiclient.Client
	media      *media.Manager
	dispatcher *command.Dispatcher
	hooks      shutdown.Hooks
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("configuration load failed: %w", err)
	}

	a := &app{cfg: cfg}

	// configure telemetry, including wrapping the outbound HTTP transport
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	a.hooks.Add("telemetry", shutdownTelemetry)

	transport := observe.HTTPTransport(observe.BaseTransport(cfg.HTTP), cfg.Observe)
	httpClient := observe.HTTPClient(transport)

	catalog, err := apiclient.LoadCatalog(cfg.API.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("endpoint catalog configuration failed: %w", err)
	}

	clientOpts := []apiclient.ClientOption{
		apiclient.WithHTTPClient(httpClient),
		apiclient.WithRequestTimeout(cfg.HTTP.Timeout()),
		apiclient.WithCatalog(catalog),
		apiclient.WithMaxRedirects(cfg.HTTP.MaxRedirects),
		apiclient.WithTokens(cfg.API.Token, cfg.API.RefreshToken),
	}
	if cfg.API.ClientID != "" {
		clientOpts = append(clientOpts, apiclient.WithClientCredentials(cfg.API.ClientID, cfg.API.ClientSecret))
	}

	a.client, err = apiclient.New(cfg.API.BaseURL, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("api client configuration failed: %w", err)
	}

	memoryIndex, err := cache.NewMemory[media.Entry](cfg.Media.IndexTTL(), cfg.Media.IndexSize)
	if err != nil {
		return nil, fmt.Errorf("media index configuration failed: %w", err)
	}
	index := cache.NewInstrumented[media.Entry](memoryIndex, "media")

	a.media, err = media.NewManager(cfg.Media.Homeserver, cfg.Media.CacheDir,
		media.WithHTTPClient(httpClient),
		media.WithIndex(index),
		media.WithBreaker(cfg.Media.BreakerEnabled),
		media.WithStallTimeout(cfg.Media.StallTimeout()),
	)
	if err != nil {
		return nil, fmt.Errorf("media cache configuration failed: %w", err)
	}
	a.hooks.AddCloser("media-index", a.media)

	a.dispatcher = command.NewDispatcher(a.client, a.media, cfg.Media.MaxDownloadBytes)

	log.Debug().
		Str("api", cfg.API.BaseURL).
		Str("homeserver", cfg.Media.Homeserver).
		Str("cache_dir", cfg.Media.CacheDir).
		Msg("core configured")

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.hooks.Run(ctx, shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// logs go to stderr so command output on stdout stays machine readable
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Debug()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

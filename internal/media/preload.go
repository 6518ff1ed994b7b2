package media

import (
	"context"

	"github.com/rs/zerolog/log"
)

// PreloadMaxSize is the per-item size limit applied by Preload.
const PreloadMaxSize int64 = 50 << 20

// PreloadProgress is called after each item with the number of items
// processed so far. err is nil when the item is cached.
type PreloadProgress func(done, total int, uri string, err error)

type preloadConfig struct {
	progress PreloadProgress
}

type PreloadOption func(*preloadConfig)

func WithProgress(fn PreloadProgress) PreloadOption {
	return func(c *preloadConfig) {
		c.progress = fn
	}
}

// Preload caches each uri in turn and returns how many succeeded. Individual
// failures are logged and skipped; only cancellation of ctx stops the batch.
func (m *Manager) Preload(ctx context.Context, uris []string, opts ...PreloadOption) int {
	cfg := &preloadConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := log.Ctx(ctx)
	succeeded := 0

	for i, uri := range uris {
		if ctx.Err() != nil {
			logger.Info().Int("remaining", len(uris)-i).Msg("media preload cancelled")
			break
		}

		_, err := m.Download(ctx, uri, false, PreloadMaxSize)
		if err != nil {
			logger.Warn().Err(err).Str("uri", uri).Msg("media preload item failed")
		} else {
			succeeded++
		}

		if cfg.progress != nil {
			cfg.progress(i+1, len(uris), uri, err)
		}
	}

	logger.Info().Int("requested", len(uris)).Int("cached", succeeded).Msg("media preload complete")

	return succeeded
}

package media

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog/log"
)

// Stats aggregates the cache directory. Timestamps are unix seconds of file
// modification times.
type Stats struct {
	Count       int    `json:"count"`
	TotalSize   int64  `json:"total_size"`
	OldestEntry *int64 `json:"oldest_entry"`
	NewestEntry *int64 `json:"newest_entry"`
}

func (s *Stats) add(info fs.FileInfo) {
	s.Count++
	s.TotalSize += info.Size()

	modified := info.ModTime().Unix()
	if s.OldestEntry == nil || modified < *s.OldestEntry {
		s.OldestEntry = &modified
	}
	if s.NewestEntry == nil || modified > *s.NewestEntry {
		s.NewestEntry = &modified
	}
}

// Stats scans the cache directory. A directory that does not exist yet yields
// zero stats.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	return m.scan(ctx, false)
}

// Clear deletes every cached file and returns the stats of what was removed.
func (m *Manager) Clear(ctx context.Context) (Stats, error) {
	stats, err := m.scan(ctx, true)

	if indexErr := m.index.InvalidateAll(ctx); indexErr != nil {
		log.Ctx(ctx).Warn().Err(indexErr).Msg("media index reset failed")
	}

	if err != nil {
		return stats, err
	}

	log.Ctx(ctx).Info().Int("count", stats.Count).Int64("total_size", stats.TotalSize).Msg("media cache cleared")

	return stats, nil
}

// scan visits regular files in the cache directory once. Subdirectories,
// other non-regular entries and in-progress downloads are skipped. No lock is
// held, so concurrent writers may or may not be observed.
func (m *Manager) scan(ctx context.Context, remove bool) (Stats, error) {
	var stats Stats

	entries, err := os.ReadDir(m.cacheDir)
	if errors.Is(err, fs.ErrNotExist) {
		return stats, nil
	}
	if err != nil {
		return stats, apperr.Wrap(apperr.KindIO, err, "could not read media cache directory")
	}

	for _, de := range entries {
		if !de.Type().IsRegular() || strings.HasPrefix(de.Name(), partialPrefix) {
			continue
		}

		info, err := de.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return stats, apperr.Wrap(apperr.KindIO, err, "could not read media cache entry")
		}

		stats.add(info)

		if !remove {
			continue
		}

		if err := os.Remove(filepath.Join(m.cacheDir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return stats, apperr.Wrap(apperr.KindIO, err, "could not delete cached media")
		}
	}

	log.Ctx(ctx).Debug().Int("count", stats.Count).Bool("remove", remove).Msg("media cache scanned")

	return stats, nil
}

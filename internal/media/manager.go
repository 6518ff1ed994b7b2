// Package media resolves content locators to files in a flat local cache
// directory, downloading from the homeserver media repository on a miss.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/hula-im/hula-core/internal/cache"
	"github.com/hula-im/hula-core/internal/locator"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
)

const defaultMimeType = "application/octet-stream"

const defaultStallTimeout = time.Minute

// partialPrefix marks in-progress downloads. Such files are never reported as
// cache entries.
const partialPrefix = ".partial-"

// Entry describes a cached media file.
type Entry struct {
	LocalPath string `json:"local_path"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
}

// Manager owns one cache directory. It is safe for concurrent use.
type Manager struct {
	homeserver string
	cacheDir   string

	httpClient   *http.Client
	stallTimeout time.Duration
	breaker      *gobreaker.CircuitBreaker[*http.Response]
	index        cache.Index[Entry]

	downloads singleflight.Group
}

type ManagerConfig struct {
	HTTPClient     *http.Client
	Index          cache.Index[Entry]
	BreakerEnabled bool
	StallTimeout   time.Duration
}

type ManagerOption func(*ManagerConfig)

// WithHTTPClient sets the client used for downloads. The client is copied
// without its total Timeout; WithStallTimeout bounds transfers instead.
func WithHTTPClient(client *http.Client) ManagerOption {
	return func(c *ManagerConfig) {
		c.HTTPClient = client
	}
}

// WithStallTimeout aborts a download that receives no data for d.
func WithStallTimeout(d time.Duration) ManagerOption {
	return func(c *ManagerConfig) {
		c.StallTimeout = d
	}
}

// WithIndex sets the in-memory index consulted by Lookup.
func WithIndex(index cache.Index[Entry]) ManagerOption {
	return func(c *ManagerConfig) {
		c.Index = index
	}
}

// WithBreaker toggles the circuit breaker guarding homeserver downloads.
func WithBreaker(enabled bool) ManagerOption {
	return func(c *ManagerConfig) {
		c.BreakerEnabled = enabled
	}
}

// NewManager creates a manager for cacheDir. The directory is created lazily.
func NewManager(homeserver, cacheDir string, opts ...ManagerOption) (*Manager, error) {
	if homeserver == "" {
		return nil, errors.New("media: homeserver URL is required")
	}
	if cacheDir == "" {
		return nil, errors.New("media: cache directory is required")
	}

	cfg := &ManagerConfig{
		BreakerEnabled: true,
		StallTimeout:   defaultStallTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}
	httpClient.Timeout = 0

	if cfg.Index == nil {
		index, err := cache.NewMemory[Entry](time.Hour, 10_000)
		if err != nil {
			return nil, fmt.Errorf("media: index configuration failed: %w", err)
		}
		cfg.Index = index
	}

	m := &Manager{
		homeserver: strings.TrimRight(homeserver, "/"),
		cacheDir:     cacheDir,
		httpClient:   httpClient,
		stallTimeout: cfg.StallTimeout,
		index:        cfg.Index,
	}
	if cfg.BreakerEnabled {
		m.breaker = newBreaker("media-download")
	}

	return m, nil
}

// CacheDir returns the directory holding cached files.
func (m *Manager) CacheDir() string {
	return m.cacheDir
}

// Close releases the index.
func (m *Manager) Close() error {
	return m.index.Close()
}

func (m *Manager) path(loc locator.Locator) string {
	return filepath.Join(m.cacheDir, loc.FileName())
}

func (m *Manager) downloadURL(loc locator.Locator) string {
	return m.homeserver + "/_matrix/media/r0/download/" + escapeSegments(loc.Authority) + "/" + escapeSegments(loc.MediaID)
}

// escapeSegments escapes each slash-separated segment, keeping the slashes.
func escapeSegments(s string) string {
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Download returns the cached file for uri, downloading it when it is absent
// or force is set. Downloads larger than maxSize bytes fail with
// KindFileTooLarge and leave nothing on disk. Concurrent downloads of the same
// file with the same limit share one transfer, which keeps running when any
// one caller cancels; only the cancelling caller's call fails.
func (m *Manager) Download(ctx context.Context, uri string, force bool, maxSize int64) (Entry, error) {
	loc, err := locator.Parse(uri)
	if err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, apperr.Wrap(apperr.KindTransport, err, "media download cancelled")
	}
	path := m.path(loc)

	if !force {
		entry, found, err := statEntry(path)
		if err != nil {
			return Entry{}, err
		}
		if found {
			log.Ctx(ctx).Debug().Str("uri", uri).Str("path", path).Msg("media cache hit")
			return m.known(ctx, loc, entry), nil
		}
	}

	key := fmt.Sprintf("%s|%d", path, maxSize)
	ch := m.downloads.DoChan(key, func() (any, error) {
		detached := context.WithoutCancel(ctx)

		entry, err := m.fetch(detached, loc, path, maxSize)
		if err != nil {
			return nil, err
		}
		m.remember(detached, loc, entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, apperr.Wrap(apperr.KindTransport, ctx.Err(), "media download cancelled")
	}
}

func (m *Manager) fetch(ctx context.Context, loc locator.Locator, path string, maxSize int64) (Entry, error) {
	logger := log.Ctx(ctx).With().Str("uri", loc.String()).Logger()

	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return Entry{}, apperr.Wrap(apperr.KindIO, err, "could not create media cache directory")
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	guard := newStallGuard(m.stallTimeout, cancel)
	defer guard.stop()

	target := m.downloadURL(loc)
	logger.Debug().Str("url", target).Msg("downloading media")

	resp, err := m.get(ctx, target)
	if err != nil {
		err = stalled(ctx, err)
		logger.Warn().Err(err).Msg("media download failed")
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.ContentLength > maxSize {
		logger.Warn().Int64("content_length", resp.ContentLength).Int64("max_size", maxSize).Msg("media exceeds size limit")
		return Entry{}, tooLarge(resp.ContentLength, maxSize)
	}

	size, err := writeAtomic(m.cacheDir, path, guard.reader(resp.Body), maxSize)
	if err != nil {
		err = stalled(ctx, err)
		logger.Warn().Err(err).Msg("media could not be stored")
		return Entry{}, err
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	logger.Info().Str("path", path).Int64("size", size).Msg("media downloaded")

	return Entry{
		LocalPath: path,
		Size:      size,
		MimeType:  mimeType,
	}, nil
}

func tooLarge(size, maxSize int64) error {
	return apperr.New(apperr.KindFileTooLarge, fmt.Sprintf("file too large: %d bytes exceeds the %d byte limit", size, maxSize))
}

// statEntry describes an existing cache file. A missing file is reported as
// not found rather than as an error.
func statEntry(path string) (Entry, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, apperr.Wrap(apperr.KindIO, err, "could not read media cache")
	}
	if !info.Mode().IsRegular() {
		return Entry{}, false, nil
	}

	return Entry{
		LocalPath: path,
		Size:      info.Size(),
		MimeType:  guessMimeType(path),
	}, true, nil
}

func guessMimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return defaultMimeType
}

// Lookup returns the cached entry for uri without any network I/O. Index
// entries whose file has disappeared are dropped.
func (m *Manager) Lookup(ctx context.Context, uri string) (Entry, bool, error) {
	loc, err := locator.Parse(uri)
	if err != nil {
		return Entry{}, false, err
	}
	key := loc.FileName()

	entry, found, err := m.index.Get(ctx, key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("media index lookup failed")
	}
	if found {
		if _, err := os.Stat(entry.LocalPath); err == nil {
			return entry, true, nil
		}
		_ = m.index.Invalidate(ctx, key)
	}

	entry, found, err = statEntry(m.path(loc))
	if err != nil || !found {
		return Entry{}, false, err
	}

	return m.known(ctx, loc, entry), true, nil
}

// known reconciles an entry read from disk with the index. When the index
// already describes the same file, its entry wins so the MIME type recorded
// at download time is kept.
func (m *Manager) known(ctx context.Context, loc locator.Locator, onDisk Entry) Entry {
	indexed, found, err := m.index.Get(ctx, loc.FileName())
	if err == nil && found && indexed.LocalPath == onDisk.LocalPath && indexed.Size == onDisk.Size {
		return indexed
	}

	m.remember(ctx, loc, onDisk)
	return onDisk
}

func (m *Manager) remember(ctx context.Context, loc locator.Locator, entry Entry) {
	if err := m.index.Set(ctx, loc.FileName(), entry); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("media index update failed")
	}
}

// Delete removes the cached file for uri. A missing file is not an error.
func (m *Manager) Delete(ctx context.Context, uri string) error {
	loc, err := locator.Parse(uri)
	if err != nil {
		return err
	}

	_ = m.index.Invalidate(ctx, loc.FileName())

	path := m.path(loc)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.KindIO, err, "could not delete cached media")
	}

	log.Ctx(ctx).Debug().Str("uri", uri).Str("path", path).Msg("cached media deleted")

	return nil
}

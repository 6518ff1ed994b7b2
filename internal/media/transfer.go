package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

var errStalled = errors.New("no data received within the stall timeout")

// stallGuard cancels a transfer that makes no progress for timeout. The clock
// starts before the request is sent and restarts on every read that returns
// data.
type stallGuard struct {
	timeout time.Duration
	timer   *time.Timer
}

func newStallGuard(timeout time.Duration, cancel context.CancelCauseFunc) *stallGuard {
	g := &stallGuard{timeout: timeout}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, func() { cancel(errStalled) })
	}
	return g
}

func (g *stallGuard) reader(r io.Reader) io.Reader {
	if g.timer == nil {
		return r
	}
	return &stallReader{r: r, guard: g}
}

func (g *stallGuard) stop() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

type stallReader struct {
	r     io.Reader
	guard *stallGuard
}

func (s *stallReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.guard.timer.Reset(s.guard.timeout)
	}
	return n, err
}

// stalled replaces err with a stall error when the transfer was cancelled by
// its stall guard.
func stalled(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return apperr.Wrap(apperr.KindTransport, errStalled, "media download stalled")
	}
	return err
}

// breakerFailureThreshold is the number of consecutive homeserver faults that
// open the breaker.
const breakerFailureThreshold = 5

func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !homeserverFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("media download breaker changed state")
		},
	})
}

// homeserverFault reports whether err indicates an unhealthy homeserver:
// network failures and 5xx statuses. Missing media and caller cancellation do
// not count.
func homeserverFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status >= http.StatusInternalServerError
	}
	return true
}

// get issues the download request. Non-2xx responses are returned as transport
// errors with the body already closed.
func (m *Manager) get(ctx context.Context, target string) (*http.Response, error) {
	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransport, err, "invalid media download URL")
		}

		resp, err := m.httpClient.Do(req)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransport, err, "media download failed")
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return nil, &apperr.Error{
				Kind:    apperr.KindTransport,
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("media download failed (HTTP %d)", resp.StatusCode),
			}
		}

		return resp, nil
	}

	if m.breaker == nil {
		return do()
	}

	resp, err := m.breaker.Execute(do)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperr.Wrap(apperr.KindTransport, err, "media homeserver unavailable")
	}
	return resp, err
}

// writeAtomic streams r into a temporary file in dir and renames it to path.
// Nothing is left behind when the body exceeds maxSize or the copy fails.
func writeAtomic(dir, path string, r io.Reader, maxSize int64) (int64, error) {
	tmp, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return 0, apperr.Wrap(apperr.KindIO, err, "could not create media cache file")
	}
	tmpName := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	// one byte past the limit is enough to detect an oversized body
	n, err := io.Copy(tmp, io.LimitReader(r, maxSize+1))
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return 0, apperr.Wrap(apperr.KindIO, err, "could not write media cache file")
		}
		return 0, apperr.Wrap(apperr.KindTransport, err, "media download interrupted")
	}
	if n > maxSize {
		return 0, tooLarge(n, maxSize)
	}

	if err := tmp.Chmod(0o644); err != nil {
		return 0, apperr.Wrap(apperr.KindIO, err, "could not write media cache file")
	}
	if err := tmp.Close(); err != nil {
		return 0, apperr.Wrap(apperr.KindIO, err, "could not write media cache file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, apperr.Wrap(apperr.KindIO, err, "could not write media cache file")
	}
	committed = true

	return n, nil
}

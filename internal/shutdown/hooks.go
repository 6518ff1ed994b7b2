// Package shutdown releases process resources in reverse order of
// acquisition when a command finishes.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Hooks is an ordered set of cleanup steps. The zero value is ready to use.
// It is not safe for concurrent registration.
type Hooks struct {
	hooks []hook
}

// Add registers fn. Nil hooks are ignored with a warning logged.
func (h *Hooks) Add(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// AddCloser registers closer.Close. Nil closers are ignored with a warning
// logged.
func (h *Hooks) AddCloser(name string, closer io.Closer) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	h.Add(name, func(context.Context) error { return closer.Close() })
}

// Run executes every hook, most recently added first, within timeout. All
// hooks run even when earlier ones fail; the failures are returned joined.
// Run clears the registered hooks, so a second call does nothing.
func (h *Hooks) Run(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	hooks := h.hooks
	h.hooks = nil

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		hk := hooks[i]
		hookLog := log.Ctx(ctx).With().Str("hook", hk.name).Logger()

		if err := hk.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
			errs = append(errs, fmt.Errorf("%s: %w", hk.name, err))
			continue
		}
		hookLog.Debug().Msg("shutdown complete")
	}

	return errors.Join(errs...)
}

// Len reports the number of registered hooks.
func (h *Hooks) Len() int {
	return len(h.hooks)
}

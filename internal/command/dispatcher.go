// Package command is the request/response boundary used by the desktop shell.
// A command is a name plus JSON arguments; every failure is flattened into a
// display message.
package command

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"

	"github.com/goccy/go-json"
	"github.com/hula-im/hula-core/internal/apiclient"
	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/hula-im/hula-core/internal/media"
	"github.com/rs/zerolog/log"
)

// API is the subset of the request client used by commands.
type API interface {
	Call(ctx context.Context, name string, body any, query any) (*apiclient.RawEnvelope, error)
	Login(ctx context.Context, req apiclient.LoginRequest) (*apiclient.LoginResponse, error)
}

// Media is the subset of the media cache manager used by commands.
type Media interface {
	Download(ctx context.Context, uri string, force bool, maxSize int64) (media.Entry, error)
	Delete(ctx context.Context, uri string) error
	Clear(ctx context.Context) (media.Stats, error)
	Stats(ctx context.Context) (media.Stats, error)
	Preload(ctx context.Context, uris []string, opts ...media.PreloadOption) int
	Lookup(ctx context.Context, uri string) (media.Entry, bool, error)
}

// Response is the outcome of one invocation. Error is empty on success.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (r Response) Failed() bool {
	return r.Error != ""
}

type handler func(ctx context.Context, payload []byte) (any, error)

type Dispatcher struct {
	api            API
	media          Media
	defaultMaxSize int64
	handlers       map[string]handler
}

// NewDispatcher registers the command set. defaultMaxSize applies to
// download_media calls that give no max_size.
func NewDispatcher(api API, mediaManager Media, defaultMaxSize int64) *Dispatcher {
	d := &Dispatcher{
		api:            api,
		media:          mediaManager,
		defaultMaxSize: defaultMaxSize,
	}

	d.handlers = map[string]handler{
		"im_request":            d.imRequest,
		"login":                 d.login,
		"download_media":        d.downloadMedia,
		"delete_cached_media":   d.deleteCachedMedia,
		"clear_media_cache":     d.clearMediaCache,
		"get_media_cache_stats": d.mediaCacheStats,
		"preload_media":         d.preloadMedia,
		"lookup_media":          d.lookupMedia,
	}

	return d
}

// Names lists the registered commands in sorted order.
func (d *Dispatcher) Names() []string {
	return slices.Sorted(maps.Keys(d.handlers))
}

// Invoke runs the named command with JSON-encoded arguments.
func (d *Dispatcher) Invoke(ctx context.Context, name string, payload []byte) Response {
	h, ok := d.handlers[name]
	if !ok {
		return Response{Error: fmt.Sprintf("unknown command: %s", name)}
	}

	result, err := h(ctx, payload)
	if err != nil {
		log.Ctx(ctx).Info().
			Err(err).
			Str("command", name).
			Str("kind", apperr.KindOf(err).String()).
			Msg("command failed")
		return Response{Error: apperr.Message(err)}
	}

	return Response{Result: result}
}

func decodeArgs[T any](payload []byte) (T, error) {
	var args T
	if len(payload) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(payload, &args); err != nil {
		return args, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

type imRequestArgs struct {
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body"`
	Params map[string]any  `json:"params"`
}

func (d *Dispatcher) imRequest(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[imRequestArgs](payload)
	if err != nil {
		return nil, err
	}

	var body any
	if len(args.Body) > 0 && string(args.Body) != "null" {
		body = args.Body
	}

	var query any
	if len(args.Params) > 0 {
		values := url.Values{}
		for k, v := range args.Params {
			if v == nil {
				continue
			}
			values.Set(k, fmt.Sprint(v))
		}
		query = values
	}

	env, err := d.api.Call(ctx, args.URL, body, query)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, nil
	}

	return *env.Data, nil
}

func (d *Dispatcher) login(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[apiclient.LoginRequest](payload)
	if err != nil {
		return nil, err
	}

	return d.api.Login(ctx, args)
}

type mediaArgs struct {
	MxcURI  string `json:"mxc_uri"`
	Force   bool   `json:"force"`
	MaxSize *int64 `json:"max_size"`
}

func (d *Dispatcher) downloadMedia(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[mediaArgs](payload)
	if err != nil {
		return nil, err
	}

	maxSize := d.defaultMaxSize
	if args.MaxSize != nil {
		maxSize = *args.MaxSize
	}

	return d.media.Download(ctx, args.MxcURI, args.Force, maxSize)
}

func (d *Dispatcher) deleteCachedMedia(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[mediaArgs](payload)
	if err != nil {
		return nil, err
	}

	return nil, d.media.Delete(ctx, args.MxcURI)
}

func (d *Dispatcher) clearMediaCache(ctx context.Context, _ []byte) (any, error) {
	return d.media.Clear(ctx)
}

func (d *Dispatcher) mediaCacheStats(ctx context.Context, _ []byte) (any, error) {
	return d.media.Stats(ctx)
}

type preloadArgs struct {
	MxcURIs []string `json:"mxc_uris"`
}

func (d *Dispatcher) preloadMedia(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[preloadArgs](payload)
	if err != nil {
		return nil, err
	}

	return d.media.Preload(ctx, args.MxcURIs), nil
}

// LookupResult reports whether media is cached locally.
type LookupResult struct {
	Found bool         `json:"found"`
	Entry *media.Entry `json:"entry,omitempty"`
}

func (d *Dispatcher) lookupMedia(ctx context.Context, payload []byte) (any, error) {
	args, err := decodeArgs[mediaArgs](payload)
	if err != nil {
		return nil, err
	}

	entry, found, err := d.media.Lookup(ctx, args.MxcURI)
	if err != nil {
		return nil, err
	}
	if !found {
		return LookupResult{}, nil
	}

	return LookupResult{Found: true, Entry: &entry}, nil
}

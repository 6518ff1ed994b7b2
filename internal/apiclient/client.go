package apiclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// maxRefreshAttempts bounds the number of refreshes a single logical call may
// trigger before session expiry becomes terminal.
const maxRefreshAttempts = 2

// errorSnippetLength is the number of characters of an error response body
// kept for diagnostics.
const errorSnippetLength = 200

const defaultRequestTimeout = 30 * time.Second

// Client performs authenticated calls against the backend. It owns the
// session Credentials and is safe for concurrent use.
type Client struct {
	mu      sync.RWMutex
	baseURL string

	httpClient     *http.Client
	requestTimeout time.Duration
	defaults       http.Header
	catalog        *Catalog

	credentials  Credentials
	refreshGroup singleflight.Group
}

type ClientConfig struct {
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Catalog      *Catalog
	ClientID     string
	ClientSecret string
	MaxRedirects int
	AccessToken  string
	RefreshToken string
}

type ClientOption func(*ClientConfig)

// WithHTTPClient sets the HTTP client used for every call. The client is
// copied; its redirect policy is replaced. A total Timeout on the client is
// applied to decoded calls only (unless WithRequestTimeout is given), so it
// never cuts off a stream.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *ClientConfig) {
		c.HTTPClient = client
	}
}

// WithRequestTimeout bounds each decoded call, including any token refreshes
// it triggers. Streams are not bounded.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) {
		c.RequestTimeout = d
	}
}

func WithCatalog(catalog *Catalog) ClientOption {
	return func(c *ClientConfig) {
		c.Catalog = catalog
	}
}

// WithClientCredentials sends base64(id:secret) as the Authorization header on
// every call.
func WithClientCredentials(id, secret string) ClientOption {
	return func(c *ClientConfig) {
		c.ClientID = id
		c.ClientSecret = secret
	}
}

func WithMaxRedirects(n int) ClientOption {
	return func(c *ClientConfig) {
		c.MaxRedirects = n
	}
}

// WithTokens seeds the session credentials.
func WithTokens(accessToken, refreshToken string) ClientOption {
	return func(c *ClientConfig) {
		c.AccessToken = accessToken
		c.RefreshToken = refreshToken
	}
}

func New(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api client: base URL is required")
	}

	cfg := &ClientConfig{
		MaxRedirects: 10,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Catalog == nil {
		catalog, err := DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("api client: %w", err)
		}
		cfg.Catalog = catalog
	}

	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = httpClient.Timeout
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	httpClient.Timeout = 0
	httpClient.CheckRedirect = limitRedirects(cfg.MaxRedirects)

	defaults := http.Header{}
	defaults.Set("Content-Type", "application/json")
	if cfg.ClientID != "" {
		defaults.Set("Authorization", base64.StdEncoding.EncodeToString([]byte(cfg.ClientID+":"+cfg.ClientSecret)))
	}

	c := &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		defaults:       defaults,
		catalog:        cfg.Catalog,
	}
	c.credentials.Set(cfg.AccessToken, cfg.RefreshToken)

	return c, nil
}

func limitRedirects(max int) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) > max {
			return fmt.Errorf("stopped after %d redirects", max)
		}
		return nil
	}
}

// BaseURL returns the backend base URL currently in use.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseURL
}

// SetBaseURL switches the backend for subsequent calls.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseURL = baseURL
}

// Tokens returns the current access and refresh tokens.
func (c *Client) Tokens() (accessToken, refreshToken string) {
	return c.credentials.Pair()
}

// SetTokens replaces the session, as done after an external login.
func (c *Client) SetTokens(accessToken, refreshToken string) {
	c.credentials.Set(accessToken, refreshToken)
}

// ClearTokens forgets the session, as done on logout.
func (c *Client) ClearTokens() {
	c.credentials.Clear()
}

// Catalog returns the endpoint catalog used by Call.
func (c *Client) Catalog() *Catalog {
	return c.catalog
}

// Do sends req, refreshing the session when the backend reports it expired,
// and returns the envelope of the first successful response. The whole call
// is bounded by the request timeout.
func (c *Client) Do(ctx context.Context, req Request) (*RawEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	logger := log.Ctx(ctx).With().
		Str("request_id", uuid.NewString()).
		Str("method", req.Method).
		Str("path", req.Path).
		Logger()

	refreshes := 0
	defer func() {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("api.path", req.Path),
			attribute.Int("api.refresh_attempts", refreshes),
		)
	}()

	for {
		token := c.credentials.AccessToken()

		env, err := c.send(ctx, logger, req, token)
		if err != nil {
			return nil, err
		}

		code, _ := env.code()

		switch {
		case code == codeSessionExpired:
			if refreshes >= maxRefreshAttempts {
				logger.Warn().Int("refresh_attempts", refreshes).Msg("session still expired after refresh; giving up")
				return nil, &apperr.Error{
					Kind:    apperr.KindSessionExpired,
					Code:    code,
					Message: "session expired, token refresh failed",
				}
			}

			logger.Info().Int("refresh_attempts", refreshes).Msg("session expired; refreshing token")
			if err := c.refresh(ctx, token); err != nil {
				return nil, err
			}
			refreshes++

		case code == codeUnauthorized:
			logger.Warn().Int("code", code).Str("msg", env.message()).Msg("request unauthorized")
			return nil, &apperr.Error{
				Kind:    apperr.KindUnauthorized,
				Code:    code,
				Message: "please log in again",
			}

		case env.succeeded():
			logger.Debug().Msg("request successful")
			return env, nil

		default:
			logger.Warn().Int("code", code).Str("msg", env.message()).Msg("request failed")
			return nil, &apperr.Error{
				Kind:    apperr.KindApplication,
				Code:    code,
				Message: env.message(),
			}
		}
	}
}

// send performs a single round trip and decodes the envelope. HTTP error
// statuses are returned as transport errors without decoding.
func (c *Client) send(ctx context.Context, logger zerolog.Logger, req Request, token string) (*RawEnvelope, error) {
	httpReq, err := buildRequest(ctx, c.BaseURL(), c.defaults, req, token)
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("url", httpReq.URL.String()).Msg("sending request")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Warn().Err(err).Msg("request failed to send")
		return nil, apperr.Wrap(apperr.KindTransport, err, "network request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet := bodySnippet(resp.Body, errorSnippetLength)
		logger.Error().Int("status", resp.StatusCode).Str("body", snippet).Msg("request returned an error status")

		msg := fmt.Sprintf("request failed (HTTP %d)", resp.StatusCode)
		if snippet != "" {
			msg += ": " + snippet
		}
		return nil, &apperr.Error{
			Kind:    apperr.KindTransport,
			Status:  resp.StatusCode,
			Message: msg,
		}
	}

	var env RawEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		logger.Warn().Err(err).Int("status", resp.StatusCode).Msg("response body is not a valid envelope")
		return nil, &apperr.Error{
			Kind:    apperr.KindTransport,
			Status:  resp.StatusCode,
			Message: "invalid response body",
			Err:     err,
		}
	}

	return &env, nil
}

// bodySnippet reads at most n characters from r. Read failures yield whatever
// was read before the failure.
func bodySnippet(r io.Reader, n int) string {
	// UTF-8 needs at most 4 bytes per character
	data, _ := io.ReadAll(io.LimitReader(r, int64(n)*4))

	runes := []rune(string(data))
	if len(runes) > n {
		runes = runes[:n]
	}

	return strings.TrimSpace(string(runes))
}

// DoAs sends req and decodes the envelope payload into T.
func DoAs[T any](ctx context.Context, c *Client, req Request) (*Envelope[T], error) {
	raw, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	return decodeEnvelope[T](raw)
}

func decodeEnvelope[T any](raw *RawEnvelope) (*Envelope[T], error) {
	env := &Envelope[T]{
		Code:    raw.Code,
		Success: raw.Success,
		Msg:     raw.Msg,
	}

	if raw.Data == nil || string(*raw.Data) == "null" {
		return env, nil
	}

	var data T
	if err := json.Unmarshal(*raw.Data, &data); err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, err, "invalid response data")
	}
	env.Data = &data

	return env, nil
}

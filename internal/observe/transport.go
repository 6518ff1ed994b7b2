package observe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/hula-im/hula-core/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPTransport wraps an outbound transport with OpenTelemetry
// instrumentation when telemetry is enabled. Connection-level tracing is
// added only when configured, as it produces a span per connection phase.
func HTTPTransport(wrapped http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return wrapped
	}

	opts := []otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Host
		}),
	}

	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(func(ctx context.Context) *httptrace.ClientTrace {
			return otelhttptrace.NewClientTrace(ctx)
		}))
	}

	return otelhttp.NewTransport(wrapped, opts...)
}

// HTTPClient builds a client over the shared transport. It has no total
// timeout: streams and media bodies may be read for as long as they flow.
// Connection setup is bounded by the transport and decoded calls by their
// context.
func HTTPClient(transport http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: transport,
	}
}

// BaseTransport clones the default transport with the configured pool limits
// and connection timeouts.
func BaseTransport(cfg config.HTTPConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout(),
		KeepAlive: 30 * time.Second,
	}
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout()

	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost

	return transport
}

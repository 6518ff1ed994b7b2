package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/go-querystring/query"
)

// TokenHeader carries the session access token. Authorization is reserved for
// the client credential.
const TokenHeader = "token"

var emptyBody = []byte("{}")

// Request describes one outbound call.
type Request struct {
	Method string
	Path   string

	// Body is encoded as JSON. A nil body is sent as an empty object.
	Body any

	// Query is either url.Values, a map[string]string, or a struct tagged for
	// github.com/google/go-querystring.
	Query any

	// Header values are added after the token header and do not replace it.
	Header http.Header
}

// buildRequest constructs the HTTP request for req against baseURL. The token
// header is set only when token is non-empty.
func buildRequest(ctx context.Context, baseURL string, defaults http.Header, req Request, token string) (*http.Request, error) {
	target, err := requestURL(baseURL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	payload := emptyBody
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("could not encode request body for %s: %w", req.Path, err)
		}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not create request for %s: %w", req.Path, err)
	}

	for name, values := range defaults {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if token != "" {
		httpReq.Header.Set(TokenHeader, token)
	}

	for name, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	return httpReq, nil
}

func requestURL(baseURL, path string, q any) (string, error) {
	raw := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")

	values, err := encodeQuery(q)
	if err != nil {
		return "", err
	}
	if len(values) == 0 {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request URL %q: %w", raw, err)
	}

	encoded := values.Encode()
	if u.RawQuery != "" {
		u.RawQuery += "&" + encoded
	} else {
		u.RawQuery = encoded
	}

	return u.String(), nil
}

func encodeQuery(q any) (url.Values, error) {
	switch v := q.(type) {
	case nil:
		return nil, nil
	case url.Values:
		return v, nil
	case map[string]string:
		values := make(url.Values, len(v))
		for k, s := range v {
			values.Set(k, s)
		}
		return values, nil
	default:
		values, err := query.Values(q)
		if err != nil {
			return nil, fmt.Errorf("could not encode query parameters: %w", err)
		}
		return values, nil
	}
}

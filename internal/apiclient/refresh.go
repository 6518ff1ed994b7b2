package apiclient

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog/log"
)

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// refresh renews the session after a call made with staleToken was rejected as
// expired. Concurrent callers share one refresh round trip. When another
// caller has already replaced staleToken, no further refresh is sent.
func (c *Client) refresh(ctx context.Context, staleToken string) error {
	ch := c.refreshGroup.DoChan("refresh", func() (any, error) {
		if current := c.credentials.AccessToken(); current != "" && current != staleToken {
			return nil, nil
		}
		// shared by every waiting caller: detached from any one caller's
		// cancellation, bounded by the request timeout
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
		defer cancel()

		return nil, c.refreshTokens(refreshCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindRefreshFailure, ctx.Err(), "token refresh cancelled")
	}
}

// refreshTokens exchanges the refresh token for a new token pair. Credentials
// are only modified when the backend reports success.
func (c *Client) refreshTokens(ctx context.Context) error {
	logger := log.Ctx(ctx)

	refreshToken := c.credentials.RefreshToken()
	if refreshToken == "" {
		return apperr.New(apperr.KindRefreshFailure, "no refresh token available")
	}

	endpoint, ok := c.catalog.Lookup(EndpointRefreshToken)
	if !ok {
		return apperr.New(apperr.KindRefreshFailure, fmt.Sprintf("endpoint catalog has no %q entry", EndpointRefreshToken))
	}

	// the expired access token is not sent; the body carries the credential
	httpReq, err := buildRequest(ctx, c.BaseURL(), c.defaults, Request{
		Method: endpoint.Method,
		Path:   endpoint.Path,
		Body:   refreshRequest{RefreshToken: refreshToken},
	}, "")
	if err != nil {
		return apperr.Wrap(apperr.KindRefreshFailure, err, "token refresh failed")
	}

	logger.Info().Msg("refreshing session token")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		logger.Warn().Err(err).Msg("token refresh request failed")
		return apperr.Wrap(apperr.KindRefreshFailure, err, "token refresh failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Warn().Int("status", resp.StatusCode).Msg("token refresh returned an error status")
		return &apperr.Error{
			Kind:    apperr.KindRefreshFailure,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("token refresh failed (HTTP %d)", resp.StatusCode),
		}
	}

	var env Envelope[map[string]any]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Wrap(apperr.KindRefreshFailure, err, "token refresh returned an invalid body")
	}

	if !env.Success {
		logger.Warn().Str("msg", env.message()).Msg("token refresh rejected")
		code, _ := env.code()
		return &apperr.Error{
			Kind:    apperr.KindRefreshFailure,
			Code:    code,
			Message: "token refresh failed: " + env.message(),
		}
	}

	var accessToken, newRefreshToken *string
	if env.Data != nil {
		accessToken = stringField(*env.Data, "token")
		newRefreshToken = stringField(*env.Data, "refreshToken")
	}
	c.credentials.update(accessToken, newRefreshToken)

	logger.Info().
		Bool("access_rotated", accessToken != nil).
		Bool("refresh_rotated", newRefreshToken != nil).
		Msg("session token refreshed")

	return nil
}

// stringField returns data[key] when it holds a string.
func stringField(data map[string]any, key string) *string {
	s, ok := data[key].(string)
	if !ok {
		return nil
	}
	return &s
}

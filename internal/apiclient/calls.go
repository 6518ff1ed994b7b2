package apiclient

import (
	"context"
	"fmt"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/rs/zerolog/log"
)

// LoginRequest is the body of the login call.
type LoginRequest struct {
	Account     string `json:"account"`
	Password    string `json:"password"`
	DeviceType  string `json:"deviceType,omitempty"`
	SystemType  string `json:"systemType,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
	GrantType   string `json:"grantType,omitempty"`
	Key         string `json:"key,omitempty"`
	Code        string `json:"code,omitempty"`
	IsAutoLogin bool   `json:"isAutoLogin,omitempty"`
	AsyncData   bool   `json:"asyncData,omitempty"`
	UID         string `json:"uid,omitempty"`
}

// LoginResponse is the payload of a successful login.
type LoginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	Client       string `json:"client,omitempty"`
}

// Call performs the catalog operation name. Unknown names fail before any
// network I/O.
func (c *Client) Call(ctx context.Context, name string, body any, query any) (*RawEnvelope, error) {
	endpoint, ok := c.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}

	return c.Do(ctx, Request{
		Method: endpoint.Method,
		Path:   endpoint.Path,
		Body:   body,
		Query:  query,
	})
}

// Login authenticates with the backend and replaces the session with the
// returned token pair.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	raw, err := c.Call(ctx, EndpointLogin, req, nil)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope[LoginResponse](raw)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, apperr.New(apperr.KindApplication, "login response carried no session")
	}

	c.credentials.Set(env.Data.Token, env.Data.RefreshToken)
	log.Ctx(ctx).Info().Str("client", env.Data.Client).Msg("logged in")

	return env.Data, nil
}

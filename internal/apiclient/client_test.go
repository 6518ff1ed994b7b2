package apiclient

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/hula-im/hula-core/internal/apperr"
	"github.com/hula-im/hula-core/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPath    = "/im/test"
	refreshPath = "/oauth/anyTenant/refresh"
	loginPath   = "/oauth/anyTenant/login"
)

type testPayload struct {
	Value int `json:"value"`
}

func setupClient(t *testing.T, opts ...ClientOption) (*Client, *testhelpers.MockAPIServer) {
	t.Helper()

	mock := testhelpers.SetupMockAPIServer(t)
	client, err := New(mock.URL(), opts...)
	require.NoError(t, err)

	return client, mock
}

func TestDo_SuccessReturnsPayloadAndKeepsCredentials(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.Envelope(200, "ok", map[string]any{"value": 42}))

	env, err := DoAs[testPayload](context.Background(), client, Request{Method: http.MethodGet, Path: "im/test"})
	require.NoError(t, err)
	require.NotNil(t, env.Data)
	assert.Equal(t, 42, env.Data.Value)

	accessToken, refreshToken := client.Tokens()
	assert.Equal(t, "access", accessToken)
	assert.Equal(t, "refresh", refreshToken)

	reqs := mock.Requests(testPath)
	require.Len(t, reqs, 1)
	assert.Equal(t, "access", reqs[0].Header.Get(TokenHeader))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{}`, string(reqs[0].Body))
	assert.Equal(t, 0, mock.Count(refreshPath))
}

func TestDo_SessionExpiredRefreshesAndRetriesOnce(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath,
		testhelpers.Envelope(406, "token expired", nil),
		testhelpers.Envelope(200, "ok", map[string]any{"value": 1}),
	)
	mock.Enqueue(refreshPath, testhelpers.Envelope(200, "", map[string]any{
		"token":        "access-2",
		"refreshToken": "refresh-2",
	}))

	env, err := DoAs[testPayload](context.Background(), client, Request{Method: http.MethodPost, Path: "im/test"})
	require.NoError(t, err)
	assert.Equal(t, 1, env.Data.Value)

	assert.Equal(t, 2, mock.Count(testPath))
	assert.Equal(t, 1, mock.Count(refreshPath))

	accessToken, refreshToken := client.Tokens()
	assert.Equal(t, "access-2", accessToken)
	assert.Equal(t, "refresh-2", refreshToken)

	reqs := mock.Requests(testPath)
	assert.Equal(t, "access", reqs[0].Header.Get(TokenHeader))
	assert.Equal(t, "access-2", reqs[1].Header.Get(TokenHeader))

	refreshReqs := mock.Requests(refreshPath)
	require.Len(t, refreshReqs, 1)
	assert.Equal(t, http.MethodPost, refreshReqs[0].Method)
	assert.Empty(t, refreshReqs[0].Header.Values(TokenHeader))
	assert.JSONEq(t, `{"refreshToken":"refresh"}`, string(refreshReqs[0].Body))
}

func TestDo_PersistentExpiryStopsAfterTwoRefreshes(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.Envelope(406, "token expired", nil))
	mock.Enqueue(refreshPath, testhelpers.Envelope(200, "", map[string]any{
		"token":        "access-2",
		"refreshToken": "refresh-2",
	}))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSessionExpired))

	assert.Equal(t, 2, mock.Count(refreshPath))
	assert.Equal(t, 3, mock.Count(testPath))
}

func TestDo_UnauthorizedIsTerminal(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.Envelope(401, "unauthorized", nil))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	assert.Equal(t, "please log in again", apperr.Message(err))

	assert.Equal(t, 1, mock.Count(testPath))
	assert.Equal(t, 0, mock.Count(refreshPath))
}

func TestDo_HTTPErrorStatusIsTransport(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.MockResponse{
		Status: http.StatusInternalServerError,
		Raw:    `{"code":406,"success":false}`,
	})

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindTransport, appErr.Kind)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	assert.Contains(t, appErr.Message, "HTTP 500")

	// the body looked like an expiry envelope, but it must not be decoded
	assert.Equal(t, 0, mock.Count(refreshPath))
	assert.Equal(t, 1, mock.Count(testPath))
}

func TestDo_HTTPErrorBodyIsTruncated(t *testing.T) {
	client, mock := setupClient(t)
	mock.Enqueue(testPath, testhelpers.MockResponse{
		Status: http.StatusBadGateway,
		Raw:    strings.Repeat("x", 500),
	})

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)

	msg := apperr.Message(err)
	assert.Contains(t, msg, strings.Repeat("x", 200))
	assert.NotContains(t, msg, strings.Repeat("x", 201))
}

func TestDo_ApplicationErrorCarriesServerMessage(t *testing.T) {
	client, mock := setupClient(t)
	mock.Enqueue(testPath, testhelpers.Envelope(500, "group does not exist", nil))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindApplication, appErr.Kind)
	assert.Equal(t, 500, appErr.Code)
	assert.Equal(t, "group does not exist", apperr.Message(err))
}

func TestDo_SuccessFlagWithoutCode(t *testing.T) {
	client, mock := setupClient(t)
	mock.Enqueue(testPath, testhelpers.MockResponse{Body: map[string]any{
		"success": true,
		"data":    map[string]any{"value": 7},
	}})

	env, err := DoAs[testPayload](context.Background(), client, Request{Method: http.MethodGet, Path: "im/test"})
	require.NoError(t, err)
	assert.Equal(t, 7, env.Data.Value)
}

func TestDo_InvalidJSONIsTransport(t *testing.T) {
	client, mock := setupClient(t)
	mock.Enqueue(testPath, testhelpers.MockResponse{Raw: "<html>not json</html>"})

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransport))
}

func TestDo_NetworkErrorIsTransport(t *testing.T) {
	client, mock := setupClient(t)
	mock.Close()

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransport))
}

func TestDo_RefreshRejectedLeavesCredentials(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.Envelope(406, "token expired", nil))
	mock.Enqueue(refreshPath, testhelpers.Envelope(400, "refresh token revoked", nil))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRefreshFailure))
	assert.Contains(t, apperr.Message(err), "refresh token revoked")

	accessToken, refreshToken := client.Tokens()
	assert.Equal(t, "access", accessToken)
	assert.Equal(t, "refresh", refreshToken)

	assert.Equal(t, 1, mock.Count(testPath))
	assert.Equal(t, 1, mock.Count(refreshPath))
}

func TestDo_RefreshHTTPErrorIsRefreshFailure(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath, testhelpers.Envelope(406, "token expired", nil))
	mock.Enqueue(refreshPath, testhelpers.MockResponse{Status: http.StatusServiceUnavailable})

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRefreshFailure))
}

func TestDo_MissingRefreshToken(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", ""))
	mock.Enqueue(testPath, testhelpers.Envelope(406, "token expired", nil))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindRefreshFailure))
	assert.Equal(t, "no refresh token available", apperr.Message(err))
	assert.Equal(t, 0, mock.Count(refreshPath))
}

func TestDo_RefreshPartialUpdate(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue(testPath,
		testhelpers.Envelope(406, "token expired", nil),
		testhelpers.Envelope(200, "ok", nil),
	)
	mock.Enqueue(refreshPath, testhelpers.Envelope(200, "", map[string]any{
		"token": "access-2",
	}))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.NoError(t, err)

	accessToken, refreshToken := client.Tokens()
	assert.Equal(t, "access-2", accessToken)
	assert.Equal(t, "refresh", refreshToken)
}

func TestDo_QueryAndExtraHeaders(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", ""))
	mock.Enqueue(testPath, testhelpers.Envelope(200, "ok", nil))

	type pageQuery struct {
		PageSize int    `url:"pageSize"`
		Cursor   string `url:"cursor,omitempty"`
	}

	header := http.Header{}
	header.Set("X-Device", "desktop")

	_, err := client.Do(context.Background(), Request{
		Method: http.MethodGet,
		Path:   "im/test",
		Query:  pageQuery{PageSize: 20},
		Header: header,
	})
	require.NoError(t, err)

	reqs := mock.Requests(testPath)
	require.Len(t, reqs, 1)
	assert.Equal(t, "pageSize=20", reqs[0].RawQuery)
	assert.Equal(t, "desktop", reqs[0].Header.Get("X-Device"))
}

func TestNew_ClientCredentialsHeader(t *testing.T) {
	client, mock := setupClient(t, WithClientCredentials("web", "secret"))
	mock.Enqueue(testPath, testhelpers.Envelope(200, "ok", nil))

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.NoError(t, err)

	reqs := mock.Requests(testPath)
	require.Len(t, reqs, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("web:secret")), reqs[0].Header.Get("Authorization"))
	assert.Empty(t, reqs[0].Header.Values(TokenHeader))
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestSetBaseURL(t *testing.T) {
	client, err := New("http://127.0.0.1:1")
	require.NoError(t, err)

	mock := testhelpers.SetupMockAPIServer(t)
	mock.Enqueue(testPath, testhelpers.Envelope(200, "ok", nil))

	client.SetBaseURL(mock.URL())
	assert.Equal(t, mock.URL(), client.BaseURL())

	_, err = client.Do(context.Background(), Request{Method: http.MethodGet, Path: "im/test"})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.Count(testPath))
}

func TestCall_UnknownEndpoint(t *testing.T) {
	client, _ := setupClient(t)

	_, err := client.Call(context.Background(), "noSuchOperation", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEndpoint))
}

func TestCall_UsesCatalogRoute(t *testing.T) {
	client, mock := setupClient(t, WithTokens("access", "refresh"))
	mock.Enqueue("/im/chat/msg/recall", testhelpers.Envelope(200, "ok", nil))

	_, err := client.Call(context.Background(), "recallMsg", map[string]string{"msgId": "1"}, nil)
	require.NoError(t, err)

	reqs := mock.Requests("/im/chat/msg/recall")
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.JSONEq(t, `{"msgId":"1"}`, string(reqs[0].Body))
}

func TestLogin_StoresTokens(t *testing.T) {
	client, mock := setupClient(t)
	mock.Enqueue(loginPath, testhelpers.Envelope(200, "ok", map[string]any{
		"token":        "access",
		"refreshToken": "refresh",
		"client":       "desktop",
	}))

	resp, err := client.Login(context.Background(), LoginRequest{
		Account:   "alice",
		Password:  "secret",
		GrantType: "PASSWORD",
	})
	require.NoError(t, err)
	assert.Equal(t, "desktop", resp.Client)

	accessToken, refreshToken := client.Tokens()
	assert.Equal(t, "access", accessToken)
	assert.Equal(t, "refresh", refreshToken)

	reqs := mock.Requests(loginPath)
	require.Len(t, reqs, 1)
	assert.Contains(t, string(reqs[0].Body), `"account":"alice"`)
}

func TestLogin_FailureKeepsSession(t *testing.T) {
	client, mock := setupClient(t, WithTokens("old", "old-refresh"))
	mock.Enqueue(loginPath, testhelpers.Envelope(500, "wrong password", nil))

	_, err := client.Login(context.Background(), LoginRequest{Account: "alice", Password: "bad"})
	require.Error(t, err)
	assert.Equal(t, "wrong password", apperr.Message(err))

	accessToken, _ := client.Tokens()
	assert.Equal(t, "old", accessToken)
}

func TestClearTokens(t *testing.T) {
	client, err := New("http://example.com", WithTokens("a", "b"))
	require.NoError(t, err)

	client.ClearTokens()

	accessToken, refreshToken := client.Tokens()
	assert.Empty(t, accessToken)
	assert.Empty(t, refreshToken)
}

func TestBodySnippet(t *testing.T) {
	snippet := bodySnippet(strings.NewReader(strings.Repeat("é", 300)), 200)
	assert.Equal(t, 200, len([]rune(snippet)))
}

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/hula-im/hula-core/internal/media"
	"github.com/hula-im/hula-core/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	cases := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{"none", nil, nil, false},
		{"pairs", []string{"pageSize=20", "cursor="}, map[string]any{"pageSize": "20", "cursor": ""}, false},
		{"value with equals", []string{"q=a=b"}, map[string]any{"q": "a=b"}, false},
		{"missing separator", []string{"pageSize"}, nil, true},
		{"empty key", []string{"=1"}, nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseParams(tc.pairs)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type cliFixture struct {
	api      *testhelpers.MockAPIServer
	media    *testhelpers.MockMediaServer
	cacheDir string
}

func setupCLI(t *testing.T) cliFixture {
	t.Helper()

	f := cliFixture{
		api:      testhelpers.SetupMockAPIServer(t),
		media:    testhelpers.SetupMockMediaServer(t),
		cacheDir: filepath.Join(t.TempDir(), "media_cache"),
	}

	t.Setenv("IM_API_BASE_URL", f.api.URL())
	t.Setenv("IM_API_TOKEN", "access")
	t.Setenv("IM_API_REFRESH_TOKEN", "refresh")
	t.Setenv("MATRIX_HOMESERVER_URL", f.media.URL())
	t.Setenv("MEDIA_CACHE_DIR", f.cacheDir)
	t.Setenv("OBSERVE_ENABLED", "false")

	return f
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root, cleanup := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	cleanup(context.Background())

	return out.String(), err
}

func TestCLI_MediaGet(t *testing.T) {
	f := setupCLI(t)
	f.media.Add("example.org", "a", testhelpers.MediaFile{Body: []byte("hello"), ContentType: "image/png"})

	out, err := runCLI(t, "media", "get", "mxc://example.org/a")
	require.NoError(t, err)

	var entry media.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, filepath.Join(f.cacheDir, "example.org_a"), entry.LocalPath)
	assert.Equal(t, int64(5), entry.Size)
	assert.Equal(t, "image/png", entry.MimeType)
}

func TestCLI_MediaStatsOnEmptyCache(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "media", "stats")
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":0,"total_size":0,"oldest_entry":null,"newest_entry":null}`, out)
}

func TestCLI_MediaPreload(t *testing.T) {
	f := setupCLI(t)
	f.media.Add("example.org", "a", testhelpers.MediaFile{Body: []byte("a")})

	out, err := runCLI(t, "media", "preload", "-q", "mxc://example.org/a", "mxc://example.org/missing")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)
}

func TestCLI_APICall(t *testing.T) {
	f := setupCLI(t)
	f.api.Enqueue("/im/user/emoji/list", testhelpers.Envelope(200, "ok", []string{"smile"}))

	out, err := runCLI(t, "api", "call", "getEmoji", "--param", "pageSize=5")
	require.NoError(t, err)
	assert.JSONEq(t, `["smile"]`, out)

	reqs := f.api.Requests("/im/user/emoji/list")
	require.Len(t, reqs, 1)
	assert.Equal(t, "access", reqs[0].Header.Get("token"))
	assert.Equal(t, "pageSize=5", reqs[0].RawQuery)
}

func TestCLI_APICallFailure(t *testing.T) {
	f := setupCLI(t)
	f.api.Enqueue("/im/user/emoji/list", testhelpers.Envelope(500, "emoji service down", nil))

	_, err := runCLI(t, "api", "call", "getEmoji")
	require.Error(t, err)
	assert.Equal(t, "emoji service down", err.Error())
}

func TestCLI_Invoke(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "invoke", "download_media", `{"mxc_uri":"nope"}`)
	require.Error(t, err)
}

func TestCLI_MissingConfiguration(t *testing.T) {
	setupCLI(t)
	t.Setenv("IM_API_BASE_URL", "ftp://api.example.com")

	_, err := runCLI(t, "media", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration load failed")
}

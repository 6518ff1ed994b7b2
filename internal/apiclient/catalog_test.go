package apiclient

import (
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)

	refresh, ok := catalog.Lookup(EndpointRefreshToken)
	require.True(t, ok)
	assert.Equal(t, Endpoint{Method: http.MethodPost, Path: "oauth/anyTenant/refresh"}, refresh)

	login, ok := catalog.Lookup(EndpointLogin)
	require.True(t, ok)
	assert.Equal(t, "oauth/anyTenant/login", login.Path)

	names := catalog.Names()
	assert.True(t, slices.IsSorted(names))
	assert.Contains(t, names, "getMsgPage")
}

func TestLoadCatalog_OverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	err := os.WriteFile(path, []byte(`
endpoints:
  login:
    method: post
    path: /v2/login/
  ping:
    method: GET
    path: system/ping
`), 0o600)
	require.NoError(t, err)

	catalog, err := LoadCatalog(path)
	require.NoError(t, err)

	login, ok := catalog.Lookup("login")
	require.True(t, ok)
	assert.Equal(t, Endpoint{Method: http.MethodPost, Path: "v2/login"}, login)

	_, ok = catalog.Lookup("ping")
	assert.True(t, ok)

	// untouched built-in entries remain
	_, ok = catalog.Lookup(EndpointRefreshToken)
	assert.True(t, ok)
}

func TestLoadCatalog_EmptyPath(t *testing.T) {
	catalog, err := LoadCatalog("")
	require.NoError(t, err)

	_, ok := catalog.Lookup(EndpointLogin)
	assert.True(t, ok)
}

func TestLoadCatalog_MissingFile(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseCatalog_Invalid(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad method", "endpoints:\n  x:\n    method: FETCH\n    path: a\n"},
		{"missing path", "endpoints:\n  x:\n    method: GET\n"},
		{"not yaml", "endpoints: [\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

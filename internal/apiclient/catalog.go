package apiclient

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog entries the client itself depends on.
const (
	EndpointLogin        = "login"
	EndpointRefreshToken = "refreshToken"
)

// ErrUnknownEndpoint is returned by Call for names absent from the catalog.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Endpoint is the method and path of a named backend route.
type Endpoint struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// Catalog maps symbolic operation names to backend routes. It is immutable
// once built.
type Catalog struct {
	endpoints map[string]Endpoint
}

type catalogDocument struct {
	Endpoints map[string]Endpoint `yaml:"endpoints"`
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	catalog, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		return nil, fmt.Errorf("built-in endpoint catalog is invalid: %w", err)
	}
	return catalog, nil
}

// LoadCatalog returns the built-in catalog extended by the YAML file at path.
// Entries in the file replace built-in entries of the same name. An empty path
// yields the built-in catalog.
func LoadCatalog(path string) (*Catalog, error) {
	catalog, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read endpoint catalog: %w", err)
	}

	override, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("endpoint catalog %s: %w", path, err)
	}

	return catalog.Merge(override), nil
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("could not parse endpoint catalog: %w", err)
	}

	endpoints := make(map[string]Endpoint, len(doc.Endpoints))
	for name, ep := range doc.Endpoints {
		ep.Method = strings.ToUpper(strings.TrimSpace(ep.Method))
		ep.Path = strings.Trim(strings.TrimSpace(ep.Path), "/")

		if !validMethod(ep.Method) {
			return nil, fmt.Errorf("endpoint %q: unsupported method %q", name, ep.Method)
		}
		if ep.Path == "" {
			return nil, fmt.Errorf("endpoint %q: path is required", name)
		}

		endpoints[name] = ep
	}

	return &Catalog{endpoints: endpoints}, nil
}

func validMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	}
	return false
}

// Merge returns a new catalog with other's entries layered over c's.
func (c *Catalog) Merge(other *Catalog) *Catalog {
	merged := maps.Clone(c.endpoints)
	maps.Copy(merged, other.endpoints)
	return &Catalog{endpoints: merged}
}

func (c *Catalog) Lookup(name string) (Endpoint, bool) {
	ep, ok := c.endpoints[name]
	return ep, ok
}

// Names lists the catalog entries in sorted order.
func (c *Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.endpoints))
}

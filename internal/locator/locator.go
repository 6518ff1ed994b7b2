package locator

import (
	"strings"

	"github.com/hula-im/hula-core/internal/apperr"
)

// Scheme is the fixed prefix of every content locator.
const Scheme = "mxc://"

// Locator identifies a remote media object: mxc://<authority>/<media id>.
type Locator struct {
	Authority string
	MediaID   string
}

func (l Locator) String() string {
	return Scheme + l.Authority + "/" + l.MediaID
}

// Parse splits a content locator into its authority and media id. Only the
// first separator after the authority is significant: the media id may itself
// contain separators and is returned as-is.
func Parse(uri string) (Locator, error) {
	rest, ok := strings.CutPrefix(uri, Scheme)
	if !ok {
		return Locator{}, apperr.New(apperr.KindInvalidLocator, "invalid MXC URI format: "+uri)
	}

	authority, mediaID, ok := strings.Cut(rest, "/")
	if !ok {
		return Locator{}, apperr.New(apperr.KindInvalidLocator, "missing media ID in MXC URI: "+uri)
	}

	if authority == "" {
		return Locator{}, apperr.New(apperr.KindInvalidLocator, "missing server name in MXC URI: "+uri)
	}
	if mediaID == "" {
		return Locator{}, apperr.New(apperr.KindInvalidLocator, "missing media ID in MXC URI: "+uri)
	}

	return Locator{Authority: authority, MediaID: mediaID}, nil
}

var unsafe = strings.NewReplacer("/", "_", ":", "_", `\`, "_")

// FileName maps a locator to the flat cache file name
// sanitize(authority)_sanitize(media id).
//
// Two locators differing only in which of '/', ':' or '\' appears at a given
// position map to the same name.
func FileName(authority, mediaID string) string {
	return unsafe.Replace(authority) + "_" + unsafe.Replace(mediaID)
}

// FileName returns the cache file name for l.
func (l Locator) FileName() string {
	return FileName(l.Authority, l.MediaID)
}

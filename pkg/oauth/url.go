package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// ProtectedResourceMetadataPath is the RFC 9728 well-known prefix.
	ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

	// AuthorizationServerMetadataPath is the RFC 8414 well-known path.
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"

	// OpenIDConfigurationPath is the OIDC discovery path.
	OpenIDConfigurationPath = "/.well-known/openid-configuration"
)

// Origin returns scheme://host[:port] of rawURL.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing scheme or host", rawURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

// NormalizeResourceURL drops query and fragment from rawURL. Tokens are
// stored under the result, so two calls that differ only in query share a
// token while sibling paths never do.
func NormalizeResourceURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// ProtectedResourceMetadataURL builds {origin}/.well-known/oauth-protected-resource{path}
// for a resource URL.
func ProtectedResourceMetadataURL(resourceURL string) (string, error) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid resource URL %q: %w", resourceURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid resource URL %q: missing scheme or host", resourceURL)
	}
	path := u.EscapedPath()
	if path == "/" {
		path = ""
	}
	return u.Scheme + "://" + u.Host + ProtectedResourceMetadataPath + path, nil
}

// IsProtectedResourceMetadataURL reports whether rawURL points at a PRM document.
func IsProtectedResourceMetadataURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Contains(rawURL, ProtectedResourceMetadataPath)
	}
	return strings.HasPrefix(u.Path, ProtectedResourceMetadataPath) ||
		strings.HasSuffix(u.Path, ProtectedResourceMetadataPath)
}

// ResourceURLFromMetadataURL maps a PRM URL back to the resource it describes.
// Both the RFC 9728 prefix form (https://host/.well-known/oauth-protected-resource/mcp)
// and the older suffix form (https://host/mcp/.well-known/oauth-protected-resource)
// are understood. URLs that are not PRM URLs are returned normalized.
func ResourceURLFromMetadataURL(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return strings.TrimSuffix(rawURL, ProtectedResourceMetadataPath)
	}
	switch {
	case strings.HasPrefix(u.Path, ProtectedResourceMetadataPath):
		u.Path = strings.TrimPrefix(u.Path, ProtectedResourceMetadataPath)
	case strings.HasSuffix(u.Path, ProtectedResourceMetadataPath):
		u.Path = strings.TrimSuffix(u.Path, ProtectedResourceMetadataPath)
	}
	u.RawPath = ""
	return NormalizeResourceURL(u.String())
}

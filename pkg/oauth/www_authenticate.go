package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var authParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
// It supports the Bearer scheme with OAuth 2.0 and MCP-specific parameters.
//
// Example headers:
//
//	Bearer realm="https://auth.example.com"
//	Bearer error="invalid_grant", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource/mcp"
//
// Returns an AuthChallenge with the parsed parameters, or an error if parsing fails.
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	// Split into scheme and parameters
	parts := strings.SplitN(header, " ", 2)

	challenge := &AuthChallenge{
		Scheme: parts[0],
	}

	if len(parts) > 1 {
		params := parseAuthParams(parts[1])

		challenge.Realm = params["realm"]
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Scope = params["scope"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
	}

	return challenge, nil
}

// parseAuthParams parses the parameter portion of a WWW-Authenticate header.
// Parameters are in the format: key1="value1", key2="value2"
func parseAuthParams(paramStr string) map[string]string {
	params := make(map[string]string)

	for _, match := range authParamRegex.FindAllStringSubmatch(paramStr, -1) {
		if len(match) == 3 {
			params[strings.ToLower(match[1])] = match[2]
		}
	}

	return params
}

// ResourceServerURL extracts the protected resource a challenge refers to.
//
// Two header forms resolve to a resource URL:
//
//	Bearer resource_metadata="https://host/.well-known/oauth-protected-resource/mcp"
//	https://host/mcp
//
// The second is emitted by servers that predate RFC 9728. In both cases a
// trailing or leading /.well-known/oauth-protected-resource segment is stripped.
// An empty string means the header names no resource.
func ResourceServerURL(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}

	if strings.HasPrefix(header, "http://") || strings.HasPrefix(header, "https://") {
		return ResourceURLFromMetadataURL(strings.Fields(header)[0])
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil || challenge.ResourceMetadataURL == "" {
		return ""
	}
	return ResourceURLFromMetadataURL(challenge.ResourceMetadataURL)
}

// ParseWWWAuthenticateFromResponse extracts auth challenge from a 401 response.
// Returns nil if no WWW-Authenticate header is present or if parsing fails.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}

	return challenge
}

// BearerChallenge formats the header value a protected resource sends with a 401.
func BearerChallenge(resourceMetadataURL, errCode, errDescription string) string {
	var b strings.Builder
	b.WriteString("Bearer")
	sep := " "
	if errCode != "" {
		fmt.Fprintf(&b, `%serror="%s"`, sep, errCode)
		sep = ", "
	}
	if errDescription != "" {
		fmt.Fprintf(&b, `%serror_description="%s"`, sep, strings.ReplaceAll(errDescription, `"`, "'"))
		sep = ", "
	}
	if resourceMetadataURL != "" {
		fmt.Fprintf(&b, `%sresource_metadata="%s"`, sep, resourceMetadataURL)
	}
	return b.String()
}

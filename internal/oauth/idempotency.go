package oauth

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/paymcp/paymcp/pkg/oauth"
)

// IdempotencyKey derives a stable key for an authentication attempt from the
// normalized request URL, the resource server URL and the token that was
// presented. An absent token is hashed as "undefined".
func IdempotencyKey(rawURL, resourceServerURL, token string) string {
	if token == "" {
		token = "undefined"
	}
	sum := sha256.Sum256([]byte(oauth.NormalizeResourceURL(rawURL) + "|" + resourceServerURL + "|" + token))
	return hex.EncodeToString(sum[:])
}

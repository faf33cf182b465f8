package account

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenIssuer is the iss claim of payer tokens.
	TokenIssuer = "paymcp.com"

	// TokenAudience is the aud claim of payer tokens.
	TokenAudience = "https://api.paymcp.com"

	// DefaultTokenLifetime is how long a signed token stays valid.
	DefaultTokenLifetime = 2 * time.Minute
)

// Claims are the claims of a payer token. Subject, issuer, audience and
// timestamps are filled in by SignToken.
type Claims struct {
	jwt.RegisteredClaims

	// Audience is always the single string TokenAudience.
	Audience string `json:"aud,omitempty"`

	// PaymentIDs proves payments made for a payment request.
	PaymentIDs []string `json:"paymentIds,omitempty"`

	// CodeChallenge binds the token to a pending PKCE authorization.
	CodeChallenge string `json:"code_challenge,omitempty"`
}

// GetAudience implements jwt.Claims for the single-string aud claim.
func (c Claims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// SignToken signs claims with the account key as an EdDSA JWT.
func (a *Account) SignToken(_ context.Context, claims Claims) (string, error) {
	issuedAt := a.now()
	claims.Subject = a.AccountID()
	claims.Issuer = TokenIssuer
	claims.Audience = TokenAudience
	claims.IssuedAt = jwt.NewNumericDate(issuedAt)
	claims.ExpiresAt = jwt.NewNumericDate(issuedAt.Add(a.tokenLifetime))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(ed25519.PrivateKey(a.key))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks a payer token's signature against pub along with its
// issuer, audience and expiry.
func VerifyToken(tokenString string, pub ed25519.PublicKey, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append([]jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}, opts...)

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return pub, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid payer token: %w", err)
	}
	return claims, nil
}

// Package security provides helpers for the on-behalf-of delegation tokens
// carried in the envelope's obo_token field.
//
// The engine core treats obo_token (and signature) as opaque strings and
// forwards them verbatim; minting and verification happen at the edges, in
// the dispatcher's caller and inside activity runners that call downstream
// services on the user's behalf.
package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors
var (
	ErrTokenInvalid  = errors.New("obo token is invalid")
	ErrAudienceMatch = errors.New("obo token audience mismatch")
)

// OBOClaims are the registered claims carried by an on-behalf-of token.
type OBOClaims struct {
	jwt.RegisteredClaims
}

// OBOIssuer mints and verifies audience-bound delegation tokens with an
// HMAC-SHA256 signing key.
type OBOIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

// NewOBOIssuer creates an issuer. A non-positive ttl defaults to one hour.
func NewOBOIssuer(key []byte, issuer string, ttl time.Duration) (*OBOIssuer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key must not be empty")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &OBOIssuer{key: key, issuer: issuer, ttl: ttl}, nil
}

// Issue mints a token delegating subject's authority to audience.
func (i *OBOIssuer) Issue(subject, audience string) (string, error) {
	now := time.Now().UTC()
	claims := OBOClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify checks signature, expiry and audience binding, returning the claims.
func (i *OBOIssuer) Verify(token, audience string) (*OBOClaims, error) {
	var claims OBOClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if audience != "" {
		audiences, _ := claims.GetAudience()
		found := false
		for _, a := range audiences {
			if a == audience {
				found = true
				break
			}
		}
		if !found {
			return nil, ErrAudienceMatch
		}
	}
	return &claims, nil
}

// Exchange re-scopes a verified token to a new audience, enforcing
// least-privilege delegation per hop.
func (i *OBOIssuer) Exchange(token, newAudience string) (string, error) {
	claims, err := i.Verify(token, "")
	if err != nil {
		return "", err
	}
	return i.Issue(claims.Subject, newAudience)
}

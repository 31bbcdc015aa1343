package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid session token")
	ErrTokenExpired = errors.New("session token expired")
)

// Principal is the authenticated caller as established by the identity
// provider. Role is carried inside the signed token and is never read from
// request payloads.
type Principal struct {
	ExternalID string `json:"sub"`
	Email      string `json:"email"`
	Role       string `json:"role"`
}

type sessionClaims struct {
	Principal
	ExpiresAt int64 `json:"exp"`
}

// SessionCodec signs and verifies compact session tokens of the form
// base64url(claims) + "." + base64url(hmac-sha256(claims)).
type SessionCodec struct {
	secret []byte
}

func NewSessionCodec(secret string) *SessionCodec {
	return &SessionCodec{secret: []byte(secret)}
}

func (c *SessionCodec) Encode(principal *Principal, ttl time.Duration) (string, error) {
	if len(c.secret) == 0 {
		return "", errors.New("session secret is not configured")
	}

	claims := sessionClaims{
		Principal: *principal,
		ExpiresAt: time.Now().UTC().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(encoded), nil
}

func (c *SessionCodec) Decode(token string) (*Principal, error) {
	if len(c.secret) == 0 {
		return nil, ErrInvalidToken
	}

	encoded, signature, found := strings.Cut(token, ".")
	if !found || encoded == "" || signature == "" {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal([]byte(c.sign(encoded)), []byte(signature)) {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidToken
	}

	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.ExternalID == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt <= time.Now().UTC().Unix() {
		return nil, ErrTokenExpired
	}

	principal := claims.Principal
	return &principal, nil
}

func (c *SessionCodec) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

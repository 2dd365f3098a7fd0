// Package usertoken issues and verifies the bearer credential presented on
// login, API calls, and the websocket handshake.
package usertoken

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"pharmachat/pkg/domain"
)

const defaultLeeway = 30 * time.Second

var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the pharmacist identity embedded in an access token.
type Claims struct {
	PharmacistID domain.PharmacistID `json:"pharmacist_id"`
	Email        string              `json:"email"`
	Name         string              `json:"name"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 access tokens.
type Codec struct {
	secret []byte
	expiry time.Duration
	leeway time.Duration
}

// NewCodec creates a token codec. Expiry applies to minted tokens only.
func NewCodec(secret string, expiry time.Duration) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("token codec requires a secret")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Codec{secret: []byte(secret), expiry: expiry, leeway: defaultLeeway}, nil
}

// Mint issues an access token for the pharmacist.
func (c *Codec) Mint(p domain.Pharmacist) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		PharmacistID: p.ID,
		Email:        p.Email,
		Name:         p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify validates signature and expiry and returns the embedded claims.
// Callers must still confirm the pharmacist exists before admitting a
// connection.
func (c *Codec) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(c.leeway),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.PharmacistID == 0 {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// FromAuthorizationHeader extracts a bearer token from an Authorization
// header value, or "" when absent.
func FromAuthorizationHeader(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

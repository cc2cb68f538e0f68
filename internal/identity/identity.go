// Package identity turns the bearer token carried on the connection
// handshake into the user a frame is stamped with.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoSubject    = errors.New("identity: token has no subject")
	ErrInvalidToken = errors.New("identity: invalid token")
)

// Identity is the user behind a session.
type Identity struct {
	ID    string
	Name  string
	Token string
}

// Color is the user's display colour.
func (i Identity) Color() string {
	return Color(i.ID)
}

// Claims are the token claims the relay and agent read.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func fromClaims(token string, c *Claims) (Identity, error) {
	if c.Subject == "" {
		return Identity{}, ErrNoSubject
	}
	name := c.Name
	if name == "" {
		name = c.Subject
	}
	return Identity{ID: c.Subject, Name: name, Token: token}, nil
}

// FromToken reads the identity from a token without verifying it. Clients use
// this for display; the relay verifies.
func FromToken(token string) (Identity, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fromClaims(token, &claims)
}

// Verify checks an HS256 token against secret and returns its identity.
func Verify(token string, secret []byte) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fromClaims(token, &claims)
}

// Issue signs an HS256 token for id and name. A zero ttl never expires.
func Issue(secret []byte, id, name string, ttl time.Duration) (string, error) {
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#bfef45",
	"#469990", "#9a6324", "#800000", "#000075",
}

// Color derives a stable colour from a user id.
func Color(id string) string {
	return palette[xxhash.Sum64String(id)%uint64(len(palette))]
}

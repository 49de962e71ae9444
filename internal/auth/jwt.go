// Package auth verifies the bearer tokens presented by room participants.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthentication covers every token failure. Peers only ever see the
// bare text "Authentication error".
var ErrAuthentication = errors.New("authentication error")

// Identity is the verified user behind a connection.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Claims are the JWT claims accepted from clients. Tokens minted by older
// account services carry the user id as "_id" rather than "sub".
type Claims struct {
	jwt.RegisteredClaims
	Email  string `json:"email"`
	UserID string `json:"_id,omitempty"`
}

// Identity resolves the claims to an Identity.
func (c *Claims) Identity() Identity {
	id := c.Subject
	if id == "" {
		id = c.UserID
	}
	return Identity{ID: id, Email: c.Email}
}

// Verifier checks HS256 tokens against a shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret, leeway: 30 * time.Second}
}

// Verify parses tokenString and returns the identity it names.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrAuthentication)
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	id := claims.Identity()
	if id.ID == "" && id.Email == "" {
		return Identity{}, fmt.Errorf("%w: token names no user", ErrAuthentication)
	}
	if id.ID == "" {
		id.ID = id.Email
	}
	return id, nil
}

// Issue signs a token for id valid for ttl. A zero ttl means no expiry.
func Issue(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email: id.Email,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// ProtocolPrefix marks a token carried in Sec-WebSocket-Protocol, for
// browsers that cannot set headers on the handshake.
const ProtocolPrefix = "bearer."

// TokenFromRequest extracts a bearer token from, in order, the token query
// parameter, the Authorization header, and the WebSocket subprotocol list.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	for _, proto := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(proto, ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, ProtocolPrefix) {
				return strings.TrimPrefix(p, ProtocolPrefix)
			}
		}
	}
	return ""
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relayer-monitor/internal/config"
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	// SessionCookie carries the HS256 session token issued by IssueSession.
	SessionCookie = "rm_session"
	// APITokenUser is the identity reported for the static admin token.
	APITokenUser = "api-token"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
)

// Identity is the verified caller.
type Identity struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Verifier checks admin API tokens and session tokens.
type Verifier struct {
	secret     []byte
	adminToken string
	ttl        time.Duration
	now        func() time.Time
}

// NewVerifier builds a verifier from the auth section.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Verifier{
		secret:     []byte(cfg.JWTSecret),
		adminToken: cfg.AdminToken,
		ttl:        ttl,
		now:        time.Now,
	}
}

// VerifyIdentity resolves token to an identity.
func (v *Verifier) VerifyIdentity(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	if v.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.adminToken)) == 1 {
		return Identity{UserID: APITokenUser, Role: RoleAdmin}, nil
	}
	if len(v.secret) == 0 {
		return Identity{}, ErrUnauthorized
	}

	tok, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	if role == "" {
		role = RoleViewer
	}
	return Identity{UserID: sub, Role: role}, nil
}

// IssueSession signs a session token for a user.
func (v *Verifier) IssueSession(userID, role string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("auth.jwt_secret is not configured")
	}
	now := v.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(v.ttl).Unix(),
	})
	return token.SignedString(v.secret)
}

// FromRequest extracts a token from the Authorization header, the token
// query parameter (used by browsers opening a websocket) or the session cookie.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

type ctxKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

package access

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/logger"
)

// Claims are the JWT claims issued by the token issuer
type Claims struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Superuser bool      `json:"superuser"`
	TokenType string    `json:"token_type"`
	jwt.RegisteredClaims
}

// token types
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenPair is an access token together with its refresh token
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenIssuer creates and validates signed JWT for the backend's own
// session mechanism.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// TokenIssuerBuilder is a builder helper for the TokenIssuer
type TokenIssuerBuilder struct {
	// Secret is the HMAC signing secret. This is mandatory.
	Secret string
	// AccessTTL is the lifetime of access tokens. The default is 60 minutes.
	AccessTTL time.Duration
	// RefreshTTL is the lifetime of refresh tokens. The default is 24 hours.
	RefreshTTL time.Duration
}

// MustNewTokenIssuer realizes the actual token issuer
func MustNewTokenIssuer(b *TokenIssuerBuilder) *TokenIssuer {
	if len(b.Secret) == 0 {
		panic("Secret is missing")
	}
	accessTTL := b.AccessTTL
	if accessTTL == 0 {
		accessTTL = 60 * time.Minute
	}
	refreshTTL := b.RefreshTTL
	if refreshTTL == 0 {
		refreshTTL = 24 * time.Hour
	}
	return &TokenIssuer{
		secret:     []byte(b.Secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (t *TokenIssuer) issue(auth *Authorization, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:    auth.UserID,
		Username:  auth.Identity,
		Superuser: auth.Superuser,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// IssuePair issues an access/refresh token pair for the authorization
func (t *TokenIssuer) IssuePair(auth *Authorization) (TokenPair, error) {
	access, err := t.issue(auth, TokenTypeAccess, t.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := t.issue(auth, TokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{Access: access, Refresh: refresh}, nil
}

// Validate parses and validates a token string and requires the given
// token type. It returns the embedded claims.
func (t *TokenIssuer) Validate(tokenString, tokenType string) (*Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.Unauthorized("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errs.Unauthorized("invalid token")
	}
	if claims.TokenType != tokenType {
		return nil, errs.Unauthorized("invalid token type")
	}
	return &claims, nil
}

// NewJwtMiddleware returns a middleware handler to validate JWT bearer
// token issued by the passed token issuer.
//
// The token is accepted as "Authorization: Bearer" header. A request
// without a token passes through unauthorized; handlers decide whether
// anonymous access is acceptable. An invalid token terminates the
// request with status unauthorized.
func NewJwtMiddleware(issuer *TokenIssuer) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			tokenString := ""
			bearer := r.Header.Get("Authorization")
			if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
				tokenString = bearer[7:]
			}
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			claims, err := issuer.Validate(tokenString, TokenTypeAccess)
			if err != nil {
				errs.WriteError(w, err)
				return
			}

			auth = &Authorization{
				UserID:    claims.UserID,
				Identity:  claims.Username,
				Superuser: claims.Superuser,
			}
			ctx := ContextWithAuthorization(r.Context(), auth)
			ctx = ContextWithIdentity(ctx, claims.Username)
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, claims.Username)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

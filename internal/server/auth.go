package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"sitswap/internal/domain"
	"sitswap/internal/engine"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// Principal is the authenticated caller. It is rebuilt from the users table
// on every request, so role changes apply without reissuing tokens.
type Principal struct {
	UserID   string
	Username string
	Role     domain.Role
	Source   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

func issueToken(secret string, u domain.User, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	exp := now.Add(ttl).UTC().Truncate(time.Second)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "sitswap",
		},
		Username: u.Username,
		Role:     string(u.Role),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func parseToken(token, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// authenticate resolves the Authorization header to a principal.
func authenticate(req *http.Request, cfg AuthConfig, e engine.Engine) (Principal, error) {
	ctx := req.Context()
	if username, password, ok := req.BasicAuth(); ok {
		u, err := e.Authenticate(ctx, username, password)
		if err != nil {
			return Principal{}, err
		}
		return Principal{UserID: u.ID, Username: u.Username, Role: u.Role, Source: "basic"}, nil
	}
	token, ok := bearerToken(req.Header.Get("Authorization"))
	if !ok {
		return Principal{}, errors.New("unsupported authorization scheme")
	}
	sub, err := parseToken(token, cfg.JWTSecret)
	if err != nil {
		return Principal{}, err
	}
	u, err := e.GetUser(ctx, sub)
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: u.ID, Username: u.Username, Role: u.Role, Source: "jwt"}, nil
}

// newAuthMiddleware enforces credentials under basePath. Public routes pass
// without credentials but still resolve a principal when one is supplied.
// When limiter is set, each failed attempt spends a token from the caller's
// IP bucket, and an empty bucket is refused before any password check.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine, limiter *rateLimiter, log logrus.FieldLogger) func(http.Handler) http.Handler {
	public := map[string]string{
		path.Join(basePath, "health"):       http.MethodGet,
		path.Join(basePath, "users"):        http.MethodPost,
		path.Join(basePath, "auth/login"):   http.MethodPost,
		path.Join(basePath, "openapi.json"): http.MethodGet,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			isPublic := public[req.URL.Path] == req.Method
			if strings.TrimSpace(req.Header.Get("Authorization")) == "" {
				if isPublic {
					next.ServeHTTP(w, req)
					return
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			if limiter != nil && limiter.exhausted(ipKey(req)) {
				limiter.reject(w, req, ipKey(req))
				return
			}
			principal, err := authenticate(req, cfg, e)
			if err != nil {
				if limiter != nil {
					limiter.charge(ipKey(req))
				}
				log.WithFields(logrus.Fields{"path": req.URL.Path, "error": err.Error()}).Warn("authentication failed")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

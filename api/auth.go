package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/labstack/echo/v4"

	"prism-tasks/domain"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	maxCachedKeys       = 64
)

// AuthConfig selects how bearer tokens are verified. A non-empty
// SharedSecret switches to HS256 local mode; otherwise RS256 keys come from
// JWKS.
type AuthConfig struct {
	JWKS         *keyfunc.JWKS
	Audience     string
	Issuer       string
	SharedSecret []byte
	KeyCacheTTL  time.Duration
}

// Auth verifies bearer tokens and extracts the caller's subject.
type Auth struct {
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	secret   []byte

	parser *jwt.Parser
	keys   *expirable.LRU[string, any]
}

// NewAuth creates an Auth from cfg.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	ttl := cfg.KeyCacheTTL
	if ttl < 0 {
		return nil, errors.New("negative JWKS cache ttl")
	}
	if ttl == 0 {
		ttl = defaultJWKSCacheTTL
	}
	a := &Auth{
		jwks:     cfg.JWKS,
		audience: cfg.Audience,
		issuer:   cfg.Issuer,
		keys:     expirable.NewLRU[string, any](maxCachedKeys, nil, ttl),
	}
	switch {
	case len(cfg.SharedSecret) > 0:
		a.secret = cfg.SharedSecret
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	case cfg.JWKS != nil:
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	default:
		return nil, errors.New("auth requires a JWKS or a shared secret")
	}
	return a, nil
}

// UserIDFromAuthHeader verifies the token in an Authorization header value.
func (a *Auth) UserIDFromAuthHeader(header string) (string, error) {
	raw, err := bearerTokenFromString(header)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(raw)
}

// UserIDFromBearer verifies a raw token and returns its subject.
func (a *Auth) UserIDFromBearer(token string) (string, error) {
	if token == "" {
		return "", errBadAuthorization
	}

	parsed, err := a.parser.Parse(token, a.keyForToken)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	return a.subject(claims)
}

// subject checks the registered claims against a clock running one minute
// ahead and returns sub.
func (a *Auth) subject(claims jwt.MapClaims) (string, error) {
	skewed := time.Now().Add(time.Minute).Unix()
	switch {
	case !claims.VerifyExpiresAt(skewed, true):
		return "", errors.New("token is expired or has no exp")
	case !claims.VerifyNotBefore(skewed, false):
		return "", errors.New("token is not valid yet")
	case !claims.VerifyIssuedAt(skewed, false):
		return "", errors.New("token issued in the future")
	case a.audience != "" && !claims.VerifyAudience(a.audience, true):
		return "", fmt.Errorf("token audience is not %s", a.audience)
	case a.issuer != "" && !claims.VerifyIssuer(a.issuer, true):
		return "", fmt.Errorf("token issuer is not %s", a.issuer)
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	return "", errors.New("token has no subject")
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.secret != nil {
		if _, isHMAC := token.Method.(*jwt.SigningMethodHMAC); !isHMAC {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	}

	kid, _ := token.Header["kid"].(string)
	if key, hit := a.keys.Get(kid); hit && kid != "" {
		return key, nil
	}
	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		a.keys.Add(kid, key)
	}
	return key, nil
}

// requireUser rejects requests without a valid bearer token and records the
// caller on the request context.
func requireUser(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			obs := requestMetricsFrom(c)
			obs.ObserveAuth(time.Since(start))
			if err != nil {
				obs.SetErrorStage("auth")
				return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
			}
			req := c.Request()
			c.SetRequest(req.WithContext(domain.WithActor(req.Context(), userID)))
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

const userIDKey = "prism.user_id"

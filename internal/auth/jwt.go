package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// CallerIDKey stores the authenticated caller in a request context.
const CallerIDKey contextKey = "caller_id"

// JWTValidator verifies RS256 bearer tokens and extracts the caller from the
// subject claim.
type JWTValidator struct {
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

// NewJWTValidator parses an RSA public key in PKCS#1 or PKIX PEM form.
func NewJWTValidator(publicKeyPEM, issuer, audience string) (*JWTValidator, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("auth: failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: failed to parse public key: %w", err)
		}
		var ok bool
		publicKey, ok = key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: public key is not RSA")
		}
	}

	return &JWTValidator{
		publicKey: publicKey,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// ValidateToken validates a JWT and returns its subject as the caller id.
func (v *JWTValidator) ValidateToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.publicKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("auth: missing sub claim")
	}
	return claims.Subject, nil
}

// Authenticator resolves the caller of every request. With a validator it
// requires a bearer token; without one it trusts callerHeader, as set by an
// authenticating proxy in front of the API.
type Authenticator struct {
	validator    *JWTValidator
	callerHeader string
}

func NewAuthenticator(validator *JWTValidator, callerHeader string) *Authenticator {
	return &Authenticator{validator: validator, callerHeader: callerHeader}
}

// HTTPMiddleware rejects unauthenticated requests with 401 and stores the
// caller id in the request context. Health and metrics endpoints are open.
func (a *Authenticator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		callerID, err := a.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCallerID(r.Context(), callerID)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	if a.validator == nil {
		callerID := strings.TrimSpace(r.Header.Get(a.callerHeader))
		if callerID == "" {
			return "", fmt.Errorf("missing %s header", a.callerHeader)
		}
		return callerID, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("missing Authorization header")
	}
	tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	callerID, err := a.validator.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("invalid token: %v", err)
	}
	return callerID, nil
}

func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, CallerIDKey, callerID)
}

// CallerIDFromContext extracts the caller stored by HTTPMiddleware.
func CallerIDFromContext(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(CallerIDKey).(string)
	return callerID, ok && callerID != ""
}

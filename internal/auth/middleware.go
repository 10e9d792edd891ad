package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HeaderAPIKey carries the caller credential on every protected route.
const HeaderAPIKey = "X-API-Key"

// EnvAPIKey is consulted per request when no secret was configured at startup.
const EnvAPIKey = "API_KEY"

var (
	ErrServerMisconfigured = errors.New("server configuration error")
	ErrUnauthenticated     = errors.New("no API key provided")
	ErrInvalidCredential   = errors.New("invalid API key")
)

// responseMessages are the bodies existing clients match on.
var responseMessages = map[error]string{
	ErrServerMisconfigured: "Server configuration error",
	ErrUnauthenticated:     "No API key provided",
	ErrInvalidCredential:   "Invalid API key",
}

type contextKey string

const callerKey contextKey = "authCaller"

// CallerFrom returns the fingerprint of the authenticated caller.
func CallerFrom(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(callerKey).(string); ok && value != "" {
		return value, true
	}
	return "", false
}

// WithCaller stores a caller fingerprint on ctx.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Fingerprint identifies a credential in logs and audit rows without revealing it.
func Fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// Check compares the provided credential with the secret in constant time.
// An empty secret always fails with ErrServerMisconfigured.
func Check(secret, provided string) error {
	if secret == "" {
		return ErrServerMisconfigured
	}
	if provided == "" {
		return ErrUnauthenticated
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// APIKeyMiddleware guards a route group with the X-API-Key header.
func APIKeyMiddleware(secret string, logger *zap.Logger) gin.HandlerFunc {
	secret = strings.TrimSpace(secret)
	logger = logger.Named("auth")

	return func(c *gin.Context) {
		expected := secret
		if expected == "" {
			expected = strings.TrimSpace(os.Getenv(EnvAPIKey))
		}

		provided := c.GetHeader(HeaderAPIKey)
		if err := Check(expected, provided); err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrServerMisconfigured) {
				status = http.StatusInternalServerError
				logger.Error("rejecting request: no API key configured", zap.String("path", c.FullPath()))
			} else {
				logger.Info("rejecting request", zap.String("path", c.FullPath()), zap.Error(err))
			}
			c.AbortWithStatusJSON(status, gin.H{"error": responseMessages[err]})
			return
		}

		caller := Fingerprint(provided)
		c.Request = c.Request.WithContext(WithCaller(c.Request.Context(), caller))
		c.Set(string(callerKey), caller)

		c.Next()
	}
}

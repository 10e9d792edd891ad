package grpcclient

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/faceverify-gateway/internal/auth"
)

// serviceToken signs a short-lived HS256 token for every RPC so the model
// service only accepts traffic relayed by the gateway.
type serviceToken struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func newServiceToken(secret, issuer string, ttl time.Duration) *serviceToken {
	if issuer == "" {
		issuer = "faceverify-gateway"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &serviceToken{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (s *serviceToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	now := s.now()
	subject := "gateway"
	if caller, ok := auth.CallerFrom(ctx); ok {
		subject = caller
	}
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings(uri),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	return map[string]string{"authorization": "Bearer " + signed}, nil
}

func (s *serviceToken) RequireTransportSecurity() bool {
	return false
}

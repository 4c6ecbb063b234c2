package services

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	appErr "github.com/iac-studio/orchestrator/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenTTL     = 24 * time.Hour
	tokenSubject = "api-client"
)

// AuthService exchanges the operator API key for short-lived bearer tokens.
type AuthService interface {
	IssueToken(ctx context.Context, apiKey string) (string, time.Time, error)
	VerifyAPIKey(apiKey string) bool
}

type authService struct {
	apiKeyHash []byte
	hmacSecret []byte
	now        func() time.Time
}

// NewAuthService takes the bcrypt hash of the API key and the token signing secret.
func NewAuthService(apiKeyHash string, secret []byte) AuthService {
	return &authService{
		apiKeyHash: []byte(apiKeyHash),
		hmacSecret: secret,
		now:        time.Now,
	}
}

func (s *authService) VerifyAPIKey(apiKey string) bool {
	if len(s.apiKeyHash) == 0 || apiKey == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.apiKeyHash, []byte(apiKey)) == nil
}

func (s *authService) IssueToken(_ context.Context, apiKey string) (string, time.Time, error) {
	if len(s.hmacSecret) == 0 {
		return "", time.Time{}, appErr.New(appErr.CodeUnavailable, "token signing is not configured")
	}
	if !s.VerifyAPIKey(apiKey) {
		return "", time.Time{}, appErr.New(appErr.CodeUnauthorized, "invalid credentials")
	}

	now := s.now()
	exp := now.Add(tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString(s.hmacSecret)
	if err != nil {
		return "", time.Time{}, appErr.Wrap(err, appErr.CodeInternal, "sign token failed")
	}
	return signed, exp, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chenxilol/wscast/internal/metrics"
)

type jwtClaims struct {
	Permissions []Permission `json:"permissions"`
	jwt.RegisteredClaims
}

// JWTService HS256签名的管理令牌
type JWTService struct {
	secretKey []byte
	issuer    string
}

func NewJWTService(secretKey, issuer string) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		issuer:    issuer,
	}
}

func (s *JWTService) GenerateToken(ctx context.Context, subject string, permissions []Permission, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		slog.ErrorContext(ctx, "failed to sign admin token", "error", err, "subject", subject)
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *JWTService) Authenticate(ctx context.Context, tokenString string) (*TokenClaims, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		metrics.RecordAuthFailure()
		slog.WarnContext(ctx, "admin token rejected", "error", err)
		return nil, err
	}
	metrics.RecordAuthSuccess()

	tc := &TokenClaims{
		Subject:     claims.Subject,
		Permissions: claims.Permissions,
		Issuer:      claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		tc.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		tc.IssuedAt = claims.IssuedAt.Unix()
	}
	return tc, nil
}

func (s *JWTService) parse(tokenString string) (*jwtClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))

	switch {
	case err == nil && token.Valid:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	default:
		return nil, ErrInvalidToken
	}
}

var _ Authenticator = (*JWTService)(nil)

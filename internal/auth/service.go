package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bavix/boardfarm/internal/config"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	MinSecretLength = 32
)

var (
	ErrSecretTooShort          = errors.New("jwt secret must be at least 32 bytes")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrInvalidToken            = errors.New("invalid token")
	ErrUnknownRole             = errors.New("unknown role")
	ErrSubjectRequired         = errors.New("token subject is required")
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}

// Service issues and validates HS256 bearer tokens with a shared secret.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	if len(cfg.JWTSecret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &Service{secret: []byte(cfg.JWTSecret), issuer: cfg.Issuer, ttl: ttl, now: time.Now}, nil
}

// IssueToken signs a token for subject. A zero ttl uses the configured one.
func (s *Service) IssueToken(subject, role string, ttl time.Duration) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, ErrSubjectRequired
	}

	if !ValidRole(role) {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now()
	expires := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expires, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigningMethod, token.Header["alg"])
		}

		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Package usertoken verifies bearer tokens issued by the platform's
// identity service. Tokens are HS256-signed with a shared secret and
// carry the caller's id, display name, email, and role.
package usertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"clinichat/pkg/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the identity service's token payload.
type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates identity tokens and extracts the caller.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("usertoken: secret is required")
	}
	leeway := cfg.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   leeway,
	}, nil
}

// Verify parses and validates a token, returning the caller identity.
func (v *Verifier) Verify(tokenString string) (domain.UserRef, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return domain.UserRef{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.UserRef{}, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.UserRef{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	role := domain.UserRole(claims.Role)
	switch role {
	case domain.RolePatient, domain.RoleDoctor, domain.RoleAdmin:
	default:
		return domain.UserRef{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}
	return domain.UserRef{
		ID:    subject,
		Name:  claims.Name,
		Email: claims.Email,
		Role:  role,
	}, nil
}

package jwtutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/darsavelidze/safe-school/pkg/config"
	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired is returned for a well-signed token past its expiry
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid covers malformed, mis-signed and claim-less tokens
	ErrTokenInvalid = errors.New("invalid token")
)

// SchoolClaims represents the JWT claims for a tenant (school)
type SchoolClaims struct {
	SchoolID string `json:"school_id"`
	jwt.RegisteredClaims
}

// JWTUtil is a utility for JWT token operations
type JWTUtil struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTUtil creates a new JWT utility with the given configuration
func NewJWTUtil(cfg *config.JWTConfig) *JWTUtil {
	return &JWTUtil{
		config: cfg,
		now:    time.Now,
	}
}

// TTL returns the lifetime of issued tokens
func (j *JWTUtil) TTL() time.Duration {
	return time.Duration(j.config.ExpirationHours) * time.Hour
}

// GenerateToken creates a signed token for schoolID and returns it with its expiry
func (j *JWTUtil) GenerateToken(schoolID string) (string, time.Time, error) {
	if j.config == nil {
		return "", time.Time{}, errors.New("JWT configuration not provided")
	}

	issuedAt := j.now()
	expiresAt := issuedAt.Add(j.TTL())

	claims := SchoolClaims{
		SchoolID: schoolID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(j.config.SigningKey))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateToken validates the token and returns the school id it was issued for
func (j *JWTUtil) ValidateToken(tokenString string) (string, error) {
	if j.config == nil {
		return "", errors.New("JWT configuration not provided")
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&SchoolClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(j.config.SigningKey), nil
		},
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*SchoolClaims)
	if !ok || !token.Valid || claims.SchoolID == "" {
		return "", ErrTokenInvalid
	}
	return claims.SchoolID, nil
}

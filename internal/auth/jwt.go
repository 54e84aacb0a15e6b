package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingSecret  = errors.New("token secret is not configured")
	ErrMissingSubject = errors.New("token has no subject")
	ErrBadExpiry      = errors.New("token expiry must be positive")
)

// Claims carries the chat user id in the standard sub claim.
type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	// Issuer is stamped on new tokens and, when set, required on verified
	// ones.
	Issuer string
	// Leeway tolerates clock skew between the dev server and its clients.
	Leeway time.Duration
	Now    func() time.Time
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "advancechat-devserver",
		Leeway: 30 * time.Second,
	}
}

func (c TokenConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CreateToken signs an HS256 bearer token for userID.
func CreateToken(userID string, cfg TokenConfig) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", ErrMissingSecret
	case userID == "":
		return "", ErrMissingSubject
	case cfg.Expiry <= 0:
		return "", ErrBadExpiry
	}

	issued := cfg.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(cfg.Expiry)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks the signature, expiry and issuer of tokenString and
// returns its claims.
func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.UserID == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// SubjectUnverified reads the sub claim without checking the signature.
// Clients use it to learn their own user id; the server still verifies
// every request.
func SubjectUnverified(tokenString string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", err
	}
	if claims.UserID == "" {
		return "", ErrMissingSubject
	}
	return claims.UserID, nil
}

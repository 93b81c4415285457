// Package auth implements the identity collaborator: signed bearer tokens
// identifying an owner, plus password hashing for the users module.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidToken indicates a token that failed parsing or verification.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken indicates a structurally valid token past its expiry.
	ErrExpiredToken = errors.New("auth: token expired")
)

// tokenClaims is the signed token payload.
type tokenClaims struct {
	User      string `json:"user"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Service issues and verifies bearer tokens.
type Service struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	lifetime   time.Duration
	clock      clock.Clock
}

// Options configures a token Service.
type Options struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Lifetime   time.Duration
	Clock      clock.Clock
}

// NewService builds a token Service from a loaded keypair.
func NewService(opts Options) (*Service, error) {
	if len(opts.PrivateKey) != ed25519.PrivateKeySize {
		return nil, errors.New("auth: invalid private key")
	}
	if len(opts.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("auth: invalid public key")
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	return &Service{
		privateKey: opts.PrivateKey,
		publicKey:  opts.PublicKey,
		lifetime:   opts.Lifetime,
		clock:      opts.Clock,
	}, nil
}

// Issue returns a signed token for the given user.
func (s *Service) Issue(user string) (string, error) {
	if user == "" {
		return "", errors.New("auth: user is required")
	}

	now := s.clock.Now()
	claims := tokenClaims{
		User:      user,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.lifetime).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	signature := ed25519.Sign(s.privateKey, payload)
	token := base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString(signature)
	return token, nil
}

// VerifyToken reports whether the token is authentic and unexpired.
func (s *Service) VerifyToken(token string) bool {
	_, err := s.parse(token)
	return err == nil
}

// Owner returns the user a valid token identifies.
func (s *Service) Owner(token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	return claims.User, nil
}

func (s *Service) parse(token string) (*tokenClaims, error) {
	payloadPart, signaturePart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(signaturePart)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !ed25519.Verify(s.publicKey, payload, signature) {
		return nil, ErrInvalidToken
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.User == "" {
		return nil, ErrInvalidToken
	}
	if s.clock.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrExpiredToken
	}

	return &claims, nil
}

// HashPassword returns the bcrypt hash of a plaintext password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("auth: password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

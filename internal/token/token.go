// Package token manages the bearer tokens stored on schedules: AES
// encryption at rest and JWT expiry check / refresh.
//
// Crypto failures are unrecoverable for a schedule and are never retried by
// the retry engine (they are not network errors).
package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "climatehub-notification-worker"

var (
	ErrDecrypt = errors.New("token decryption failed")
	ErrEncrypt = errors.New("token encryption failed")
)

type Manager struct {
	aead      cipher.AEAD
	jwtSecret []byte
	expiry    time.Duration
	clock     func() time.Time
}

// NewManager derives an AES-128-GCM key from encSecret. jwtSecret signs
// refreshed tokens; expiry is their lifetime.
func NewManager(encSecret, jwtSecret string, expiry time.Duration) (*Manager, error) {
	sum := sha256.Sum256([]byte(encSecret))
	block, err := aes.NewCipher(sum[:16])
	if err != nil {
		return nil, fmt.Errorf("derive cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Manager{
		aead:      aead,
		jwtSecret: []byte(jwtSecret),
		expiry:    expiry,
		clock:     time.Now,
	}, nil
}

// Encrypt seals a bearer token for storage, base64-encoded.
func (m *Manager) Encrypt(token string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncrypt, err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a stored token.
func (m *Manager) Decrypt(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < m.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	nonce, ciphertext := raw[:m.aead.NonceSize()], raw[m.aead.NonceSize():]
	plain, err := m.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// IsExpired reports whether the token's exp claim is in the past. Malformed
// tokens count as expired so they get refreshed rather than sent downstream.
func (m *Manager) IsExpired(bearer string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(stripBearer(bearer), claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.Time.Before(m.clock())
}

// Refresh mints a new token carrying the same userId claim with a fresh
// issued-at / expires-at pair.
func (m *Manager) Refresh(oldBearer string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(stripBearer(oldBearer), claims); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	userID, _ := claims["userId"].(string)
	if userID == "" {
		return "", errors.New("refresh token: missing userId claim")
	}

	now := m.clock()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":    issuer,
		"userId": userID,
		"iat":    now.Unix(),
		"exp":    now.Add(m.expiry).Unix(),
	})
	signed, err := t.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// UserID extracts the userId claim without verifying the signature.
func (m *Manager) UserID(bearer string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(stripBearer(bearer), claims); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	userID, _ := claims["userId"].(string)
	if userID == "" {
		return "", errors.New("missing userId claim")
	}
	return userID, nil
}

func stripBearer(token string) string {
	return strings.TrimPrefix(token, "Bearer ")
}

// Package auth verifies the operator bearer token that guards the API.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoCredential = errors.New("operator token or token hash must be configured")
	ErrInvalidToken = errors.New("invalid operator token")
)

// OperatorVerifier accepts either a plain shared token or a bcrypt hash of
// it. When both are configured a match against either is enough.
type OperatorVerifier struct {
	token []byte
	hash  []byte
}

func NewOperatorVerifier(token, hash string) (*OperatorVerifier, error) {
	token = strings.TrimSpace(token)
	hash = strings.TrimSpace(hash)
	if token == "" && hash == "" {
		return nil, ErrNoCredential
	}
	v := &OperatorVerifier{}
	if token != "" {
		v.token = []byte(token)
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("parse operator token hash: %w", err)
		}
		v.hash = []byte(hash)
	}
	return v, nil
}

func (v *OperatorVerifier) Verify(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	if v.token != nil && subtle.ConstantTimeCompare(v.token, []byte(token)) == 1 {
		return nil
	}
	if v.hash != nil && bcrypt.CompareHashAndPassword(v.hash, []byte(token)) == nil {
		return nil
	}
	return ErrInvalidToken
}

// HashToken produces the value for MATRIX_OPERATOR_TOKEN_HASH.
func HashToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash operator token: %w", err)
	}
	return string(h), nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Package auth validates the shared API key agents present on AUTH and REGISTER.
package auth

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNoKey         = errors.New("no API key configured")
)

// Validator checks a presented key against the configured plain key or bcrypt hash.
type Validator struct {
	plain []byte
	hash  []byte
}

// NewValidator returns a validator. hash, when non-empty, is a bcrypt hash and
// takes precedence over plain.
func NewValidator(plain, hash string) (*Validator, error) {
	if plain == "" && hash == "" {
		return nil, ErrNoKey
	}
	v := &Validator{}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, err
		}
		v.hash = []byte(hash)
		return v, nil
	}
	v.plain = []byte(plain)
	return v, nil
}

// Validate returns nil when key is accepted.
func (v *Validator) Validate(key string) error {
	if key == "" {
		return ErrInvalidAPIKey
	}
	if v.hash != nil {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
			return ErrInvalidAPIKey
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(key)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// HashKey returns a bcrypt hash suitable for auth.api_key_hash.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

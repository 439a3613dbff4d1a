// Package credentials keeps the scribe CLI's backend token in the system keyring.
package credentials

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name used in the system keyring
const keyringService = "meetsynth-scribe"

var (
	// ErrNoToken means no token is stored for the backend
	ErrNoToken = errors.New("not logged in")
	// ErrKeyringUnavailable indicates the system keyring is not available
	ErrKeyringUnavailable = errors.New("system keyring unavailable")
)

// TokenStore stores one token per backend URL
type TokenStore struct {
	service string
}

// NewTokenStore returns a store backed by the system keyring
func NewTokenStore() *TokenStore {
	return &TokenStore{service: keyringService}
}

// account is the keyring user name for a backend; trailing slashes are ignored
func account(backendURL string) string {
	return strings.TrimRight(backendURL, "/")
}

// Token returns the stored token for backendURL
func (s *TokenStore) Token(backendURL string) (string, error) {
	token, err := keyring.Get(s.service, account(backendURL))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyringUnavailable, err)
	}
	return token, nil
}

// SaveToken stores token for backendURL, replacing any previous one
func (s *TokenStore) SaveToken(backendURL, token string) error {
	if err := keyring.Set(s.service, account(backendURL), token); err != nil {
		return fmt.Errorf("%w: storing token: %v", ErrKeyringUnavailable, err)
	}
	return nil
}

// DeleteToken removes the token for backendURL. Deleting a missing token is not an error.
func (s *TokenStore) DeleteToken(backendURL string) error {
	err := keyring.Delete(s.service, account(backendURL))
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%w: deleting token: %v", ErrKeyringUnavailable, err)
}

// Description names the keyring backend for status output
func (s *TokenStore) Description() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "windows":
		return "Windows Credential Manager"
	default:
		return "System Keyring (Secret Service)"
	}
}

// MaskToken shows only the ends of a token
func MaskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

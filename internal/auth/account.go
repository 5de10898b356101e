package auth

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringService is the keyring service name credentials are stored under
const KeyringService = "audiobookd"

// Account is the library account whose credentials gate playback of books
// that need authentication. Secrets live in the OS keyring.
type Account struct {
	name     string
	required bool
}

// NewAccount creates an account. When required is false RequiresAuth always
// reports false and books open without credentials.
func NewAccount(name string, required bool) *Account {
	return &Account{name: name, required: required}
}

// RequiresAuth reports whether the account demands sign-in before playback
func (a *Account) RequiresAuth() bool {
	return a.required
}

// HasCredentials reports whether a secret is stored for the account
func (a *Account) HasCredentials() bool {
	if a.name == "" {
		return false
	}
	secret, err := keyring.Get(KeyringService, a.name)
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			logger.WithError(err).Warn("keyring lookup failed")
		}
		return false
	}
	return secret != ""
}

// SetCredentials stores the account secret
func (a *Account) SetCredentials(secret string) error {
	if a.name == "" {
		return errors.New("auth: account name is not configured")
	}
	return keyring.Set(KeyringService, a.name, secret)
}

// ClearCredentials removes the stored secret. Clearing an account with no
// secret is not an error.
func (a *Account) ClearCredentials() error {
	err := keyring.Delete(KeyringService, a.name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

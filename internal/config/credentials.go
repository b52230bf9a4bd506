// File: internal/config/credentials.go
package config

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// ResolveCredentials fills in the auth password from the OS keyring when only
// the email is configured and a keyring service is named. A missing keyring
// entry is not an error; the config simply stays without credentials.
func (c *Config) ResolveCredentials() error {
	a := &c.AuthCfg
	if a.Password != "" || a.Email == "" || a.KeyringService == "" {
		return nil
	}
	secret, err := keyring.Get(a.KeyringService, a.Email)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read password for %s from keyring %q: %w", a.Email, a.KeyringService, err)
	}
	a.Password = secret
	return nil
}

// StorePassword saves password in the OS keyring under the configured service.
func (c *Config) StorePassword(password string) error {
	a := c.AuthCfg
	if a.KeyringService == "" || a.Email == "" {
		return fmt.Errorf("auth.keyring_service and auth.email are required to store a password")
	}
	if err := keyring.Set(a.KeyringService, a.Email, password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}
	return nil
}

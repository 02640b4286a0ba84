package app

import (
	"fmt"
	"strings"

	"github.com/dangson92/licensegate/pkg/crypto"
)

const jwtSecretBytes = 48

// ApplyRuntimeDefaults populates the admin JWT secret when no configuration
// supplies one. Sessions then reset on restart, which is acceptable for admin
// logins. The signing key and fingerprint salt are deliberately excluded:
// generating either at runtime would silently invalidate issued tokens or
// stored device hashes.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	return generated, nil
}

// Validate rejects configurations that cannot safely serve license traffic.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Signing.PrivateKeyPath) == "" {
		return fmt.Errorf("config: signing.private_key_path is required")
	}
	if strings.TrimSpace(c.Security.FingerprintSalt) == "" {
		return fmt.Errorf("config: security.fingerprint_salt is required")
	}
	return nil
}

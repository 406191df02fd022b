package app

import (
	"errors"
	"fmt"
)

const minJWTSecretBytes = 32

// ValidateSecurityConfig enforces startup invariants that must fail fast
// rather than degrade at runtime.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.DatabaseURL != "" && cfg.SQLitePath != "" {
		return errors.New("config: AGORA_DATABASE_URL and AGORA_SQLITE_PATH are mutually exclusive")
	}

	if cfg.JWTSecret != "" && len(cfg.JWTSecret) < minJWTSecretBytes {
		return fmt.Errorf("config: AGORA_JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}

	if cfg.JWTSecret != "" && len(cfg.DevUsers) > 0 {
		return errors.New("config: AGORA_DEV_USERS is only valid without AGORA_JWT_SECRET")
	}

	return nil
}

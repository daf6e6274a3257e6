// Package hardening refuses to start a production-like deployment with an
// insecure configuration.
package hardening

import (
	"fmt"
	"strings"
)

type SecretRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Environment        string
	StrictProdSecurity string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string
	CORSAllowedOrigins string
	DevTrustHeader     string
	RequiredSecrets    []SecretRequirement
}

// ValidateProduction enforces TLS, explicit CORS origins, required secrets
// and the absence of development overrides when the environment is
// production-like. Non-production environments pass unconditionally.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("walletd: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("walletd: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("walletd: strict production hardening forbids REDIS_TLS_INSECURE")
		}
	}
	if isTrue(o.DevTrustHeader, false) {
		return fmt.Errorf("walletd: strict production hardening forbids DEVICE_TRUST_DEV_HEADER")
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("walletd: strict production hardening requires %s", req.Name)
		}
	}
	return nil
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("walletd: strict production hardening forbids CORS wildcard origin")
		}
		if strings.Contains(lower, "//localhost") || strings.Contains(lower, "//127.0.0.1") {
			return fmt.Errorf("walletd: strict production hardening forbids localhost CORS origin %q", o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("walletd: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("walletd: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

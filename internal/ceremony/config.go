// Package ceremony orchestrates WebAuthn registration and authentication.
package ceremony

import (
	"time"

	"github.com/louisbranch/abstractwallet/internal/platform/config"
)

// Kind describes the WebAuthn ceremony purpose.
type Kind string

const (
	KindRegistration   Kind = "registration"
	KindAuthentication Kind = "authentication"
)

// Config controls relying party settings and ceremony lifetimes.
type Config struct {
	RPDisplayName string        `env:"ABSTRACTWALLET_RP_DISPLAY_NAME" envDefault:"Abstract Wallet"`
	RPID          string        `env:"ABSTRACTWALLET_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"ABSTRACTWALLET_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"ABSTRACTWALLET_CHALLENGE_TTL"   envDefault:"60s"`
	// TokenSecret is the hex-encoded HMAC key signing ceremony tokens.
	// Generate one with cmd/hmac-key.
	TokenSecret string `env:"ABSTRACTWALLET_CEREMONY_HMAC_KEY"`
}

// LoadConfigFromEnv returns ceremony configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{
			RPDisplayName: "Abstract Wallet",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
			ChallengeTTL:  60 * time.Second,
		}
	}
	if cfg.RPDisplayName == "" {
		cfg.RPDisplayName = "Abstract Wallet"
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 60 * time.Second
	}
	return cfg
}

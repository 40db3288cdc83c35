package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", "none" or "auto".
	// "auto" (default) uses 1Password if configured, otherwise local.
	Backend string `yaml:"backend"`

	// 1Password Connect server. Falls back to OP_CONNECT_HOST / OP_CONNECT_TOKEN.
	ConnectHost  string `yaml:"connect_host" split_words:"true"`
	ConnectToken string `yaml:"connect_token" split_words:"true"`

	CacheTTL time.Duration `yaml:"cache_ttl" split_words:"true"`

	// Local secrets file (default: ~/.healthmon/secrets.yaml)
	LocalFile string `yaml:"local_file" split_words:"true"`
}

// NewResolver creates a Resolver based on configuration. Backend "none"
// returns a nil Resolver, which fails every reference.
func NewResolver(cfg Config, logger *slog.Logger) (Resolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}
	op := OnePasswordConfig{
		Host:     firstNonEmpty(cfg.ConnectHost, os.Getenv("OP_CONNECT_HOST")),
		Token:    firstNonEmpty(cfg.ConnectToken, os.Getenv("OP_CONNECT_TOKEN")),
		CacheTTL: cfg.CacheTTL,
	}

	switch backend {
	case "1password":
		return NewOnePasswordResolver(op, logger)

	case "local":
		return NewLocalResolver(cfg.LocalFile, logger)

	case "none":
		return nil, nil

	case "auto":
		// Try 1Password first, fall back to local
		if op.Host != "" && op.Token != "" {
			return NewOnePasswordResolver(op, logger)
		}
		logger.Info("1Password Connect not configured, using local secrets file")
		return NewLocalResolver(cfg.LocalFile, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

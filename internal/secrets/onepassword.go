package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// itemReader is the part of connect.Client the resolver uses.
type itemReader interface {
	GetItem(itemQuery, vaultQuery string) (*onepassword.Item, error)
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host  string // OP_CONNECT_HOST
	Token string // OP_CONNECT_TOKEN

	// CacheTTL bounds how long a resolved value is reused. Zero disables caching.
	CacheTTL time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// OnePasswordResolver reads secrets through a 1Password Connect server.
// Vault and item segments may be titles or UUIDs.
type OnePasswordResolver struct {
	client itemReader
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	// Cache to avoid repeated API calls
	mu    sync.RWMutex
	cache map[string]cachedSecret
}

// NewOnePasswordResolver creates a Connect-backed resolver.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host and token are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "healthmon")
	return newOnePasswordResolver(client, cfg.CacheTTL, logger), nil
}

func newOnePasswordResolver(client itemReader, ttl time.Duration, logger *slog.Logger) *OnePasswordResolver {
	return &OnePasswordResolver{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "secrets", "backend", "1password"),
		now:    time.Now,
		cache:  make(map[string]cachedSecret),
	}
}

// Resolve returns the value of the referenced field.
func (r *OnePasswordResolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	key := parsed.String()

	if r.ttl > 0 {
		r.mu.RLock()
		cached, ok := r.cache[key]
		r.mu.RUnlock()
		if ok && r.now().Before(cached.expiresAt) {
			return cached.value, nil
		}
	}

	item, err := r.client.GetItem(parsed.Item, parsed.Vault)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("reading %s/%s: %w", parsed.Vault, parsed.Item, err)
	}

	value, ok := fieldValue(item, parsed)
	if !ok {
		return "", fmt.Errorf("%s: field: %w", key, ErrNotFound)
	}

	if r.ttl > 0 {
		r.mu.Lock()
		r.cache[key] = cachedSecret{value: value, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
	}
	r.logger.Debug("secret resolved", "vault", parsed.Vault, "item", parsed.Item, "field", parsed.Field)
	return value, nil
}

// Invalidate drops all cached values.
func (r *OnePasswordResolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]cachedSecret)
	r.mu.Unlock()
}

// fieldValue finds a field by ID or label, optionally within a section.
func fieldValue(item *onepassword.Item, ref Ref) (string, bool) {
	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if ref.Section != "" {
			if f.Section == nil || !matches(ref.Section, f.Section.ID, f.Section.Label) {
				continue
			}
		}
		if matches(ref.Field, f.ID, f.Label) {
			return f.Value, true
		}
	}
	return "", false
}

func matches(want string, candidates ...string) bool {
	for _, c := range candidates {
		if c != "" && strings.EqualFold(c, want) {
			return true
		}
	}
	return false
}

// isNotFoundError checks if an error is a "not found" error from 1Password.
// The SDK does not export typed errors for this, so the message is checked.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}

package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// LocalResolver reads secrets from a YAML file on disk.
// This is intended for development and testing only.
//
// The file nests vault, item and field:
//
//	ops:
//	  slack:
//	    webhook: https://hooks.slack.com/services/...
//	  smtp:
//	    credentials:       # section
//	      password: hunter2
type LocalResolver struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	data map[string]any
}

// NewLocalResolver loads path. If path is empty it defaults to
// ~/.healthmon/secrets.yaml; a missing file yields an empty resolver.
func NewLocalResolver(path string, logger *slog.Logger) (*LocalResolver, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(home, ".healthmon", "secrets.yaml")
	}

	r := &LocalResolver{
		path:   path,
		logger: logger.With("component", "secrets", "backend", "local"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	r.logger.Info("using local secrets file", "path", path)
	return r, nil
}

// Reload re-reads the file.
func (r *LocalResolver) Reload() error {
	data := map[string]any{}
	raw, err := os.ReadFile(r.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("reading secrets file: %w", err)
	default:
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parsing secrets file %s: %w", r.path, err)
		}
	}

	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
	return nil
}

// Resolve returns the value at vault/item[/section]/field.
func (r *LocalResolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}

	path := []string{parsed.Vault, parsed.Item, parsed.Field}
	if parsed.Section != "" {
		path = []string{parsed.Vault, parsed.Item, parsed.Section, parsed.Field}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var cur any = r.data
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%s: %w", parsed, ErrNotFound)
		}
		if cur, ok = m[seg]; !ok {
			return "", fmt.Errorf("%s: %w", parsed, ErrNotFound)
		}
	}

	switch v := cur.(type) {
	case string:
		return v, nil
	case int, int64, float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("%s: not a scalar value", parsed)
}

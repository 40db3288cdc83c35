// Package secrets resolves secret references used in check and channel
// configuration.
//
// A reference has the form op://<vault>/<item>/<field> or
// op://<vault>/<item>/<section>/<field>. Any other string is a literal and
// is returned unchanged. The primary backend reads items through a
// 1Password Connect server, with a local YAML file backend for development.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Prefix marks a string as a secret reference.
const Prefix = "op://"

// ErrNotFound is returned when a reference names a missing vault, item or field.
var ErrNotFound = errors.New("secret not found")

// Resolver turns a reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Ref is a parsed secret reference.
type Ref struct {
	Vault   string
	Item    string
	Section string // optional
	Field   string
}

func (r Ref) String() string {
	if r.Section != "" {
		return Prefix + strings.Join([]string{r.Vault, r.Item, r.Section, r.Field}, "/")
	}
	return Prefix + strings.Join([]string{r.Vault, r.Item, r.Field}, "/")
}

// IsRef reports whether s is a secret reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// ParseRef parses an op:// reference.
func ParseRef(s string) (Ref, error) {
	if !IsRef(s) {
		return Ref{}, fmt.Errorf("not a secret reference: %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, Prefix), "/")
	for _, p := range parts {
		if p == "" {
			return Ref{}, fmt.Errorf("invalid secret reference %q: empty segment", s)
		}
	}

	switch len(parts) {
	case 3:
		return Ref{Vault: parts[0], Item: parts[1], Field: parts[2]}, nil
	case 4:
		return Ref{Vault: parts[0], Item: parts[1], Section: parts[2], Field: parts[3]}, nil
	default:
		return Ref{}, fmt.Errorf("invalid secret reference %q: want op://vault/item[/section]/field", s)
	}
}

// Lookup returns s unchanged unless it is a reference, in which case it is
// resolved. A nil resolver fails on references.
func Lookup(ctx context.Context, r Resolver, s string) (string, error) {
	if !IsRef(s) {
		return s, nil
	}
	if r == nil {
		return "", fmt.Errorf("secret reference %s but no resolver configured", s)
	}
	return r.Resolve(ctx, s)
}

// ResolveMap returns a copy of m with every reference resolved, including
// references nested in maps and lists.
func ResolveMap(ctx context.Context, r Resolver, m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := resolveValue(ctx, r, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(ctx context.Context, r Resolver, v any) (any, error) {
	switch val := v.(type) {
	case string:
		return Lookup(ctx, r, val)
	case map[string]any:
		return ResolveMap(ctx, r, val)
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			resolved, err := Lookup(ctx, r, s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(ctx, r, item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

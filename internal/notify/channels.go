package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/healthmon/pkg/types"
)

// ChannelStore persists channel definitions.
type ChannelStore interface {
	SaveChannel(ctx context.Context, ch *types.NotificationChannel) error
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]*types.NotificationChannel, error)
}

// Registry owns the configured notification channels.
type Registry struct {
	store  ChannelStore
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	channels map[string]*types.NotificationChannel
}

// NewRegistry creates an empty registry.
func NewRegistry(store ChannelStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		logger:   logger.With("component", "channels"),
		now:      time.Now,
		channels: make(map[string]*types.NotificationChannel),
	}
}

// Load restores persisted channels. Invalid definitions are skipped.
func (r *Registry) Load(ctx context.Context) error {
	channels, err := r.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			r.logger.Warn("skipping invalid stored channel", "channel_id", ch.ID, "error", err)
			continue
		}
		r.channels[ch.ID] = ch.Clone()
	}
	r.logger.Info("notification channels loaded", "count", len(r.channels))
	return nil
}

// Add validates and registers a channel. An empty ID is assigned.
func (r *Registry) Add(ctx context.Context, ch *types.NotificationChannel) (*types.NotificationChannel, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}
	c := ch.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := r.now()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.LastTest = nil

	r.mu.Lock()
	if _, exists := r.channels[c.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %s already exists", types.ErrConflict, c.ID)
	}
	r.channels[c.ID] = c
	r.mu.Unlock()

	r.persist(ctx, c)
	r.logger.Info("notification channel added", "channel_id", c.ID, "type", c.Type, "name", c.Name)
	return c.Clone(), nil
}

// Update replaces a channel definition, keeping its ID, creation time and
// last test result.
func (r *Registry) Update(ctx context.Context, id string, ch *types.NotificationChannel) (*types.NotificationChannel, error) {
	if err := ch.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("channel %s: %w", id, types.ErrNotFound)
	}
	c := ch.Clone()
	c.ID = id
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = r.now()
	c.LastTest = existing.LastTest
	r.channels[id] = c
	r.mu.Unlock()

	r.persist(ctx, c)
	return c.Clone(), nil
}

// Remove unregisters a channel.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.channels[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %s: %w", id, types.ErrNotFound)
	}
	delete(r.channels, id)
	r.mu.Unlock()

	if err := r.store.DeleteChannel(ctx, id); err != nil {
		r.logger.Error("failed to delete channel", "channel_id", id, "error", err)
	}
	return nil
}

// Get returns a copy of a channel.
func (r *Registry) Get(id string) (*types.NotificationChannel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, types.ErrNotFound)
	}
	return ch.Clone(), nil
}

// List returns copies of all channels ordered by name.
func (r *Registry) List() []*types.NotificationChannel {
	r.mu.RLock()
	out := make([]*types.NotificationChannel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Clone())
	}
	r.mu.RUnlock()

	sortChannels(out)
	return out
}

// Enabled returns copies of the enabled channels of type t.
func (r *Registry) Enabled(t types.ChannelType) []*types.NotificationChannel {
	r.mu.RLock()
	var out []*types.NotificationChannel
	for _, ch := range r.channels {
		if ch.Type == t && ch.Enabled {
			out = append(out, ch.Clone())
		}
	}
	r.mu.RUnlock()

	sortChannels(out)
	return out
}

// recordTest stores the outcome of a channel test.
func (r *Registry) recordTest(ctx context.Context, id string, result types.ChannelTestResult) {
	r.mu.Lock()
	ch, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	ch.LastTest = &result
	snapshot := ch.Clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
}

func (r *Registry) persist(ctx context.Context, ch *types.NotificationChannel) {
	if err := r.store.SaveChannel(ctx, ch); err != nil {
		r.logger.Error("failed to persist channel", "channel_id", ch.ID, "error", err)
	}
}

func sortChannels(chs []*types.NotificationChannel) {
	sort.Slice(chs, func(i, j int) bool {
		if chs[i].Name != chs[j].Name {
			return chs[i].Name < chs[j].Name
		}
		return chs[i].ID < chs[j].ID
	})
}

// Package notify delivers fired alerts to external systems.
//
// # Design
//
// The evaluator hands each fired alert to Dispatch together with the rule's
// actions. Every action becomes one job on a bounded queue served by a fixed
// worker pool; delayed actions wait on a timer before they are queued. A job
// resolves its target channels from the Registry, resolves op:// secret
// references in their config, waits on the sink type's rate limiter, and calls
// the Sink with a per-call timeout. The outcome is reported back exactly once
// per action through the report callback.
//
// Dispatch never blocks the caller. A full queue, a missing sink or channel, a
// secret that cannot be resolved and a sink error all end in a failed action
// result, never in an error returned to the evaluator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/healthmon/internal/secrets"
	"github.com/pilot-net/healthmon/pkg/types"
)

var (
	// ErrQueueFull is reported when an action cannot be queued.
	ErrQueueFull = errors.New("notification queue full")

	// ErrStopped is reported for actions dispatched after Stop.
	ErrStopped = errors.New("dispatcher stopped")
)

// Config holds dispatcher settings.
type Config struct {
	// Workers is the number of concurrent deliveries.
	Workers int

	// QueueSize bounds jobs waiting for a worker.
	QueueSize int

	// SinkTimeout caps a single Deliver call.
	SinkTimeout time.Duration

	// RateLimit is deliveries per second per sink type. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		SinkTimeout: 10 * time.Second,
		RateLimit:   1,
		RateBurst:   5,
	}
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

type job struct {
	alert  *types.Alert
	index  int
	action types.AlertAction
	report func(int, types.AlertActionResult)
}

// Dispatcher fans alert actions out to sinks.
type Dispatcher struct {
	sinks    map[types.ChannelType]Sink
	limiters map[types.ChannelType]*rate.Limiter
	registry *Registry
	resolver secrets.Resolver
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	queue  chan job
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	delayed map[*time.Timer]job

	queued, sent, failed, dropped atomic.Int64
}

// NewDispatcher creates a dispatcher over the given sinks. registry may be
// nil, in which case actions must carry their own config.
func NewDispatcher(sinks []Sink, registry *Registry, config Config, logger *slog.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = DefaultConfig().SinkTimeout
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	d := &Dispatcher{
		sinks:    make(map[types.ChannelType]Sink, len(sinks)),
		limiters: make(map[types.ChannelType]*rate.Limiter, len(sinks)),
		registry: registry,
		config:   config,
		logger:   logger.With("component", "notify"),
		now:      time.Now,
		queue:    make(chan job, config.QueueSize),
		stopCh:   make(chan struct{}),
		delayed:  make(map[*time.Timer]job),
	}
	for _, s := range sinks {
		d.sinks[s.Type()] = s
		d.limiters[s.Type()] = rate.NewLimiter(limit, burst)
	}
	return d
}

// SetResolver sets the resolver used for op:// references in channel config.
func (d *Dispatcher) SetResolver(r secrets.Resolver) {
	d.resolver = r
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("notification dispatcher started",
		"workers", d.config.Workers,
		"queue_size", d.config.QueueSize,
		"sinks", len(d.sinks),
	)
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// Stop cancels pending delays, delivers what is already queued and waits for
// the workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	var cancelled []job
	for t, j := range d.delayed {
		if t.Stop() {
			cancelled = append(cancelled, j)
		}
		delete(d.delayed, t)
	}
	close(d.stopCh)
	d.mu.Unlock()

	for _, j := range cancelled {
		d.fail(j, ErrStopped)
	}
	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped", "cancelled_delays", len(cancelled))
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:  d.queued.Load(),
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}

// Dispatch schedules one delivery per action. It does not block. report is
// called exactly once per action index, from another goroutine unless the
// action fails immediately.
func (d *Dispatcher) Dispatch(alert *types.Alert, actions []types.AlertAction, report func(index int, result types.AlertActionResult)) {
	a := alert.Clone()
	for i, action := range actions {
		j := job{alert: a, index: i, action: action, report: report}
		if delay := action.Delay(); delay > 0 {
			d.schedule(j, delay)
			continue
		}
		d.enqueue(j)
	}
}

func (d *Dispatcher) schedule(j job, delay time.Duration) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.fail(j, ErrStopped)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.delayed, t)
		d.mu.Unlock()
		d.enqueue(j)
	})
	d.delayed[t] = j
	d.mu.Unlock()

	d.logger.Debug("action delayed",
		"alert_id", j.alert.ID,
		"type", j.action.Type,
		"delay", delay,
	)
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.fail(j, ErrStopped)
		return
	}
	select {
	case d.queue <- j:
		d.mu.Unlock()
		d.queued.Add(1)
	default:
		d.mu.Unlock()
		d.dropped.Add(1)
		d.logger.Warn("notification queue full, dropping action",
			"alert_id", j.alert.ID,
			"type", j.action.Type,
		)
		d.fail(j, ErrQueueFull)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.process(ctx, j)
		case <-d.stopCh:
			d.drain(ctx)
			return
		case <-ctx.Done():
			d.drain(context.Background())
			return
		}
	}
}

// drain delivers whatever is still queued.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case j := <-d.queue:
			d.process(ctx, j)
		default:
			return
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	err := d.deliver(ctx, j.alert, j.action)
	if err != nil {
		d.logger.Warn("notification failed",
			"alert_id", j.alert.ID,
			"rule_id", j.alert.RuleID,
			"type", j.action.Type,
			"error", err,
		)
		d.fail(j, err)
		return
	}

	sentAt := d.now()
	d.sent.Add(1)
	d.logger.Info("notification sent",
		"alert_id", j.alert.ID,
		"rule_id", j.alert.RuleID,
		"type", j.action.Type,
	)
	j.report(j.index, types.AlertActionResult{
		Type:   j.action.Type,
		Status: types.ActionSent,
		SentAt: &sentAt,
	})
}

func (d *Dispatcher) fail(j job, err error) {
	sentAt := d.now()
	d.failed.Add(1)
	j.report(j.index, types.AlertActionResult{
		Type:   j.action.Type,
		Status: types.ActionFailed,
		SentAt: &sentAt,
		Error:  err.Error(),
	})
}

// deliver sends one action to every target channel. It succeeds only when all
// targets accept the message.
func (d *Dispatcher) deliver(ctx context.Context, alert *types.Alert, action types.AlertAction) error {
	sink, ok := d.sinks[action.Type]
	if !ok {
		return fmt.Errorf("no sink for channel type %q", action.Type)
	}
	targets, err := d.targets(action)
	if err != nil {
		return err
	}

	msg := NewMessage(alert)
	var errs []error
	for _, ch := range targets {
		if err := d.deliverTo(ctx, sink, ch, msg); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

// targets returns the channels an action goes to. Enabled registered channels
// of the action's type win, with the action's config layered over theirs.
// Without any, the action's own config is used as an ad hoc channel.
func (d *Dispatcher) targets(action types.AlertAction) ([]*types.NotificationChannel, error) {
	var chs []*types.NotificationChannel
	if d.registry != nil {
		chs = d.registry.Enabled(action.Type)
	}
	if len(chs) == 0 {
		if len(action.Config) == 0 {
			return nil, fmt.Errorf("no enabled %s channel configured", action.Type)
		}
		return []*types.NotificationChannel{{
			ID:      "action",
			Type:    action.Type,
			Name:    string(action.Type) + " action",
			Enabled: true,
			Config:  action.Config,
		}}, nil
	}
	for _, ch := range chs {
		ch.Config = mergeConfig(ch.Config, action.Config)
	}
	return chs, nil
}

func (d *Dispatcher) deliverTo(ctx context.Context, sink Sink, ch *types.NotificationChannel, msg *Message) (err error) {
	cfg, err := secrets.ResolveMap(ctx, d.resolver, ch.Config)
	if err != nil {
		return fmt.Errorf("resolving secrets: %w", err)
	}
	resolved := *ch
	resolved.Config = cfg

	if lim := d.limiters[sink.Type()]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(ctx, d.config.SinkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Deliver(sctx, &resolved, msg)
}

// TestChannel sends a synthetic alert through a registered channel and
// records the outcome on it. Delivery failures are part of the result.
func (d *Dispatcher) TestChannel(ctx context.Context, id string) (*types.ChannelTestResult, error) {
	if d.registry == nil {
		return nil, fmt.Errorf("channel %s: %w", id, types.ErrNotFound)
	}
	ch, err := d.registry.Get(id)
	if err != nil {
		return nil, err
	}

	now := d.now()
	result := types.ChannelTestResult{Success: true, TestedAt: now}

	sink, ok := d.sinks[ch.Type]
	if !ok {
		err = fmt.Errorf("no sink for channel type %q", ch.Type)
	} else {
		err = d.deliverTo(ctx, sink, ch, testMessage(ch, now))
	}
	if err != nil {
		result.Success = false
		result.Error = err.Error()
	}

	d.registry.recordTest(ctx, id, result)
	d.logger.Info("channel tested", "channel_id", id, "type", ch.Type, "success", result.Success)
	return &result, nil
}

func mergeConfig(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

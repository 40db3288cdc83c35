package buffer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/healthmon/internal/testutil"
	"github.com/pilot-net/healthmon/pkg/types"
)

// MockQueue is an in-memory Queue.
type MockQueue struct {
	mu      sync.Mutex
	items   []*types.HealthCheckResult
	LenFunc func() (int64, error)
}

func (m *MockQueue) Len(ctx context.Context) (int64, error) {
	if m.LenFunc != nil {
		return m.LenFunc()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *MockQueue) Pop(ctx context.Context, n int) ([]*types.HealthCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.items) {
		n = len(m.items)
	}
	out := append([]*types.HealthCheckResult(nil), m.items[:n]...)
	m.items = m.items[n:]
	return out, nil
}

func (m *MockQueue) Requeue(ctx context.Context, results []*types.HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(append([]*types.HealthCheckResult(nil), results...), m.items...)
	return nil
}

// MockWriter records batches and returns SaveResultsFunc's result.
type MockWriter struct {
	SaveResultsFunc func(results []*types.HealthCheckResult) error

	mu    sync.Mutex
	saved []*types.HealthCheckResult
}

func (m *MockWriter) SaveResults(ctx context.Context, results []*types.HealthCheckResult) error {
	if m.SaveResultsFunc != nil {
		if err := m.SaveResultsFunc(results); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.saved = append(m.saved, results...)
	m.mu.Unlock()
	return nil
}

func (m *MockWriter) Saved() []*types.HealthCheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.HealthCheckResult(nil), m.saved...)
}

func results(n int) []*types.HealthCheckResult {
	out := make([]*types.HealthCheckResult, n)
	for i := range out {
		out[i] = testutil.FixtureResult("chk-1")
	}
	return out
}

func TestFlusher_Flush(t *testing.T) {
	tests := []struct {
		name      string
		buffered  int
		batch     int
		wantSaved int
		wantLeft  int64
	}{
		{name: "empty", buffered: 0, batch: 10, wantSaved: 0, wantLeft: 0},
		{name: "under batch", buffered: 5, batch: 10, wantSaved: 5, wantLeft: 0},
		{name: "over batch", buffered: 25, batch: 10, wantSaved: 10, wantLeft: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &MockQueue{items: results(tt.buffered)}
			w := &MockWriter{}
			f := NewFlusher(q, w, time.Second, testutil.NewTestLogger())
			f.batch = tt.batch

			if got := f.Flush(context.Background()); got != tt.wantSaved {
				t.Errorf("Flush() = %d, want %d", got, tt.wantSaved)
			}
			if len(w.Saved()) != tt.wantSaved {
				t.Errorf("saved %d, want %d", len(w.Saved()), tt.wantSaved)
			}
			if left, _ := q.Len(context.Background()); left != tt.wantLeft {
				t.Errorf("left %d, want %d", left, tt.wantLeft)
			}
		})
	}
}

func TestFlusher_RequeuesOnWriteFailure(t *testing.T) {
	buffered := results(3)
	q := &MockQueue{items: append([]*types.HealthCheckResult(nil), buffered...)}
	w := &MockWriter{SaveResultsFunc: func([]*types.HealthCheckResult) error {
		return errors.New("connection reset")
	}}
	f := NewFlusher(q, w, time.Second, testutil.NewTestLogger())

	if got := f.Flush(context.Background()); got != 0 {
		t.Errorf("Flush() = %d, want 0", got)
	}
	if len(q.items) != 3 {
		t.Fatalf("buffer has %d results after failed flush, want 3", len(q.items))
	}
	for i, r := range q.items {
		if r.ID != buffered[i].ID {
			t.Errorf("requeued order changed at %d", i)
		}
	}
}

func TestFlusher_StopDrains(t *testing.T) {
	q := &MockQueue{items: results(25)}
	w := &MockWriter{}
	f := NewFlusher(q, w, time.Hour, testutil.NewTestLogger())
	f.batch = 10

	f.Start(context.Background())
	f.Stop()

	if len(w.Saved()) != 25 {
		t.Errorf("saved %d after stop, want 25", len(w.Saved()))
	}
}

func TestFlusher_Stats(t *testing.T) {
	q := &MockQueue{items: results(4)}
	f := NewFlusher(q, &MockWriter{}, time.Second, testutil.NewTestLogger())

	stats := f.Stats(context.Background())
	if stats.QueueDepth != 4 || !stats.Connected {
		t.Errorf("stats = %+v", stats)
	}

	q.LenFunc = func() (int64, error) { return 0, errors.New("dial tcp: refused") }
	if stats := f.Stats(context.Background()); stats.Connected {
		t.Error("Stats() should report disconnected when Len fails")
	}
}

func TestResultBuffer_Redis(t *testing.T) {
	url := os.Getenv("HEALTHMON_TEST_REDIS_URL")
	if url == "" {
		t.Skip("HEALTHMON_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	client.Del(ctx, keyResults)
	defer client.Del(ctx, keyResults)

	b := NewResultBuffer(client, testutil.NewTestLogger())
	in := results(3)
	for _, r := range in {
		if err := b.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult() error = %v", err)
		}
	}

	got, err := b.Pop(ctx, 2)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != in[0].ID || got[1].ID != in[1].ID {
		t.Fatalf("Pop() did not return oldest first")
	}

	if err := b.Requeue(ctx, got); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	all, _ := b.Pop(ctx, 10)
	if len(all) != 3 {
		t.Fatalf("Pop() after requeue = %d, want 3", len(all))
	}
	for i := range in {
		if all[i].ID != in[i].ID {
			t.Errorf("position %d = %s, want %s", i, all[i].ID, in[i].ID)
		}
	}
}

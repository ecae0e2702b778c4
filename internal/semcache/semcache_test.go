package semcache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	backend, err := NewMemoryBackend(128, 16)
	if err != nil {
		t.Fatalf("NewMemoryBackend failed: %v", err)
	}
	c, err := New(backend, 0.92, time.Minute, 64, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func embedding(vals ...float64) []float64 {
	out := make([]float64, 16)
	copy(out, vals)
	for i := len(vals); i < len(out); i++ {
		out[i] = 0.1
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	emb := embedding(0.5, 0.3, 0.2)
	key, err := c.BuildKey("t1", "w1", "gpt", "none", emb)
	if err != nil {
		t.Fatalf("BuildKey failed: %v", err)
	}
	if err := c.Store(ctx, key, emb, []byte("answer"), 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := c.Lookup(ctx, key, emb, 0)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got == nil || string(got.Response) != "answer" {
		t.Fatalf("expected stored response, got %+v", got)
	}
}

func TestSimilarButNotIdenticalHits(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	stored := embedding(0.5, 0.3, 0.2)
	query := embedding(0.51, 0.29, 0.21) // same sign pattern, cosine ~1

	key, _ := c.BuildKey("t1", "w1", "gpt", "none", stored)
	if err := c.Store(ctx, key, stored, []byte("answer"), 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	qkey, _ := c.BuildKey("t1", "w1", "gpt", "none", query)
	got, err := c.Lookup(ctx, qkey, query, 0)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got == nil {
		t.Fatal("near-identical embedding should hit")
	}
}

func TestThresholdRejectsDissimilar(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	stored := embedding(0.9, 0.9, 0.9)
	// Same sign pattern (same bucket) but different direction.
	query := embedding(0.9, 0.01, 0.01)

	key, _ := c.BuildKey("t1", "w1", "gpt", "none", stored)
	if err := c.Store(ctx, key, stored, []byte("answer"), 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	qkey, _ := c.BuildKey("t1", "w1", "gpt", "none", query)
	got, err := c.Lookup(ctx, qkey, query, 0.99)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != nil {
		t.Fatalf("dissimilar embedding should miss at threshold 0.99, got %+v", got)
	}
}

func TestTenantIsolation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	emb := embedding(0.5, 0.3, 0.2)

	key, _ := c.BuildKey("t1", "w1", "gpt", "none", emb)
	if err := c.Store(ctx, key, emb, []byte("t1-secret"), 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	cases := []struct {
		name              string
		tenant, workspace string
	}{
		{"different tenant", "t2", "w1"},
		{"different workspace", "t1", "w2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			k, _ := c.BuildKey(tc.tenant, tc.workspace, "gpt", "none", emb)
			got, err := c.Lookup(ctx, k, emb, 0)
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if got != nil {
				t.Fatal("identical embedding must not cross tenant scope")
			}
		})
	}
}

func TestOptionsScopeKey(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	emb := embedding(0.5, 0.3, 0.2)

	key, _ := c.BuildKey("t1", "w1", "gpt", "optsA", emb)
	if err := c.Store(ctx, key, emb, []byte("answer"), 0); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	other, _ := c.BuildKey("t1", "w1", "gpt", "optsB", emb)
	got, err := c.Lookup(ctx, other, emb, 0)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != nil {
		t.Fatal("different provider options must not share entries")
	}
}

func TestBuildKeyRequiresScope(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.BuildKey("", "w1", "gpt", "none", nil); err == nil {
		t.Error("missing tenant should be rejected")
	}
	if _, err := c.BuildKey("t1", "", "gpt", "none", nil); err == nil {
		t.Error("missing workspace should be rejected")
	}
}

func TestExpiredEntryMisses(t *testing.T) {
	backend, err := NewMemoryBackend(128, 16)
	if err != nil {
		t.Fatalf("NewMemoryBackend failed: %v", err)
	}
	defer backend.Close()

	emb := embedding(0.5, 0.3, 0.2)
	key := Key{Tenant: "t1", Workspace: "w1", Model: "gpt", OptionsHash: "none", Bucket: bucketOf(emb)}
	entry := &Entry{
		Response:  []byte("stale"),
		Embedding: emb,
		StoredAt:  time.Now().Add(-2 * time.Minute),
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	if err := backend.Store(context.Background(), key, entry); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := backend.Lookup(context.Background(), key, emb, 0.9)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != nil {
		t.Fatal("expired entry must not be served")
	}
}

func TestSweepDropsExpired(t *testing.T) {
	backend, err := NewMemoryBackend(128, 16)
	if err != nil {
		t.Fatalf("NewMemoryBackend failed: %v", err)
	}
	defer backend.Close()

	emb := embedding(0.5, 0.3, 0.2)
	key := Key{Tenant: "t1", Workspace: "w1", Model: "gpt", OptionsHash: "none", Bucket: bucketOf(emb)}
	backend.Store(context.Background(), key, &Entry{
		Response:  []byte("stale"),
		Embedding: emb,
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	backend.Store(context.Background(), key, &Entry{
		Response:  []byte("fresh"),
		Embedding: embedding(0.6, 0.4, 0.3),
		ExpiresAt: time.Now().Add(time.Hour),
	})

	if n := backend.Sweep(context.Background()); n != 1 {
		t.Errorf("expected 1 swept entry, got %d", n)
	}
}

// failingBackend simulates a cache backend outage.
type failingBackend struct{}

func (f *failingBackend) Lookup(context.Context, Key, []float64, float64) (*Entry, error) {
	return nil, errors.New("backend down")
}
func (f *failingBackend) Store(context.Context, Key, *Entry) error {
	return errors.New("backend down")
}
func (f *failingBackend) Sweep(context.Context) int { return 0 }
func (f *failingBackend) Close() error              { return nil }

func TestDegradedFallbackServesExactMatch(t *testing.T) {
	c, err := New(&failingBackend{}, 0.92, time.Minute, 64, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()
	ctx := context.Background()
	emb := embedding(0.5, 0.3, 0.2)

	key, _ := c.BuildKey("t1", "w1", "gpt", "none", emb)
	if err := c.Store(ctx, key, emb, []byte("answer"), 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("degraded store should report ErrUnavailable, got %v", err)
	}

	// Exact same embedding still hits through the fallback.
	got, err := c.Lookup(ctx, key, emb, 0)
	if err != nil {
		t.Fatalf("fallback lookup failed: %v", err)
	}
	if got == nil || string(got.Response) != "answer" {
		t.Fatalf("fallback should serve the exact match, got %+v", got)
	}

	// The fallback stays tenant-scoped.
	other, _ := c.BuildKey("t2", "w1", "gpt", "none", emb)
	if _, err := c.Lookup(ctx, other, emb, 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("cross-tenant fallback lookup should be unavailable, got %v", err)
	}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 0}, []float64{1, 0}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"mismatched length", []float64{1, 0}, []float64{1}, 0},
		{"zero vector", []float64{0, 0}, []float64{1, 0}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); got != tc.want {
				t.Errorf("Cosine = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	emb := embedding(0.5, 0.3, 0.2)
	key, _ := c.BuildKey("t1", "w1", "gpt", "none", emb)

	c.Lookup(ctx, key, emb, 0)
	c.Store(ctx, key, emb, []byte("x"), 0)
	c.Lookup(ctx, key, emb, 0)

	s := c.Stats()
	if s.Misses != 1 || s.Hits != 1 || s.Stores != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

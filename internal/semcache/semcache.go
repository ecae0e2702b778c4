// Package semcache implements an embedding-similarity response cache.
// Entries are namespaced by (tenant, workspace, model, provider options) and
// a hit additionally requires cosine similarity at or above the caller's
// threshold. The namespace key incorporates tenant and workspace on every
// path, including the degraded exact-match fallback.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnavailable signals that the cache backend failed; callers degrade to
// pass-through and must not fail the route.
var ErrUnavailable = errors.New("semantic cache unavailable")

// DefaultThreshold is applied when the caller does not override it.
const DefaultThreshold = 0.92

// bucketBits controls how many leading embedding dimensions feed the bucket
// id. Near-identical embeddings share a bucket; dissimilar ones rarely do.
const bucketBits = 12

// Key scopes a cache entry. Tenant and Workspace are mandatory and are part
// of every serialized form of the key.
type Key struct {
	Tenant      string
	Workspace   string
	Model       string
	OptionsHash string
	Bucket      string
}

// Namespace returns the tenant-scoped namespace component.
func (k Key) Namespace() string {
	return k.Tenant + "/" + k.Workspace
}

// String renders the full storage key.
func (k Key) String() string {
	return strings.Join([]string{"sc", k.Tenant, k.Workspace, k.Model, k.OptionsHash, k.Bucket}, ":")
}

// Validate rejects keys that would collapse tenant scoping.
func (k Key) Validate() error {
	if k.Tenant == "" {
		return fmt.Errorf("cache key missing tenant")
	}
	if k.Workspace == "" {
		return fmt.Errorf("cache key missing workspace")
	}
	return nil
}

// Entry is a cached response with its match metadata.
type Entry struct {
	Response  []byte    `json:"response"`
	Embedding []float64 `json:"embedding"`
	Threshold float64   `json:"threshold"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Backend is a similarity-index storage implementation.
type Backend interface {
	// Lookup returns the best entry in the key's bucket with cosine
	// similarity >= threshold, or nil on miss.
	Lookup(ctx context.Context, key Key, embedding []float64, threshold float64) (*Entry, error)
	Store(ctx context.Context, key Key, entry *Entry) error
	// Sweep removes expired entries and reports how many were dropped.
	Sweep(ctx context.Context) int
	Close() error
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Stores        uint64 `json:"stores"`
	BackendErrors uint64 `json:"backend_errors"`
	Swept         uint64 `json:"swept"`
}

// Cache fronts a similarity backend with tenant-scoped keying, a degraded
// exact-match fallback, and a periodic expiry sweep.
type Cache struct {
	backend   Backend
	fallback  *exactStore
	threshold float64
	ttl       time.Duration
	log       logrus.FieldLogger
	stop      chan struct{}

	hits          atomic.Uint64
	misses        atomic.Uint64
	stores        atomic.Uint64
	backendErrors atomic.Uint64
	swept         atomic.Uint64
}

// New creates a cache over the given backend. fallbackSize bounds the
// degraded exact-match store used when the backend fails.
func New(backend Backend, threshold float64, ttl time.Duration, fallbackSize int, log logrus.FieldLogger) (*Cache, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		return nil, fmt.Errorf("similarity threshold %.3f out of range (0, 1]", threshold)
	}
	fb, err := newExactStore(fallbackSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		backend:   backend,
		fallback:  fb,
		threshold: threshold,
		ttl:       ttl,
		log:       log,
		stop:      make(chan struct{}),
	}, nil
}

// BuildKey derives the scoped key for a request. Returns an error when
// tenant or workspace is missing rather than producing an unscoped key.
func (c *Cache) BuildKey(tenant, workspace, model string, optionsHash string, embedding []float64) (Key, error) {
	k := Key{
		Tenant:      tenant,
		Workspace:   workspace,
		Model:       model,
		OptionsHash: optionsHash,
		Bucket:      bucketOf(embedding),
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Lookup returns the cached entry for the embedding, or (nil, nil) on a
// clean miss. Backend failure falls back to the tenant-scoped exact-match
// store and surfaces ErrUnavailable when that also misses.
func (c *Cache) Lookup(ctx context.Context, key Key, embedding []float64, threshold float64) (*Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		threshold = c.threshold
	}

	entry, err := c.backend.Lookup(ctx, key, embedding, threshold)
	if err != nil {
		c.backendErrors.Add(1)
		c.log.WithError(err).WithField("namespace", key.Namespace()).
			Warn("cache backend lookup failed, trying exact-match fallback")
		if e := c.fallback.get(key, embedding); e != nil {
			c.hits.Add(1)
			return e, nil
		}
		return nil, ErrUnavailable
	}
	if entry == nil {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return entry, nil
}

// Store writes a response under the scoped key. Backend failure degrades to
// the exact-match fallback, which keeps the same tenant-scoped key.
func (c *Cache) Store(ctx context.Context, key Key, embedding []float64, response []byte, ttl time.Duration) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()
	entry := &Entry{
		Response:  response,
		Embedding: embedding,
		Threshold: c.threshold,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if err := c.backend.Store(ctx, key, entry); err != nil {
		c.backendErrors.Add(1)
		c.log.WithError(err).WithField("namespace", key.Namespace()).
			Warn("cache backend store failed, writing to exact-match fallback")
		c.fallback.put(key, embedding, entry)
		return ErrUnavailable
	}
	c.stores.Add(1)
	return nil
}

// StartSweeper launches the periodic expiry sweep. Close stops it.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n := c.backend.Sweep(ctx)
				n += c.fallback.sweep()
				cancel()
				if n > 0 {
					c.swept.Add(uint64(n))
				}
			}
		}
	}()
}

// Stats returns cumulative counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Stores:        c.stores.Load(),
		BackendErrors: c.backendErrors.Load(),
		Swept:         c.swept.Load(),
	}
}

// Close stops the sweeper and releases the backend.
func (c *Cache) Close() error {
	close(c.stop)
	return c.backend.Close()
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched or
// zero-magnitude input.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// bucketOf quantizes an embedding into a bucket id from the signs of its
// leading dimensions. Entries only match within their own bucket.
func bucketOf(embedding []float64) string {
	if len(embedding) == 0 {
		return "exact"
	}
	var bits uint16
	n := bucketBits
	if len(embedding) < n {
		n = len(embedding)
	}
	for i := 0; i < n; i++ {
		if embedding[i] >= 0 {
			bits |= 1 << uint(i)
		}
	}
	return fmt.Sprintf("b%03x", bits)
}

// embeddingDigest is the exact-match key component for the degraded path.
func embeddingDigest(embedding []float64) string {
	h := sha256.New()
	var buf [8]byte
	for _, v := range embedding {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}

package cache

import (
	"context"
	stderrors "errors"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgebench/forgebench/pkg/config"
	"github.com/forgebench/forgebench/pkg/testutil"
)

// fakeStore is an in-memory Store with TTL handled by an injectable clock
// and a toggle that makes every operation fail.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	now     func() time.Time
	failing bool

	getCalls int
	setCalls int
}

type fakeEntry struct {
	data    []byte
	expires time.Time
}

var errBackendDown = stderrors.New("backend down")

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: make(map[string]fakeEntry),
		now:     time.Now,
	}
}

func (s *fakeStore) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.failing {
		return nil, false, errBackendDown
	}
	e, ok := s.entries[key]
	if !ok || s.now().After(e.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (s *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setCalls++
	if s.failing {
		return errBackendDown
	}
	s.entries[key] = fakeEntry{data: value, expires: s.now().Add(ttl)}
	return nil
}

func (s *fakeStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *fakeStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	return nil
}

func (s *fakeStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errBackendDown
	}
	var keys []string
	for k := range s.entries {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) FlushAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errBackendDown
	}
	s.entries = make(map[string]fakeEntry)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Addr:              "localhost:6379",
		DefaultTTL:        time.Minute,
		OpTimeout:         250 * time.Millisecond,
		ReprobeInterval:   20 * time.Millisecond,
		CompressThreshold: 4096,
		KeyPrefix:         "fb",
	}
}

func newTestClient(t *testing.T, store Store) *Client {
	t.Helper()
	c := NewWithStore(testCacheConfig(), store, testutil.TestLogger(t))
	t.Cleanup(c.Close)
	return c
}

func TestKeyIsDeterministicAndNamespaced(t *testing.T) {
	c := newTestClient(t, newFakeStore())

	assert.Equal(t, "fb:products:list:42", c.Key("products", "list", 42))
	assert.Equal(t, c.Key("a", "b"), c.Key("a", "b"))
	assert.NotEqual(t, c.Key("a", "b"), c.Key("a", "c"))
}

func TestWithCacheFetchesOnceWithinTTL(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)
	ctx := context.Background()

	fetches := 0
	fetcher := func(context.Context) ([]string, error) {
		fetches++
		return []string{"widget", "gadget"}, nil
	}

	key := c.Key("products", "list", 1)
	first, err := WithCache(ctx, c, key, time.Minute, fetcher)
	require.NoError(t, err)
	second, err := WithCache(ctx, c, key, time.Minute, fetcher)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fetches, "second read must be served from cache")
	assert.Equal(t, uint64(1), c.Status().Hits)
	assert.Equal(t, uint64(1), c.Status().Misses)
}

func TestWithCacheRefetchesAfterExpiry(t *testing.T) {
	store := newFakeStore()
	now := time.Now()
	var clockMu sync.Mutex
	store.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	c := newTestClient(t, store)
	ctx := context.Background()

	fetches := 0
	fetcher := func(context.Context) (int, error) {
		fetches++
		return fetches, nil
	}

	key := c.Key("products", "get", 7)
	_, err := WithCache(ctx, c, key, 10*time.Second, fetcher)
	require.NoError(t, err)

	clockMu.Lock()
	now = now.Add(11 * time.Second)
	clockMu.Unlock()

	v, err := WithCache(ctx, c, key, 10*time.Second, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "expired entry must trigger a refetch")
}

func TestWithCachePropagatesFetcherErrors(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)

	wantErr := stderrors.New("relation does not exist")
	_, err := WithCache(context.Background(), c, c.Key("x"), time.Minute,
		func(context.Context) (int, error) { return 0, wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Zero(t, store.len(), "failed fetches must not be cached")
}

func TestBackendFailureDegradesAndFailsOpen(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)
	ctx := context.Background()
	require.Equal(t, StateActive, c.State())

	store.setFailing(true)

	fetches := 0
	fetcher := func(context.Context) (string, error) {
		fetches++
		return "from-db", nil
	}

	v, err := WithCache(ctx, c, c.Key("k"), time.Minute, fetcher)
	require.NoError(t, err, "cache failures must never surface to callers")
	assert.Equal(t, "from-db", v)
	assert.Equal(t, StateDegraded, c.State())

	// Degraded reads skip the backend entirely and go straight to the fetcher.
	calls := store.getCalls
	_, err = WithCache(ctx, c, c.Key("k"), time.Minute, fetcher)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
	assert.Equal(t, calls, store.getCalls, "degraded client must not touch the backend")
	assert.NotEmpty(t, c.Status().LastError)
}

func TestReprobePromotesBackToActive(t *testing.T) {
	store := newFakeStore()
	store.setFailing(true)
	c := newTestClient(t, store)
	require.Equal(t, StateDegraded, c.State())

	store.setFailing(false)

	testutil.AssertEventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, "reprobe should promote the client once the backend answers")

	// Caching resumes after the promotion.
	c.Set(context.Background(), c.Key("k"), "v", time.Minute)
	var got string
	assert.True(t, c.Get(context.Background(), c.Key("k"), &got))
	assert.Equal(t, "v", got)
}

func TestNilStoreRunsPermanentlyDegraded(t *testing.T) {
	c := newTestClient(t, nil)
	ctx := context.Background()

	assert.Equal(t, StateDegraded, c.State())
	assert.False(t, c.Status().Enabled)

	var dest string
	assert.False(t, c.Get(ctx, "k", &dest))
	c.Set(ctx, "k", "v", time.Minute)
	c.Delete(ctx, "k")

	v, err := WithCache(ctx, c, "k", time.Minute,
		func(context.Context) (string, error) { return "direct", nil })
	require.NoError(t, err)
	assert.Equal(t, "direct", v)

	_, err = c.PingLatency(ctx)
	assert.Error(t, err)
}

func TestUndecodableEntryIsDroppedAsMiss(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)
	ctx := context.Background()

	key := c.Key("corrupt")
	require.NoError(t, store.Set(ctx, key, []byte{0xFF, 0x01, 0x02}, time.Minute))

	var dest string
	assert.False(t, c.Get(ctx, key, &dest))
	assert.Zero(t, store.len(), "corrupt entry should be evicted")
}

func TestClearByPatternRemovesOnlyMatches(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)
	ctx := context.Background()

	c.Set(ctx, c.Key("products", "list", 1), "a", time.Minute)
	c.Set(ctx, c.Key("products", "list", 2), "b", time.Minute)
	c.Set(ctx, c.Key("analytics", "top"), "c", time.Minute)
	require.Equal(t, 3, store.len())

	n, err := c.Clear(ctx, "products:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.len())

	n, err = c.Clear(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, -1, n, "full flush reports no per-key count")
	assert.Zero(t, store.len())
}

func TestRoundTripLatencyCleansUpSentinel(t *testing.T) {
	store := newFakeStore()
	c := newTestClient(t, store)

	d, err := c.RoundTripLatency(context.Background())
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))
	assert.Zero(t, store.len(), "probe key must be deleted")
}

func TestCodecRoundTrip(t *testing.T) {
	cd := codec{threshold: 64}

	type payload struct {
		Name  string   `json:"name"`
		Tags  []string `json:"tags"`
		Count int      `json:"count"`
	}

	small := payload{Name: "widget", Count: 3}
	data, err := cd.encode(small)
	require.NoError(t, err)
	assert.Equal(t, encodingRaw, data[0])

	var gotSmall payload
	require.NoError(t, cd.decode(data, &gotSmall))
	assert.Equal(t, small, gotSmall)

	big := payload{Name: strings.Repeat("x", 512), Tags: []string{"a", "b"}}
	data, err = cd.encode(big)
	require.NoError(t, err)
	assert.Equal(t, encodingSnappy, data[0], "values above the threshold are compressed")

	var gotBig payload
	require.NoError(t, cd.decode(data, &gotBig))
	assert.Equal(t, big, gotBig)
}

func TestCodecRejectsCorruptInput(t *testing.T) {
	cd := codec{}

	assert.Error(t, cd.decode(nil, &struct{}{}))
	assert.Error(t, cd.decode([]byte{0x7F, 'x'}, &struct{}{}))
	assert.Error(t, cd.decode([]byte{encodingSnappy, 0xDE, 0xAD}, &struct{}{}))
}

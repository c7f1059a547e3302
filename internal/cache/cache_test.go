package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/models"
)

// memStore applies the same expiry predicate as the SQL query.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]db.CacheEntry
	reports []db.FieldReport
	getErr  error
	gets    int
}

func newMemStore() *memStore { return &memStore{rows: map[string]db.CacheEntry{}} }

func (m *memStore) GetCacheEntry(_ context.Context, key string, now time.Time) (*db.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.rows[key]
	if !ok || !e.ExpiresAt.After(now) {
		return nil, db.ErrNotFound
	}
	return &e, nil
}

func (m *memStore) UpsertCacheEntry(_ context.Context, e *db.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[e.QueryKey] = *e
	return nil
}

func (m *memStore) ApprovedFieldReports(_ context.Context, name string, limit int) ([]db.FieldReport, error) {
	var out []db.FieldReport
	for _, r := range m.reports {
		if r.Status == db.ReportApproved && strings.Contains(strings.ToLower(r.ProductName), strings.ToLower(name)) {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestNormalize(t *testing.T) {
	assert.Equal(t, "iphone 15 pro", Normalize("  iPhone   15\tPro "))
	assert.Equal(t, Normalize("IPHONE 15 PRO"), Normalize("iphone 15 pro"))
	assert.Equal(t, "ab", Normalize("a\x00b\x7f"))

	for _, q := range []string{"  Sony  WH-1000XM5 ", "Pixel\n9", strings.Repeat("Ab ", 300), "Ünïcode  Ǆ"} {
		once := Normalize(q)
		assert.Equal(t, once, Normalize(once), "normalization must be idempotent for %q", q)
	}
}

func TestSanitizeCapsLength(t *testing.T) {
	long := strings.Repeat("é", 600)
	assert.Equal(t, MaxQueryLength, len([]rune(Sanitize(long))))
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, 30*24*time.Hour, TTLFor(TypeVisual))
	assert.Equal(t, 7*24*time.Hour, TTLFor(TypeCanonical))
	assert.Equal(t, 7*24*time.Hour, TTLFor(TypeAlias))
	assert.Equal(t, 3*24*time.Hour, TTLFor(TypeCompare))
	assert.Equal(t, 24*time.Hour, TTLFor(TypeURL))
	assert.Equal(t, 24*time.Hour, TTLFor(TypeText))
	assert.Equal(t, 24*time.Hour, TTLFor(EntryType("other")))
}

func TestComparisonKey(t *testing.T) {
	assert.Equal(t, ComparisonKey([]string{"Pixel 9", "iPhone 15"}), ComparisonKey([]string{"iPhone 15", "Pixel 9"}))
	items := []string{"b", "a"}
	ComparisonKey(items)
	assert.Equal(t, []string{"b", "a"}, items, "input order must not change")
}

func TestComparisonKeyFoldsCaseBeforeSorting(t *testing.T) {
	want := ComparisonKey([]string{"Pixel 9", "iPhone 15"})
	assert.Equal(t, want, ComparisonKey([]string{"IPHONE 15", "pixel  9"}))
	assert.Equal(t, "iphone 15,pixel 9", want)
}

func TestResultCache_ReadAndWriteShareNormalization(t *testing.T) {
	store := newMemStore()
	c := New(store, zaptest.NewLogger(t))
	ctx := context.Background()

	report := &models.Report{Type: models.TypeSingle, ProductName: "Apple iPhone 15", Score: 77}
	require.NoError(t, c.Set(ctx, "  iPhone   15 ", report.ProductName, "Phones", report, TypeText))

	got, ok := c.GetReport(ctx, "IPHONE 15")
	require.True(t, ok)
	assert.Equal(t, "Apple iPhone 15", got.ProductName)
	assert.Equal(t, "text", store.rows["iphone 15"].Type)
}

func TestResultCache_ExpiredEntryIsMiss(t *testing.T) {
	store := newMemStore()
	clk := &clock{t: time.Date(2026, 1, 29, 0, 0, 0, 0, time.UTC)}
	c := New(store, zaptest.NewLogger(t), WithClock(clk.now))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "kindle", "Kindle", "Readers", map[string]int{"score": 70}, TypeText))

	clk.advance(23 * time.Hour)
	_, ok := c.GetRaw(ctx, "kindle")
	assert.True(t, ok)

	clk.advance(2 * time.Hour)
	_, ok = c.GetRaw(ctx, "kindle")
	assert.False(t, ok, "an expired entry must never be served")
}

func TestResultCache_StoreErrorIsMiss(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	c := New(store, zaptest.NewLogger(t))

	_, ok := c.GetRaw(context.Background(), "pixel 9")
	assert.False(t, ok)
}

func TestResultCache_NilStore(t *testing.T) {
	c := New(nil, zaptest.NewLogger(t))
	_, ok := c.GetRaw(context.Background(), "pixel 9")
	assert.False(t, ok)
	assert.NoError(t, c.Set(context.Background(), "pixel 9", "Pixel 9", "", map[string]int{}, TypeText))
	assert.Empty(t, c.GetCommunityReports(context.Background(), "Pixel 9"))
}

func TestResultCache_EmptyKeyRejected(t *testing.T) {
	c := New(newMemStore(), zaptest.NewLogger(t))
	assert.Error(t, c.Set(context.Background(), " \x01 ", "", "", 1, TypeText))
	_, ok := c.GetRaw(context.Background(), "   ")
	assert.False(t, ok)
}

func TestResultCache_RedisFrontLayer(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	front := circuitbreaker.NewRedisWrapper(rc, zaptest.NewLogger(t))

	store := newMemStore()
	clk := &clock{t: time.Now()}
	c := New(store, zaptest.NewLogger(t), WithFront(front, "skeptek:"), WithClock(clk.now))
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "Pixel 9", "Google Pixel 9", "Phones", map[string]int{"score": 82}, TypeCompare))
	assert.True(t, mr.Exists("skeptek:cache:pixel 9"))
	assert.Equal(t, 3*24*time.Hour, mr.TTL("skeptek:cache:pixel 9"))

	raw, ok := c.GetRaw(ctx, "pixel 9")
	require.True(t, ok)
	assert.JSONEq(t, `{"score":82}`, string(raw))
	assert.Zero(t, store.gets, "a front-layer hit must not touch the store")

	// the redis key expires together with the row
	mr.FastForward(3*24*time.Hour + time.Second)
	clk.advance(3*24*time.Hour + time.Second)
	_, ok = c.GetRaw(ctx, "pixel 9")
	assert.False(t, ok)
}

func TestResultCache_StoreHitBackfillsFront(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	front := circuitbreaker.NewRedisWrapper(rc, zaptest.NewLogger(t))

	store := newMemStore()
	now := time.Now()
	store.rows["kindle"] = db.CacheEntry{QueryKey: "kindle", Data: []byte(`{"score":1}`), ExpiresAt: now.Add(time.Hour)}

	c := New(store, zaptest.NewLogger(t), WithFront(front, ""), WithClock(func() time.Time { return now }))
	_, ok := c.GetRaw(context.Background(), "Kindle")
	require.True(t, ok)

	assert.True(t, mr.Exists("cache:kindle"))
	assert.Equal(t, time.Hour, mr.TTL("cache:kindle"), "front TTL must equal the remaining lifetime")
}

func TestGetCommunityReports(t *testing.T) {
	store := newMemStore()
	store.reports = []db.FieldReport{
		{ProductName: "Apple iPhone 15", Status: db.ReportApproved},
		{ProductName: "iPhone 15", Status: db.ReportPending},
		{ProductName: "Pixel 9", Status: db.ReportApproved},
	}
	c := New(store, zaptest.NewLogger(t))

	got := c.GetCommunityReports(context.Background(), "iphone 15")
	require.Len(t, got, 1)
	assert.Equal(t, "Apple iPhone 15", got[0].ProductName)
}

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
)

var testNow = time.Date(2026, time.January, 29, 12, 0, 0, 0, time.UTC)

// fakeScout records inputs and answers through fn. A nil fn finds nothing.
type fakeScout[T any] struct {
	mu     sync.Mutex
	fn     func(in scouts.Input, call int) scouts.Result[T]
	inputs []scouts.Input
}

func (f *fakeScout[T]) Run(_ context.Context, in scouts.Input) scouts.Result[T] {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	n := len(f.inputs)
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return scouts.Missing[T](scouts.KindEmpty, "nothing found")
	}
	return fn(in, n)
}

func (f *fakeScout[T]) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

func (f *fakeScout[T]) seen() []scouts.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scouts.Input(nil), f.inputs...)
}

// scriptedModel answers by operation.
type scriptedModel struct {
	mu       sync.Mutex
	handlers map[string]func(req llm.Request) (*llm.Response, error)
	requests []llm.Request
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{handlers: make(map[string]func(llm.Request) (*llm.Response, error))}
}

func (m *scriptedModel) on(op string, fn func(req llm.Request) (*llm.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = fn
}

func (m *scriptedModel) text(op, text string) {
	m.on(op, func(llm.Request) (*llm.Response, error) { return &llm.Response{Text: text}, nil })
}

func (m *scriptedModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	h := m.handlers[req.Operation]
	m.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for %q", req.Operation)
	}
	return h(req)
}

func (m *scriptedModel) calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Operation == op {
			n++
		}
	}
	return n
}

func (m *scriptedModel) last(op string) llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Operation == op {
			return m.requests[i]
		}
	}
	return llm.Request{}
}

// memStore is an in-memory cache.Store.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*db.CacheEntry
	reports []db.FieldReport
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*db.CacheEntry)}
}

func (s *memStore) GetCacheEntry(_ context.Context, key string, now time.Time) (*db.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[key]
	if !ok || !e.ExpiresAt.After(now) {
		return nil, db.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) UpsertCacheEntry(_ context.Context, e *db.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.rows[e.QueryKey] = &cp
	return nil
}

func (s *memStore) ApprovedFieldReports(_ context.Context, name string, _ int) ([]db.FieldReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.FieldReport
	for _, r := range s.reports {
		if strings.EqualFold(r.ProductName, name) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) entry(key string) (*db.CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[cache.Normalize(key)]
	return e, ok
}

func (s *memStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeFeed struct {
	mu    sync.Mutex
	scans []*db.Scan
}

func (f *fakeFeed) QueueWrite(wt db.WriteType, data interface{}, cb func(error)) {
	f.mu.Lock()
	if s, ok := data.(*db.Scan); ok && wt == db.WriteTypeScan {
		f.scans = append(f.scans, s)
	}
	f.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
}

func (f *fakeFeed) written() []*db.Scan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*db.Scan(nil), f.scans...)
}

type fakeDeepDiver struct {
	listing *backend.Listing
	err     error
	calls   atomic.Int32
}

func (f *fakeDeepDiver) MarketDeepDive(context.Context, string) (*backend.Listing, error) {
	f.calls.Add(1)
	return f.listing, f.err
}

// harness wires an Orchestrator to fakes.
type harness struct {
	market    *fakeScout[*models.MarketData]
	community *fakeScout[*models.CommunityData]
	video     *fakeScout[[]models.Video]
	review    *fakeScout[*models.ReviewData]
	model     *scriptedModel
	store     *memStore
	cache     *cache.ResultCache
	feed      *fakeFeed
	deep      *fakeDeepDiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	return &harness{
		market:    &fakeScout[*models.MarketData]{},
		community: &fakeScout[*models.CommunityData]{},
		video:     &fakeScout[[]models.Video]{},
		review:    &fakeScout[*models.ReviewData]{},
		model:     newScriptedModel(),
		store:     store,
		cache:     cache.New(store, zaptest.NewLogger(t), cache.WithClock(func() time.Time { return testNow })),
		feed:      &fakeFeed{},
		deep:      &fakeDeepDiver{err: backend.ErrUnavailable},
	}
}

func (h *harness) build(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	o := New(Deps{
		Scouts: Scouts{
			Market:    h.market,
			Community: h.community,
			Video:     h.video,
			Review:    h.review,
		},
		Model:   h.model,
		Cache:   h.cache,
		Feed:    h.feed,
		Backend: h.deep,
		Retry:   retry.Options{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxJitter: -1},
		Logger:  zaptest.NewLogger(t),
		Now:     func() time.Time { return testNow },
	}, opts)
	t.Cleanup(o.Wait)
	return o
}

// marketFor resolves every query to "Google <query>".
func marketFor(in scouts.Input, _ int) scouts.Result[*models.MarketData] {
	return scouts.Found(&models.MarketData{
		Title:      "Google " + in.Query,
		Price:      "$799",
		Specs:      map[string]string{"Summary": "Tensor G4"},
		ProductURL: "https://store.google.com/product/" + strings.ReplaceAll(strings.ToLower(in.Query), " ", "_"),
	})
}

func communityFound(in scouts.Input, _ int) scouts.Result[*models.CommunityData] {
	return scouts.Found(&models.CommunityData{
		ThreadTitle:    "Owners on " + in.Subject(),
		Comments:       []string{"battery is great", "runs warm when gaming"},
		SentimentCount: models.SentimentCount{Positive: 5, Neutral: 2, Negative: 1},
		Sources:        []models.Link{{Title: "r/GooglePixel", URL: "https://www.reddit.com/r/GooglePixel/comments/abc/"}},
		BotProbability: 12,
	})
}

func videosFound(scouts.Input, int) scouts.Result[[]models.Video] {
	return scouts.Found([]models.Video{{
		ID:    "aaaaaaaaaaa",
		Title: "Pixel 9 long term review",
		URL:   "https://www.youtube.com/watch?v=aaaaaaaaaaa",
	}})
}

func judgeJSON(t *testing.T, rep models.Report) string {
	t.Helper()
	b, err := json.Marshal(rep)
	require.NoError(t, err)
	return string(b)
}

func baseJudgeReport() models.Report {
	return models.Report{
		Type:           models.TypeSingle,
		ProductName:    "Google Pixel 9",
		Category:       "Smartphone",
		Score:          82,
		Confidence:     88,
		Recommendation: models.RecommendBuy,
		Verdict:        "Great camera, fair price.",
		Pros:           []string{"camera"},
		Cons:           []string{"runs warm"},
		AudioInsights: []models.AudioInsight{
			{Quote: "battery lasts two days", Sentiment: "positive", Topic: "battery", SourceURL: "https://www.youtube.com/watch?v=aaaaaaaaaaa"},
			{Quote: "made up", Sentiment: "negative", Topic: "heat", SourceURL: "https://www.reddit.com/r/fake/comments/zzz/"},
		},
		PriceAnalysis: &models.PriceAnalysis{CurrentPrice: 799, FairValueMin: 650, FairValueMax: 800, IsFair: true, SourceURL: "https://hallucinated.example/buy"},
	}
}

// collect drains a session: statuses until closed, then the one outcome.
func collect(t *testing.T, s *Session) ([]string, Outcome) {
	t.Helper()
	var statuses []string
	timeout := time.After(5 * time.Second)
drain:
	for {
		select {
		case msg, ok := <-s.Status:
			if !ok {
				break drain
			}
			statuses = append(statuses, msg)
		case <-timeout:
			t.Fatal("status channel was not closed")
		}
	}
	select {
	case out, ok := <-s.Result:
		require.True(t, ok, "result channel closed without an outcome")
		_, open := <-s.Result
		require.False(t, open, "result channel must close after one outcome")
		return statuses, out
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}
	return nil, Outcome{}
}

// requireOrdered checks that want appears in statuses in order.
func requireOrdered(t *testing.T, statuses []string, want ...string) {
	t.Helper()
	i := 0
	for _, s := range statuses {
		if i < len(want) && s == want[i] {
			i++
		}
	}
	require.Equal(t, len(want), i, "statuses %q do not contain %q in order", statuses, want)
}

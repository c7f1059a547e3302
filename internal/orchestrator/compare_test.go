package orchestrator

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
)

// Both products flagged as winner and keyed by the model's own IDs.
const twoWayComparison = `{
  "type": "comparison",
  "title": "iPhone 15 vs Pixel 9",
  "winReason": "Better value for the money.",
  "products": [
    {"id": "a", "name": "Apple iPhone 15", "price": "$799", "score": 8, "isWinner": true,
     "recommendation": "consider", "verdictType": "caution", "verdict": "Good but pricey.",
     "details": {"trustScore": {"score": 8, "label": "Good"}, "sentiment": {"positive": 3, "neutral": 1, "negative": 1},
                 "pros": ["ecosystem"], "cons": ["price"]}},
    {"id": "b", "name": "Google Pixel 9", "price": "$699", "score": 9, "isWinner": true,
     "recommendation": "buy", "verdictType": "positive", "verdict": "Best camera here.",
     "details": {"trustScore": {"score": 9, "label": "Excellent"}, "sentiment": {"positive": 5, "neutral": 1, "negative": 0},
                 "pros": ["camera"], "cons": ["runs warm"]}}
  ],
  "differences": [
    {"category": "Value", "scores": {"a": 7, "b": 9}},
    {"category": "Camera", "scores": {"p1": 8, "p2": 10}}
  ]
}`

func phoneMarket(in scouts.Input, _ int) scouts.Result[*models.MarketData] {
	titles := map[string]string{"iPhone 15": "Apple iPhone 15", "Pixel 9": "Google Pixel 9"}
	title, ok := titles[in.Query]
	if !ok {
		return scouts.Missing[*models.MarketData](scouts.KindEmpty, "no product identified")
	}
	return scouts.Found(&models.MarketData{Title: title, Price: "$799", Specs: map[string]string{"Storage": "128GB"}})
}

func TestCompareTwoProducts(t *testing.T) {
	h := newHarness(t)
	h.market.fn = phoneMarket
	h.community.fn = communityFound
	h.video.fn = videosFound
	h.model.text("compare", twoWayComparison)
	o := h.build(t, Options{})
	ctx := context.Background()

	statuses, out := collect(t, o.Analyze(ctx, Request{Query: "iPhone 15 vs Pixel 9"}))
	o.Wait()

	require.Nil(t, out.Error)
	require.NotNil(t, out.Comparison)
	c := out.Comparison
	assert.Equal(t, models.TypeComparison, c.Type)
	require.Len(t, c.Products, 2)
	assert.Equal(t, "p1", c.Products[0].ID)
	assert.Equal(t, "p2", c.Products[1].ID)
	assert.Equal(t, []string{"p2"}, c.Winners())
	assert.Equal(t, models.RecommendConsider, c.Products[0].Recommendation)
	assert.Equal(t, "Apple iPhone 15", c.Products[0].Sources.Market.Title)
	assert.Equal(t, "Google Pixel 9", c.Products[1].Sources.Market.Title)

	wantDiffs := []models.Difference{
		{Category: "Value", Scores: map[string]float64{"p1": 7, "p2": 9}},
		{Category: "Camera", Scores: map[string]float64{"p1": 8, "p2": 10}},
	}
	if diff := cmp.Diff(wantDiffs, c.Differences); diff != "" {
		t.Errorf("differences mismatch (-want +got):\n%s", diff)
	}

	requireOrdered(t, statuses, "Comparing 2 products...", "Accessing Market Data...", "Building comparison matrix...", "Complete")

	req := h.model.last("compare")
	assert.Contains(t, req.Prompt, `--- PRODUCT 1: "Apple iPhone 15" ---`)
	assert.Contains(t, req.Prompt, `--- PRODUCT 2: "Google Pixel 9" ---`)
	assert.Contains(t, req.Prompt, "Use the product IDs p1, p2 in this order.")
	require.NotNil(t, req.Schema)
	assert.Equal(t, int64(2), *req.Schema.Properties["products"].MaxItems)

	cached, ok := h.cache.GetComparison(ctx, cache.ComparisonKey([]string{"Pixel 9", "iPhone 15"}))
	require.True(t, ok)
	assert.Len(t, cached.Products, 2)

	warm, ok := h.cache.GetReport(ctx, "google pixel 9")
	require.True(t, ok)
	assert.Equal(t, 90.0, warm.Score)
	assert.Equal(t, derivedCategory, warm.Category)

	// The same set in either order is served from the comparison cache, with
	// IDs following the new input order.
	statuses, again := collect(t, o.Analyze(ctx, Request{Query: "Pixel 9 versus iPhone 15"}))
	require.NotNil(t, again.Comparison)
	assert.Contains(t, statuses, "Restoring previous comparison...")
	assert.Equal(t, 1, h.model.calls("compare"))

	swapped := again.Comparison.Products
	require.Len(t, swapped, 2)
	assert.Equal(t, "p1", swapped[0].ID)
	assert.Equal(t, "Google Pixel 9", swapped[0].Name)
	assert.Equal(t, "Google Pixel 9", swapped[0].Sources.Market.Title)
	assert.Equal(t, "p2", swapped[1].ID)
	assert.Equal(t, "Apple iPhone 15", swapped[1].Name)
	assert.Equal(t, []string{"p1"}, again.Comparison.Winners())
	wantSwapped := []models.Difference{
		{Category: "Value", Scores: map[string]float64{"p1": 9, "p2": 7}},
		{Category: "Camera", Scores: map[string]float64{"p1": 10, "p2": 8}},
	}
	if diff := cmp.Diff(wantSwapped, again.Comparison.Differences); diff != "" {
		t.Errorf("cached differences not re-keyed (-want +got):\n%s", diff)
	}
}

func TestCompareVerificationModeBypassesCache(t *testing.T) {
	h := newHarness(t)
	h.market.fn = phoneMarket
	h.community.fn = communityFound
	h.model.text("compare", twoWayComparison)
	o := h.build(t, Options{})
	ctx := context.Background()

	_, warm := collect(t, o.Analyze(ctx, Request{Query: "iPhone 15 vs Pixel 9"}))
	require.NotNil(t, warm.Comparison)
	o.Wait()
	stored := h.store.size()
	marketCalls := h.market.calls()

	statuses, out := collect(t, o.Analyze(ctx, Request{Query: "iPhone 15 vs Pixel 9", Mode: ModeVerification}))
	o.Wait()

	require.Nil(t, out.Error)
	require.NotNil(t, out.Comparison)
	assert.NotContains(t, statuses, "Restoring previous comparison...")
	assert.NotContains(t, statuses, "Found details for iPhone 15")
	assert.Equal(t, 2, h.model.calls("compare"))
	assert.Equal(t, marketCalls+2, h.market.calls())
	assert.Equal(t, stored, h.store.size())
}

// The model swaps the cards and keys its scores by its own order.
const swappedComparison = `{
  "type": "comparison",
  "title": "iPhone 15 vs Pixel 9",
  "winReason": "Better camera.",
  "products": [
    {"id": "p1", "name": "Google Pixel 9", "price": "$699", "score": 9, "isWinner": true,
     "recommendation": "buy", "verdictType": "positive", "verdict": "Best camera here.",
     "details": {"pros": ["camera"], "cons": []}},
    {"id": "p2", "name": "Apple iPhone 15", "price": "$799", "score": 8, "isWinner": false,
     "recommendation": "consider", "verdictType": "caution", "verdict": "Good but pricey.",
     "details": {"pros": ["ecosystem"], "cons": ["price"]}}
  ],
  "differences": [{"category": "Value", "scores": {"p1": 9, "p2": 7}}]
}`

func TestCompareMatchesReorderedCardsToItems(t *testing.T) {
	h := newHarness(t)
	h.market.fn = phoneMarket
	h.model.text("compare", swappedComparison)
	o := h.build(t, Options{})

	_, out := collect(t, o.Analyze(context.Background(), Request{Query: "iPhone 15 vs Pixel 9"}))

	require.Nil(t, out.Error)
	products := out.Comparison.Products
	require.Len(t, products, 2)
	assert.Equal(t, "p1", products[0].ID)
	assert.Equal(t, "Apple iPhone 15", products[0].Name)
	assert.Equal(t, "Apple iPhone 15", products[0].Sources.Market.Title)
	assert.Equal(t, "iPhone 15", products[0].Query)
	assert.Equal(t, "p2", products[1].ID)
	assert.Equal(t, "Google Pixel 9", products[1].Sources.Market.Title)
	assert.Equal(t, []string{"p2"}, out.Comparison.Winners())
	assert.Equal(t, map[string]float64{"p1": 7, "p2": 9}, out.Comparison.Differences[0].Scores)
}

func TestMatchProducts(t *testing.T) {
	fresh := func(query, title string) *item {
		return &item{query: query, fresh: &evidence{market: &models.MarketData{Title: title}}}
	}
	items := []*item{fresh("Pixel 9", "Google Pixel 9"), fresh("Pixel 9 Pro", "Google Pixel 9 Pro")}

	tests := []struct {
		name     string
		products []models.ComparisonProduct
		want     []int
	}{
		{"in order", []models.ComparisonProduct{{Name: "Google Pixel 9"}, {Name: "Google Pixel 9 Pro"}}, []int{0, 1}},
		{"swapped", []models.ComparisonProduct{{Name: "Google Pixel 9 Pro"}, {Name: "Google Pixel 9"}}, []int{1, 0}},
		{"longest containment wins", []models.ComparisonProduct{{Name: "Pixel 9 Pro (2024)"}, {Name: "Pixel 9 (2024)"}}, []int{1, 0}},
		{"renamed falls back to ids", []models.ComparisonProduct{{ID: "p2", Name: "Phone B"}, {ID: "p1", Name: "Phone A"}}, []int{1, 0}},
		{"then to position", []models.ComparisonProduct{{Name: "x"}, {Name: "y"}, {Name: "z"}}, []int{0, 1, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchProducts(tt.products, items))
		})
	}
}

func TestCompareMixesCachedAndFreshItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cachedPixel := &models.Report{
		Type:        models.TypeSingle,
		ProductName: "Google Pixel 9",
		Score:       84,
		Verdict:     "Great camera.",
		Sources:     &models.Sources{Market: &models.MarketData{Title: "Google Pixel 9", Specs: map[string]string{"Chip": "Tensor G4"}}},
	}
	require.NoError(t, h.cache.Set(ctx, "Pixel 9", cachedPixel.ProductName, "Smartphone", cachedPixel, cache.TypeText))
	h.market.fn = phoneMarket
	h.model.text("compare", twoWayComparison)
	o := h.build(t, Options{})

	statuses, out := collect(t, o.Analyze(ctx, Request{Query: "Pixel 9 vs iPhone 15"}))

	require.NotNil(t, out.Comparison)
	assert.Contains(t, statuses, "Found details for Pixel 9")
	require.Equal(t, 1, h.market.calls())
	assert.Equal(t, "iPhone 15", h.market.seen()[0].Query)

	prompt := h.model.last("compare").Prompt
	assert.Contains(t, prompt, `--- PRODUCT 1: "Google Pixel 9" (FROM CACHE) ---`)
	assert.Contains(t, prompt, `"Chip":"Tensor G4"`)
	assert.Contains(t, prompt, `--- PRODUCT 2: "Apple iPhone 15" ---`)

	products := out.Comparison.Products
	assert.Equal(t, "p1", products[0].ID)
	assert.Equal(t, "p2", products[1].ID)
	assert.Equal(t, "Google Pixel 9", products[0].Sources.Market.Title)
	assert.Len(t, out.Comparison.Winners(), 1)
}

func TestCompareAbortsWhenAnItemIsUnresolved(t *testing.T) {
	h := newHarness(t)
	h.market.fn = phoneMarket
	o := h.build(t, Options{})

	statuses, out := collect(t, o.Analyze(context.Background(), Request{Query: "iPhone 15 vs Nokia 3310"}))

	require.Nil(t, out.Comparison)
	require.NotNil(t, out.Error)
	assert.Equal(t, KindComparison, out.Error.Kind)
	assert.Equal(t, `Comparison failed. Unable to verify product data for "Nokia 3310".`, out.Error.Message)
	assert.Equal(t, "System Error", statuses[len(statuses)-1])
	assert.Zero(t, h.model.calls("compare"))
}

func TestCompareItemRateLimited(t *testing.T) {
	h := newHarness(t)
	h.market.fn = func(in scouts.Input, call int) scouts.Result[*models.MarketData] {
		if in.Query == "Pixel 9" {
			return scouts.Found(&models.MarketData{Title: "Pixel 9", Price: models.PriceUnknown, RateLimited: true})
		}
		return phoneMarket(in, call)
	}
	o := h.build(t, Options{})

	_, out := collect(t, o.Analyze(context.Background(), Request{Query: "iPhone 15 vs Pixel 9"}))

	require.NotNil(t, out.Error)
	assert.Equal(t, KindRateLimited, out.Error.Kind)
	assert.True(t, out.Error.RateLimited)
	assert.Contains(t, out.Error.Message, `while identifying "Pixel 9"`)
}

func TestCompareSynthesisFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(llm.Request) (*llm.Response, error)
		kind    ErrorKind
		message string
	}{
		{
			name:    "rate limited",
			reply:   func(llm.Request) (*llm.Response, error) { return nil, &llm.Error{Status: 429, Message: "resource exhausted"} },
			kind:    KindRateLimited,
			message: "System Overload (Rate Limit 429). Please try again in 30 seconds.",
		},
		{
			name: "too few products",
			reply: func(llm.Request) (*llm.Response, error) {
				return &llm.Response{Text: `{"type":"comparison","title":"x","products":[{"id":"p1","name":"Apple iPhone 15","score":7}],"differences":[]}`}, nil
			},
			kind:    KindComparison,
			message: "Comparison failed. Unable to verify product data.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.market.fn = phoneMarket
			h.model.on("compare", tt.reply)
			o := h.build(t, Options{})

			_, out := collect(t, o.Analyze(context.Background(), Request{Query: "iPhone 15 vs Pixel 9"}))

			require.NotNil(t, out.Error)
			assert.Equal(t, tt.kind, out.Error.Kind)
			assert.Equal(t, tt.message, out.Error.Message)
			assert.Zero(t, h.store.size())
		})
	}
}

func TestSettleWinner(t *testing.T) {
	tests := []struct {
		name    string
		scores  []float64
		flagged []bool
		want    int
	}{
		{"single flag kept", []float64{9, 7, 8}, []bool{false, true, false}, 1},
		{"highest flagged wins", []float64{6, 9, 8}, []bool{true, false, true}, 2},
		{"none flagged picks highest", []float64{6, 9, 8}, []bool{false, false, false}, 1},
		{"ties go to the first", []float64{8, 8}, []bool{true, true}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			products := make([]models.ComparisonProduct, len(tt.scores))
			for i := range products {
				products[i] = models.ComparisonProduct{ID: productID(i), Score: tt.scores[i], IsWinner: tt.flagged[i]}
			}
			settleWinner(products)
			for i, p := range products {
				assert.Equal(t, i == tt.want, p.IsWinner, p.ID)
			}
		})
	}
}

func TestWarmReportScalesCardScore(t *testing.T) {
	rep := warmReport(models.ComparisonProduct{Name: "Google Pixel 9", Price: "~$1,199", Score: 8.5, Recommendation: models.RecommendBuy})
	assert.Equal(t, 85.0, rep.Score)
	assert.Equal(t, 1199.0, rep.PriceAnalysis.CurrentPrice)
	assert.Equal(t, models.TypeSingle, rep.Type)

	rep = warmReport(models.ComparisonProduct{Name: "x", Score: 72})
	assert.Equal(t, 72.0, rep.Score)
}

func TestComparisonSchemaSizesToItems(t *testing.T) {
	s := comparisonSchema(3)
	products := s.Properties["products"]
	assert.Equal(t, int64(3), *products.MinItems)
	assert.Equal(t, int64(3), *products.MaxItems)
	assert.Equal(t, []string{"p1", "p2", "p3"}, products.Items.Properties["id"].Enum)

	scores := s.Properties["differences"].Items.Properties["scores"]
	assert.Len(t, scores.Properties, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, scores.Required)
}

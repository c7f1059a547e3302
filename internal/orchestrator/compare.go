package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
)

const (
	comparisonCategory = "Comparison"
	derivedCategory    = "comparison-derived"
	topComments        = 3
)

// item is the evidence for one comparison entry. Exactly one of cached and
// fresh is set.
type item struct {
	query  string
	cached *models.Report
	fresh  *evidence
}

func (it *item) name() string {
	switch {
	case it.cached != nil && it.cached.ProductName != "":
		return it.cached.ProductName
	case it.fresh != nil && it.fresh.market != nil:
		return it.fresh.market.Title
	}
	return it.query
}

func (it *item) sources() *models.Sources {
	if it.cached != nil {
		return it.cached.Sources
	}
	return &models.Sources{Market: it.fresh.market, Community: it.fresh.community, Video: it.fresh.videos}
}

// compare runs the comparison flow over 2 to 4 items. Verification mode
// neither reads nor writes cached results.
func (o *Orchestrator) compare(ctx context.Context, queries []string, mode Mode, em *emitter, logger *zap.Logger) finished {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.compare",
		attribute.Int("items", len(queries)),
		attribute.String("mode", mode.String()),
	)
	defer span.End()
	verification := mode == ModeVerification

	key := cache.ComparisonKey(queries)
	if o.cache != nil && !verification {
		if cmp, ok := o.cache.GetComparison(ctx, key); ok && restoreOrder(cmp, queries) {
			em.update("Restoring previous comparison...")
			return complete(Outcome{Comparison: cmp})
		}
	}

	items := make([]*item, len(queries))
	var missing []int
	for i, q := range queries {
		items[i] = &item{query: q}
		if !verification {
			if rep, ok := o.getReport(ctx, q); ok {
				items[i].cached = rep
				em.update("Found details for " + q)
				continue
			}
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		em.update("Accessing Market Data...")
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range missing {
			g.Go(func() error {
				ev, err := o.gatherItem(gctx, items[i].query)
				if err != nil {
					return err
				}
				items[i].fresh = ev
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Warn("Comparison item unresolved", zap.Error(err))
			return o.fail(err)
		}
	}

	em.update("Building comparison matrix...")
	cmp, err := o.synthesizeComparison(ctx, queries, items)
	if err != nil {
		logger.Error("Comparison synthesis failed", zap.Error(err))
		return o.fail(comparisonError(err))
	}
	if verification {
		return complete(Outcome{Comparison: cmp})
	}

	o.spawn(ctx, "compare_cache", func(ctx context.Context) error {
		return o.cacheSet(ctx, key, cmp.Title, comparisonCategory, cmp, cache.TypeCompare)
	})
	for _, p := range cmp.Products {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		o.spawn(ctx, "compare_warm", func(ctx context.Context) error {
			return o.cacheSet(ctx, p.Name, p.Name, derivedCategory, warmReport(p), cache.TypeCanonical)
		})
	}
	return complete(Outcome{Comparison: cmp})
}

func (o *Orchestrator) cacheSet(ctx context.Context, query, name, category string, payload any, typ cache.EntryType) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Set(ctx, query, name, category, payload, typ)
}

// gatherItem resolves one uncached item: identity first, then community
// and video concurrently.
func (o *Orchestrator) gatherItem(ctx context.Context, query string) (*evidence, error) {
	res := o.scouts.Market.Run(ctx, scouts.Input{Query: query})
	if err := checkIdentity(res); err != nil {
		fe := &FatalError{
			Kind:    KindComparison,
			Message: fmt.Sprintf("Comparison failed. Unable to verify product data for %q.", query),
			Status:  "System Error",
			Err:     fmt.Errorf("%w: %q: %w", ErrComparisonFailed, query, err),
		}
		if res.Payload != nil && res.Payload.RateLimited {
			fe.Kind = KindRateLimited
			fe.RateLimited = true
			fe.Message = fmt.Sprintf("System Overload (Rate Limit 429) while identifying %q. Please try again in 30 seconds.", query)
		}
		return nil, fe
	}

	ev := &evidence{market: res.Payload}
	in := scouts.Input{Query: query, Canonical: ev.market.Title}
	var g errgroup.Group
	g.Go(func() error {
		if r := o.scouts.Community.Run(ctx, in); r.Present {
			ev.community = r.Payload
		}
		return nil
	})
	g.Go(func() error {
		if r := o.scouts.Video.Run(ctx, in); r.Present {
			ev.videos = r.Payload
		}
		return nil
	})
	_ = g.Wait()
	return ev, nil
}

func comparisonError(err error) *FatalError {
	if retry.IsRateLimit(err) {
		return &FatalError{
			Kind:        KindRateLimited,
			Message:     "System Overload (Rate Limit 429). Please try again in 30 seconds.",
			Status:      "System Error",
			RateLimited: true,
			Err:         err,
		}
	}
	return &FatalError{
		Kind:    KindComparison,
		Message: "Comparison failed. Unable to verify product data.",
		Status:  "System Error",
		Err:     err,
	}
}

// synthesizeComparison makes the one comparison call and normalizes its output.
func (o *Orchestrator) synthesizeComparison(ctx context.Context, queries []string, items []*item) (*models.Comparison, error) {
	if o.model == nil {
		return nil, fmt.Errorf("%w: no model configured", ErrSynthesisFailed)
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrator.compare_synthesize")
	defer span.End()

	resp, err := retry.Do(ctx, func(ctx context.Context) (*llm.Response, error) {
		return o.model.Generate(ctx, llm.Request{
			Operation: "compare",
			Prompt:    buildComparisonPrompt(queries, items),
			Schema:    comparisonSchema(len(queries)),
			JSON:      true,
		})
	}, o.retryOptions("compare"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	cmp, err := llm.DecodeObject[models.Comparison](resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if err := normalizeComparison(cmp, queries, items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	return cmp, nil
}

// normalizeComparison puts the model's cards back in input order, re-stamps
// IDs and difference keys, re-attaches sources and settles on a single winner.
func normalizeComparison(cmp *models.Comparison, queries []string, items []*item) error {
	n := len(items)
	if len(cmp.Products) < n {
		return fmt.Errorf("model returned %d products for %d items", len(cmp.Products), n)
	}
	cmp.Type = models.TypeComparison
	if strings.TrimSpace(cmp.Title) == "" {
		cmp.Title = strings.Join(queries, " vs ")
	}

	ordered := make([]models.ComparisonProduct, n)
	modelIDs := make([]string, n)
	origin := make([]int, n)
	for p, it := range matchProducts(cmp.Products, items) {
		if it < 0 {
			continue
		}
		ordered[it] = cmp.Products[p]
		modelIDs[it] = cmp.Products[p].ID
		origin[it] = p
	}

	for i := range ordered {
		p := &ordered[i]
		p.ID = productID(i)
		p.Query = items[i].query
		p.Sources = items[i].sources()
		if strings.TrimSpace(p.Name) == "" {
			p.Name = items[i].name()
		}
		p.Recommendation = models.Recommendation(strings.ToUpper(string(p.Recommendation)))
	}

	for d := range cmp.Differences {
		old := cmp.Differences[d].Scores
		scores := make(map[string]float64, n)
		for i := range ordered {
			if v, ok := old[modelIDs[i]]; ok && modelIDs[i] != "" {
				scores[productID(i)] = v
			} else if v, ok := old[productID(origin[i])]; ok {
				scores[productID(i)] = v
			} else if v, ok := old[ordered[i].Name]; ok {
				scores[productID(i)] = v
			}
		}
		cmp.Differences[d].Scores = scores
	}

	cmp.Products = ordered
	settleWinner(cmp.Products)
	return nil
}

// matchProducts returns, per model card, the index of the item it describes,
// or -1 for surplus cards. Names decide first (exact, then the longest name
// whose words all appear), then the model's pN id, then position.
func matchProducts(products []models.ComparisonProduct, items []*item) []int {
	owner := make([]int, len(products))
	for p := range owner {
		owner[p] = -1
	}
	taken := make([]bool, len(items))
	assign := func(p, it int) {
		owner[p] = it
		taken[it] = true
	}

	for p := range products {
		name := cache.Normalize(products[p].Name)
		for it := range items {
			if name != "" && !taken[it] && slices.Contains(itemNames(items[it]), name) {
				assign(p, it)
				break
			}
		}
	}
	for p := range products {
		name := cache.Normalize(products[p].Name)
		if owner[p] >= 0 || name == "" {
			continue
		}
		best, bestLen := -1, 0
		for it := range items {
			if taken[it] {
				continue
			}
			for _, cand := range itemNames(items[it]) {
				if (hasWords(name, cand) || hasWords(cand, name)) && len(cand) > bestLen {
					best, bestLen = it, len(cand)
				}
			}
		}
		if best >= 0 {
			assign(p, best)
		}
	}
	for p := range products {
		if owner[p] >= 0 {
			continue
		}
		if digits, ok := strings.CutPrefix(strings.TrimSpace(products[p].ID), "p"); ok {
			if k, err := strconv.Atoi(digits); err == nil && k >= 1 && k <= len(items) && !taken[k-1] {
				assign(p, k-1)
			}
		}
	}
	for p := range products {
		if owner[p] >= 0 {
			continue
		}
		if it := slices.Index(taken, false); it >= 0 {
			assign(p, it)
		}
	}
	return owner
}

// itemNames are the normalized names an item may appear under.
func itemNames(it *item) []string {
	var names []string
	for _, s := range []string{it.name(), it.query} {
		if k := cache.Normalize(s); k != "" {
			names = append(names, k)
		}
	}
	return names
}

// hasWords reports whether every word of sub appears in s.
func hasWords(s, sub string) bool {
	words := strings.Fields(s)
	for _, w := range strings.Fields(sub) {
		if !slices.Contains(words, w) {
			return false
		}
	}
	return sub != ""
}

// restoreOrder rearranges a cached comparison so its cards follow queries,
// re-stamping IDs and difference keys. It reports false when the cards do not
// map one-to-one onto queries.
func restoreOrder(cmp *models.Comparison, queries []string) bool {
	if len(cmp.Products) != len(queries) {
		return false
	}
	pos := make(map[string]int, len(queries))
	for i, q := range queries {
		pos[cache.Normalize(q)] = i
	}
	ordered := make([]models.ComparisonProduct, len(queries))
	filled := make([]bool, len(queries))
	renamed := make(map[string]string, len(queries))
	for _, p := range cmp.Products {
		i, ok := pos[cache.Normalize(p.Query)]
		if !ok || filled[i] {
			return false
		}
		if _, dup := renamed[p.ID]; dup {
			return false
		}
		filled[i] = true
		renamed[p.ID] = productID(i)
		p.ID = productID(i)
		ordered[i] = p
	}

	cmp.Products = ordered
	for d := range cmp.Differences {
		scores := make(map[string]float64, len(ordered))
		for from, to := range renamed {
			if v, ok := cmp.Differences[d].Scores[from]; ok {
				scores[to] = v
			}
		}
		cmp.Differences[d].Scores = scores
	}
	return true
}

func productID(i int) string {
	return fmt.Sprintf("p%d", i+1)
}

// settleWinner leaves exactly one winner: the highest scored among those the
// model flagged, or among all products when it flagged none.
func settleWinner(products []models.ComparisonProduct) {
	flagged := slices.ContainsFunc(products, func(p models.ComparisonProduct) bool { return p.IsWinner })
	best := -1
	for i, p := range products {
		if flagged && !p.IsWinner {
			continue
		}
		if best < 0 || p.Score > products[best].Score {
			best = i
		}
	}
	for i := range products {
		products[i].IsWinner = i == best
	}
}

// warmReport turns a comparison card into a report-shaped cache payload.
// Card scores are 0-10; reports use 0-100.
func warmReport(p models.ComparisonProduct) *models.Report {
	score := p.Score
	if score <= 10 {
		score *= 10
	}
	return &models.Report{
		Type:           models.TypeSingle,
		ProductName:    p.Name,
		Category:       derivedCategory,
		Score:          score,
		Recommendation: p.Recommendation,
		Verdict:        p.Verdict,
		Pros:           p.Details.Pros,
		Cons:           p.Details.Cons,
		AudioInsights:  []models.AudioInsight{},
		PriceAnalysis:  &models.PriceAnalysis{CurrentPrice: models.ParsePrice(p.Price)},
		Sources:        p.Sources,
	}
}

// buildComparisonPrompt renders one evidence block per item.
func buildComparisonPrompt(queries []string, items []*item) string {
	n := len(items)
	var b strings.Builder
	fmt.Fprintf(&b, "COMPARE THESE %d PRODUCTS HEAD-TO-HEAD:\n\n", n)

	for i, it := range items {
		if it.cached != nil {
			var specs map[string]string
			if it.cached.Sources != nil && it.cached.Sources.Market != nil {
				specs = it.cached.Sources.Market.Specs
			}
			fmt.Fprintf(&b, "--- PRODUCT %d: %q (FROM CACHE) ---\n", i+1, it.cached.ProductName)
			fmt.Fprintf(&b, "- Score: %g\n", it.cached.Score)
			fmt.Fprintf(&b, "- Verdict: %s\n", it.cached.Verdict)
			fmt.Fprintf(&b, "- Specs: %s\n\n", mustJSON(orEmpty(specs)))
			continue
		}
		ev := it.fresh
		price := models.PriceUnknown
		if ev.market.Price != "" {
			price = ev.market.Price
		}
		var sentiment models.SentimentCount
		var comments []string
		if ev.community != nil {
			sentiment = ev.community.SentimentCount
			comments = ev.community.Comments
		}
		if len(comments) > topComments {
			comments = comments[:topComments]
		}
		if comments == nil {
			comments = []string{}
		}
		fmt.Fprintf(&b, "--- PRODUCT %d: %q ---\n", i+1, it.name())
		fmt.Fprintf(&b, "- Detected Price: %s\n", price)
		fmt.Fprintf(&b, "- Specs: %s\n", mustJSON(orEmpty(ev.market.Specs)))
		fmt.Fprintf(&b, "- Sentiment: %s\n", mustJSON(sentiment))
		fmt.Fprintf(&b, "- Key Reddit Comments: %s\n", mustJSON(comments))
		fmt.Fprintf(&b, "- Videos Found: %d\n\n", len(ev.videos))
	}

	fmt.Fprintf(&b, `TASK:
Create a "Versus Arena" comparison dataset for ALL %d PRODUCTS.

1. Assign a "Trust Score" (0-10) for each.
2. Determine a SINGLE WINNER (the "Top Choice").
3. Provide a short "Win Reason".
4. Assign a "Recommendation" (BUY, CONSIDER, or AVOID).
5. Assign a "Verdict Type" (positive, caution, or alert).
6. Write a "Verdict" summary (2 sentences) explaining the recommendation.
7. Compare them across 3-4 distinct categories (e.g. Build Quality, Performance, Value). Scores 0-10.

CONSISTENCY RULES:
- Trust Score >= 9.0 means the recommendation MUST be BUY.
- Trust Score < 6.0 means the recommendation MUST be AVOID.
- The winner's recommendation MUST be BUY unless it has a fatal flaw.
- Do not rate a product CONSIDER when its score is above 8.5.

PRICE FORMATTING:
Keep "price" under 15 characters.
- Bad: "$450 - $649 USD (Refurbished only)"  Good: "$450 - $649"
- Bad: "approx. $1200 depending on storage"  Good: "~$1200"
- Bad: "Discontinued (Used: $300)"  Good: "Used: ~$300"

Use the product IDs %s in this order. Title: %q.
`, n, strings.Join(productIDs(n), ", "), strings.Join(queries, " vs "))
	return b.String()
}

func productIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = productID(i)
	}
	return ids
}

// comparisonSchema sizes the products array and the score maps to n.
func comparisonSchema(n int) *genai.Schema {
	count := int64(n)
	scoreProps := make(map[string]*genai.Schema, n)
	for _, id := range productIDs(n) {
		scoreProps[id] = &genai.Schema{Type: genai.TypeNumber}
	}
	ids := productIDs(n)

	product := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"id":             enumSchema(ids...),
			"name":           {Type: genai.TypeString},
			"price":          {Type: genai.TypeString},
			"score":          {Type: genai.TypeNumber},
			"isWinner":       {Type: genai.TypeBoolean},
			"recommendation": enumSchema(string(models.RecommendBuy), string(models.RecommendConsider), string(models.RecommendAvoid)),
			"verdictType":    enumSchema("positive", "caution", "alert"),
			"verdict":        {Type: genai.TypeString},
			"details": {
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"trustScore": {
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"score": {Type: genai.TypeNumber},
							"label": {Type: genai.TypeString},
						},
					},
					"sentiment": {
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"positive": {Type: genai.TypeInteger},
							"neutral":  {Type: genai.TypeInteger},
							"negative": {Type: genai.TypeInteger},
						},
					},
					"pros": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"cons": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				},
			},
		},
		Required: []string{"id", "name", "price", "score", "isWinner", "recommendation", "verdictType", "verdict", "details"},
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"type":      enumSchema(models.TypeComparison),
			"title":     {Type: genai.TypeString},
			"winReason": {Type: genai.TypeString},
			"products": {
				Type:     genai.TypeArray,
				Items:    product,
				MinItems: &count,
				MaxItems: &count,
			},
			"differences": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"category": {Type: genai.TypeString},
						"scores": {
							Type:       genai.TypeObject,
							Properties: scoreProps,
							Required:   productIDs(n),
						},
					},
					Required: []string{"category", "scores"},
				},
			},
		},
		Required: []string{"type", "title", "winReason", "products", "differences"},
	}
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

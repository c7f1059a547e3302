package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/intent"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/scouts"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

// lowConfidenceCap bounds confidence when no independent evidence exists.
const lowConfidenceCap = 65

var botBlockMarkers = []string{"Robot Check", "Data Retrieval Error", "Access Denied"}

// evidence is the bundle gathered for one product.
type evidence struct {
	market       *models.MarketData
	community    *models.CommunityData
	videos       []models.Video
	review       *models.ReviewData
	fieldReports []db.FieldReport
	// userReview is set when review came from the page the user submitted.
	userReview bool
}

func (ev *evidence) hasCommunity() bool { return ev.community.HasComments() }
func (ev *evidence) hasVideo() bool     { return len(ev.videos) > 0 }

// independent reports whether any non-market category is present. A review
// of the user's own page is not independent.
func (ev *evidence) independent() bool {
	return ev.hasCommunity() || ev.hasVideo() || (ev.review.Usable() && !ev.userReview)
}

func (ev *evidence) sources() *models.Sources {
	return &models.Sources{
		Market:    ev.market,
		Community: ev.community,
		Video:     ev.videos,
		Review:    ev.review,
	}
}

// checkIdentity decides whether the market result can anchor the pipeline.
func checkIdentity(res scouts.Result[*models.MarketData]) error {
	md := res.Payload
	if !res.Present || md == nil {
		return &FatalError{
			Kind:    KindIdentity,
			Message: "Product not identified. Insufficient market ground-truth.",
			Status:  "Insufficient Data",
			Err:     fmt.Errorf("%w: %s", ErrIdentityNotFound, res.Detail),
		}
	}
	if botBlocked(md.Title) {
		return &FatalError{
			Kind:        KindBotBlocked,
			Message:     "Access Denied (Bot Protection) or Product Not Found. Unable to verify identity.",
			Status:      "Access Denied",
			BotBlocked:  true,
			RateLimited: md.RateLimited,
			Err:         fmt.Errorf("%w: blocked title %q", ErrIdentityNotFound, md.Title),
		}
	}
	if md.RateLimited && md.Price == models.PriceUnknown {
		return &FatalError{
			Kind:        KindRateLimited,
			Message:     "Market Scout Rate Limited (429). Forensics stalled.",
			Status:      "Insufficient Data",
			RateLimited: true,
			Err:         fmt.Errorf("%w: %s", ErrIdentityNotFound, res.Detail),
		}
	}
	if len([]rune(strings.TrimSpace(md.Title))) < 3 {
		return &FatalError{
			Kind:    KindIdentity,
			Message: "Product not identified. Insufficient market ground-truth.",
			Status:  "Insufficient Data",
			Err:     fmt.Errorf("%w: title %q too short", ErrIdentityNotFound, md.Title),
		}
	}
	return nil
}

func botBlocked(title string) bool {
	for _, m := range botBlockMarkers {
		if strings.Contains(title, m) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(title), "not found")
}

// single runs the single-product flow.
func (o *Orchestrator) single(ctx context.Context, query string, mode Mode, em *emitter, logger *zap.Logger) finished {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.single", attribute.String("mode", mode.String()))
	defer span.End()
	verification := mode == ModeVerification

	if !verification {
		if rep, ok := o.getReport(ctx, query); ok {
			em.update("Restoring previous analysis...")
			return complete(Outcome{Report: rep})
		}
	}

	ev := &evidence{}
	isURL := intent.IsURL(query)
	if isURL {
		em.update("Reading page content...")
		if res := o.scouts.Review.Run(ctx, scouts.Input{Query: query}); res.Present && res.Payload.Usable() {
			ev.review = res.Payload
			ev.userReview = true
		}
	}

	em.update("Identifying product details...")
	mres := o.scouts.Market.Run(ctx, scouts.Input{Query: query})
	if err := checkIdentity(mres); err != nil {
		logger.Warn("Identity resolution failed", zap.Error(err))
		em.update("Analysis Halted")
		return o.fail(err)
	}
	ev.market = mres.Payload
	canonical := ev.market.Title
	logger.Info("Canonical identity established", zap.String("canonical", canonical), zap.String("query", query))

	if !verification {
		if rep, ok := o.getReport(ctx, canonical); ok {
			if cache.Normalize(canonical) != cache.Normalize(query) {
				o.spawn(ctx, "alias", func(ctx context.Context) error {
					return o.cache.Set(ctx, query, rep.ProductName, rep.Category, rep, cache.TypeAlias)
				})
			}
			em.update("Restoring previous analysis (Canonical Match)...")
			return complete(Outcome{Report: rep})
		}
	}

	if verification {
		em.update("Skipping external search (Review Mode active)...")
	} else {
		em.update("Agentically gathering evidence...")
		o.fanout(ctx, query, canonical, ev)
		o.deepDive(ctx, ev.market, em, logger)
	}

	ev.fieldReports = o.fieldReports(ctx, canonical)

	if !verification && !ev.hasCommunity() && !ev.hasVideo() {
		em.update("Refining search strategy (Retry)...")
		o.retryForensics(ctx, ev, logger)
	}

	sparse := !verification && !ev.independent()
	if sparse {
		logger.Warn("No independent evidence found, confidence will be capped")
	}

	em.update("Analyzing forensic data...")
	em.update("Finalizing verdict...")
	rep, err := o.synthesize(ctx, judgeInput{
		Canonical:    canonical,
		Market:       ev.market,
		Community:    ev.community,
		Videos:       ev.videos,
		Review:       ev.review,
		FieldReports: ev.fieldReports,
		Verification: verification,
		Sparse:       sparse,
		Today:        o.now().Format(dateLayout),
	})
	if err != nil {
		logger.Error("Synthesis failed", zap.Error(err))
		em.update("Analysis Failed: AI Service Unavailable")
		return o.fail(&FatalError{
			Kind:        KindSynthesis,
			Message:     "Unable to complete forensic analysis. Please try again later.",
			Status:      "System Error",
			RateLimited: retry.IsRateLimit(err),
			Err:         err,
		})
	}

	assemble(rep, query, isURL, ev, sparse)

	if ev.independent() {
		o.persist(ctx, query, isURL, rep)
	} else {
		logger.Info("Skipping persistence: no independent evidence")
	}
	return complete(Outcome{Report: rep})
}

func (o *Orchestrator) getReport(ctx context.Context, query string) (*models.Report, bool) {
	if o.cache == nil {
		return nil, false
	}
	return o.cache.GetReport(ctx, query)
}

func (o *Orchestrator) fieldReports(ctx context.Context, identity string) []db.FieldReport {
	if o.cache == nil {
		return nil
	}
	return o.cache.GetCommunityReports(ctx, identity)
}

// fanout runs the community, video and review scouts concurrently. Scouts
// never return errors, so one scout coming back empty never cancels another.
func (o *Orchestrator) fanout(ctx context.Context, query, canonical string, ev *evidence) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.fanout")
	defer span.End()

	in := scouts.Input{Query: query, Canonical: canonical}
	var g errgroup.Group
	g.Go(func() error {
		if res := o.scouts.Community.Run(ctx, in); res.Present {
			ev.community = res.Payload
		}
		return nil
	})
	g.Go(func() error {
		if res := o.scouts.Video.Run(ctx, in); res.Present {
			ev.videos = res.Payload
		}
		return nil
	})
	if ev.review == nil {
		g.Go(func() error {
			if res := o.scouts.Review.Run(ctx, scouts.Input{Query: canonical, Canonical: canonical}); res.Present {
				ev.review = res.Payload
			}
			return nil
		})
	}
	_ = g.Wait()
}

// deepDive asks the backend for a price when the market scout had none.
func (o *Orchestrator) deepDive(ctx context.Context, md *models.MarketData, em *emitter, logger *zap.Logger) {
	if o.backend == nil || md.Price != models.PriceUnknown || md.ProductURL == "" {
		return
	}
	em.update("Price unconfirmed. Engaging deep price scout...")
	listing, err := o.backend.MarketDeepDive(ctx, md.ProductURL)
	if err != nil {
		logger.Info("Deep dive unavailable", zap.Error(err))
		return
	}
	if p := strings.TrimSpace(listing.Price); p != "" && p != models.PriceUnknown {
		logger.Info("Deep dive found price", zap.String("price", p))
		md.Price = p
	}
}

// retryForensics reruns community and video once with the market title.
func (o *Orchestrator) retryForensics(ctx context.Context, ev *evidence, logger *zap.Logger) {
	in := scouts.Input{Query: ev.market.Title, Canonical: ev.market.Title}
	var g errgroup.Group
	var community *models.CommunityData
	var videos []models.Video
	g.Go(func() error {
		if res := o.scouts.Community.Run(ctx, in); res.Present {
			community = res.Payload
		}
		return nil
	})
	g.Go(func() error {
		if res := o.scouts.Video.Run(ctx, in); res.Present {
			videos = res.Payload
		}
		return nil
	})
	_ = g.Wait()

	if community.HasComments() {
		logger.Info("Community retry found threads", zap.Int("comments", len(community.Comments)))
		ev.community = community
	}
	if len(videos) > 0 {
		logger.Info("Video retry found videos", zap.Int("videos", len(videos)))
		ev.videos = videos
	}
}

// synthesize asks the judge for a verdict.
func (o *Orchestrator) synthesize(ctx context.Context, in judgeInput) (*models.Report, error) {
	if o.model == nil {
		return nil, fmt.Errorf("%w: no model configured", ErrSynthesisFailed)
	}
	ctx, span := tracing.StartSpan(ctx, "orchestrator.synthesize")
	defer span.End()

	resp, err := retry.Do(ctx, func(ctx context.Context) (*llm.Response, error) {
		return o.model.Generate(ctx, llm.Request{
			Operation: "judge",
			System:    judgeSystem(in.Today),
			Prompt:    buildJudgeContext(in),
			Schema:    judgeSchema,
			JSON:      true,
		})
	}, o.retryOptions("judge"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	rep, err := llm.DecodeObject[models.Report](resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	return rep, nil
}

// assemble makes the orchestrator's own fields authoritative over the
// model's output.
func assemble(rep *models.Report, query string, isURL bool, ev *evidence, sparse bool) {
	rep.Type = models.TypeSingle
	if strings.TrimSpace(rep.ProductName) == "" {
		rep.ProductName = ev.market.Title
	}
	rep.Score = clamp(rep.Score, 0, 100)
	rep.Confidence = clamp(rep.Confidence, 0, 100)
	rep.Recommendation = consistentRecommendation(rep.Score, rep.Recommendation)
	if rep.Pros == nil {
		rep.Pros = []string{}
	}
	if rep.Cons == nil {
		rep.Cons = []string{}
	}

	if rep.PriceAnalysis == nil {
		rep.PriceAnalysis = &models.PriceAnalysis{CurrentPrice: models.ParsePrice(ev.market.Price)}
	}
	switch {
	case isURL:
		rep.PriceAnalysis.SourceURL = query
	case ev.market.ProductURL != "":
		rep.PriceAnalysis.SourceURL = ev.market.ProductURL
	default:
		rep.PriceAnalysis.SourceURL = verifier.SearchFallback(strings.TrimSpace(ev.market.Title + " buy"))
	}

	known := evidenceURLs(query, isURL, ev)
	for i := range rep.AudioInsights {
		ins := &rep.AudioInsights[i]
		if !known[canonicalURL(ins.SourceURL)] {
			ins.SourceURL = verifier.SearchFallback(strings.TrimSpace(rep.ProductName + " " + ins.Topic))
		}
	}
	if rep.AudioInsights == nil {
		rep.AudioInsights = []models.AudioInsight{}
	}

	if sparse {
		rep.IsLowConfidence = true
		rep.Confidence = min(rep.Confidence, lowConfidenceCap)
	}
	rep.Sources = ev.sources()
}

// evidenceURLs is the set of URLs an insight may cite.
func evidenceURLs(query string, isURL bool, ev *evidence) map[string]bool {
	set := make(map[string]bool)
	add := func(u string) {
		if c := canonicalURL(u); c != "" {
			set[c] = true
		}
	}
	if isURL {
		add(query)
	}
	if ev.market != nil {
		add(ev.market.ProductURL)
	}
	if ev.community != nil {
		for _, s := range ev.community.Sources {
			add(s.URL)
		}
	}
	for _, v := range ev.videos {
		add(v.URL)
		add(v.LinkURL())
	}
	if ev.review != nil {
		add(ev.review.URL)
	}
	return set
}

func canonicalURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// consistentRecommendation applies the score bands to the model's pick.
func consistentRecommendation(score float64, rec models.Recommendation) models.Recommendation {
	rec = models.Recommendation(strings.ToUpper(strings.TrimSpace(string(rec))))
	switch {
	case score >= 90:
		return models.RecommendBuy
	case score < 60:
		return models.RecommendAvoid
	case score > 85 && rec == models.RecommendConsider:
		return models.RecommendBuy
	}
	switch rec {
	case models.RecommendBuy, models.RecommendConsider, models.RecommendAvoid:
		return rec
	default:
		return models.RecommendConsider
	}
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(v, hi))
}

// persist writes the report to the cache and the public feed in the background.
func (o *Orchestrator) persist(ctx context.Context, query string, isURL bool, rep *models.Report) {
	if o.cache != nil {
		typ := cache.TypeText
		if isURL {
			typ = cache.TypeURL
		}
		o.spawn(ctx, "cache", func(ctx context.Context) error {
			return o.cache.Set(ctx, query, rep.ProductName, rep.Category, rep, typ)
		})
	}
	if o.feed != nil {
		score := int(rep.Score + 0.5)
		o.feed.QueueWrite(db.WriteTypeScan, &db.Scan{
			ProductName: rep.ProductName,
			TrustScore:  score,
			Verdict:     rep.Verdict,
			Status:      db.ScanStatus(score),
			Category:    rep.Category,
		}, func(err error) {
			if err != nil {
				o.logger.Warn("Feed insert failed", zap.String("product", rep.ProductName), zap.Error(err))
			}
		})
	}
}

// retryOptions wires retry events into metrics and logs.
func (o *Orchestrator) retryOptions(op string) retry.Options {
	opts := o.retry
	opts.OnRetry = func(ev retry.Event) {
		metrics.RetryAttempts.WithLabelValues(op).Inc()
		o.logger.Warn("Retrying model call",
			zap.String("operation", op),
			zap.Int("attempt", ev.Attempt),
			zap.Duration("delay", ev.Delay),
			zap.Error(ev.Err),
		)
	}
	return opts
}

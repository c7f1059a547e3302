package scouts

import (
	"context"
	"fmt"
	"strings"

	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

const marketPrompt = `Find current market data for: %q.
Specifics needed:
1. Correct Product Name.
2. Current Price (approximate in USD).
3. Key technical specs (brief summary).
4. A link to the official page or a major retailer.
5. Launch date, original MSRP, the newer model that replaced it (if any) and the typical competitor price range.

Return JSON:
{
  "title": string,
  "price": string,
  "specs": { "Source": "Google Search", "Summary": string },
  "productUrl": string,
  "launchDate": string,
  "msrp": string,
  "supersededBy": string,
  "competitorPriceRange": string
}`

// Market resolves the canonical identity and price of a product.
type Market struct {
	deps Deps
}

// NewMarket builds the market scout.
func NewMarket(d Deps) *Market { return &Market{deps: d} }

// Run searches for in.Query. The canonical name is not used because the
// market scout is the one that establishes it.
func (m *Market) Run(ctx context.Context, in Input) Result[*models.MarketData] {
	logger := m.deps.logger("market")
	return guard("market", logger, func() Result[*models.MarketData] {
		query := strings.TrimSpace(in.Query)
		if query == "" {
			return Missing[*models.MarketData](KindEmpty, "empty query")
		}

		resp, err := generate(ctx, m.deps, "market", m.deps.Retry, llm.Request{
			Prompt:   fmt.Sprintf(marketPrompt, query),
			Grounded: true,
		})
		if err != nil {
			if retry.IsRateLimit(err) {
				// identity stays unknown but the caller learns why
				return Result[*models.MarketData]{
					Present: true,
					Payload: &models.MarketData{Title: query, Price: models.PriceUnknown, RateLimited: true},
					Hint:    KindRateLimited,
					Detail:  err.Error(),
				}
			}
			return Failed[*models.MarketData](err)
		}

		md, err := llm.DecodeObject[models.MarketData](resp.Text)
		if err != nil {
			return Failed[*models.MarketData](err)
		}
		md.Title = strings.TrimSpace(md.Title)
		if md.Title == "" {
			return Missing[*models.MarketData](KindEmpty, "no product identified")
		}
		if strings.TrimSpace(md.Price) == "" {
			md.Price = models.PriceUnknown
		}

		if md.ProductURL != "" && !m.deps.linkAlive(ctx, md.ProductURL) {
			logger.Info("Product URL unreachable, using search link")
			md.ProductURL = verifier.SearchFallback(md.Title + " buy")
		}
		return Found(md)
	})
}

// linkAlive checks a URL. Without a verifier nothing counts as alive.
func (d Deps) linkAlive(ctx context.Context, u string) bool {
	if d.Verifier == nil {
		return false
	}
	return d.Verifier.Verify(ctx, u)
}

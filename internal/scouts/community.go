package scouts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/verifier"
)

const communityPrompt = `Search Reddit for discussions/reviews about: %q.

CRITICAL:
1. ONLY use data from actual 'reddit.com' search results.
2. YOU MUST CITE YOUR SOURCES. For every sentiment/comment extracted, include the URL of the thread in the "sources" array.
3. IF NO REDDIT THREADS ARE FOUND, return empty sources and null comments.
4. Estimate the probability (0-100) that the discussion is astroturfed or bot-driven.

Return JSON:
{
  "threadTitle": "Summary of Reddit Consensus",
  "comments": string[],
  "sentimentCount": { "positive": 0, "neutral": 0, "negative": 0 },
  "sources": { "title": string, "url": string }[],
  "botProbability": number,
  "authenticityFlags": string[]
}`

// Community mines discussion threads.
type Community struct {
	deps Deps
}

// NewCommunity builds the community scout.
func NewCommunity(d Deps) *Community { return &Community{deps: d} }

// Run searches discussions about in.Subject().
func (c *Community) Run(ctx context.Context, in Input) Result[*models.CommunityData] {
	logger := c.deps.logger("community")
	return guard("community", logger, func() Result[*models.CommunityData] {
		subject := in.Subject()
		if subject == "" {
			return Missing[*models.CommunityData](KindEmpty, "empty query")
		}

		resp, err := generate(ctx, c.deps, "community", c.deps.Retry, llm.Request{
			Prompt:   fmt.Sprintf(communityPrompt, subject),
			Grounded: true,
		})
		if err != nil {
			return Failed[*models.CommunityData](err)
		}
		data, err := llm.DecodeObject[models.CommunityData](resp.Text)
		if err != nil {
			return Failed[*models.CommunityData](err)
		}

		sources := filterCommunitySources(data.Sources)
		if len(sources) == 0 {
			sources = filterCommunitySources(citationLinks(resp.Citations))
		}
		data.Sources = filterLinks(ctx, c.deps, sources)

		if len(data.Sources) == 0 {
			data.Sources = c.searchThreads(ctx, subject, logger)
		}

		if !data.HasComments() {
			return Missing[*models.CommunityData](KindEmpty, "no discussion found")
		}
		return Found(data)
	})
}

// searchThreads asks the backend for thread links when the model cited none.
func (c *Community) searchThreads(ctx context.Context, subject string, logger *zap.Logger) []models.Link {
	if !c.deps.Backend.Available() {
		return nil
	}
	threads, err := c.deps.Backend.RedditSearch(ctx, subject)
	if err != nil {
		logger.Debug("Thread search failed", zap.Error(err))
		return nil
	}
	links := make([]models.Link, 0, len(threads))
	for _, t := range threads {
		links = append(links, models.Link{Title: t.Title, URL: t.URL})
	}
	return filterLinks(ctx, c.deps, filterCommunitySources(links))
}

// filterCommunitySources keeps thread links and search redirect links.
func filterCommunitySources(in []models.Link) []models.Link {
	var out []models.Link
	for _, l := range in {
		u := strings.ToLower(l.URL)
		if u == "" {
			continue
		}
		if strings.Contains(u, "reddit.com") || strings.Contains(u, "vertexaisearch") || strings.Contains(u, "google.com") {
			out = append(out, l)
		}
	}
	return out
}

func citationLinks(cs []llm.Citation) []models.Link {
	out := make([]models.Link, 0, len(cs))
	for _, c := range cs {
		out = append(out, models.Link{Title: c.Title, URL: c.URL})
	}
	return out
}

// filterLinks keeps the items whose links verify; without a verifier none do.
func filterLinks[T verifier.Linked](ctx context.Context, d Deps, items []T) []T {
	if len(items) == 0 {
		return items
	}
	if d.Verifier == nil {
		return []T{}
	}
	return verifier.FilterValidLinks(ctx, d.Verifier, items)
}

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/models"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
)

// MaxImageBytes is the largest accepted upload.
const MaxImageBytes = 5 << 20

const visualCategory = "visual-scan"

const imagePrompt = `Analyze this image for product details.
1. IDENTIFY the main product shown (brand and model name).
2. If it is a generic or dropshipping product, judge whether it looks like a known scam or low-effort listing.
Return ONLY a JSON object:
{
  "productName": "string",
  "isScamLikely": boolean,
  "scamReason": "string (optional)"
}`

var imageSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"productName":  {Type: genai.TypeString},
		"isScamLikely": {Type: genai.TypeBoolean},
		"scamReason":   {Type: genai.TypeString},
	},
	Required: []string{"productName", "isScamLikely"},
}

// IdentifyImage names the product in an uploaded photo. Results are cached
// by content hash; a prior text analysis of the product is attached when one
// is cached.
func (o *Orchestrator) IdentifyImage(ctx context.Context, data []byte, mimeType string) (*models.ImageIdentification, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.identify_image")
	defer span.End()
	start := o.now()

	if len(data) == 0 {
		return nil, invalidImage("No image file provided")
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, invalidImage("Invalid file type. Only images are allowed.")
	}
	if len(data) > MaxImageBytes {
		return nil, invalidImage("File too large. Max 5MB.")
	}

	sum := sha256.Sum256(data)
	key := cache.VisualKey(hex.EncodeToString(sum[:]))
	if o.cache != nil {
		if id, ok := o.cache.GetIdentification(ctx, key); ok {
			o.logger.Debug("Visual cache hit", zap.String("key", key))
			metrics.RecordAnalysis("visual", ModeStandard.String(), "cache_hit", o.now().Sub(start).Seconds())
			return id, nil
		}
	}
	if o.model == nil {
		return nil, &FatalError{Kind: KindSynthesis, Message: "Visual Analysis Failed", Err: ErrSynthesisFailed}
	}

	resp, err := retry.Do(ctx, func(ctx context.Context) (*llm.Response, error) {
		return o.model.Generate(ctx, llm.Request{
			Operation: "visual",
			Prompt:    imagePrompt,
			Schema:    imageSchema,
			JSON:      true,
			Images:    []llm.Image{{Data: data, MIMEType: mimeType}},
		})
	}, o.retryOptions("visual"))
	var id *models.ImageIdentification
	if err == nil {
		id, err = llm.DecodeObject[models.ImageIdentification](resp.Text)
	}
	if err == nil && strings.TrimSpace(id.ProductName) == "" {
		err = fmt.Errorf("%w: no product name", llm.ErrNoJSON)
	}
	if err == nil {
		if o.cache != nil {
			id.CachedAnalysis, _ = o.cache.GetReport(ctx, id.ProductName)
		}
		o.spawn(ctx, "visual_cache", func(ctx context.Context) error {
			return o.cacheSet(ctx, key, id.ProductName, visualCategory, id, cache.TypeVisual)
		})
		metrics.RecordAnalysis("visual", ModeStandard.String(), "ok", o.now().Sub(start).Seconds())
		return id, nil
	}

	metrics.RecordAnalysis("visual", ModeStandard.String(), "error", o.now().Sub(start).Seconds())
	o.logger.Warn("Visual analysis failed", zap.Error(err))
	if retry.IsRateLimit(err) {
		return nil, &FatalError{
			Kind:        KindRateLimited,
			Message:     "Visual Analysis unavailable (Rate Limit). Please try again later.",
			RateLimited: true,
			Err:         err,
		}
	}
	return nil, &FatalError{Kind: KindSynthesis, Message: "Visual Analysis Failed", Err: fmt.Errorf("%w: %w", ErrSynthesisFailed, err)}
}

func invalidImage(msg string) error {
	return &FatalError{Kind: KindInvalid, Message: msg, Err: ErrInvalidInput}
}

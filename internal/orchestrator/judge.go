package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/db"
	"github.com/snplmntn/skeptek-sub000/internal/models"
)

const dateLayout = "January 2, 2006"

const judgeInstruction = `You are "The Judge", a forensic product analyst for Skeptek.
Your goal is to provide a "Zero Tolerance" verdict on products based on the provided market and community data.

CORE PRINCIPLES:
1. No Hallucinations: if data is missing (no reviews, no community threads), do not make it up. Set confidence low.
2. Fairness: a good deal is quality for the price. Junk is never a good deal, even if free.
3. Chronology: today is %s. Products more than 3 years old with successors are "Legacy".
4. Price Integrity: use the provided market price. Do not invent a different current price. Fair value is MSRP minus depreciation, adjusted for condition and demand.
5. Competitor Check: if the current price is above the competitor price range, it is "Overpriced".

SCORING RULES:
- Baseline: start at 75 (85 in Review Mode).
- Major failures (explosions, dead on arrival, fire hazard): -20.
- Price gouging: -20 if the current price is above 150%% of MSRP, unless it is a rare collector item.
- Too good to be true: if the price is below 30%% of fair market value, flag "HIGH VARIANCE". Warn the user; do not deduct points if the seller is reputable.
- Generic or rebranded product: -10.
- Consistent praise: +10.
- Legacy hardware: -10 only if priced like current generation. Do not penalize components that are standard for their platform (DDR4 for AM4).
- Legacy powerhouse: +15 if specs are flagship tier and the price is below 60%% of the original MSRP.
- Missing forensics: -15 if no independent community or video data was found.

CONSISTENCY RULES:
1. Trust score >= 90 means the recommendation MUST be BUY.
2. Trust score < 60 means the recommendation MUST be AVOID.
3. Trust score > 85 means the recommendation cannot be CONSIDER.

COMMUNITY INSIGHTS (audio and text):
Extract high-impact quotes from the video transcripts and the community threads.
- Prefer quotes from video transcripts. Use thread quotes only when transcripts are missing or thin.
- "timestamp" is only required for video sources.
- "sourceUrl" is mandatory and must be copied from the input context. Never invent URLs. If the community block only has a search link, use that link.

VERDICT STYLE:
- Bad: "The product is good but uses old tech and isn't worth the full price."
- Good: "Solid build but overpriced for 2016 tech. Consider only if under $300."
- Bad: "This is a great laptop for students who need battery life."
- Good: "Perfect student choice: stellar battery life meets lightweight design."

OUTPUT:
Return one strict JSON object matching the provided schema.`

// judgeSystem renders the judge instruction for the given date.
func judgeSystem(today string) string {
	return fmt.Sprintf(judgeInstruction, today)
}

func stringSchema(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc}
}

func enumSchema(values ...string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Enum: values}
}

var judgeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"type":            enumSchema(models.TypeSingle),
		"productName":     stringSchema("Canonical name of the product"),
		"category":        stringSchema("Category e.g. Smartphone, Audio, Kitchen"),
		"score":           {Type: genai.TypeNumber, Description: "Trust Score 0-100"},
		"confidence":      {Type: genai.TypeNumber, Description: "Confidence score 0-100"},
		"isLowConfidence": {Type: genai.TypeBoolean, Description: "True if critical forensic data is missing"},
		"recommendation":  enumSchema(string(models.RecommendBuy), string(models.RecommendConsider), string(models.RecommendAvoid)),
		"verdict":         stringSchema("2 sentence summary verdict"),
		"pros":            {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"cons":            {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"audioInsights": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"quote":     stringSchema("Exact quote from the speaker or user"),
					"timestamp": stringSchema("Timestamp (video only) or 'N/A'"),
					"sentiment": enumSchema("positive", "negative", "neutral"),
					"topic":     {Type: genai.TypeString},
					"sourceUrl": stringSchema("Real URL from the context"),
				},
				Required: []string{"quote", "sentiment", "topic", "sourceUrl"},
			},
		},
		"priceAnalysis": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"currentPrice": {Type: genai.TypeNumber},
				"fairValueMin": {Type: genai.TypeNumber},
				"fairValueMax": {Type: genai.TypeNumber},
				"isFair":       {Type: genai.TypeBoolean},
				"sourceUrl":    {Type: genai.TypeString},
			},
			Required: []string{"currentPrice", "fairValueMin", "fairValueMax", "isFair"},
		},
	},
	Required: []string{
		"type", "productName", "category", "score", "confidence",
		"isLowConfidence", "recommendation", "verdict", "pros", "cons",
		"audioInsights", "priceAnalysis",
	},
}

// judgeInput is everything the synthesis step sees.
type judgeInput struct {
	Canonical    string
	Market       *models.MarketData
	Community    *models.CommunityData
	Videos       []models.Video
	Review       *models.ReviewData
	FieldReports []db.FieldReport
	Verification bool
	// Sparse is set when no independent evidence category was found.
	Sparse bool
	Today  string
}

// buildJudgeContext renders the user turn of the synthesis call.
func buildJudgeContext(in judgeInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PRODUCT QUERY: %q\n\n", in.Canonical)

	b.WriteString("[Market Data]\n")
	b.WriteString(jsonOr(in.Market, "No market data found"))
	b.WriteString("\nDETECTED_NUMERIC_PRICE (Use this for 'currentPrice'): ")
	if p := models.ParsePrice(marketPrice(in.Market)); p > 0 {
		fmt.Fprintf(&b, "%g\n\n", p)
	} else {
		b.WriteString("Unknown\n\n")
	}

	if in.Verification {
		b.WriteString("[Review Mode Active: External Research Skipped]\n\n")
	} else {
		b.WriteString("[Reddit/Community Feed]\n")
		b.WriteString(jsonOr(in.Community, "No community data found"))
		b.WriteString("\n\n[Video Reviews]\n")
		b.WriteString(jsonOr(in.Videos, "No video reviews found"))
		b.WriteString("\n\n[Professional Review Data]\n")
		b.WriteString(jsonOr(in.Review, "No professional review found"))
		b.WriteString("\n\n")
	}

	b.WriteString("[Community Reviews (INTERNAL - HIGH TRUST)]\n")
	reports := in.FieldReports
	if reports == nil {
		reports = []db.FieldReport{}
	}
	b.WriteString(jsonOr(reports, "[]"))
	b.WriteString("\n\n")

	if in.Sparse {
		b.WriteString("[EVIDENCE GAP]\nNo independent community, video or professional review evidence was found. " +
			"Set isLowConfidence to true and keep confidence below 70.\n\n")
	}

	var bot float64
	if in.Community != nil {
		bot = in.Community.BotProbability
	}
	b.WriteString("[CONTEXTUAL METADATA]\n")
	fmt.Fprintf(&b, "- Current Date: %s\n", in.Today)
	fmt.Fprintf(&b, "- Reddit Bot Prob: %g%%\n", bot)
	fmt.Fprintf(&b, "- Internal Reports: %d\n", len(in.FieldReports))
	fmt.Fprintf(&b, "- Review Mode: %t\n", in.Verification)
	return b.String()
}

func marketPrice(m *models.MarketData) string {
	if m == nil {
		return ""
	}
	return m.Price
}

// jsonOr marshals v, or returns fallback for nil and empty values.
func jsonOr(v any, fallback string) string {
	switch t := v.(type) {
	case *models.MarketData:
		if t == nil {
			return fallback
		}
	case *models.CommunityData:
		if t == nil {
			return fallback
		}
	case *models.ReviewData:
		if t == nil {
			return fallback
		}
	case []models.Video:
		if len(t) == 0 {
			return fallback
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}

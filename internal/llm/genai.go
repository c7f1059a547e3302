package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/circuitbreaker"
	"github.com/snplmntn/skeptek-sub000/internal/config"
	"github.com/snplmntn/skeptek-sub000/internal/metrics"
	"github.com/snplmntn/skeptek-sub000/internal/retry"
	"github.com/snplmntn/skeptek-sub000/internal/tracing"
)

// GenAI is a Client backed by the Gemini API.
type GenAI struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGenAI creates a Gemini client.
func NewGenAI(ctx context.Context, cfg config.ModelConfig, logger *zap.Logger) (*GenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logger = logger.With(zap.String("component", "llm"), zap.String("model", cfg.Model))

	// Rate limits are handled by retry; only outages should trip the breaker.
	cbCfg := circuitbreaker.ModelSettings().ToConfig()
	cbCfg.IsFailure = func(err error) bool {
		if code, ok := retry.StatusOf(err); ok {
			return code >= 500
		}
		return !errors.Is(err, context.Canceled)
	}
	cb := circuitbreaker.NewCircuitBreaker("model", cbCfg, logger)
	circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker("model", "gemini", cb)

	return &GenAI{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.RequestTimeout,
		cb:      cb,
		logger:  logger,
	}, nil
}

// Generate runs one GenerateContent call.
func (g *GenAI) Generate(ctx context.Context, req Request) (*Response, error) {
	op := req.Operation
	if op == "" {
		op = "generate"
	}
	ctx, span := tracing.StartSpan(ctx, "llm."+op)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	var resp *genai.GenerateContentResponse
	err := g.cb.Execute(ctx, func() error {
		var callErr error
		resp, callErr = g.client.Models.GenerateContent(ctx, g.model, buildContents(req), buildConfig(req))
		return convertError(callErr)
	})

	status := "ok"
	if err != nil {
		status = "error"
		if IsRateLimited(err) {
			status = "rate_limited"
		}
		metrics.RecordModel(op, status, time.Since(start).Seconds())
		span.RecordError(err)
		return nil, err
	}

	out := &Response{Text: strings.TrimSpace(resp.Text()), Citations: citations(resp)}
	if out.Text == "" {
		metrics.RecordModel(op, "empty", time.Since(start).Seconds())
		return nil, ErrEmptyResponse
	}
	metrics.RecordModel(op, status, time.Since(start).Seconds())
	g.logger.Debug("Model call completed",
		zap.String("operation", op),
		zap.Duration("duration", time.Since(start)),
		zap.Int("citations", len(out.Citations)),
	)
	return out, nil
}

func buildContents(req Request) []*genai.Content {
	parts := make([]*genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img.Data, img.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
}

func buildConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Grounded {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
		return cfg
	}
	if req.JSON || req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	return cfg
}

func citations(resp *genai.GenerateContentResponse) []Citation {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var out []Citation
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		out = append(out, Citation{Title: chunk.Web.Title, URL: chunk.Web.URI})
	}
	return out
}

// convertError maps SDK errors onto *Error so status-based retry works.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Status
		}
		return &Error{Status: apiErr.Code, Message: msg}
	}
	return err
}

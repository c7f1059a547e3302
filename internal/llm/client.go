// Package llm is the narrow contract to the generative model.
package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// Image is inline image input.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is one generation call.
type Request struct {
	// Operation labels metrics and logs, e.g. "market_scout" or "judge".
	Operation string
	System    string
	Prompt    string
	// Schema constrains JSON output. Ignored for grounded calls.
	Schema *genai.Schema
	// Grounded enables the Google Search tool.
	Grounded bool
	// JSON requests application/json output. Ignored for grounded calls;
	// their callers extract JSON from the text.
	JSON   bool
	Images []Image
}

// Citation is a grounding source reported by the model.
type Citation struct {
	Title string
	URL   string
}

// Response is the model output.
type Response struct {
	Text      string
	Citations []Citation
}

// Client generates content.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Error is a model API failure with an HTTP-like status.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("model error %d: %s", e.Status, e.Message)
}

// StatusCode lets retry classify the failure.
func (e *Error) StatusCode() int { return e.Status }

// IsRateLimited reports a quota or rate-limit failure anywhere in err.
func IsRateLimited(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.Status == 429
}

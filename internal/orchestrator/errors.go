package orchestrator

import (
	"errors"
	"strings"
)

var (
	// ErrIdentityNotFound means the market scout could not establish what the product is.
	ErrIdentityNotFound = errors.New("product identity not resolved")
	// ErrSynthesisFailed means the verdict could not be generated or parsed.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrComparisonFailed means a comparison could not be completed.
	ErrComparisonFailed = errors.New("comparison failed")
	// ErrInvalidInput rejects queries and uploads before any work starts.
	ErrInvalidInput = errors.New("invalid input")
)

// ErrorKind classifies a fatal outcome.
type ErrorKind string

const (
	KindIdentity    ErrorKind = "identity"
	KindRateLimited ErrorKind = "rate_limited"
	KindBotBlocked  ErrorKind = "bot_blocked"
	KindSynthesis   ErrorKind = "synthesis"
	KindComparison  ErrorKind = "comparison"
	KindInvalid     ErrorKind = "invalid_input"
)

// FatalError ends a session. Message is shown to the user verbatim and
// Status is the final status line.
type FatalError struct {
	Kind        ErrorKind
	Message     string
	Status      string
	RateLimited bool
	BotBlocked  bool
	Err         error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// ErrorPayload is the structured error delivered on the result channel.
type ErrorPayload struct {
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Kind        ErrorKind `json:"kind"`
	RateLimited bool      `json:"isRateLimited,omitempty"`
	BotBlocked  bool      `json:"isBotBlocked,omitempty"`
	Technical   bool      `json:"isTechnical"`
}

// Friendly is a user-facing rendering of an error.
type Friendly struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Technical bool   `json:"isTechnical"`
}

var friendlyRules = []struct {
	needles  []string
	friendly Friendly
}{
	{[]string{"googlegenerativeai"}, Friendly{
		"AI Service Busy",
		"The AI analysis service is currently experiencing high traffic or is unavailable. Please try again in a moment.",
		true,
	}},
	{[]string{"403", "forbidden", "api key"}, Friendly{
		"Service Unavailable",
		"The analysis system is currently offline. Please try again later.",
		true,
	}},
	{[]string{"429", "quota", "rate limit", "resource exhausted"}, Friendly{
		"High Demand",
		"We're experiencing a surge in searches right now. Please wait a moment and try again.",
		true,
	}},
	{[]string{"network", "fetch", "connection", "upstream"}, Friendly{
		"Connection Lost",
		"Please check your internet connection and try again.",
		true,
	}},
	{[]string{"safety", "policy", "blocked", "harmful"}, Friendly{
		"Analysis Skipped",
		"We couldn't process this image due to safety guidelines. Please try a different product image.",
		false,
	}},
	{[]string{"no data", "insufficient"}, Friendly{
		"No Clear Results",
		"We couldn't find enough verifiable reviews for this specific product to form a safe verdict.",
		false,
	}},
}

var fallbackFriendly = Friendly{
	Title:     "Something Went Wrong",
	Message:   "An unexpected error occurred. Please try again.",
	Technical: true,
}

// FriendlyError maps any error onto a title and message safe to show a user.
func FriendlyError(err error) Friendly {
	if err == nil {
		return fallbackFriendly
	}
	var fe *FatalError
	if errors.As(err, &fe) && fe.BotBlocked {
		return Friendly{Title: "Access Denied", Message: fe.Message}
	}
	msg := strings.ToLower(err.Error())
	for _, r := range friendlyRules {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.friendly
			}
		}
	}
	return fallbackFriendly
}

// PayloadFor converts an error into its result payload. The message of
// a FatalError is kept; other errors get the friendly message.
func PayloadFor(err error) *ErrorPayload {
	f := FriendlyError(err)
	p := &ErrorPayload{Title: f.Title, Message: f.Message, Technical: f.Technical, Kind: KindSynthesis}
	var fe *FatalError
	if errors.As(err, &fe) {
		p.Message = fe.Message
		p.Kind = fe.Kind
		p.RateLimited = fe.RateLimited
		p.BotBlocked = fe.BotBlocked
	}
	return p
}

// finalStatus is the last status line for a failed session.
func finalStatus(err error) string {
	var fe *FatalError
	if errors.As(err, &fe) && fe.Status != "" {
		return fe.Status
	}
	return "System Error"
}

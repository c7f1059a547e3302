package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/snplmntn/skeptek-sub000/internal/retry"
)

func TestExtractObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"prose", `Here you go: {"a": {"b": 2}} hope it helps`, `{"a": {"b": 2}}`, true},
		{"fenced", "```json\n{\"a\": \"}\"}\n```", `{"a": "}"}`, true},
		{"brace in string", `{"q": "use { and } freely", "n": 1}`, `{"q": "use { and } freely", "n": 1}`, true},
		{"invalid then valid", `{not json} then {"ok": true}`, `{"ok": true}`, true},
		{"none", `no json here`, "", false},
		{"unterminated", `{"a": 1`, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExtractArray(t *testing.T) {
	got, ok := ExtractArray("Videos:\n[{\"id\": \"dQw4w9WgXcQ\", \"title\": \"Review [2024]\"}]\nDone.")
	require.True(t, ok)
	assert.Equal(t, `[{"id": "dQw4w9WgXcQ", "title": "Review [2024]"}]`, got)
}

func TestDecodeHelpers(t *testing.T) {
	type item struct {
		ID string `json:"id"`
	}
	items, err := DecodeArray[item](`[{"id":"a"},{"id":"b"}]`)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = DecodeObject[item]("nothing")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestConvertError(t *testing.T) {
	err := convertError(fmt.Errorf("call: %w", genai.APIError{Code: 429, Message: "Resource has been exhausted", Status: "RESOURCE_EXHAUSTED"}))
	var me *Error
	require.True(t, errors.As(err, &me))
	assert.Equal(t, 429, me.StatusCode())
	assert.True(t, IsRateLimited(err))
	assert.True(t, retry.IsRetryable(err, nil), "rate limits must be retried")

	plain := errors.New("dial tcp: refused")
	assert.Same(t, plain, convertError(plain))
	assert.NoError(t, convertError(nil))
}

func TestBuildConfig(t *testing.T) {
	schema := &genai.Schema{Type: genai.TypeObject}

	cfg := buildConfig(Request{System: "be terse", Schema: schema})
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	assert.Same(t, schema, cfg.ResponseSchema)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.Tools)

	cfg = buildConfig(Request{Grounded: true, JSON: true, Schema: schema})
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)
	assert.Empty(t, cfg.ResponseMIMEType, "search grounding cannot be combined with JSON mode")
	assert.Nil(t, cfg.ResponseSchema)
}

func TestBuildContentsPutsImagesFirst(t *testing.T) {
	contents := buildContents(Request{Prompt: "what is this", Images: []Image{{Data: []byte{1, 2}, MIMEType: "image/png"}}})
	require.Len(t, contents, 1)
	require.Len(t, contents[0].Parts, 2)
	assert.NotNil(t, contents[0].Parts[0].InlineData)
	assert.Equal(t, "what is this", contents[0].Parts[1].Text)
}

func TestCitations(t *testing.T) {
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
			{Web: &genai.GroundingChunkWeb{URI: "https://www.rtings.com/x", Title: "rtings.com"}},
			{Web: &genai.GroundingChunkWeb{}},
			nil,
		}},
	}}}
	assert.Equal(t, []Citation{{Title: "rtings.com", URL: "https://www.rtings.com/x"}}, citations(resp))
	assert.Nil(t, citations(&genai.GenerateContentResponse{}))
}

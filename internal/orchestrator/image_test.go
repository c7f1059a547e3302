package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snplmntn/skeptek-sub000/internal/cache"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake image body")

func TestIdentifyImageValidation(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		mime    string
		message string
	}{
		{"empty upload", nil, "image/png", "No image file provided"},
		{"not an image", []byte("%PDF-1.7"), "application/pdf", "Invalid file type. Only images are allowed."},
		{"too large", bytes.Repeat([]byte{1}, MaxImageBytes+1), "image/jpeg", "File too large. Max 5MB."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.build(t, Options{})

			_, err := o.IdentifyImage(context.Background(), tt.data, tt.mime)

			var fe *FatalError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, KindInvalid, fe.Kind)
			assert.Equal(t, tt.message, fe.Message)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, h.model.calls("visual"))
		})
	}
}

func TestIdentifyImageCachesByContent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	prior := &models.Report{Type: models.TypeSingle, ProductName: "Google Pixel 9", Score: 83}
	require.NoError(t, h.cache.Set(ctx, "Google Pixel 9", prior.ProductName, "Smartphone", prior, cache.TypeText))
	h.model.text("visual", `{"productName": "Google Pixel 9", "isScamLikely": false}`)
	o := h.build(t, Options{})

	id, err := o.IdentifyImage(ctx, pngBytes, "image/png")
	require.NoError(t, err)
	o.Wait()

	assert.Equal(t, "Google Pixel 9", id.ProductName)
	require.NotNil(t, id.CachedAnalysis)
	assert.Equal(t, 83.0, id.CachedAnalysis.Score)

	req := h.model.last("visual")
	require.Len(t, req.Images, 1)
	assert.Equal(t, "image/png", req.Images[0].MIMEType)
	assert.True(t, req.JSON)

	again, err := o.IdentifyImage(ctx, pngBytes, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "Google Pixel 9", again.ProductName)
	assert.Equal(t, 1, h.model.calls("visual"))
}

func TestIdentifyImageFailures(t *testing.T) {
	tests := []struct {
		name    string
		reply   func(llm.Request) (*llm.Response, error)
		kind    ErrorKind
		message string
	}{
		{
			name:    "rate limited",
			reply:   func(llm.Request) (*llm.Response, error) { return nil, &llm.Error{Status: 429, Message: "quota exceeded"} },
			kind:    KindRateLimited,
			message: "Visual Analysis unavailable (Rate Limit). Please try again later.",
		},
		{
			name:    "no product named",
			reply:   func(llm.Request) (*llm.Response, error) { return &llm.Response{Text: `{"productName": "  ", "isScamLikely": false}`}, nil },
			kind:    KindSynthesis,
			message: "Visual Analysis Failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.model.on("visual", tt.reply)
			o := h.build(t, Options{})

			id, err := o.IdentifyImage(context.Background(), pngBytes, "image/webp")

			assert.Nil(t, id)
			var fe *FatalError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.kind, fe.Kind)
			assert.Equal(t, tt.message, fe.Message)
			assert.Zero(t, h.store.size())
		})
	}
}

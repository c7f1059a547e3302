package scouts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/snplmntn/skeptek-sub000/internal/backend"
	"github.com/snplmntn/skeptek-sub000/internal/llm"
	"github.com/snplmntn/skeptek-sub000/internal/models"
)

const videoPrompt = `Find grounded video reviews for: %q on YouTube.

STRICT GROUNDING RULES:
1. Use Search Results: You must ONLY use data that appears in the Google Search results.
2. Extract Real IDs: multiple search results might be YouTube videos.
   - Look for "youtube.com/watch?v=..."
   - Look for "youtu.be/..."
   - Look for Google redirects (vertexaisearch...)
3. No Invention: If you cannot find a link in the results, DO NOT invent one.

Format:
[
  {
    "id": "11_CHAR_ID",
    "title": "Exact Title from Search Result",
    "url": "Original URL found"
  }
]`

const maxTranscriptRunes = 4000

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// placeholderIDs are fragments of IDs models invent when they find nothing.
var placeholderIDs = []string{
	"vid_", "actual_id", "11_char", "real_11", "youtube_id", "video_id",
	"insert_id", "example", "12345678901", "1234567890",
}

// Video finds video reviews and their transcripts.
type Video struct {
	deps        Deps
	transcripts int
}

// NewVideo builds the video scout. Transcripts are attached to the first
// transcripts verified videos.
func NewVideo(d Deps, transcripts int) *Video {
	if transcripts < 0 {
		transcripts = 0
	}
	return &Video{deps: d, transcripts: transcripts}
}

// Run searches video reviews about in.Subject().
func (v *Video) Run(ctx context.Context, in Input) Result[[]models.Video] {
	logger := v.deps.logger("video")
	return guard("video", logger, func() Result[[]models.Video] {
		subject := in.Subject()
		if subject == "" {
			return Missing[[]models.Video](KindEmpty, "empty query")
		}

		resp, err := generate(ctx, v.deps, "video", v.deps.Retry, llm.Request{
			Prompt:   fmt.Sprintf(videoPrompt, subject),
			Grounded: true,
		})
		if err != nil {
			return Failed[[]models.Video](err)
		}
		raw, err := llm.DecodeArray[models.Video](resp.Text)
		if err != nil {
			if errors.Is(err, llm.ErrNoJSON) {
				return Missing[[]models.Video](KindEmpty, "no videos listed")
			}
			return Failed[[]models.Video](err)
		}

		candidates := ValidateVideos(raw, subject)
		videos := filterLinks(ctx, v.deps, candidates)
		logger.Debug("Videos validated",
			zap.Int("listed", len(raw)),
			zap.Int("well_formed", len(candidates)),
			zap.Int("verified", len(videos)),
		)
		if len(videos) == 0 {
			return Missing[[]models.Video](KindEmpty, "no verified videos")
		}

		v.attachTranscripts(ctx, videos, logger)
		return Found(videos)
	})
}

// ValidateVideos drops malformed, placeholder, duplicate and off-topic
// entries. Kept videos get canonical URLs and thumbnails.
func ValidateVideos(raw []models.Video, subject string) []models.Video {
	keywords := keywordsOf(subject)
	seen := make(map[string]bool)
	var out []models.Video
	for _, vid := range raw {
		id := strings.TrimSpace(vid.ID)
		if !videoIDPattern.MatchString(id) {
			id = videoIDFromURL(vid.URL)
		}
		if !videoIDPattern.MatchString(id) || isPlaceholderID(id) || seen[id] {
			continue
		}
		if !mentionsAny(vid.Title, keywords) {
			continue
		}
		seen[id] = true
		vid.ID = id
		vid.URL = "https://www.youtube.com/watch?v=" + id
		if vid.Thumbnail == "" {
			vid.Thumbnail = "https://i.ytimg.com/vi/" + id + "/hqdefault.jpg"
		}
		out = append(out, vid)
	}
	return out
}

func (v *Video) attachTranscripts(ctx context.Context, videos []models.Video, logger *zap.Logger) {
	n := min(v.transcripts, len(videos))
	if n == 0 || !v.deps.Backend.Available() {
		return
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			segs, err := v.deps.Backend.Transcript(ctx, videos[i].ID)
			if err != nil {
				logger.Debug("Transcript unavailable", zap.String("video_id", videos[i].ID), zap.Error(err))
				return nil
			}
			videos[i].Transcript = backend.JoinTranscript(segs, maxTranscriptRunes)
			if len(segs) > 0 && videos[i].Moment == "" {
				videos[i].Moment = formatMoment(segs[0].Start)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func isPlaceholderID(id string) bool {
	lower := strings.ToLower(id)
	for _, p := range placeholderIDs {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func videoIDFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	switch {
	case host == "youtu.be":
		return strings.Trim(u.Path, "/")
	case host == "youtube.com" || strings.HasSuffix(host, ".youtube.com"):
		if id := u.Query().Get("v"); id != "" {
			return id
		}
		if rest, ok := strings.CutPrefix(u.Path, "/shorts/"); ok {
			return strings.Trim(rest, "/")
		}
	}
	return ""
}

func keywordsOf(subject string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(subject)) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

func mentionsAny(title string, keywords []string) bool {
	lower := strings.ToLower(title)
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func formatMoment(seconds float64) string {
	s := int(seconds)
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/search"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

// ErrNoSegments means nothing usable survived validation. The topic or
// reply is abandoned, not retried.
var ErrNoSegments = errors.New("no valid segments generated")

// Searcher is the optional research collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) []search.Result
}

// WriterConfig bounds generated text.
type WriterConfig struct {
	MaxLen        int
	SearchResults int
	// SearchTimeout caps research so generation keeps the rest of the
	// caller's deadline. Defaults to 10s.
	SearchTimeout time.Duration
}

// ThreadWriter turns a topic into an ordered list of post-sized segments.
type ThreadWriter struct {
	gen    Generator
	search Searcher // nil disables research enrichment
	cfg    WriterConfig
	log    *zap.Logger
}

func NewThreadWriter(gen Generator, searcher Searcher, cfg WriterConfig, log *zap.Logger) *ThreadWriter {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 10 * time.Second
	}
	return &ThreadWriter{gen: gen, search: searcher, cfg: cfg, log: logging.Named(log, "writer")}
}

// Generate returns the segments for topic, in order. Over-length segments
// are dropped, never truncated.
func (w *ThreadWriter) Generate(ctx context.Context, topic, source string) ([]string, error) {
	var research []search.Result
	researched := w.search != nil
	if researched {
		searchCtx, cancel := context.WithTimeout(ctx, w.cfg.SearchTimeout)
		research = w.search.Search(searchCtx, topic, w.cfg.SearchResults)
		cancel()
	}

	text, err := w.gen.Generate(ctx, threadPrompt(topic, source, researched, research, w.cfg.MaxLen))
	if err != nil {
		return nil, fmt.Errorf("generate thread for %q: %w", topic, err)
	}

	segments := SplitSegments(text)
	kept, dropped := FilterLength(segments, w.cfg.MaxLen)
	if dropped > 0 {
		w.log.Warn("dropped over-length segments",
			zap.String("topic", topic),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(kept)),
			zap.Int("max_len", w.cfg.MaxLen),
		)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("topic %q: %w", topic, ErrNoSegments)
	}
	return kept, nil
}

// Reply produces a single reply segment for a notification.
func (w *ThreadWriter) Reply(ctx context.Context, n social.Notification) (string, error) {
	text, err := w.gen.Generate(ctx, replyPrompt(n.Text, n.AuthorHandle, w.cfg.MaxLen))
	if err != nil {
		return "", fmt.Errorf("generate reply to %s: %w", n.ID, err)
	}

	kept, dropped := FilterLength([]string{CleanSegment(text)}, w.cfg.MaxLen)
	if dropped > 0 {
		w.log.Warn("dropped over-length reply", zap.String("notification_id", n.ID))
	}
	if len(kept) == 0 {
		return "", fmt.Errorf("reply to %s: %w", n.ID, ErrNoSegments)
	}
	return kept[0], nil
}

// SplitSegments splits on the sentinel, cleans each piece and drops empty
// ones.
func SplitSegments(text string) []string {
	var out []string
	for _, s := range strings.Split(text, SegmentSentinel) {
		if s = CleanSegment(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var markdownArtifacts = regexp.MustCompile(`\*\*|\[|\]|\(\)|\{\}|#`)

// CleanSegment strips markdown artifacts the model tends to emit.
func CleanSegment(s string) string {
	return strings.TrimSpace(markdownArtifacts.ReplaceAllString(s, ""))
}

// FilterLength keeps segments of at most maxLen characters.
func FilterLength(segments []string, maxLen int) (kept []string, dropped int) {
	for _, s := range segments {
		if s == "" {
			continue
		}
		if utf8.RuneCountInString(s) > maxLen {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	return kept, dropped
}

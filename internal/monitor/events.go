// Package monitor runs the polling loops: the inbox loop that turns
// newsletters into threads, the mention loop that answers mentions and
// direct messages, and the outbox loop that forwards journal events.
package monitor

import (
	"context"
	"time"

	"github.com/Martian-dev/newsletter-threader/internal/llm"
	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/social"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

// Journal event types.
const (
	EventItemClassified  = "item.classified"
	EventThreadPublished = "thread.published"
	EventThreadFailed    = "thread.failed"
	EventReplyPublished  = "reply.published"
)

// EventSink records pipeline milestones. Failures are logged, never fatal.
type EventSink interface {
	Record(ctx context.Context, eventType, itemID string, data any) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, string, string, any) error { return nil }

// Sessions is the slice of the session manager the loops use.
type Sessions interface {
	EnsureAuthenticated(ctx context.Context) error
	Client(ctx context.Context) (social.Client, error)
	Invalidate(reason error)
}

type Classifier interface {
	Classify(ctx context.Context, item *mail.Item) (llm.Classification, error)
}

type TopicWriter interface {
	Generate(ctx context.Context, topic, source string) ([]string, error)
}

type ReplyWriter interface {
	Reply(ctx context.Context, n social.Notification) (string, error)
}

type ThreadPublisher interface {
	Publish(ctx context.Context, segments []string, opts thread.Options) (thread.Result, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

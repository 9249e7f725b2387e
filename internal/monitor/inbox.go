package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/llm"
	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/session"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

type InboxConfig struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	TopicPause   time.Duration
	CallTimeout  time.Duration
	// GenerateTimeout bounds one topic's research and generation.
	GenerateTimeout time.Duration
}

// InboxDeps are the collaborators of the inbox loop.
type InboxDeps struct {
	Mail       mail.Provider
	Sessions   Sessions
	Watermark  dedup.Watermark
	Ledger     *dedup.Ledger
	Classifier Classifier
	Writer     TopicWriter
	Publisher  ThreadPublisher
	Sink       EventSink
}

// InboxMonitor polls unread mail and threads every newsletter topic.
type InboxMonitor struct {
	deps    InboxDeps
	fetcher *mail.Fetcher
	cfg     InboxConfig
	log     *zap.Logger

	// Sleep is replaceable in tests.
	Sleep SleepFunc
}

func NewInboxMonitor(deps InboxDeps, cfg InboxConfig, log *zap.Logger) *InboxMonitor {
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Ledger == nil {
		deps.Ledger = dedup.NewLedger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 2 * time.Minute
	}
	return &InboxMonitor{
		deps:    deps,
		fetcher: &mail.Fetcher{Provider: deps.Mail},
		cfg:     cfg,
		log:     logging.Named(log, "inbox"),
		Sleep:   thread.SleepContext,
	}
}

// Run polls until ctx is cancelled. Cycle errors back off and retry.
func (m *InboxMonitor) Run(ctx context.Context) error {
	m.log.Info("inbox monitor started", zap.Time("watermark", m.deps.Watermark.At()))
	defer m.log.Info("inbox monitor stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := m.cfg.PollInterval
		if err := m.PollOnce(ctx); err != nil {
			var authErr *session.AuthError
			if errors.As(err, &authErr) {
				m.log.Warn("paused pending re-authentication", zap.Error(err), zap.Duration("backoff", m.cfg.ErrorBackoff))
			} else {
				m.log.Error("poll cycle failed", zap.Error(err), zap.Duration("backoff", m.cfg.ErrorBackoff))
			}
			wait = m.cfg.ErrorBackoff
		}

		if err := m.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// PollOnce runs one cycle. Per-item failures are logged and do not fail
// the cycle. Item processing already started is finished even when ctx is
// cancelled; no new item is started after that.
func (m *InboxMonitor) PollOnce(ctx context.Context) error {
	if err := m.deps.Sessions.EnsureAuthenticated(ctx); err != nil {
		return err
	}

	listCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	ids, err := m.deps.Mail.ListUnread(listCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}
	m.log.Debug("polled inbox", zap.Int("unread", len(ids)))

	work := context.WithoutCancel(ctx)
	for _, id := range ids {
		if ctx.Err() != nil {
			return nil
		}
		m.handle(ctx, work, id)
	}
	return nil
}

func (m *InboxMonitor) handle(ctx, work context.Context, id string) {
	log := m.log.With(zap.String("item_id", id))

	// Processed items stay unread; skip them before fetching again.
	if m.deps.Ledger.Seen(id) {
		return
	}

	fetchCtx, cancel := context.WithTimeout(work, m.cfg.CallTimeout)
	item, err := m.fetcher.Fetch(fetchCtx, id)
	cancel()
	if err != nil {
		log.Warn("skipping item", zap.Error(err))
		return
	}

	if !m.deps.Watermark.IsNew(item.ReceivedAt) {
		m.markRead(work, log, id)
		return
	}

	if !m.deps.Ledger.MarkIfUnseen(id) {
		return
	}

	log = log.With(zap.String("subject", item.Subject))
	log.Info("new item")

	classifyCtx, cancel := context.WithTimeout(work, m.cfg.CallTimeout)
	verdict, err := m.deps.Classifier.Classify(classifyCtx, item)
	cancel()
	if err != nil {
		log.Error("classification failed", zap.Error(err))
		return
	}
	m.record(work, log, EventItemClassified, id, map[string]any{
		"kind":    verdict.Kind.String(),
		"topics":  verdict.Topics,
		"reason":  verdict.Reason,
		"subject": item.Subject,
		"sender":  item.Sender,
	})

	switch verdict.Kind {
	case llm.Unparseable:
		log.Warn("classifier output unparseable", zap.String("raw", verdict.Raw))
		return
	case llm.NotNewsletter:
		log.Info("not a newsletter", zap.String("reason", verdict.Reason))
		return
	}

	log.Info("newsletter", zap.Strings("topics", verdict.Topics))
	for i, topic := range verdict.Topics {
		if i > 0 {
			if err := m.Sleep(ctx, m.cfg.TopicPause); err != nil {
				log.Info("stopping before remaining topics", zap.Int("remaining", len(verdict.Topics)-i))
				return
			}
		}
		m.publishTopic(ctx, work, log, item, topic)
	}
}

// publishTopic generates on work so a started generation completes, and
// publishes on ctx so shutdown interrupts the pacing between segments.
func (m *InboxMonitor) publishTopic(ctx, work context.Context, log *zap.Logger, item *mail.Item, topic string) {
	log = log.With(zap.String("topic", topic))

	genCtx, cancel := context.WithTimeout(work, m.cfg.GenerateTimeout)
	segments, err := m.deps.Writer.Generate(genCtx, topic, item.Body)
	cancel()
	if err != nil {
		log.Warn("topic abandoned", zap.Error(err))
		return
	}

	res, err := m.deps.Publisher.Publish(ctx, segments, thread.Options{})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("thread interrupted by shutdown", zap.Int("published", len(res.Posts)), zap.Int("segments", len(segments)))
		} else {
			log.Error("thread failed", zap.Int("published", len(res.Posts)), zap.Int("segments", len(segments)), zap.Error(err))
		}
		m.record(work, log, EventThreadFailed, item.ID, map[string]any{
			"topic":    topic,
			"posts":    res.Posts,
			"segments": len(segments),
			"error":    err.Error(),
		})
		return
	}

	log.Info("thread published", zap.Int("posts", len(res.Posts)), zap.Int("skipped", len(res.Skipped)), zap.Int("repaired", len(res.Repaired)))
	m.record(work, log, EventThreadPublished, item.ID, map[string]any{
		"topic":    topic,
		"posts":    res.Posts,
		"skipped":  res.Skipped,
		"repaired": res.Repaired,
	})
}

func (m *InboxMonitor) markRead(ctx context.Context, log *zap.Logger, id string) {
	markCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := m.deps.Mail.MarkRead(markCtx, id); err != nil {
		log.Warn("mark read failed", zap.Error(err))
		return
	}
	log.Debug("old item marked read")
}

func (m *InboxMonitor) record(ctx context.Context, log *zap.Logger, eventType, itemID string, data any) {
	if err := m.deps.Sink.Record(ctx, eventType, itemID, data); err != nil {
		log.Warn("journal write failed", zap.String("event", eventType), zap.Error(err))
	}
}

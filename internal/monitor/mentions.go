package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/session"
	"github.com/Martian-dev/newsletter-threader/internal/social"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

type MentionConfig struct {
	Interval      time.Duration
	ErrorBackoff  time.Duration
	Kinds         []social.NotificationKind
	FollowersOnly bool
	ReplyMinDelay time.Duration
	ReplyMaxDelay time.Duration
	CallTimeout   time.Duration
}

// MentionDeps are the collaborators of the mention loop.
type MentionDeps struct {
	Sessions  Sessions
	Watermark dedup.Watermark
	Ledger    *dedup.Ledger
	Replies   ReplyWriter
	Publisher ThreadPublisher
	Sink      EventSink
}

// MentionMonitor answers new mentions and direct messages.
type MentionMonitor struct {
	deps MentionDeps
	cfg  MentionConfig
	log  *zap.Logger

	Sleep SleepFunc
}

func NewMentionMonitor(deps MentionDeps, cfg MentionConfig, log *zap.Logger) *MentionMonitor {
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Ledger == nil {
		deps.Ledger = dedup.NewLedger()
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = []social.NotificationKind{social.KindMentions}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &MentionMonitor{
		deps:  deps,
		cfg:   cfg,
		log:   logging.Named(log, "mentions"),
		Sleep: thread.SleepContext,
	}
}

// LedgerKey namespaces notification ids so they cannot collide with mail
// ids in a shared ledger.
func LedgerKey(n social.Notification) string {
	return string(n.Kind) + ":" + n.ID
}

func (m *MentionMonitor) Run(ctx context.Context) error {
	m.log.Info("mention monitor started", zap.Time("watermark", m.deps.Watermark.At()), zap.Any("kinds", m.cfg.Kinds))
	defer m.log.Info("mention monitor stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		wait := m.cfg.Interval
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

// PollOnce reads every configured feed and answers what is new. A failing
// feed does not stop the others; its error is returned at the end.
func (m *MentionMonitor) PollOnce(ctx context.Context) error {
	client, err := m.deps.Sessions.Client(ctx)
	if err != nil {
		return err
	}

	var followers map[social.UserID]struct{}
	if m.cfg.FollowersOnly {
		followers, err = m.followers(ctx, client)
		if err != nil {
			return err
		}
	}

	work := context.WithoutCancel(ctx)
	var errs []error
	for _, kind := range m.cfg.Kinds {
		if ctx.Err() != nil {
			return nil
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		notes, err := client.Notifications(callCtx, kind)
		cancel()
		if err != nil {
			if errors.Is(err, social.ErrUnauthorized) {
				m.deps.Sessions.Invalidate(err)
				return fmt.Errorf("read %s: %w", kind, err)
			}
			errs = append(errs, fmt.Errorf("read %s: %w", kind, err))
			continue
		}

		sort.SliceStable(notes, func(i, j int) bool { return notes[i].CreatedAt.Before(notes[j].CreatedAt) })
		for _, n := range notes {
			if ctx.Err() != nil {
				return nil
			}
			m.handle(ctx, work, client, n, followers)
		}
	}
	return errors.Join(errs...)
}

func (m *MentionMonitor) followers(ctx context.Context, client social.Client) (map[social.UserID]struct{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	ids, err := client.Followers(callCtx)
	if err != nil {
		if errors.Is(err, social.ErrUnauthorized) {
			m.deps.Sessions.Invalidate(err)
		}
		return nil, fmt.Errorf("refresh followers: %w", err)
	}
	set := make(map[social.UserID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (m *MentionMonitor) handle(ctx, work context.Context, client social.Client, n social.Notification, followers map[social.UserID]struct{}) {
	key := LedgerKey(n)
	if m.deps.Ledger.Seen(key) || !m.deps.Watermark.IsNew(n.CreatedAt) {
		return
	}

	log := m.log.With(zap.String("item_id", key), zap.String("author", n.AuthorHandle))

	if followers != nil {
		if _, ok := followers[n.AuthorID]; !ok {
			log.Debug("author is not a follower")
			return
		}
	}

	if !m.deps.Ledger.MarkIfUnseen(key) {
		return
	}
	log.Info("new notification", zap.String("kind", string(n.Kind)))

	genCtx, cancel := context.WithTimeout(work, m.cfg.CallTimeout)
	text, err := m.deps.Replies.Reply(genCtx, n)
	cancel()
	if err != nil {
		log.Warn("no reply generated", zap.Error(err))
		return
	}

	if err := m.Sleep(ctx, thread.Jitter(m.cfg.ReplyMinDelay, m.cfg.ReplyMaxDelay)); err != nil {
		log.Info("shutdown before reply")
		return
	}

	data := map[string]any{"kind": string(n.Kind), "author": n.AuthorHandle}
	switch n.Kind {
	case social.KindDirectMessages:
		sendCtx, cancel := context.WithTimeout(work, m.cfg.CallTimeout)
		err = client.SendDirectMessage(sendCtx, n.ConversationID, text)
		cancel()
		if err != nil {
			if errors.Is(err, social.ErrUnauthorized) {
				m.deps.Sessions.Invalidate(err)
			}
			log.Error("direct message failed", zap.Error(err))
			return
		}
		data["conversation_id"] = n.ConversationID
	default:
		res, err := m.deps.Publisher.Publish(work, []string{text}, thread.Options{ReplyTo: n.PostID, Plain: true})
		if err != nil {
			log.Error("reply failed", zap.Error(err))
			return
		}
		data["in_reply_to"] = n.PostID
		data["posts"] = res.Posts
	}

	log.Info("replied")
	if err := m.deps.Sink.Record(work, EventReplyPublished, key, data); err != nil {
		log.Warn("journal write failed", zap.String("event", EventReplyPublished), zap.Error(err))
	}
}

// Package thread publishes an ordered list of segments as a reply chain.
//
// Publishing within one chain is strictly sequential: each segment replies
// to the id of the last one that made it out. Transient platform failures
// are absorbed where the chain can still make sense (a vanished parent is
// repaired by starting a new top-level post, a rejected segment is
// skipped); any other failure stops the chain and leaves what was already
// posted in place.
package thread

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

// ClientSource hands out the shared authenticated client.
type ClientSource interface {
	Client(ctx context.Context) (social.Client, error)
	Invalidate(reason error)
}

// Config controls pacing and presentation.
type Config struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	CooldownEvery int // published posts between long cooldowns, 0 disables
	Cooldown      time.Duration
	Continuation  string
	Closing       string
	MaxLen        int
	CallTimeout   time.Duration
}

// Options adjust one Publish call.
type Options struct {
	// ReplyTo anchors the first segment under an existing post.
	ReplyTo social.PostID
	// Plain disables continuation and closing markers.
	Plain bool
}

// Result reports partial progress; it is returned with and without error.
type Result struct {
	Posts    []social.PostID
	Skipped  []int // segment indexes rejected by the platform
	Repaired []int // segment indexes re-posted top-level after losing their parent
}

// PublishError aborts the remainder of a chain.
type PublishError struct {
	Index int
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish segment %d: %v", e.Index, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type Publisher struct {
	sessions ClientSource
	cfg      Config
	log      *zap.Logger

	// Sleep waits between calls. Replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPublisher(sessions ClientSource, cfg Config, log *zap.Logger) *Publisher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Publisher{
		sessions: sessions,
		cfg:      cfg,
		log:      logging.Named(log, "publisher"),
		Sleep:    SleepContext,
	}
}

// Publish posts segments in order. It succeeds when every segment was
// either published or skipped. Cancelling ctx interrupts the waits between
// segments; a post already sent to the platform is allowed to finish.
func (p *Publisher) Publish(ctx context.Context, segments []string, opts Options) (Result, error) {
	var res Result
	if len(segments) == 0 {
		return res, nil
	}

	client, err := p.sessions.Client(ctx)
	if err != nil {
		return res, err
	}

	parent := opts.ReplyTo
	n := len(segments)
	for i, seg := range segments {
		text := seg
		if !opts.Plain {
			text = p.decorate(seg, i, n)
		}

		if err := p.Sleep(ctx, p.jitter()); err != nil {
			return res, &PublishError{Index: i, Err: err}
		}

		log := p.log.With(zap.Int("segment", i+1), zap.Int("of", n))

		id, err := p.post(ctx, client, text, parent)
		if err != nil && errors.Is(err, social.ErrParentUnavailable) && parent != "" && parent != opts.ReplyTo {
			log.Warn("parent unavailable, starting new chain", zap.String("parent", string(parent)))
			id, err = p.post(ctx, client, text, "")
			if err == nil {
				res.Repaired = append(res.Repaired, i)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, social.ErrInvalidContent):
			log.Warn("segment rejected, skipping", zap.Int("chars", utf8.RuneCountInString(text)), zap.Error(err))
			res.Skipped = append(res.Skipped, i)
			continue
		default:
			if errors.Is(err, social.ErrUnauthorized) {
				p.sessions.Invalidate(err)
			}
			log.Error("aborting thread", zap.Int("published", len(res.Posts)), zap.Error(err))
			return res, &PublishError{Index: i, Err: err}
		}

		parent = id
		res.Posts = append(res.Posts, id)
		log.Info("segment published", zap.String("post_id", string(id)))

		if p.cfg.CooldownEvery > 0 && len(res.Posts)%p.cfg.CooldownEvery == 0 && i < n-1 {
			log.Debug("cooldown", zap.Duration("for", p.cfg.Cooldown))
			if err := p.Sleep(ctx, p.cfg.Cooldown); err != nil {
				return res, &PublishError{Index: i + 1, Err: err}
			}
		}
	}

	return res, nil
}

// post runs to completion once started, even if ctx is cancelled.
func (p *Publisher) post(ctx context.Context, client social.Client, text string, parent social.PostID) (social.PostID, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CallTimeout)
	defer cancel()
	return client.CreatePost(ctx, text, parent)
}

// decorate appends the continuation marker to middle segments and the
// closing marker to the last, unless that would exceed MaxLen.
func (p *Publisher) decorate(seg string, i, n int) string {
	var marker string
	switch {
	case i == n-1:
		marker = p.cfg.Closing
	case i > 0:
		marker = p.cfg.Continuation
	}
	if marker == "" {
		return seg
	}
	out := seg + marker
	if p.cfg.MaxLen > 0 && utf8.RuneCountInString(out) > p.cfg.MaxLen {
		return seg
	}
	return out
}

func (p *Publisher) jitter() time.Duration {
	return Jitter(p.cfg.MinDelay, p.cfg.MaxDelay)
}

// Jitter returns a uniformly random duration in [min, max].
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min+1)
}

// SleepContext sleeps for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

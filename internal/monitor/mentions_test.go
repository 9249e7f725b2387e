package monitor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/llm"
	"github.com/Martian-dev/newsletter-threader/internal/social"
	"github.com/Martian-dev/newsletter-threader/internal/thread"
)

type mentionFixture struct {
	client   *fakeClient
	sessions *fakeSessions
	gen      *scriptedGen
	sink     *recordingSink
	ledger   *dedup.Ledger
	slept    []time.Duration
	monitor  *MentionMonitor
}

func newMentionFixture(t *testing.T, cfg MentionConfig) *mentionFixture {
	t.Helper()
	f := &mentionFixture{
		client: newFakeClient(),
		gen:    &scriptedGen{reply: "glad you liked it 🙌"},
		sink:   &recordingSink{},
		ledger: dedup.NewLedger(),
	}
	f.sessions = &fakeSessions{client: f.client}

	pub := thread.NewPublisher(f.sessions, thread.Config{MaxLen: 280, Closing: " END"}, nil)
	pub.Sleep = noSleep

	cfg.ReplyMinDelay, cfg.ReplyMaxDelay = 30*time.Second, 30*time.Second
	f.monitor = NewMentionMonitor(MentionDeps{
		Sessions:  f.sessions,
		Watermark: dedup.NewWatermark(watermark),
		Ledger:    f.ledger,
		Replies:   llm.NewThreadWriter(f.gen, nil, llm.WriterConfig{MaxLen: 280}, nil),
		Publisher: pub,
		Sink:      f.sink,
	}, cfg, nil)
	f.monitor.Sleep = recordSleep(&f.slept)
	return f
}

func mention(id string, author social.UserID, at time.Time) social.Notification {
	return social.Notification{
		ID:           id,
		Kind:         social.KindMentions,
		PostID:       social.PostID(id),
		AuthorID:     author,
		AuthorHandle: "user" + string(author),
		Text:         "@threader nice thread",
		CreatedAt:    at,
	}
}

func TestMentionRepliesToNewMentions(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{})
	f.client.notifications[social.KindMentions] = []social.Notification{
		mention("m-new", "7", watermark.Add(time.Minute)),
		mention("m-old", "7", watermark.Add(-time.Minute)),
	}

	require.NoError(t, f.monitor.PollOnce(context.Background()))

	posts := f.client.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, sentPost{ID: "post-1", Text: "glad you liked it 🙌", ReplyTo: "m-new"}, posts[0], "replies carry no markers")
	assert.True(t, f.ledger.Seen("mentions:m-new"))
	assert.False(t, f.ledger.Seen("mentions:m-old"))
	assert.Equal(t, []time.Duration{30 * time.Second}, f.slept)
	assert.Equal(t, []string{EventReplyPublished}, f.sink.types())

	require.NoError(t, f.monitor.PollOnce(context.Background()))
	assert.Len(t, f.client.sent(), 1, "answered once")
}

func TestMentionDirectMessages(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{Kinds: []social.NotificationKind{social.KindMentions, social.KindDirectMessages}})
	f.client.notifications[social.KindDirectMessages] = []social.Notification{{
		ID:             "dm-1",
		Kind:           social.KindDirectMessages,
		ConversationID: "7-42",
		AuthorID:       "7",
		Text:           "hey",
		CreatedAt:      watermark.Add(time.Hour),
	}}

	require.NoError(t, f.monitor.PollOnce(context.Background()))

	assert.Empty(t, f.client.sent())
	assert.Equal(t, []string{"glad you liked it 🙌"}, f.client.dms["7-42"])
	assert.True(t, f.ledger.Seen("direct_messages:dm-1"))
}

func TestMentionFollowersOnly(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{FollowersOnly: true})
	f.client.followers = []social.UserID{"7"}
	f.client.notifications[social.KindMentions] = []social.Notification{
		mention("from-follower", "7", watermark.Add(time.Minute)),
		mention("from-stranger", "8", watermark.Add(2*time.Minute)),
	}

	require.NoError(t, f.monitor.PollOnce(context.Background()))

	posts := f.client.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, social.PostID("from-follower"), posts[0].ReplyTo)
	assert.False(t, f.ledger.Seen("mentions:from-stranger"))
}

func TestMentionOverLengthReplyDropped(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{})
	f.gen.reply = strings.Repeat("y", 300)
	f.client.notifications[social.KindMentions] = []social.Notification{mention("m1", "7", watermark.Add(time.Minute))}

	require.NoError(t, f.monitor.PollOnce(context.Background()))

	assert.Empty(t, f.client.sent())
	assert.True(t, f.ledger.Seen("mentions:m1"), "not retried")
}

func TestMentionUnauthorizedInvalidatesSession(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{})
	f.client.notifyErr = social.ErrUnauthorized

	err := f.monitor.PollOnce(context.Background())
	assert.ErrorIs(t, err, social.ErrUnauthorized)
	assert.Equal(t, 1, f.sessions.invalidated)
}

func TestMentionFeedErrorReturned(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{})
	f.client.notifyErr = social.ErrRateLimited

	err := f.monitor.PollOnce(context.Background())
	assert.ErrorIs(t, err, social.ErrRateLimited)
	assert.Zero(t, f.sessions.invalidated)
}

func TestMentionRunStopsOnCancel(t *testing.T) {
	f := newMentionFixture(t, MentionConfig{Interval: 30 * time.Second, ErrorBackoff: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	f.monitor.Sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		cancel()
		return context.Canceled
	}

	require.NoError(t, f.monitor.Run(ctx))
	assert.Equal(t, []time.Duration{30 * time.Second}, slept)
}

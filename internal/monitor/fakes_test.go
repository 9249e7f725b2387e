package monitor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Martian-dev/newsletter-threader/internal/mail"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

type fakeMail struct {
	mu       sync.Mutex
	unread   []string
	messages map[string]*mail.RawMessage
	listErr  error
	gets     map[string]int
	marked   []string
}

func newFakeMail() *fakeMail {
	return &fakeMail{messages: map[string]*mail.RawMessage{}, gets: map[string]int{}}
}

func (f *fakeMail) add(id string, date time.Time, body string) {
	f.unread = append(f.unread, id)
	dateHeader := "not a date"
	if !date.IsZero() {
		dateHeader = date.Format(time.RFC1123Z)
	}
	f.messages[id] = &mail.RawMessage{
		ID: id,
		Headers: map[string]string{
			"Subject": "subject " + id,
			"From":    "news@example.com",
			"Date":    dateHeader,
		},
		Payload: mail.Part{MimeType: "text/plain", Data: base64.URLEncoding.EncodeToString([]byte(body))},
	}
}

func (f *fakeMail) ListUnread(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.unread...), nil
}

func (f *fakeMail) Get(ctx context.Context, id string) (*mail.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++
	m, ok := f.messages[id]
	if !ok {
		return nil, errors.New("404 not found")
	}
	return m, nil
}

func (f *fakeMail) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

type sentPost struct {
	ID      social.PostID
	Text    string
	ReplyTo social.PostID
}

type fakeClient struct {
	mu            sync.Mutex
	posts         []sentPost
	dms           map[string][]string
	notifications map[social.NotificationKind][]social.Notification
	notifyErr     error
	followers     []social.UserID
	createErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{dms: map[string][]string{}, notifications: map[social.NotificationKind][]social.Notification{}}
}

func (c *fakeClient) Me(ctx context.Context) (social.User, error) {
	return social.User{ID: "42", Username: "threader"}, nil
}

func (c *fakeClient) CreatePost(ctx context.Context, text string, replyTo social.PostID) (social.PostID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return "", c.createErr
	}
	id := social.PostID(fmt.Sprintf("post-%d", len(c.posts)+1))
	c.posts = append(c.posts, sentPost{ID: id, Text: text, ReplyTo: replyTo})
	return id, nil
}

func (c *fakeClient) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dms[conversationID] = append(c.dms[conversationID], text)
	return nil
}

func (c *fakeClient) Notifications(ctx context.Context, kind social.NotificationKind) ([]social.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifyErr != nil {
		return nil, c.notifyErr
	}
	return append([]social.Notification(nil), c.notifications[kind]...), nil
}

func (c *fakeClient) Followers(ctx context.Context) ([]social.UserID, error) {
	return c.followers, nil
}

func (c *fakeClient) sent() []sentPost {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentPost(nil), c.posts...)
}

type fakeSessions struct {
	mu          sync.Mutex
	client      social.Client
	err         error
	invalidated int
}

func (s *fakeSessions) EnsureAuthenticated(ctx context.Context) error { return s.err }

func (s *fakeSessions) Client(ctx context.Context) (social.Client, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.client, nil
}

func (s *fakeSessions) Invalidate(reason error) {
	s.mu.Lock()
	s.invalidated++
	s.mu.Unlock()
}

// scriptedGen answers by prompt kind. topics maps a topic to its raw
// generated thread; a missing topic fails generation.
type scriptedGen struct {
	mu       sync.Mutex
	classify map[string]string // subject -> raw classifier output
	topics   map[string]string
	reply    string
	calls    int
}

func (g *scriptedGen) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++

	switch {
	case strings.HasPrefix(prompt, "Analyze this email"):
		for subject, out := range g.classify {
			if strings.Contains(prompt, "Subject: "+subject+"\n") {
				return out, nil
			}
		}
		return "no idea", nil
	case strings.HasPrefix(prompt, "Create a short"):
		for topic, out := range g.topics {
			if strings.Contains(prompt, "about: "+topic+"\n") {
				return out, nil
			}
		}
		return "", errors.New("model overloaded")
	case strings.HasPrefix(prompt, "Someone addressed"):
		return g.reply, nil
	}
	return "", errors.New("unexpected prompt")
}

func newsletter(topics ...string) string {
	return "```json\n{\"type\":\"NEWSLETTER\",\"reason\":\"digest\",\"topics\":[\"" + strings.Join(topics, `","`) + "\"]}\n```"
}

type recordedEvent struct {
	Type   string
	ItemID string
	Data   any
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Record(ctx context.Context, eventType, itemID string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{Type: eventType, ItemID: itemID, Data: data})
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// recordSleep returns a sleep that records durations and never waits.
func recordSleep(into *[]time.Duration) SleepFunc {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*into = append(*into, d)
		mu.Unlock()
		return ctx.Err()
	}
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

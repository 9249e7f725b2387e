// Package x implements social.Client against the X API v2.
package x

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

const DefaultBaseURL = "https://api.x.com"

// maxFollowerPages bounds a Followers walk.
const maxFollowerPages = 15

// Authenticator exchanges a refresh token for an access token and returns
// a client bound to it. X refresh tokens are single use; the Authenticator
// keeps the latest one issued per client id and logs in with it next time.
type Authenticator struct {
	baseURL string
	log     *zap.Logger

	mu      sync.Mutex
	refresh map[string]string
}

func NewAuthenticator(baseURL string, log *zap.Logger) *Authenticator {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Authenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logging.Named(log, "x"),
		refresh: make(map[string]string),
	}
}

func (a *Authenticator) refreshToken(id social.Identity) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if tok, ok := a.refresh[id.ClientID]; ok {
		return tok
	}
	return id.RefreshToken
}

func (a *Authenticator) remember(clientID, refreshToken string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refresh[clientID] != refreshToken {
		a.refresh[clientID] = refreshToken
		a.log.Debug("refresh token rotated")
	}
}

// rotatingSource records every refresh token the platform hands out.
type rotatingSource struct {
	src      oauth2.TokenSource
	auth     *Authenticator
	clientID string
}

func (s *rotatingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		s.auth.remember(s.clientID, tok.RefreshToken)
	}
	return tok, nil
}

// Login forces one token exchange so that bad credentials fail here and
// not on the first post.
func (a *Authenticator) Login(ctx context.Context, id social.Identity) (social.Client, error) {
	if id.ClientID == "" || id.RefreshToken == "" {
		return nil, errors.New("x: client id and refresh token are required")
	}

	conf := &oauth2.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  a.baseURL + "/2/oauth2/token",
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: []string{"tweet.read", "tweet.write", "users.read", "dm.read", "dm.write", "follows.read", "offline.access"},
	}

	// The token source outlives the login call; refreshes must not inherit
	// its deadline.
	base := context.WithoutCancel(ctx)
	ts := &rotatingSource{
		src:      conf.TokenSource(base, &oauth2.Token{RefreshToken: a.refreshToken(id)}),
		auth:     a,
		clientID: id.ClientID,
	}

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("x: token exchange: %w", err)
	}
	a.log.Debug("access token obtained", zap.Time("expiry", tok.Expiry))

	return &Client{
		baseURL: a.baseURL,
		http:    oauth2.NewClient(base, ts),
		log:     a.log,
	}, nil
}

// Client is an authenticated X API client.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger

	mu sync.Mutex
	me *social.User
}

type userJSON struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (c *Client) Me(ctx context.Context) (social.User, error) {
	var resp struct {
		Data userJSON `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/users/me", nil, nil, &resp); err != nil {
		return social.User{}, err
	}
	if resp.Data.ID == "" {
		return social.User{}, errors.New("x: users/me returned no id")
	}
	u := social.User{ID: social.UserID(resp.Data.ID), Username: resp.Data.Username}

	c.mu.Lock()
	c.me = &u
	c.mu.Unlock()
	return u, nil
}

func (c *Client) self(ctx context.Context) (social.User, error) {
	c.mu.Lock()
	me := c.me
	c.mu.Unlock()
	if me != nil {
		return *me, nil
	}
	return c.Me(ctx)
}

func (c *Client) CreatePost(ctx context.Context, text string, replyTo social.PostID) (social.PostID, error) {
	body := map[string]any{"text": text}
	if replyTo != "" {
		body["reply"] = map[string]string{"in_reply_to_tweet_id": string(replyTo)}
	}

	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/2/tweets", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Data.ID == "" {
		return "", errors.New("x: create post returned no id")
	}
	return social.PostID(resp.Data.ID), nil
}

func (c *Client) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	path := "/2/dm_conversations/" + url.PathEscape(conversationID) + "/messages"
	return c.do(ctx, http.MethodPost, path, nil, map[string]string{"text": text}, nil)
}

func (c *Client) Notifications(ctx context.Context, kind social.NotificationKind) ([]social.Notification, error) {
	switch kind {
	case social.KindMentions:
		return c.mentions(ctx)
	case social.KindDirectMessages:
		return c.directMessages(ctx)
	default:
		return nil, fmt.Errorf("x: unsupported notification kind %q", kind)
	}
}

func (c *Client) mentions(ctx context.Context) ([]social.Notification, error) {
	me, err := c.self(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("tweet.fields", "created_at,author_id,conversation_id")
	q.Set("expansions", "author_id")
	q.Set("user.fields", "username")

	var resp struct {
		Data []struct {
			ID             string    `json:"id"`
			Text           string    `json:"text"`
			AuthorID       string    `json:"author_id"`
			ConversationID string    `json:"conversation_id"`
			CreatedAt      time.Time `json:"created_at"`
		} `json:"data"`
		Includes struct {
			Users []userJSON `json:"users"`
		} `json:"includes"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/users/"+string(me.ID)+"/mentions", q, nil, &resp); err != nil {
		return nil, err
	}

	handles := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		handles[u.ID] = u.Username
	}

	out := make([]social.Notification, 0, len(resp.Data))
	for _, t := range resp.Data {
		if t.AuthorID == string(me.ID) {
			continue
		}
		out = append(out, social.Notification{
			ID:             t.ID,
			Kind:           social.KindMentions,
			PostID:         social.PostID(t.ID),
			ConversationID: t.ConversationID,
			AuthorID:       social.UserID(t.AuthorID),
			AuthorHandle:   handles[t.AuthorID],
			Text:           t.Text,
			CreatedAt:      t.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (c *Client) directMessages(ctx context.Context) ([]social.Notification, error) {
	me, err := c.self(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("event_types", "MessageCreate")
	q.Set("dm_event.fields", "created_at,sender_id,dm_conversation_id,text")
	q.Set("expansions", "sender_id")
	q.Set("user.fields", "username")

	var resp struct {
		Data []struct {
			ID             string    `json:"id"`
			Text           string    `json:"text"`
			SenderID       string    `json:"sender_id"`
			ConversationID string    `json:"dm_conversation_id"`
			CreatedAt      time.Time `json:"created_at"`
		} `json:"data"`
		Includes struct {
			Users []userJSON `json:"users"`
		} `json:"includes"`
	}
	if err := c.do(ctx, http.MethodGet, "/2/dm_events", q, nil, &resp); err != nil {
		return nil, err
	}

	handles := make(map[string]string, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		handles[u.ID] = u.Username
	}

	out := make([]social.Notification, 0, len(resp.Data))
	for _, ev := range resp.Data {
		if ev.SenderID == string(me.ID) {
			continue
		}
		out = append(out, social.Notification{
			ID:             ev.ID,
			Kind:           social.KindDirectMessages,
			ConversationID: ev.ConversationID,
			AuthorID:       social.UserID(ev.SenderID),
			AuthorHandle:   handles[ev.SenderID],
			Text:           ev.Text,
			CreatedAt:      ev.CreatedAt.UTC(),
		})
	}
	return out, nil
}

func (c *Client) Followers(ctx context.Context) ([]social.UserID, error) {
	me, err := c.self(ctx)
	if err != nil {
		return nil, err
	}

	var ids []social.UserID
	next := ""
	for page := 0; page < maxFollowerPages; page++ {
		q := url.Values{}
		q.Set("max_results", "1000")
		if next != "" {
			q.Set("pagination_token", next)
		}

		var resp struct {
			Data []userJSON `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := c.do(ctx, http.MethodGet, "/2/users/"+string(me.ID)+"/followers", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, u := range resp.Data {
			ids = append(ids, social.UserID(u.ID))
		}
		if resp.Meta.NextToken == "" {
			return ids, nil
		}
		next = resp.Meta.NextToken
	}
	c.log.Warn("follower list truncated", zap.Int("pages", maxFollowerPages), zap.Int("followers", len(ids)))
	return ids, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return tokenError(re)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/newsletter-threader/internal/mail"
)

const (
	labelInbox  = "INBOX"
	labelUnread = "UNREAD"
)

// Adapter implements mail.Provider for Gmail.
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates a Gmail adapter. Callers supply credentials through opts,
// usually option.WithTokenSource.
func New(ctx context.Context, user string, opts ...option.ClientOption) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if user == "" {
		user = "me"
	}
	return &Adapter{svc: svc, user: user}, nil
}

// TokenSourceFromFiles reads an installed-app client secret and a saved
// token. The token refreshes through the client config.
func TokenSourceFromFiles(ctx context.Context, credentialsFile, tokenFile string) (oauth2.TokenSource, error) {
	creds, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	config, err := google.ConfigFromJSON(creds, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(raw, tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return config.TokenSource(ctx, tok), nil
}

// ListUnread returns ids of unread inbox messages.
func (a *Adapter) ListUnread(ctx context.Context) ([]string, error) {
	var ids []string
	call := a.svc.Users.Messages.List(a.user).
		LabelIds(labelInbox).
		Q("is:unread").
		IncludeSpamTrash(false).
		MaxResults(100)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}
	return ids, nil
}

// Get fetches the full message.
func (a *Adapter) Get(ctx context.Context, id string) (*mail.RawMessage, error) {
	m, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(m), nil
}

// MarkRead removes the UNREAD label.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	req := &gmail.ModifyMessageRequest{RemoveLabelIds: []string{labelUnread}}
	if _, err := a.svc.Users.Messages.Modify(a.user, id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", id, err)
	}
	return nil
}

// toRaw keeps the Date header as the received timestamp source;
// InternalDate is not used.
func toRaw(m *gmail.Message) *mail.RawMessage {
	raw := &mail.RawMessage{
		ID:      m.Id,
		Headers: make(map[string]string),
		Labels:  m.LabelIds,
	}
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			raw.Headers[kv.Name] = kv.Value
		}
		raw.Payload = toPart(m.Payload)
	}
	return raw
}

func toPart(p *gmail.MessagePart) mail.Part {
	part := mail.Part{MimeType: p.MimeType}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		if child != nil {
			part.Parts = append(part.Parts, toPart(child))
		}
	}
	return part
}

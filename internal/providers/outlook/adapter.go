package outlook

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/newsletter-threader/internal/mail"
)

var messageFields = []string{"id", "subject", "from", "body", "receivedDateTime", "categories", "internetMessageHeaders"}

// Adapter implements mail.Provider for Outlook via Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an adapter whose Graph calls are authorized by ts. userID is
// the mailbox id or principal name.
func New(ts oauth2.TokenSource, userID string) (*Adapter, error) {
	if userID == "" || userID == "me" {
		return nil, fmt.Errorf("outlook needs an explicit mailbox user, got %q", userID)
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&tokenSourceCredential{ts: ts}, []string{"Mail.ReadWrite"})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return newAdapter(client, userID), nil
}

// NewWithRequestAdapter uses a preconfigured request adapter.
func NewWithRequestAdapter(ra abstractions.RequestAdapter, userID string) *Adapter {
	return newAdapter(msgraphsdk.NewGraphServiceClient(ra), userID)
}

func newAdapter(client *msgraphsdk.GraphServiceClient, userID string) *Adapter {
	return &Adapter{client: client, userID: userID}
}

func (a *Adapter) messages() *users.ItemMessagesRequestBuilder {
	return a.client.Users().ByUserId(a.userID).Messages()
}

func (a *Adapter) inbox() *users.ItemMailFoldersItemMessagesRequestBuilder {
	return a.client.Users().ByUserId(a.userID).MailFolders().ByMailFolderId("inbox").Messages()
}

// ListUnread returns ids of unread inbox messages.
func (a *Adapter) ListUnread(ctx context.Context) ([]string, error) {
	filter := "isRead eq false"
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id"},
			Top:    Int32Ptr(100),
		},
	}

	result, err := a.inbox().Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to list unread messages: %w", err)
	}

	var ids []string
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// Get fetches one message with its body as plain text.
func (a *Adapter) Get(ctx context.Context, id string) (*mail.RawMessage, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)

	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: messageFields,
		},
	}

	msg, err := a.messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return toRaw(id, msg), nil
}

// MarkRead sets isRead on the message.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	patch := models.NewMessage()
	isRead := true
	patch.SetIsRead(&isRead)

	if _, err := a.messages().ByMessageId(id).Patch(ctx, patch, nil); err != nil {
		return fmt.Errorf("failed to mark %s read: %w", id, err)
	}
	return nil
}

func toRaw(id string, m models.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{
		ID:      id,
		Headers: make(map[string]string),
		Labels:  m.GetCategories(),
	}

	if hs := m.GetInternetMessageHeaders(); hs != nil {
		for _, h := range hs {
			if name, value := h.GetName(), h.GetValue(); name != nil && value != nil {
				raw.Headers[*name] = *value
			}
		}
	}
	// Typed fields win over raw headers.
	if subject := m.GetSubject(); subject != nil {
		raw.Headers["Subject"] = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil {
			raw.Headers["From"] = formatAddress(addr)
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.ReceivedAt = rcvd.UTC()
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Payload = mail.Part{MimeType: mimeType, Data: *body.GetContent(), Decoded: true}
	}
	return raw
}

func formatAddress(e models.EmailAddressable) string {
	var name, addr string
	if n := e.GetName(); n != nil {
		name = strings.TrimSpace(*n)
	}
	if a := e.GetAddress(); a != nil {
		addr = *a
	}
	switch {
	case name != "" && addr != "" && name != addr:
		return fmt.Sprintf("%s <%s>", name, addr)
	case addr != "":
		return addr
	default:
		return name
	}
}

// tokenSourceCredential adapts an oauth2 token source to azcore.
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("outlook token: %w", err)
	}
	return azcore.AccessToken{
		Token:     tok.AccessToken,
		ExpiresOn: tok.Expiry,
	}, nil
}

func Int32Ptr(i int32) *int32 {
	return &i
}

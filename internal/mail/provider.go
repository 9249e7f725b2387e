package mail

import (
	"context"
	"time"
)

// ProviderName identifies the mailbox backend.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Item is a normalized inbox message. Immutable once fetched.
type Item struct {
	ID         string
	ReceivedAt time.Time // zero when the provider date could not be parsed
	Sender     string
	Subject    string
	Body       string
	Labels     []string
}

// Part is one node of a provider message tree. Leaves carry Data, which is
// base64url encoded the way Gmail delivers it unless Decoded is set.
type Part struct {
	MimeType string
	Data     string
	Decoded  bool
	Parts    []Part
}

// RawMessage is what a provider returns for a single message before
// normalization.
type RawMessage struct {
	ID      string
	Headers map[string]string
	Payload Part
	Labels  []string
	// ReceivedAt is set by providers that expose a typed timestamp. When
	// zero the Date header is parsed instead.
	ReceivedAt time.Time
}

// Provider is the mail collaborator. MarkRead is the only mutation the
// pipeline issues back to the mailbox.
type Provider interface {
	ListUnread(ctx context.Context) ([]string, error)
	Get(ctx context.Context, id string) (*RawMessage, error)
	MarkRead(ctx context.Context, id string) error
}

package social

import (
	"context"
	"errors"
	"time"
)

// PostID identifies a published post.
type PostID string

// UserID identifies a platform account.
type UserID string

// NotificationKind selects which notification feed to read.
type NotificationKind string

const (
	KindMentions       NotificationKind = "mentions"
	KindDirectMessages NotificationKind = "direct_messages"
)

// Identity holds the credentials used for a login. Only the session
// manager handles it.
type Identity struct {
	Username     string
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// User is the account a session is authenticated as.
type User struct {
	ID       UserID
	Username string
}

// Notification is a mention or direct message addressed to the account.
type Notification struct {
	ID             string
	Kind           NotificationKind
	PostID         PostID // mention post, empty for DMs
	ConversationID string // DM conversation, empty for mentions
	AuthorID       UserID
	AuthorHandle   string
	Text           string
	CreatedAt      time.Time
}

// Errors adapters map platform responses onto. Callers classify with
// errors.Is.
var (
	// ErrParentUnavailable means the reply target was deleted or is no
	// longer visible.
	ErrParentUnavailable = errors.New("reply target deleted or not visible")
	// ErrInvalidContent means the post body itself was rejected, e.g. too long.
	ErrInvalidContent = errors.New("post content rejected")
	// ErrUnauthorized means the session is no longer valid.
	ErrUnauthorized = errors.New("platform session unauthorized")
	// ErrRateLimited means the platform asked us to slow down.
	ErrRateLimited = errors.New("platform rate limit")
)

// Authenticator performs the credential exchange.
type Authenticator interface {
	Login(ctx context.Context, id Identity) (Client, error)
}

// Client is an authenticated platform handle. Every call is fallible and
// may be rate limited.
type Client interface {
	// Me is a read-only call used to verify a fresh session.
	Me(ctx context.Context) (User, error)
	CreatePost(ctx context.Context, text string, replyTo PostID) (PostID, error)
	SendDirectMessage(ctx context.Context, conversationID, text string) error
	Notifications(ctx context.Context, kind NotificationKind) ([]Notification, error)
	Followers(ctx context.Context) ([]UserID, error)
}

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/newsletter-threader/internal/social"
)

type fakeClient struct {
	meErr error
}

func (c *fakeClient) Me(ctx context.Context) (social.User, error) {
	if c.meErr != nil {
		return social.User{}, c.meErr
	}
	return social.User{ID: "42", Username: "bot"}, nil
}

func (c *fakeClient) CreatePost(ctx context.Context, text string, replyTo social.PostID) (social.PostID, error) {
	return "p", nil
}

func (c *fakeClient) SendDirectMessage(ctx context.Context, conversationID, text string) error {
	return nil
}

func (c *fakeClient) Notifications(ctx context.Context, kind social.NotificationKind) ([]social.Notification, error) {
	return nil, nil
}

func (c *fakeClient) Followers(ctx context.Context) ([]social.UserID, error) { return nil, nil }

type fakeAuth struct {
	logins  int32
	release chan struct{}
	err     error
	meErr   error
}

func (a *fakeAuth) Login(ctx context.Context, id social.Identity) (social.Client, error) {
	atomic.AddInt32(&a.logins, 1)
	if a.release != nil {
		<-a.release
	}
	if a.err != nil {
		return nil, a.err
	}
	return &fakeClient{meErr: a.meErr}, nil
}

func TestEnsureAuthenticatedIdempotent(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, social.Identity{Username: "bot"}, Config{}, nil)

	assert.Equal(t, Unauthenticated, m.State())
	require.NoError(t, m.EnsureAuthenticated(context.Background()))
	require.NoError(t, m.EnsureAuthenticated(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.logins))
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, social.UserID("42"), m.User().ID)
}

func TestEnsureAuthenticatedSingleFlight(t *testing.T) {
	auth := &fakeAuth{release: make(chan struct{})}
	m := NewManager(auth, social.Identity{}, Config{}, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureAuthenticated(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return m.State() == Authenticating }, time.Second, time.Millisecond)
	close(auth.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.logins))
}

func TestVerificationFailureInvalidates(t *testing.T) {
	auth := &fakeAuth{meErr: errors.New("forbidden")}
	m := NewManager(auth, social.Identity{}, Config{Cooldown: time.Minute}, nil)

	err := m.EnsureAuthenticated(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "verify session")
	assert.Equal(t, Invalidated, m.State())

	_, err = m.Client(context.Background())
	assert.ErrorIs(t, err, ErrCoolingDown)
}

func TestCooldownThenRetry(t *testing.T) {
	auth := &fakeAuth{err: errors.New("bad password")}
	m := NewManager(auth, social.Identity{}, Config{Cooldown: 30 * time.Second}, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.Error(t, m.EnsureAuthenticated(context.Background()))
	err := m.EnsureAuthenticated(context.Background())
	assert.ErrorIs(t, err, ErrCoolingDown)
	assert.Equal(t, int32(1), atomic.LoadInt32(&auth.logins))

	now = now.Add(31 * time.Second)
	auth.err = nil
	require.NoError(t, m.EnsureAuthenticated(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.logins))
	assert.Equal(t, Authenticated, m.State())
}

func TestInvalidateForcesRelogin(t *testing.T) {
	auth := &fakeAuth{}
	m := NewManager(auth, social.Identity{}, Config{Cooldown: time.Hour}, nil)

	c1, err := m.Client(context.Background())
	require.NoError(t, err)
	require.NotNil(t, c1)

	m.Invalidate(social.ErrUnauthorized)
	assert.Equal(t, Invalidated, m.State())

	_, err = m.Client(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&auth.logins))
}

func TestEnsureAuthenticatedWaitBoundedByContext(t *testing.T) {
	auth := &fakeAuth{release: make(chan struct{})}
	defer close(auth.release)
	m := NewManager(auth, social.Identity{}, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.EnsureAuthenticated(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

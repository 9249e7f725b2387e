// Package session owns the platform login lifecycle. Every component that
// talks to the platform borrows the authenticated client through Manager;
// none of them see the credentials.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/newsletter-threader/internal/logging"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

// State is the session lifecycle position.
type State int32

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Invalidated
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// ErrCoolingDown is the cause of an AuthError returned while the manager
// refuses to retry a failed login.
var ErrCoolingDown = errors.New("login cooling down after failure")

// AuthError reports a failed or refused authentication.
type AuthError struct {
	Cause error
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Cause.Error() }

func (e *AuthError) Unwrap() error { return e.Cause }

// Config tunes the manager.
type Config struct {
	// Cooldown is how long after a failed login further attempts are refused.
	Cooldown time.Duration
	// Timeout bounds a single handshake including verification.
	Timeout time.Duration
}

// Manager is safe for concurrent use.
type Manager struct {
	auth     social.Authenticator
	identity social.Identity
	cfg      Config
	log      *zap.Logger

	// now is replaceable in tests.
	now func() time.Time

	flight singleflight.Group

	mu          sync.RWMutex
	state       State
	client      social.Client
	user        social.User
	lastFailure time.Time
	lastErr     error
}

func NewManager(auth social.Authenticator, identity social.Identity, cfg Config, log *zap.Logger) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Manager{
		auth:     auth,
		identity: identity,
		cfg:      cfg,
		log:      logging.Named(log, "session"),
		now:      time.Now,
	}
}

// EnsureAuthenticated is a no-op while authenticated. Otherwise it joins
// the in-flight handshake or starts one. Concurrent callers share a single
// handshake. The caller's ctx bounds only the wait, not the handshake.
func (m *Manager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.RLock()
	state, lastFailure, lastErr := m.state, m.lastFailure, m.lastErr
	m.mu.RUnlock()

	if state == Authenticated {
		return nil
	}
	if state == Invalidated && !lastFailure.IsZero() && m.now().Sub(lastFailure) < m.cfg.Cooldown {
		return &AuthError{Cause: fmt.Errorf("%w: %v", ErrCoolingDown, lastErr)}
	}

	ch := m.flight.DoChan("login", func() (interface{}, error) {
		return nil, m.authenticate()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &AuthError{Cause: ctx.Err()}
	}
}

func (m *Manager) authenticate() error {
	m.mu.Lock()
	if m.state == Authenticated {
		m.mu.Unlock()
		return nil
	}
	m.state = Authenticating
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	m.log.Info("logging in", zap.String("username", m.identity.Username))

	client, err := m.auth.Login(ctx, m.identity)
	if err != nil {
		return m.fail(fmt.Errorf("login: %w", err))
	}

	// A successful login does not guarantee the session is authorized.
	user, err := client.Me(ctx)
	if err != nil {
		return m.fail(fmt.Errorf("verify session: %w", err))
	}

	m.mu.Lock()
	m.state = Authenticated
	m.client = client
	m.user = user
	m.lastFailure = time.Time{}
	m.lastErr = nil
	m.mu.Unlock()

	m.log.Info("session verified", zap.String("user_id", string(user.ID)), zap.String("username", user.Username))
	return nil
}

func (m *Manager) fail(err error) error {
	m.mu.Lock()
	m.state = Invalidated
	m.client = nil
	m.lastFailure = m.now()
	m.lastErr = err
	m.mu.Unlock()

	m.log.Error("authentication failed", zap.Error(err))
	return &AuthError{Cause: err}
}

// Client ensures authentication and returns the shared client.
func (m *Manager) Client(ctx context.Context) (social.Client, error) {
	if err := m.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, &AuthError{Cause: errors.New("session invalidated concurrently")}
	}
	return m.client, nil
}

// Invalidate drops the current session, typically after the platform
// answered with an authorization error. The next EnsureAuthenticated logs
// in again without waiting for a cooldown.
func (m *Manager) Invalidate(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Authenticated {
		return
	}
	m.state = Invalidated
	m.client = nil
	m.log.Warn("session invalidated", zap.Error(reason))
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// User returns the verified account, zero when not authenticated.
func (m *Manager) User() social.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTVerifier verifies bearer tokens against a cached JWKS.
type JWTVerifier struct {
	jwksURL    string
	cache      *jwk.Cache
	refreshTTL time.Duration

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

// NewJWTVerifier warms the key cache and keeps it fresh until ctx is done.
func NewJWTVerifier(ctx context.Context, jwksURL string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.setKeySet(keySet)

	go v.backgroundRefresh(ctx)

	return v, nil
}

// NewStaticJWTVerifier verifies against a fixed key set.
func NewStaticJWTVerifier(keySet jwk.Set) *JWTVerifier {
	v := &JWTVerifier{}
	v.setKeySet(keySet)
	return v
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err == nil {
			v.setKeySet(keySet)
		}
		// keep the old set on error; next tick retries
	}
}

func (v *JWTVerifier) setKeySet(keySet jwk.Set) {
	v.mu.Lock()
	v.keySet = keySet
	v.lastFetch = time.Now()
	v.mu.Unlock()
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// PrincipalFromRequest validates the bearer token on r.
func (v *JWTVerifier) PrincipalFromRequest(r *http.Request) (*Principal, error) {
	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, errors.New("token missing subject")
	}

	p := &Principal{ID: token.Subject()}
	if c, ok := token.Get("email"); ok {
		p.Email, _ = c.(string)
	}
	if c, ok := token.Get("name"); ok {
		p.Name, _ = c.(string)
	}
	return p, nil
}

// CacheStats reports the state of the key cache.
func (v *JWTVerifier) CacheStats() map[string]interface{} {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keyCount := 0
	if v.keySet != nil {
		keyCount = v.keySet.Len()
	}
	return map[string]interface{}{
		"keys_cached": keyCount,
		"last_fetch":  v.lastFetch,
		"refresh_ttl": v.refreshTTL.String(),
		"jwks_url":    v.jwksURL,
	}
}

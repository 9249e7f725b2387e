package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider names a mailbox account held by the broker.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Token is a mailbox OAuth token as handed out by the broker.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BrokerClient fetches mailbox tokens from the auth server so the service
// never stores mailbox refresh tokens itself.
type BrokerClient struct {
	baseURL string
	client  *http.Client
}

func NewBrokerClient(authServerURL string) *BrokerClient {
	return &BrokerClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches the current token for provider using the user's JWT.
// The broker owns refresh.
func (c *BrokerClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no %s account connected", provider)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("broker returned empty %s token", provider)
	}

	return &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Expiry:       time.Unix(result.ExpiresAt, 0),
	}, nil
}

// TokenSource asks the broker again whenever the cached token expires.
func (c *BrokerClient) TokenSource(ctx context.Context, userJWT string, provider Provider) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &brokerSource{
		ctx:      context.WithoutCancel(ctx),
		broker:   c,
		jwt:      userJWT,
		provider: provider,
	})
}

type brokerSource struct {
	ctx      context.Context
	broker   *BrokerClient
	jwt      string
	provider Provider
}

func (s *brokerSource) Token() (*oauth2.Token, error) {
	tok, err := s.broker.GetToken(s.ctx, s.jwt, s.provider)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tok.Expiry,
	}, nil
}

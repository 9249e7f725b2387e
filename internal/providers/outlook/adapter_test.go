package outlook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoft/kiota-abstractions-go/authentication"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/newsletter-threader/internal/mail"
)

func newTestAdapter(t *testing.T, h http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ra, err := msgraphsdk.NewGraphRequestAdapter(&authentication.AnonymousAuthenticationProvider{})
	require.NoError(t, err)
	ra.SetBaseUrl(srv.URL + "/v1.0")
	return NewWithRequestAdapter(ra, "user@example.com")
}

func TestListUnread(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/users/user@example.com/mailFolders/inbox/messages", r.URL.Path)
		assert.Equal(t, "isRead eq false", r.URL.Query().Get("$filter"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"id":"AAA"},{"id":"BBB"}]}`))
	}))

	ids, err := a.ListUnread(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, ids)
}

func TestGetPrefersTextBody(t *testing.T) {
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/users/user@example.com/messages/AAA", r.URL.Path)
		assert.Contains(t, r.Header.Get("Prefer"), `outlook.body-content-type="text"`)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":               "AAA",
			"subject":          "This week in Rust",
			"receivedDateTime": "2026-02-01T08:30:00Z",
			"categories":       []string{"Newsletters"},
			"from": map[string]any{
				"emailAddress": map[string]any{"name": "TWIR", "address": "twir@example.com"},
			},
			"body": map[string]any{"contentType": "text", "content": "Lots of crates."},
		})
	}))

	raw, err := a.Get(context.Background(), "AAA")
	require.NoError(t, err)
	assert.Equal(t, "This week in Rust", raw.Headers["Subject"])
	assert.Equal(t, "TWIR <twir@example.com>", raw.Headers["From"])
	assert.Equal(t, time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC), raw.ReceivedAt)
	assert.Equal(t, []string{"Newsletters"}, raw.Labels)

	item, err := mail.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "Lots of crates.", item.Body)
}

func TestMarkRead(t *testing.T) {
	var patched map[string]any
	a := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"AAA","isRead":true}`))
	}))

	require.NoError(t, a.MarkRead(context.Background(), "AAA"))
	assert.Equal(t, true, patched["isRead"])
}

func TestNewRequiresMailbox(t *testing.T) {
	_, err := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}), "me")
	assert.Error(t, err)
}

func TestTokenSourceCredential(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	cred := &tokenSourceCredential{ts: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "graph", Expiry: exp})}

	tok, err := cred.GetToken(context.Background(), policyOptions())
	require.NoError(t, err)
	assert.Equal(t, "graph", tok.Token)
	assert.Equal(t, exp, tok.ExpiresOn)
}

func policyOptions() policy.TokenRequestOptions {
	return policy.TokenRequestOptions{Scopes: []string{"Mail.ReadWrite"}}
}

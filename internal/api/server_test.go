package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/newsletter-threader/internal/auth"
	"github.com/Martian-dev/newsletter-threader/internal/dedup"
	"github.com/Martian-dev/newsletter-threader/internal/eventstore/sqlite"
	"github.com/Martian-dev/newsletter-threader/internal/session"
	"github.com/Martian-dev/newsletter-threader/internal/social"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct{}

func (fakeSession) State() session.State { return session.Authenticated }
func (fakeSession) User() social.User    { return social.User{ID: "42", Username: "threader"} }

type fakeLoops struct {
	running []string
	stopped []string
}

func (l *fakeLoops) Running() []string { return l.running }

func (l *fakeLoops) Stop(name string) error {
	for i, n := range l.running {
		if n == name {
			l.running = append(l.running[:i], l.running[i+1:]...)
			l.stopped = append(l.stopped, name)
			return nil
		}
	}
	return errors.New("no loop running named " + name)
}

func openJournal(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(sqlite.DriverModernc, filepath.Join(t.TempDir(), "journal.db"), "threader")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusAndEvents(t *testing.T) {
	journal := openJournal(t)
	ctx := context.Background()
	require.NoError(t, journal.Record(ctx, "thread.published", "m1", map[string]any{"topic": "T1"}))
	require.NoError(t, journal.Record(ctx, "item.classified", "m1", map[string]any{"kind": "NEWSLETTER"}))

	ledger := dedup.NewLedger()
	ledger.MarkIfUnseen("m1")
	wm := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	loops := &fakeLoops{running: []string{"inbox", "mentions"}}
	r := NewRouter(Deps{
		Sessions:  fakeSession{},
		Loops:     loops,
		Journal:   journal,
		Watermark: dedup.NewWatermark(wm),
		Ledger:    ledger,
	}, nil)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "authenticated", status.Session)
	assert.Equal(t, "threader", status.User)
	assert.True(t, wm.Equal(status.Watermark))
	assert.Equal(t, 1, status.Handled)
	assert.Equal(t, []string{"inbox", "mentions"}, status.Loops)
	assert.Equal(t, map[string]int64{"thread.published": 1, "item.classified": 1}, status.Events)
	assert.Equal(t, int64(2), status.Outbox)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/events?type=thread.published", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var events []sqlite.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].ItemID)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/events?type=nothing", nil))
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/loops/mentions/stop", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"mentions"}, loops.stopped)

	w = do(t, r, httptest.NewRequest(http.MethodPost, "/loops/mentions/stop", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEventsWithoutJournal(t *testing.T) {
	r := NewRouter(Deps{Sessions: fakeSession{}, Loops: &fakeLoops{}}, nil)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOperatorBasicAuth(t *testing.T) {
	journal := openJournal(t)
	ops := auth.NewOperatorService(journal.DB)
	_, err := ops.CreateOperator(context.Background(), "alice", "s3cret")
	require.NoError(t, err)

	r := NewRouter(Deps{Sessions: fakeSession{}, Loops: &fakeLoops{}, Journal: journal, Operators: ops}, nil)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, do(t, r, req).Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("alice", "s3cret")
	assert.Equal(t, http.StatusOK, do(t, r, req).Code)

	w = do(t, r, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code, "health stays open")
}

func TestJWTAuth(t *testing.T) {
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "ops"))
	require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	pub, err := jwk.PublicKeyOf(key)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	r := NewRouter(Deps{Sessions: fakeSession{}, Loops: &fakeLoops{}, Verifier: auth.NewStaticJWTVerifier(set)}, nil)

	w := do(t, r, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := jwt.NewBuilder().Subject("op-1").Expiration(time.Now().Add(time.Hour)).Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+string(signed))
	assert.Equal(t, http.StatusOK, do(t, r, req).Code)
}

func TestServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil)
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/apperr"
	"github.com/fathima-sithara/messaging-core/internal/domain"
	"github.com/fathima-sithara/messaging-core/internal/gateway"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/service"
	"github.com/fathima-sithara/messaging-core/internal/typing"
)

type tokens map[string]string

func (t tokens) VerifyToken(token string) (string, error) {
	if uid, ok := t[token]; ok {
		return uid, nil
	}
	return "", apperr.ErrAuth
}

type lastSeen map[string]time.Time

func (l lastSeen) LastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	at, ok := l[userID]
	return at, ok, nil
}

type countingLimiter struct {
	n   int
	err error
}

func (l *countingLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.n++
	return l.n <= limit, nil
}

type fixture struct {
	t        *testing.T
	app      *fiber.App
	svc      *service.Service
	presence *presence.Registry
}

func newFixture(t *testing.T, mod func(*Options)) *fixture {
	store := repository.NewMemoryStore()
	pres := presence.NewRegistry()
	h := hub.New()
	svc := service.New(service.Deps{Store: store, Presence: pres, Hub: h, Typing: typing.NewRegistry()})
	verifier := tokens{"tok-alice": "alice", "tok-bob": "bob", "tok-carol": "carol"}
	o := Options{
		Verifier: verifier,
		Service:  svc,
		Session: gateway.New(gateway.Options{
			Verifier: verifier, Service: svc, Store: store, Presence: pres, Hub: h,
		}),
		Presence: pres,
		LastSeen: lastSeen{"bob": time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	if mod != nil {
		mod(&o)
	}
	return &fixture{t: t, app: NewServer(context.Background(), o), svc: svc, presence: pres}
}

func (f *fixture) do(method, path, token, body string) (int, map[string]any) {
	f.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(f.t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (f *fixture) send(convID, from, text string) {
	f.t.Helper()
	_, err := f.svc.Delivery.Send(context.Background(), convID, from, service.SendInput{
		Content: domain.Content{Kind: domain.KindText, Text: text},
	})
	require.NoError(f.t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)
	for _, tok := range []string{"", "bogus"} {
		status, _ := f.do(http.MethodGet, "/v1/unread", tok, "")
		assert.Equal(t, http.StatusUnauthorized, status, "token %q", tok)
	}
}

func TestWebsocketRouteNeedsUpgrade(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.do(http.MethodGet, "/v1/ws?token=tok-alice", "", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestOpenConversation(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(http.MethodPost, "/v1/conversations", "tok-bob", `{"participantId":"alice","listingId":"l1"}`)
	require.Equal(t, http.StatusCreated, status)
	id := body["id"].(string)
	assert.Equal(t, "l1", body["listingId"])

	status, body = f.do(http.MethodPost, "/v1/conversations", "tok-alice", `{"participantId":"bob"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, body["id"])

	status, body = f.do(http.MethodPost, "/v1/conversations", "tok-bob", `{"participantId":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperr.CodeValidation, body["error"])
}

func TestListAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	_, body := f.do(http.MethodPost, "/v1/conversations", "tok-bob", `{"participantId":"alice"}`)
	id := body["id"].(string)
	f.send(id, "bob", "hi")
	f.send(id, "bob", "still there?")

	status, body := f.do(http.MethodGet, "/v1/conversations", "tok-alice", "")
	require.Equal(t, http.StatusOK, status)
	convs := body["conversations"].([]any)
	require.Len(t, convs, 1)
	view := convs[0].(map[string]any)
	assert.Equal(t, float64(2), view["unreadCount"])
	assert.Equal(t, false, view["peerOnline"])

	status, body = f.do(http.MethodGet, "/v1/conversations/"+id+"/messages?limit=1", "tok-alice", "")
	require.Equal(t, http.StatusOK, status)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)

	status, _ = f.do(http.MethodGet, "/v1/conversations/"+id+"/messages", "tok-carol", "")
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = f.do(http.MethodGet, "/v1/conversations/"+id+"/messages?before=yesterday", "tok-alice", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(http.MethodGet, "/v1/unread", "tok-alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
}

func TestPresence(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(http.MethodGet, "/v1/presence/bob", "tok-alice", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "2024-05-01T12:00:00Z", body["lastSeen"])

	_, body = f.do(http.MethodGet, "/v1/presence/carol", "tok-alice", "")
	assert.NotContains(t, body, "lastSeen")
}

func TestRateLimit(t *testing.T) {
	l := &countingLimiter{}
	f := newFixture(t, func(o *Options) {
		o.Limiter = l
		o.RateLimit = 2
		o.RateWindow = time.Minute
	})
	for i := 0; i < 2; i++ {
		status, _ := f.do(http.MethodGet, "/v1/unread", "tok-alice", "")
		assert.Equal(t, http.StatusOK, status)
	}
	status, body := f.do(http.MethodGet, "/v1/unread", "tok-alice", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, apperr.CodeRateLimited, body["error"])

	l.err = errors.New("redis down")
	status, _ = f.do(http.MethodGet, "/v1/unread", "tok-alice", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestErrorHandlerHidesStorageDetails(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: errorHandler(zap.NewNop())})
	app.Get("/down", func(*fiber.Ctx) error {
		return apperr.Persistence("list conversations", errors.New("dial tcp mongo-0:27017: connection refused"))
	})
	app.Get("/missing", func(*fiber.Ctx) error {
		return fmt.Errorf("conversation c-secret: %w", apperr.ErrNotFound)
	})
	f := &fixture{t: t, app: app}

	status, body := f.do(http.MethodGet, "/down", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, apperr.CodePersistence, body["error"])
	assert.Equal(t, "persistence failure", body["message"])

	status, body = f.do(http.MethodGet, "/missing", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not found", body["message"])
}

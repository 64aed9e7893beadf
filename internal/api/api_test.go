package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.presence/internal/auth"
	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/connection/conntest"
	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/health"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/room"
	"sudooom.im.presence/internal/service"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store/memory"
)

type stubConversations struct {
	convs []model.Conversation
	err   error
}

func (s *stubConversations) List(context.Context, string, int64, int64) ([]model.Conversation, error) {
	return s.convs, s.err
}

func (s *stubConversations) TotalUnread(context.Context, string) (int64, error) {
	var total int64
	for _, c := range s.convs {
		total += int64(c.UnreadCount)
	}
	return total, s.err
}

type apiResponse struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	router     *gin.Engine
	svc        *service.MessageService
	registry   *connection.Registry
	membership *room.Membership
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	gin.SetMode(gin.TestMode)

	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := connection.NewRegistry()
	membership := room.NewMembership()
	b := fanout.NewBroadcaster(membership, registry, nil, nil)
	svc := service.NewMessageService(memory.New(sf), membership, registry, b)

	cfg := &config.Config{}
	cfg.App.Mode = gin.TestMode
	cfg.CORS.AllowedOrigins = []string{"*"}
	cfg.CORS.AllowedMethods = []string{"GET", "OPTIONS"}

	deps := Deps{
		Node:       "presence-1",
		History:    svc,
		Registry:   registry,
		Membership: membership,
		Health:     health.NewChecker("presence-1", registry),
		Metrics:    metrics.New(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{router: NewRouter(cfg, deps), svc: svc, registry: registry, membership: membership}
}

func (f *fixture) get(t *testing.T, path string, header ...string) (int, apiResponse) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var resp apiResponse
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestReady_RequiredDependencyDown(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Health = health.NewChecker("presence-1", nil).
			Require("storage", func(context.Context) error { return errors.New("down") })
	})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var last *model.Message
	for i := 0; i < 3; i++ {
		msg, err := f.svc.SendDirect(ctx, service.DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "m", Kind: model.MessageKindText})
		require.NoError(t, err)
		last = msg
	}

	code, resp := f.get(t, "/api/v1/conversations/dm:U1:U2/messages?user=U2&limit=2")
	require.Equal(t, http.StatusOK, code)
	var page HistoryPage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, last.ID, page.Messages[0].ID)
	assert.Equal(t, page.Messages[1].ID, page.NextBefore)

	code, resp = f.get(t, "/api/v1/conversations/dm:U1:U2/messages?user=U3")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NotAMember", resp.Code)

	code, _ = f.get(t, "/api/v1/conversations/dm:U1:U2/messages")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.get(t, "/api/v1/conversations/dm:U1:U2/messages?user=U1&before=abc")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHistory_BearerToken(t *testing.T) {
	tokens := auth.NewService("secret", time.Hour)
	f := newFixture(t, func(d *Deps) { d.Tokens = tokens })
	_, err := f.svc.SendDirect(context.Background(), service.DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "m", Kind: model.MessageKindText})
	require.NoError(t, err)

	code, resp := f.get(t, "/api/v1/conversations/dm:U1:U2/messages")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Unauthorized", resp.Code)

	token, err := tokens.GenerateToken("U2")
	require.NoError(t, err)

	code, _ = f.get(t, "/api/v1/conversations/dm:U1:U2/messages", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusOK, code)

	code, _ = f.get(t, "/api/v1/conversations/dm:U1:U2/messages?user=U1", "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusBadRequest, code, "claimed user must match token")
}

func TestConversations(t *testing.T) {
	f := newFixture(t, nil)
	code, resp := f.get(t, "/api/v1/users/U1/conversations")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "StorageUnavailable", resp.Code)

	stub := &stubConversations{convs: []model.Conversation{
		{Key: "dm:U1:U2", PeerID: "U2", LastMsgID: 9, UnreadCount: 2},
		{Key: "pl:p1", PlaylistID: "p1", LastMsgID: 7, UnreadCount: 1},
	}}
	f = newFixture(t, func(d *Deps) { d.Conversations = stub })

	code, resp = f.get(t, "/api/v1/users/U1/conversations")
	require.Equal(t, http.StatusOK, code)
	var page ConversationPage
	require.NoError(t, json.Unmarshal(resp.Data, &page))
	assert.Len(t, page.Conversations, 2)
	assert.Equal(t, int64(3), page.TotalUnread)

	code, _ = f.get(t, "/api/v1/users/bad:id/conversations")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPresenceAndStats(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Peers = func() int { return 1 } })
	s := f.registry.Register("U1", conntest.NewSink())
	key, _ := identity.GroupKey("p1")
	f.membership.Join(key, s.ID)

	code, resp := f.get(t, "/api/v1/users/U1/presence")
	require.Equal(t, http.StatusOK, code)
	var info PresenceInfo
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.True(t, info.Online)
	assert.Equal(t, 1, info.LocalSessions)

	code, resp = f.get(t, "/api/v1/users/U2/presence")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(resp.Data, &info))
	assert.False(t, info.Online)

	code, resp = f.get(t, "/api/v1/stats")
	require.Equal(t, http.StatusOK, code)
	var stats Stats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, Stats{Node: "presence-1", Sessions: 1, Users: 1, Peers: 1, Rooms: 1, Memberships: 1}, stats)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))
}

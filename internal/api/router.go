// Package api HTTP 接口：健康检查、历史消息、会话列表、在线状态和统计
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"sudooom.im.presence/internal/auth"
	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/health"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/room"
)

// HistoryReader 历史消息查询
type HistoryReader interface {
	History(ctx context.Context, userID string, key identity.Key, beforeID int64, limit int) ([]*model.Message, error)
}

// ConversationLister 会话列表
type ConversationLister interface {
	List(ctx context.Context, userID string, offset, limit int64) ([]model.Conversation, error)
	TotalUnread(ctx context.Context, userID string) (int64, error)
}

// PresenceLookup 跨节点在线目录
type PresenceLookup interface {
	Sessions(ctx context.Context, userID string) (map[string]string, error)
}

// Deps 路由依赖，Conversations / Presence / Tokens / Metrics 可以为 nil
type Deps struct {
	Node          string
	History       HistoryReader
	Conversations ConversationLister
	Presence      PresenceLookup
	Registry      *connection.Registry
	Membership    *room.Membership
	Health        *health.Checker
	Metrics       *metrics.Metrics
	Tokens        *auth.Service
	WebSocket     http.Handler
	Peers         func() int
}

// NewRouter 设置路由
func NewRouter(cfg *config.Config, deps Deps) *gin.Engine {
	gin.SetMode(cfg.App.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(slog.Default()))
	r.Use(CORS(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowCredentials,
	))

	h := &handlers{deps: deps}

	r.GET("/health", h.liveness)
	r.GET("/ready", gin.WrapH(deps.Health))
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	if deps.WebSocket != nil {
		r.GET("/ws", gin.WrapH(deps.WebSocket))
	}

	v1 := r.Group("/api/v1")
	v1.Use(BearerAuth(deps.Tokens))
	{
		v1.GET("/conversations/:key/messages", h.history)
		v1.GET("/users/:userId/conversations", h.conversations)
		v1.GET("/users/:userId/presence", h.presence)
		v1.GET("/stats", h.stats)
	}

	return r
}

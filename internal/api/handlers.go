package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/store"
)

const defaultConversationLimit = 20

type handlers struct {
	deps Deps
}

// HistoryPage 历史消息分页
type HistoryPage struct {
	Messages []*model.Message `json:"messages"`
	// NextBefore 下一页的 before 参数，0 表示没有更多
	NextBefore int64 `json:"nextBefore,string"`
}

// ConversationPage 会话列表
type ConversationPage struct {
	Conversations []model.Conversation `json:"conversations"`
	TotalUnread   int64                `json:"totalUnread"`
}

// PresenceInfo 用户在线状态
type PresenceInfo struct {
	UserID        string            `json:"userId"`
	Online        bool              `json:"online"`
	LocalSessions int               `json:"localSessions"`
	Cluster       map[string]string `json:"cluster,omitempty"`
}

// Stats 节点统计
type Stats struct {
	Node        string `json:"node"`
	Sessions    int    `json:"sessions"`
	Users       int    `json:"users"`
	Peers       int    `json:"peers"`
	Rooms       int    `json:"rooms"`
	Memberships int    `json:"memberships"`
}

func (h *handlers) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node": h.deps.Node})
}

// history GET /api/v1/conversations/:key/messages?user=&before=&limit=
func (h *handlers) history(c *gin.Context) {
	userID, err := requestUser(c, c.Query("user"))
	if err != nil {
		Error(c, err)
		return
	}
	before, err := queryInt(c, "before")
	if err != nil {
		Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		Error(c, err)
		return
	}

	msgs, err := h.deps.History.History(c.Request.Context(), userID, identity.Key(c.Param("key")), before, int(limit))
	if err != nil {
		Error(c, err)
		return
	}

	page := HistoryPage{Messages: msgs}
	if len(msgs) > 0 && len(msgs) == store.ClampLimit(int(limit)) {
		page.NextBefore = msgs[len(msgs)-1].ID
	}
	if page.Messages == nil {
		page.Messages = []*model.Message{}
	}
	Success(c, page)
}

// conversations GET /api/v1/users/:userId/conversations?offset=&limit=
func (h *handlers) conversations(c *gin.Context) {
	if h.deps.Conversations == nil {
		Error(c, apperrors.ErrStorageUnavailable.WithMessage("conversation index not configured"))
		return
	}
	userID, err := h.pathUser(c)
	if err != nil {
		Error(c, err)
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		Error(c, err)
		return
	}
	if limit <= 0 {
		limit = defaultConversationLimit
	}

	ctx := c.Request.Context()
	convs, err := h.deps.Conversations.List(ctx, userID, offset, limit)
	if err != nil {
		Error(c, apperrors.ErrStorageUnavailable.Wrap(err))
		return
	}
	unread, err := h.deps.Conversations.TotalUnread(ctx, userID)
	if err != nil {
		Error(c, apperrors.ErrStorageUnavailable.Wrap(err))
		return
	}
	Success(c, ConversationPage{Conversations: convs, TotalUnread: unread})
}

// presence GET /api/v1/users/:userId/presence
func (h *handlers) presence(c *gin.Context) {
	userID, err := h.pathUser(c)
	if err != nil {
		Error(c, err)
		return
	}

	info := PresenceInfo{
		UserID:        userID,
		LocalSessions: len(h.deps.Registry.SessionsFor(userID)),
	}
	if h.deps.Presence != nil {
		sessions, err := h.deps.Presence.Sessions(c.Request.Context(), userID)
		if err != nil {
			Error(c, apperrors.ErrStorageUnavailable.Wrap(err))
			return
		}
		info.Cluster = sessions
	}
	info.Online = info.LocalSessions > 0 || len(info.Cluster) > 0
	Success(c, info)
}

// stats GET /api/v1/stats
func (h *handlers) stats(c *gin.Context) {
	rooms := h.deps.Membership.Stats()
	s := Stats{
		Node:        h.deps.Node,
		Sessions:    h.deps.Registry.Count(),
		Users:       h.deps.Registry.Users(),
		Rooms:       rooms.Rooms,
		Memberships: rooms.Memberships,
	}
	if h.deps.Peers != nil {
		s.Peers = h.deps.Peers()
	}
	Success(c, s)
}

func (h *handlers) pathUser(c *gin.Context) (string, error) {
	userID := c.Param("userId")
	if err := identity.ValidateID(userID); err != nil {
		return "", err
	}
	return requestUser(c, userID)
}

func queryInt(c *gin.Context, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperrors.ErrValidationFailed.WithMessage("invalid %s", name)
	}
	return v, nil
}

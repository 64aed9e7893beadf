package cache

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
)

// ConversationIndex 会话索引（基于 Redis）
// 记录每个用户参与的会话、最后一条消息和未读数，用于会话列表
type ConversationIndex struct {
	redisClient *redis.Client
	logger      *slog.Logger
}

// NewConversationIndex 创建会话索引
func NewConversationIndex(redisClient *redis.Client) *ConversationIndex {
	return &ConversationIndex{
		redisClient: redisClient,
		logger:      slog.Default(),
	}
}

// RecordMessage 新消息持久化后更新发送者和接收者的会话
// 发送者只更新最后消息，其他接收者未读数加一
func (s *ConversationIndex) RecordMessage(ctx context.Context, msg *model.Message, recipients []string) error {
	now := time.Now().UnixMilli()
	member := string(msg.ConversationKey)

	pipe := s.redisClient.Pipeline()

	senderKey := BuildConversationKey(msg.SenderID, msg.ConversationKey)
	pipe.HSet(ctx, senderKey, "last_msg_id", msg.ID, "update_at", now)
	pipe.ZAdd(ctx, BuildConversationIndexKey(msg.SenderID), redis.Z{Score: float64(now), Member: member})

	seen := map[string]bool{msg.SenderID: true}
	for _, userID := range recipients {
		if seen[userID] {
			continue
		}
		seen[userID] = true

		convKey := BuildConversationKey(userID, msg.ConversationKey)
		pipe.HSet(ctx, convKey, "last_msg_id", msg.ID, "update_at", now)
		pipe.HIncrBy(ctx, convKey, "unread_count", 1)
		pipe.ZAdd(ctx, BuildConversationIndexKey(userID), redis.Z{Score: float64(now), Member: member})
	}

	_, err := pipe.Exec(ctx)
	return err
}

// MarkRead 标记会话已读到 lastReadMsgID
func (s *ConversationIndex) MarkRead(ctx context.Context, userID string, key identity.Key, lastReadMsgID int64) error {
	convKey := BuildConversationKey(userID, key)
	return s.redisClient.HSet(ctx, convKey, "unread_count", 0, "last_read_msg_id", lastReadMsgID).Err()
}

// List 获取用户会话列表（按更新时间倒序）
func (s *ConversationIndex) List(ctx context.Context, userID string, offset, limit int64) ([]model.Conversation, error) {
	idxKey := BuildConversationIndexKey(userID)

	members, err := s.redisClient.ZRevRange(ctx, idxKey, offset, offset+limit-1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []model.Conversation{}, nil
	}

	// Pipeline 批量获取会话详情
	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, BuildConversationKey(userID, identity.Key(m)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	conversations := make([]model.Conversation, 0, len(members))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		key := identity.Key(members[i])
		conv := model.Conversation{
			Key:           key,
			LastMsgID:     parseInt64(data["last_msg_id"]),
			LastReadMsgID: parseInt64(data["last_read_msg_id"]),
			UnreadCount:   int(parseInt64(data["unread_count"])),
			UpdateAt:      parseInt64(data["update_at"]),
		}
		if a, b, ok := key.Participants(); ok {
			conv.PeerID = a
			if a == userID {
				conv.PeerID = b
			}
		}
		if playlistID, ok := key.PlaylistID(); ok {
			conv.PlaylistID = playlistID
		}
		conversations = append(conversations, conv)
	}

	return conversations, nil
}

// TotalUnread 获取用户总未读数
func (s *ConversationIndex) TotalUnread(ctx context.Context, userID string) (int64, error) {
	members, err := s.redisClient.ZRange(ctx, BuildConversationIndexKey(userID), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := s.redisClient.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, BuildConversationKey(userID, identity.Key(m)), "unread_count")
	}
	// 部分会话可能没有 unread_count 字段
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	var total int64
	for _, cmd := range cmds {
		total += parseInt64(cmd.Val())
	}
	return total, nil
}

func parseInt64(str string) int64 {
	v, _ := strconv.ParseInt(str, 10, 64)
	return v
}

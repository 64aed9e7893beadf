package cache

import (
	"fmt"

	"sudooom.im.presence/internal/identity"
)

const (
	// ConversationKeyPrefix 用户会话详情 Hash 前缀
	ConversationKeyPrefix = "im:conv:"
	// ConversationIndexPrefix 用户会话索引 ZSet 前缀，score 为更新时间
	ConversationIndexPrefix = "im:conv:idx:"
	// PresenceKeyPrefix 用户在线会话 Hash 前缀，field 为 sessionId，value 为节点
	PresenceKeyPrefix = "im:presence:"
)

// BuildConversationKey 用户视角的会话详情
// Key: im:conv:{userId}:{conversationKey}
func BuildConversationKey(userID string, key identity.Key) string {
	return fmt.Sprintf("%s%s:%s", ConversationKeyPrefix, userID, key)
}

// BuildConversationIndexKey 用户会话索引
// Key: im:conv:idx:{userId}，member 为会话键
func BuildConversationIndexKey(userID string) string {
	return ConversationIndexPrefix + userID
}

// BuildPresenceKey 用户在线会话
// Key: im:presence:{userId}
func BuildPresenceKey(userID string) string {
	return PresenceKeyPrefix + userID
}

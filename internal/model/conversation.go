package model

import "sudooom.im.presence/internal/identity"

// Conversation 会话信息（存储在 Redis）
type Conversation struct {
	Key           identity.Key `json:"key"`
	PeerID        string       `json:"peerId,omitempty"`     // 私聊对方ID
	PlaylistID    string       `json:"playlistId,omitempty"` // 歌单ID
	LastMsgID     int64        `json:"lastMsgId,string"`     // 最后一条消息ID
	LastReadMsgID int64        `json:"lastReadMsgId,string"` // 最后已读消息ID
	UnreadCount   int          `json:"unreadCount"`          // 未读数
	UpdateAt      int64        `json:"updateAt"`             // 更新时间（毫秒）
}

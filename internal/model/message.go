package model

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
)

// MessageKind 消息类型
type MessageKind string

const (
	MessageKindText  MessageKind = "text"  // 文本
	MessageKindImage MessageKind = "image" // 图片
	MessageKindSong  MessageKind = "song"  // 分享歌曲
)

// Valid 是否为支持的消息类型
func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindSong:
		return true
	}
	return false
}

// ReactionType 表情回应类型
type ReactionType string

const (
	ReactionLike  ReactionType = "like"
	ReactionLove  ReactionType = "love"
	ReactionWow   ReactionType = "wow"
	ReactionHaha  ReactionType = "haha"
	ReactionSad   ReactionType = "sad"
	ReactionAngry ReactionType = "angry"
)

func (r ReactionType) Valid() bool {
	switch r {
	case ReactionLike, ReactionLove, ReactionWow, ReactionHaha, ReactionSad, ReactionAngry:
		return true
	}
	return false
}

// MaxContentLength 文本内容最大字节数
const MaxContentLength = 4096

// Reaction 用户对消息的回应，每个用户每条消息最多一个
type Reaction struct {
	UserID string       `json:"userId"`
	Type   ReactionType `json:"type"`
}

// Message 消息实体
// 创建后只有 IsRead 和 Reactions 可以修改
type Message struct {
	ID              int64        `json:"id,string"`
	ClientMsgID     string       `json:"clientMsgId,omitempty"`
	ConversationKey identity.Key `json:"conversationKey"`
	SenderID        string       `json:"senderId"`
	ReceiverID      string       `json:"receiverId,omitempty"`
	PlaylistID      string       `json:"playlistId,omitempty"`
	Content         string       `json:"content"`
	Kind            MessageKind  `json:"kind"`
	SongRef         string       `json:"songRef,omitempty"`
	ImageRef        string       `json:"imageRef,omitempty"`
	IsRead          bool         `json:"isRead"`
	ParentMessageID int64        `json:"parentMessageId,omitempty,string"`
	Reactions       []Reaction   `json:"reactions"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// IsDirect 是否为私聊消息
func (m *Message) IsDirect() bool {
	return m.ReceiverID != ""
}

// Clone 深拷贝，存储层返回给调用方的消息不共享 Reactions 切片
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Reactions = make([]Reaction, len(m.Reactions))
	copy(c.Reactions, m.Reactions)
	return &c
}

// ValidateBody 校验消息内容与类型是否匹配
func ValidateBody(kind MessageKind, content, songRef, imageRef string) error {
	if !kind.Valid() {
		return apperrors.ErrValidationFailed.WithMessage("unsupported message kind %q", string(kind))
	}
	if len(content) > MaxContentLength {
		return apperrors.ErrValidationFailed.WithMessage("content exceeds %d bytes", MaxContentLength)
	}
	if !utf8.ValidString(content) {
		return apperrors.ErrValidationFailed.WithMessage("content is not valid utf-8")
	}

	switch kind {
	case MessageKindText:
		if strings.TrimSpace(content) == "" {
			return apperrors.ErrValidationFailed.WithMessage("text message requires content")
		}
	case MessageKindImage:
		if strings.TrimSpace(imageRef) == "" {
			return apperrors.ErrValidationFailed.WithMessage("image message requires imageRef")
		}
	case MessageKindSong:
		if strings.TrimSpace(songRef) == "" {
			return apperrors.ErrValidationFailed.WithMessage("song message requires songRef")
		}
	}
	return nil
}

// ApplyReaction 同一用户的新回应替换旧回应，返回新切片
func ApplyReaction(reactions []Reaction, r Reaction) []Reaction {
	out := make([]Reaction, 0, len(reactions)+1)
	for _, existing := range reactions {
		if existing.UserID == r.UserID {
			continue
		}
		out = append(out, existing)
	}
	return append(out, r)
}

// Package protocol 定义客户端与服务端之间的事件信封和载荷
//
// 每个帧都是一个 JSON 信封：{"event": "...", "reqId": "...", "data": {...}}
package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/model"
)

// ============== 上行事件 (Client -> Server) ==============

const (
	EventIdentify           = "identify"
	EventJoinGroup          = "joinGroup"
	EventLeaveGroup         = "leaveGroup"
	EventSendDirect         = "sendDirect"
	EventSendGroup          = "sendGroup"
	EventReact              = "react"
	EventMarkRead           = "markRead"
	EventUpdatePlaylistSong = "updatePlaylistSong"
	EventLogout             = "logout"
)

// ============== 下行事件 (Server -> Client) ==============

const (
	EventIdentified          = "identified"
	EventJoinedGroup         = "joinedGroup"
	EventLeftGroup           = "leftGroup"
	EventNewMessage          = "newMessage"
	EventNewGroupMessage     = "newGroupMessage"
	EventMessageUpdated      = "messageUpdated"
	EventPlaylistSongUpdated = "playlistSongUpdated"
	EventError               = "error"
)

// Envelope 事件信封
type Envelope struct {
	Event string          `json:"event"`
	ReqID string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IdentifyRequest 绑定用户身份
type IdentifyRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// GroupRequest joinGroup / leaveGroup
type GroupRequest struct {
	PlaylistID string `json:"playlistId"`
}

// SendDirectRequest 私聊发送
type SendDirectRequest struct {
	ReceiverID      string            `json:"receiverId"`
	Content         string            `json:"content"`
	Kind            model.MessageKind `json:"kind"`
	SongRef         string            `json:"songRef,omitempty"`
	ImageRef        string            `json:"imageRef,omitempty"`
	ParentMessageID int64             `json:"parentMessageId,omitempty,string"`
	ClientMsgID     string            `json:"clientMsgId,omitempty"`
}

// SendGroupRequest 歌单群聊发送
type SendGroupRequest struct {
	PlaylistID      string            `json:"playlistId"`
	Content         string            `json:"content"`
	Kind            model.MessageKind `json:"kind"`
	SongRef         string            `json:"songRef,omitempty"`
	ImageRef        string            `json:"imageRef,omitempty"`
	ParentMessageID int64             `json:"parentMessageId,omitempty,string"`
	ClientMsgID     string            `json:"clientMsgId,omitempty"`
}

// ReactRequest 表情回应
type ReactRequest struct {
	MessageID    int64              `json:"messageId,string"`
	ReactionType model.ReactionType `json:"reactionType"`
}

// MarkReadRequest 已读回执
type MarkReadRequest struct {
	MessageID int64 `json:"messageId,string"`
}

// PlaylistSongRequest 协作编辑歌单时的歌曲变更通知
type PlaylistSongRequest struct {
	PlaylistID string `json:"playlistId"`
	SongID     string `json:"songId"`
	Action     string `json:"action"`
}

// Identified identify 成功
type Identified struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// GroupAck joinedGroup / leftGroup
type GroupAck struct {
	PlaylistID string `json:"playlistId"`
}

// MessageUpdated 消息的可变字段发生变化
type MessageUpdated struct {
	MessageID       int64            `json:"messageId,string"`
	ConversationKey string           `json:"conversationKey"`
	Reactions       []model.Reaction `json:"reactions,omitempty"`
	IsRead          *bool            `json:"isRead,omitempty"`
}

// PlaylistSongUpdated 歌单歌曲变更广播
type PlaylistSongUpdated struct {
	PlaylistID string `json:"playlistId"`
	SongID     string `json:"songId"`
	Action     string `json:"action"`
	UserID     string `json:"userId"`
}

// Error 只发给请求来源会话
type Error struct {
	Code   apperrors.Code `json:"code"`
	Detail string         `json:"detail"`
}

// Decode 解析信封
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.ErrValidationFailed.WithMessage("malformed envelope").Wrap(err)
	}
	if env.Event == "" {
		return nil, apperrors.ErrValidationFailed.WithMessage("envelope has no event")
	}
	return &env, nil
}

// Bind 将 data 解析到载荷结构
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return apperrors.ErrValidationFailed.WithMessage("%s requires data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return apperrors.ErrValidationFailed.WithMessage("invalid %s payload", e.Event).Wrap(err)
	}
	return nil
}

// Encode 编码下行事件
func Encode(event, reqID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, ReqID: reqID, Data: raw})
}

// EncodeError 编码错误事件，错误码取自 AppError
func EncodeError(reqID string, err error) []byte {
	// Error 只包含字符串字段，不会编码失败
	frame, _ := Encode(EventError, reqID, Error{
		Code:   apperrors.GetCode(err),
		Detail: apperrors.GetMessage(err),
	})
	return frame
}

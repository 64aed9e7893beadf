// Package identity 负责会话标识的推导
//
// 所有会话键都是纯函数计算的结果，不依赖任何存储：
//
//	私聊  dm:<lo>:<hi>      lo <= hi（字典序）
//	歌单  pl:<playlistId>
//	收件箱 user:<userId>
package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	apperrors "sudooom.im.presence/internal/errors"
)

// Key 会话键
type Key string

// Kind 会话类型
type Kind int

const (
	KindUnknown Kind = iota
	KindDirect
	KindGroup
	KindInbox
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindGroup:
		return "group"
	case KindInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

const (
	directPrefix = "dm"
	groupPrefix  = "pl"
	inboxPrefix  = "user"
	separator    = ":"

	// MaxIDLength 单个标识的最大字节数
	MaxIDLength = 128
)

// ValidateID 校验用户 ID / 歌单 ID
// 不允许为空、超长、包含分隔符、空白或控制字符
func ValidateID(id string) error {
	if id == "" {
		return apperrors.ErrInvalidIdentifier.WithMessage("identifier is empty")
	}
	if len(id) > MaxIDLength {
		return apperrors.ErrInvalidIdentifier.WithMessage("identifier exceeds %d bytes", MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return apperrors.ErrInvalidIdentifier.WithMessage("identifier is not valid utf-8")
	}
	for _, r := range id {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperrors.ErrInvalidIdentifier.WithMessage("identifier %q contains a reserved character", id)
		}
	}
	return nil
}

// DirectKey 私聊会话键，与参数顺序无关
func DirectKey(a, b string) (Key, error) {
	if err := ValidateID(a); err != nil {
		return "", err
	}
	if err := ValidateID(b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return Key(directPrefix + separator + a + separator + b), nil
}

// GroupKey 歌单群聊会话键
func GroupKey(playlistID string) (Key, error) {
	if err := ValidateID(playlistID); err != nil {
		return "", err
	}
	return Key(groupPrefix + separator + playlistID), nil
}

// InboxKey 用户收件箱房间，每个已识别的会话都会加入
func InboxKey(userID string) (Key, error) {
	if err := ValidateID(userID); err != nil {
		return "", err
	}
	return Key(inboxPrefix + separator + userID), nil
}

// Parse 解析会话键，返回类型和组成部分
// 私聊返回两个参与者，群聊返回歌单 ID，收件箱返回用户 ID
func Parse(key Key) (Kind, []string, error) {
	parts := strings.Split(string(key), separator)
	invalid := apperrors.ErrInvalidIdentifier.WithMessage("malformed conversation key %q", string(key))

	switch parts[0] {
	case directPrefix:
		if len(parts) != 3 || parts[1] > parts[2] {
			return KindUnknown, nil, invalid
		}
	case groupPrefix, inboxPrefix:
		if len(parts) != 2 {
			return KindUnknown, nil, invalid
		}
	default:
		return KindUnknown, nil, invalid
	}

	for _, p := range parts[1:] {
		if err := ValidateID(p); err != nil {
			return KindUnknown, nil, invalid
		}
	}

	switch parts[0] {
	case directPrefix:
		return KindDirect, parts[1:], nil
	case groupPrefix:
		return KindGroup, parts[1:], nil
	default:
		return KindInbox, parts[1:], nil
	}
}

func (k Key) String() string {
	return string(k)
}

// Kind 返回会话类型，非法键返回 KindUnknown
func (k Key) Kind() Kind {
	kind, _, err := Parse(k)
	if err != nil {
		return KindUnknown
	}
	return kind
}

// Participants 私聊的两个参与者
func (k Key) Participants() (string, string, bool) {
	kind, parts, err := Parse(k)
	if err != nil || kind != KindDirect {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PlaylistID 群聊对应的歌单 ID
func (k Key) PlaylistID() (string, bool) {
	kind, parts, err := Parse(k)
	if err != nil || kind != KindGroup {
		return "", false
	}
	return parts[0], true
}

// Involves 判断用户是否是私聊的参与者
func (k Key) Involves(userID string) bool {
	a, b, ok := k.Participants()
	return ok && (a == userID || b == userID)
}

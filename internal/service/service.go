// Package service 消息的校验、持久化与有序广播
//
// MessageService 是唯一调用存储写操作的组件。同一会话的 持久化+广播
// 由 sequencer 串行化，所有观察者看到的顺序与存储提交顺序一致。
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"sudooom.im.presence/internal/connection"
	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/protocol"
	"sudooom.im.presence/internal/store"
	"sudooom.im.presence/internal/workerpool"
)

// DefaultPersistTimeout 单次持久化超时
const DefaultPersistTimeout = 5 * time.Second

const maxActionLength = 32

// Deliverer 下行投递
type Deliverer interface {
	Deliver(ctx context.Context, aud fanout.Audience, frame []byte) int
}

// Rooms 房间成员查询
type Rooms interface {
	Has(key identity.Key, sessionID string) bool
	MembersOf(key identity.Key) []string
}

// Sessions 会话查询
type Sessions interface {
	SessionsFor(userID string) []string
	UserOf(sessionID string) (string, bool)
}

// ConversationTracker 会话列表索引，更新失败不影响消息投递
type ConversationTracker interface {
	RecordMessage(ctx context.Context, msg *model.Message, recipients []string) error
	MarkRead(ctx context.Context, userID string, key identity.Key, lastReadMsgID int64) error
}

// DirectRequest 私聊发送
type DirectRequest struct {
	SessionID       string
	SenderID        string
	ReceiverID      string
	Content         string
	Kind            model.MessageKind
	SongRef         string
	ImageRef        string
	ParentMessageID int64
	ClientMsgID     string
}

// GroupRequest 歌单群聊发送
type GroupRequest struct {
	SessionID       string
	SenderID        string
	PlaylistID      string
	Content         string
	Kind            model.MessageKind
	SongRef         string
	ImageRef        string
	ParentMessageID int64
	ClientMsgID     string
}

// Option MessageService 可选依赖
type Option func(*MessageService)

// WithTracker 启用会话列表索引
func WithTracker(t ConversationTracker) Option {
	return func(s *MessageService) { s.tracker = t }
}

// WithPool 副作用在 worker pool 中执行，未设置时同步执行
func WithPool(p *workerpool.Pool) Option {
	return func(s *MessageService) { s.pool = p }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(s *MessageService) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *MessageService) { s.metrics = m }
}

// MessageService 消息服务
type MessageService struct {
	store          store.MessageStore
	rooms          Rooms
	sessions       Sessions
	deliverer      Deliverer
	tracker        ConversationTracker
	pool           *workerpool.Pool
	metrics        *metrics.Metrics
	sequencer      *sequencer
	persistTimeout time.Duration
	logger         *slog.Logger
}

// NewMessageService 创建消息服务
func NewMessageService(st store.MessageStore, rooms Rooms, sessions Sessions, deliverer Deliverer, opts ...Option) *MessageService {
	s := &MessageService{
		store:          st,
		rooms:          rooms,
		sessions:       sessions,
		deliverer:      deliverer,
		sequencer:      newSequencer(),
		persistTimeout: DefaultPersistTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendDirect 发送私聊消息
// 广播给会话房间成员以及双方的所有会话
func (s *MessageService) SendDirect(ctx context.Context, req DirectRequest) (*model.Message, error) {
	key, err := identity.DirectKey(req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateBody(req.Kind, req.Content, req.SongRef, req.ImageRef); err != nil {
		return nil, err
	}

	draft := &model.Message{
		ClientMsgID:     req.ClientMsgID,
		ConversationKey: key,
		SenderID:        req.SenderID,
		ReceiverID:      req.ReceiverID,
		Content:         req.Content,
		Kind:            req.Kind,
		SongRef:         req.SongRef,
		ImageRef:        req.ImageRef,
		ParentMessageID: req.ParentMessageID,
	}
	aud := fanout.Audience{
		Rooms: []identity.Key{key},
		Users: []string{req.SenderID, req.ReceiverID},
	}
	msg, err := s.persistAndBroadcast(ctx, draft, protocol.EventNewMessage, aud)
	if err != nil {
		return nil, err
	}

	s.track(msg, []string{req.ReceiverID})
	return msg, nil
}

// SendGroup 发送歌单群聊消息，发送会话必须已加入房间
func (s *MessageService) SendGroup(ctx context.Context, req GroupRequest) (*model.Message, error) {
	if err := identity.ValidateID(req.SenderID); err != nil {
		return nil, err
	}
	key, err := identity.GroupKey(req.PlaylistID)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateBody(req.Kind, req.Content, req.SongRef, req.ImageRef); err != nil {
		return nil, err
	}
	if !s.isMember(key, req.SessionID, req.SenderID) {
		return nil, apperrors.ErrNotAMember.WithMessage("join playlist %s before sending", req.PlaylistID)
	}

	draft := &model.Message{
		ClientMsgID:     req.ClientMsgID,
		ConversationKey: key,
		SenderID:        req.SenderID,
		PlaylistID:      req.PlaylistID,
		Content:         req.Content,
		Kind:            req.Kind,
		SongRef:         req.SongRef,
		ImageRef:        req.ImageRef,
		ParentMessageID: req.ParentMessageID,
	}
	msg, err := s.persistAndBroadcast(ctx, draft, protocol.EventNewGroupMessage, fanout.Audience{Rooms: []identity.Key{key}})
	if err != nil {
		return nil, err
	}

	s.track(msg, s.roomUsers(key))
	return msg, nil
}

func (s *MessageService) persistAndBroadcast(ctx context.Context, draft *model.Message, event string, aud fanout.Audience) (*model.Message, error) {
	unlock := s.sequencer.lock(draft.ConversationKey)
	defer unlock()

	if draft.ParentMessageID != 0 {
		if err := s.checkThread(ctx, draft.ConversationKey, draft.ParentMessageID); err != nil {
			return nil, err
		}
	}

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	start := time.Now()
	msg, err := s.store.Append(persistCtx, draft)
	cancel()
	if err != nil {
		s.logger.Error("Failed to persist message",
			"conversationKey", draft.ConversationKey,
			"senderId", draft.SenderID,
			"error", err)
		return nil, store.Unavailable(err)
	}
	// 重复提交只能命中同一会话的消息，否则会把它广播进无关的房间
	if msg.ConversationKey != draft.ConversationKey {
		s.logger.Warn("Client message id resolved to another conversation",
			"messageId", msg.ID,
			"conversationKey", draft.ConversationKey,
			"senderId", draft.SenderID)
		return nil, apperrors.ErrValidationFailed.WithMessage("clientMsgId %q already used in another conversation", draft.ClientMsgID)
	}
	s.metrics.MessagePersisted(draft.ConversationKey.Kind().String(), time.Since(start))

	frame, err := protocol.Encode(event, "", msg)
	if err != nil {
		return nil, apperrors.ErrServerError.Wrap(err)
	}
	n := s.deliverer.Deliver(ctx, aud, frame)

	s.logger.Debug("Message delivered",
		"messageId", msg.ID,
		"conversationKey", msg.ConversationKey,
		"sessions", n)
	return msg, nil
}

// checkThread 父消息必须存在于同一会话
func (s *MessageService) checkThread(ctx context.Context, key identity.Key, parentID int64) error {
	parent, err := s.store.Get(ctx, parentID)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return apperrors.ErrInvalidThread.WithMessage("parent message %d does not exist", parentID)
		}
		return store.Unavailable(err)
	}
	if parent.ConversationKey != key {
		return apperrors.ErrInvalidThread.WithMessage("parent message %d belongs to another conversation", parentID)
	}
	return nil
}

// React 添加或替换用户对消息的回应
func (s *MessageService) React(ctx context.Context, messageID int64, userID string, reaction model.ReactionType) (*model.Message, error) {
	if err := identity.ValidateID(userID); err != nil {
		return nil, err
	}
	if !reaction.Valid() {
		return nil, apperrors.ErrValidationFailed.WithMessage("unsupported reaction %q", string(reaction))
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !s.participates(msg, userID) {
		return nil, apperrors.ErrNotAMember.WithMessage("not a participant of %s", msg.ConversationKey)
	}

	unlock := s.sequencer.lock(msg.ConversationKey)
	defer unlock()

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	updated, err := s.store.UpsertReaction(persistCtx, messageID, model.Reaction{UserID: userID, Type: reaction})
	cancel()
	if err != nil {
		return nil, store.Unavailable(err)
	}

	s.broadcastUpdate(ctx, s.audienceOf(updated), protocol.MessageUpdated{
		MessageID:       updated.ID,
		ConversationKey: updated.ConversationKey.String(),
		Reactions:       updated.Reactions,
	})
	return updated, nil
}

// MarkRead 接收方标记消息已读，只通知发送者
func (s *MessageService) MarkRead(ctx context.Context, messageID int64, readerID string) (*model.Message, error) {
	if err := identity.ValidateID(readerID); err != nil {
		return nil, err
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == readerID {
		return nil, apperrors.ErrValidationFailed.WithMessage("sender cannot mark own message as read")
	}
	if !s.participates(msg, readerID) {
		return nil, apperrors.ErrNotAMember.WithMessage("not a participant of %s", msg.ConversationKey)
	}

	unlock := s.sequencer.lock(msg.ConversationKey)
	defer unlock()

	persistCtx, cancel := context.WithTimeout(ctx, s.persistTimeout)
	updated, err := s.store.UpdateReadState(persistCtx, messageID, true)
	cancel()
	if err != nil {
		return nil, store.Unavailable(err)
	}

	inbox, err := identity.InboxKey(updated.SenderID)
	if err != nil {
		return nil, err
	}
	isRead := true
	s.broadcastUpdate(ctx, fanout.Audience{Rooms: []identity.Key{inbox}}, protocol.MessageUpdated{
		MessageID:       updated.ID,
		ConversationKey: updated.ConversationKey.String(),
		IsRead:          &isRead,
	})

	if s.tracker != nil {
		key := updated.ConversationKey
		s.async(func(ctx context.Context) {
			if err := s.tracker.MarkRead(ctx, readerID, key, messageID); err != nil {
				s.logger.Warn("Failed to mark conversation read", "userId", readerID, "conversationKey", key, "error", err)
			}
		})
	}
	return updated, nil
}

// UpdatePlaylistSong 协作编辑歌单时广播歌曲变更，不持久化
func (s *MessageService) UpdatePlaylistSong(ctx context.Context, userID, playlistID, songID, action string) error {
	if err := identity.ValidateID(userID); err != nil {
		return err
	}
	key, err := identity.GroupKey(playlistID)
	if err != nil {
		return err
	}
	if err := identity.ValidateID(songID); err != nil {
		return err
	}
	action = strings.TrimSpace(action)
	if action == "" || len(action) > maxActionLength {
		return apperrors.ErrValidationFailed.WithMessage("invalid playlist action")
	}
	if !s.isMember(key, "", userID) {
		return apperrors.ErrNotAMember.WithMessage("join playlist %s before editing", playlistID)
	}

	frame, err := protocol.Encode(protocol.EventPlaylistSongUpdated, "", protocol.PlaylistSongUpdated{
		PlaylistID: playlistID,
		SongID:     songID,
		Action:     action,
		UserID:     userID,
	})
	if err != nil {
		return apperrors.ErrServerError.Wrap(err)
	}

	// 与群聊消息共用顺序锁，成员看到的歌曲变更与消息相对顺序一致
	unlock := s.sequencer.lock(key)
	defer unlock()
	s.deliverer.Deliver(ctx, fanout.Audience{Rooms: []identity.Key{key}}, frame)
	return nil
}

// History 分页查询会话历史
// 私聊只有参与者可读，歌单群聊对所有用户开放
func (s *MessageService) History(ctx context.Context, userID string, key identity.Key, beforeID int64, limit int) ([]*model.Message, error) {
	if err := identity.ValidateID(userID); err != nil {
		return nil, err
	}
	kind, _, err := identity.Parse(key)
	if err != nil {
		return nil, err
	}
	switch kind {
	case identity.KindDirect:
		if !key.Involves(userID) {
			return nil, apperrors.ErrNotAMember.WithMessage("not a participant of %s", key)
		}
	case identity.KindGroup:
	default:
		return nil, apperrors.ErrInvalidIdentifier.WithMessage("%s has no history", key)
	}

	msgs, err := s.store.History(ctx, key, beforeID, store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return msgs, nil
}

func (s *MessageService) getMessage(ctx context.Context, id int64) (*model.Message, error) {
	if id <= 0 {
		return nil, apperrors.ErrValidationFailed.WithMessage("messageId is required")
	}
	msg, err := s.store.Get(ctx, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, store.Unavailable(err)
	}
	return msg, nil
}

// participates 私聊：发送者或接收者；群聊：至少一个会话在房间中
func (s *MessageService) participates(msg *model.Message, userID string) bool {
	if msg.ConversationKey.Kind() == identity.KindDirect {
		return msg.ConversationKey.Involves(userID)
	}
	return s.isMember(msg.ConversationKey, "", userID)
}

// isMember sessionID 为空时检查用户的任一会话
func (s *MessageService) isMember(key identity.Key, sessionID, userID string) bool {
	if sessionID != "" {
		return s.rooms.Has(key, sessionID)
	}
	for _, id := range s.sessions.SessionsFor(userID) {
		if s.rooms.Has(key, id) {
			return true
		}
	}
	return false
}

func (s *MessageService) audienceOf(msg *model.Message) fanout.Audience {
	aud := fanout.Audience{Rooms: []identity.Key{msg.ConversationKey}}
	if msg.IsDirect() {
		aud.Users = []string{msg.SenderID, msg.ReceiverID}
	}
	return aud
}

func (s *MessageService) broadcastUpdate(ctx context.Context, aud fanout.Audience, update protocol.MessageUpdated) {
	frame, err := protocol.Encode(protocol.EventMessageUpdated, "", update)
	if err != nil {
		s.logger.Error("Failed to encode message update", "messageId", update.MessageID, "error", err)
		return
	}
	s.deliverer.Deliver(ctx, aud, frame)
}

// roomUsers 房间内的去重用户
func (s *MessageService) roomUsers(key identity.Key) []string {
	seen := make(map[string]struct{})
	var users []string
	for _, sessionID := range s.rooms.MembersOf(key) {
		userID, ok := s.sessions.UserOf(sessionID)
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	return users
}

// track 异步更新会话列表（非关键路径）
func (s *MessageService) track(msg *model.Message, recipients []string) {
	if s.tracker == nil {
		return
	}
	s.async(func(ctx context.Context) {
		if err := s.tracker.RecordMessage(ctx, msg, recipients); err != nil {
			s.logger.Warn("Failed to update conversation index",
				"messageId", msg.ID,
				"conversationKey", msg.ConversationKey,
				"error", err)
		}
	})
}

func (s *MessageService) async(task workerpool.Task) {
	if s.pool == nil {
		task(context.Background())
		return
	}
	if !s.pool.TrySubmit(task) {
		s.logger.Warn("Worker pool saturated, dropping side effect")
	}
}

var _ Sessions = (*connection.Registry)(nil)

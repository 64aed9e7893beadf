// Package memory 进程内消息存储，用于开发和测试
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store"
)

type clientKey struct {
	senderID    string
	key         identity.Key
	clientMsgID string
}

// Store 内存存储
type Store struct {
	mu       sync.RWMutex
	sf       *snowflake.Node
	messages map[int64]*model.Message
	byKey    map[identity.Key][]int64 // 按 ID 递增
	byClient map[clientKey]int64
	closed   bool
}

var _ store.MessageStore = (*Store)(nil)

// New 创建内存存储
func New(sf *snowflake.Node) *Store {
	return &Store{
		sf:       sf,
		messages: make(map[int64]*model.Message),
		byKey:    make(map[identity.Key][]int64),
		byClient: make(map[clientKey]int64),
	}
}

func (s *Store) Append(ctx context.Context, draft *model.Message) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, store.Unavailable(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.ErrStorageUnavailable.WithMessage("store closed")
	}

	ck := clientKey{senderID: draft.SenderID, key: draft.ConversationKey, clientMsgID: draft.ClientMsgID}
	if draft.ClientMsgID != "" {
		if id, ok := s.byClient[ck]; ok {
			return s.messages[id].Clone(), nil
		}
	}

	msg := draft.Clone()
	// 持有写锁时生成 ID，保证 ID 顺序即提交顺序
	msg.ID = s.sf.Generate().Int64()
	msg.CreatedAt = time.Now().UTC()
	msg.IsRead = false
	msg.Reactions = []model.Reaction{}

	s.messages[msg.ID] = msg
	s.byKey[msg.ConversationKey] = append(s.byKey[msg.ConversationKey], msg.ID)
	if draft.ClientMsgID != "" {
		s.byClient[ck] = msg.ID
	}
	return msg.Clone(), nil
}

func (s *Store) Get(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return msg.Clone(), nil
}

func (s *Store) UpdateReadState(_ context.Context, id int64, isRead bool) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	msg.IsRead = isRead
	return msg.Clone(), nil
}

func (s *Store) UpsertReaction(_ context.Context, id int64, reaction model.Reaction) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	msg.Reactions = model.ApplyReaction(msg.Reactions, reaction)
	return msg.Clone(), nil
}

func (s *Store) History(_ context.Context, key identity.Key, beforeID int64, limit int) ([]*model.Message, error) {
	limit = store.ClampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[key]
	end := len(ids)
	if beforeID > 0 {
		end = sort.Search(len(ids), func(i int) bool { return ids[i] >= beforeID })
	}

	page := make([]*model.Message, 0, limit)
	for i := end - 1; i >= 0 && len(page) < limit; i-- {
		page = append(page, s.messages[ids[i]].Clone())
	}
	return page, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperrors.ErrStorageUnavailable.WithMessage("store closed")
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

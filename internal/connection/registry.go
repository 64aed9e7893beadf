package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session 一个已识别的客户端会话
// 同一用户的多个设备各自拥有独立的会话
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	sink        Sink
}

// Send 向会话下行一帧
func (s *Session) Send(data []byte) error {
	return s.sink.Send(data)
}

func (s *Session) Sink() Sink {
	return s.sink
}

// Registry 管理所有在线会话
type Registry struct {
	sessions     map[string]*Session
	userSessions map[string]map[string]*Session // userID -> sessionID -> Session
	mu           sync.RWMutex
	logger       *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]map[string]*Session),
		logger:       slog.Default(),
	}
}

// Register 为用户创建新会话，从不复用已有会话
func (r *Registry) Register(userID string, sink Sink) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		sink:        sink,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	if _, ok := r.userSessions[userID]; !ok {
		r.userSessions[userID] = make(map[string]*Session)
	}
	r.userSessions[userID][s.ID] = s

	r.logger.Debug("Session registered", "session_id", s.ID, "user_id", userID)
	return s
}

// Unregister 移除会话，会话不存在时什么也不做
func (r *Registry) Unregister(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, sessionID)

	if userSessions, ok := r.userSessions[s.UserID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(r.userSessions, s.UserID)
		}
	}
	return s, true
}

func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// UserOf 会话所属用户
func (r *Registry) UserOf(sessionID string) (string, bool) {
	s, ok := r.Lookup(sessionID)
	if !ok {
		return "", false
	}
	return s.UserID, true
}

// SessionsFor 用户当前所有会话 ID
func (r *Registry) SessionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userSessions, ok := r.userSessions[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(userSessions))
	for id := range userSessions {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline 用户是否至少有一个会话
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions[userID]) > 0
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Users 在线用户数
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSessions)
}

// All 返回所有会话（用于心跳检测）
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// UserIDs 本节点在线用户
func (r *Registry) UserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.userSessions))
	for userID := range r.userSessions {
		users = append(users, userID)
	}
	return users
}

package room

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"sudooom.im.presence/internal/identity"
)

// room 一个会话键对应的房间
// dead 为 true 表示已被回收，后来者需要重新创建
type room struct {
	mu      sync.Mutex
	members map[string]struct{}
	dead    atomic.Bool
}

// Membership 房间成员管理
// 目录锁只在查找/创建/回收房间时短暂持有，成员变更只锁单个房间
type Membership struct {
	mu       sync.RWMutex
	rooms    map[identity.Key]*room
	sessMu   sync.Mutex
	sessions map[string]map[identity.Key]struct{} // sessionID -> 已加入的房间
	logger   *slog.Logger
}

// Stats 成员统计
type Stats struct {
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}

func NewMembership() *Membership {
	return &Membership{
		rooms:    make(map[identity.Key]*room),
		sessions: make(map[string]map[identity.Key]struct{}),
		logger:   slog.Default(),
	}
}

func (m *Membership) getOrCreate(key identity.Key) *room {
	m.mu.RLock()
	r, ok := m.rooms[key]
	m.mu.RUnlock()
	if ok && !r.dead.Load() {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok = m.rooms[key]
	if !ok || r.dead.Load() {
		r = &room{members: make(map[string]struct{})}
		m.rooms[key] = r
	}
	return r
}

func (m *Membership) lookup(key identity.Key) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[key]
}

// Join 加入房间，重复加入无副作用
func (m *Membership) Join(key identity.Key, sessionID string) {
	for {
		r := m.getOrCreate(key)
		r.mu.Lock()
		if r.dead.Load() {
			// 刚被回收，重新获取
			r.mu.Unlock()
			continue
		}
		r.members[sessionID] = struct{}{}
		r.mu.Unlock()
		break
	}

	m.sessMu.Lock()
	keys, ok := m.sessions[sessionID]
	if !ok {
		keys = make(map[identity.Key]struct{})
		m.sessions[sessionID] = keys
	}
	keys[key] = struct{}{}
	m.sessMu.Unlock()
}

// Leave 离开房间，房间为空时回收
func (m *Membership) Leave(key identity.Key, sessionID string) {
	m.leaveRoom(key, sessionID)

	m.sessMu.Lock()
	if keys, ok := m.sessions[sessionID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.sessions, sessionID)
		}
	}
	m.sessMu.Unlock()
}

func (m *Membership) leaveRoom(key identity.Key, sessionID string) {
	r := m.lookup(key)
	if r == nil {
		return
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	empty := len(r.members) == 0 && !r.dead.Load()
	if empty {
		r.dead.Store(true)
	}
	r.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.rooms[key] == r {
			delete(m.rooms, key)
		}
		m.mu.Unlock()
		m.logger.Debug("Room collected", "key", key)
	}
}

// LeaveAll 会话断开时调用，返回离开的房间
func (m *Membership) LeaveAll(sessionID string) []identity.Key {
	m.sessMu.Lock()
	keys := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.sessMu.Unlock()

	left := make([]identity.Key, 0, len(keys))
	for key := range keys {
		m.leaveRoom(key, sessionID)
		left = append(left, key)
	}
	return left
}

// MembersOf 房间成员快照
func (m *Membership) MembersOf(key identity.Key) []string {
	r := m.lookup(key)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]string, 0, len(r.members))
	for id := range r.members {
		members = append(members, id)
	}
	return members
}

// Has 会话是否在房间中
func (m *Membership) Has(key identity.Key, sessionID string) bool {
	r := m.lookup(key)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[sessionID]
	return ok
}

// RoomsOf 会话已加入的房间
func (m *Membership) RoomsOf(sessionID string) []identity.Key {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	keys := make([]identity.Key, 0, len(m.sessions[sessionID]))
	for key := range m.sessions[sessionID] {
		keys = append(keys, key)
	}
	return keys
}

func (m *Membership) Stats() Stats {
	m.sessMu.Lock()
	memberships := 0
	for _, keys := range m.sessions {
		memberships += len(keys)
	}
	m.sessMu.Unlock()

	m.mu.RLock()
	rooms := len(m.rooms)
	m.mu.RUnlock()

	return Stats{Rooms: rooms, Memberships: memberships}
}

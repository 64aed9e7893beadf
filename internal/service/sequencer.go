package service

import (
	"sync"

	"sudooom.im.presence/internal/identity"
)

// sequencer 按会话串行化 持久化+广播，不同会话互不阻塞
// 条目按引用计数回收，空闲会话不占内存
type sequencer struct {
	mu    sync.Mutex
	locks map[identity.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{locks: make(map[identity.Key]*keyLock)}
}

// lock 获取会话锁，返回的函数释放它
func (s *sequencer) lock(key identity.Key) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

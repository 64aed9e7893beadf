// Package conntest 提供测试用的内存会话出口
package conntest

import (
	"encoding/json"
	"sync"
	"time"

	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/protocol"
)

// Sink 记录所有下行帧的内存出口
type Sink struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	err    error
	active time.Time
}

func NewSink() *Sink {
	return &Sink{active: time.Now()}
}

func (s *Sink) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return connection.ErrConnectionClosed
	}
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, data)
	return nil
}

func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Sink) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetLastActive 模拟空闲连接
func (s *Sink) SetLastActive(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = t
}

// Fail 之后的 Send 都返回 err
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Envelopes 解码后的下行事件
func (s *Sink) Envelopes() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Events 只返回指定事件
func (s *Sink) Events(event string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range s.Envelopes() {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Reset 清空已记录的帧
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

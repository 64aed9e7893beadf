// Package fanout 把一帧下行数据投递给房间成员和用户的所有会话
package fanout

import (
	"context"
	"errors"
	"log/slog"

	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
)

// Audience 投递目标：房间成员 ∪ 用户的全部会话
type Audience struct {
	Rooms []identity.Key `json:"rooms,omitempty"`
	Users []string       `json:"users,omitempty"`
}

// Members 房间成员查询
type Members interface {
	MembersOf(key identity.Key) []string
}

// Sessions 会话查询
type Sessions interface {
	SessionsFor(userID string) []string
	Lookup(sessionID string) (*connection.Session, bool)
}

// Publisher 集群转发，单节点部署时为 nil
type Publisher interface {
	Publish(aud Audience, frame []byte) error
}

// Evictor 投递失败时清理会话
type Evictor interface {
	Evict(sessionID string, reason error)
}

// Broadcaster 本地投递 + 可选集群转发
type Broadcaster struct {
	members   Members
	sessions  Sessions
	publisher Publisher
	evictor   Evictor
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBroadcaster 创建投递器
func NewBroadcaster(members Members, sessions Sessions, publisher Publisher, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		members:   members,
		sessions:  sessions,
		publisher: publisher,
		metrics:   m,
		logger:    slog.Default(),
	}
}

// SetEvictor 设置会话清理回调，通常是 presence.Orchestrator
func (b *Broadcaster) SetEvictor(e Evictor) {
	b.evictor = e
}

// Deliver 投递到本地会话，再转发给其他节点
// 返回本地成功入队的会话数
func (b *Broadcaster) Deliver(ctx context.Context, aud Audience, frame []byte) int {
	n := b.DeliverLocal(ctx, aud, frame)

	if b.publisher != nil {
		if err := b.publisher.Publish(aud, frame); err != nil {
			b.logger.Warn("Failed to relay frame", "error", err)
		} else {
			b.metrics.Relayed("out")
		}
	}
	return n
}

// DeliverLocal 只投递到本节点的会话，每个会话最多收到一次
func (b *Broadcaster) DeliverLocal(_ context.Context, aud Audience, frame []byte) int {
	targets := b.resolve(aud)

	delivered := 0
	for _, sessionID := range targets {
		s, ok := b.sessions.Lookup(sessionID)
		if !ok {
			continue
		}
		if err := s.Send(frame); err != nil {
			b.fail(s, err)
			continue
		}
		delivered++
	}
	b.metrics.Delivered(delivered)
	return delivered
}

func (b *Broadcaster) resolve(aud Audience) []string {
	seen := make(map[string]struct{})
	var targets []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, id)
		}
	}

	for _, key := range aud.Rooms {
		add(b.members.MembersOf(key))
	}
	for _, userID := range aud.Users {
		add(b.sessions.SessionsFor(userID))
	}
	return targets
}

// fail 一个接收者失败不影响其他接收者
func (b *Broadcaster) fail(s *connection.Session, err error) {
	reason := "transport"
	switch {
	case errors.Is(err, connection.ErrSlowConsumer):
		reason = "slow_consumer"
	case errors.Is(err, connection.ErrConnectionClosed):
		reason = "closed"
	}
	b.metrics.DeliveryFailed(reason)
	b.logger.Warn("Delivery failed, evicting session",
		"sessionId", s.ID,
		"userId", s.UserID,
		"reason", reason)

	if b.evictor != nil {
		b.evictor.Evict(s.ID, err)
	}
}

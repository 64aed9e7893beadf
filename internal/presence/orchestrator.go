// Package presence 每个连接的协议状态机
//
// 连接建立后先处于 Connected 状态，identify 后注册会话并加入收件箱房间，
// 断开、登出或投递失败时统一走一次清理：退出所有房间、注销会话。
package presence

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/service"
	"sudooom.im.presence/internal/workerpool"
)

// Messages 消息服务
type Messages interface {
	SendDirect(ctx context.Context, req service.DirectRequest) (*model.Message, error)
	SendGroup(ctx context.Context, req service.GroupRequest) (*model.Message, error)
	React(ctx context.Context, messageID int64, userID string, reaction model.ReactionType) (*model.Message, error)
	MarkRead(ctx context.Context, messageID int64, readerID string) (*model.Message, error)
	UpdatePlaylistSong(ctx context.Context, userID, playlistID, songID, action string) error
}

// Rooms 房间成员管理
type Rooms interface {
	Join(key identity.Key, sessionID string)
	Leave(key identity.Key, sessionID string)
	LeaveAll(sessionID string) []identity.Key
}

// Authenticator identify 时的 token 校验，为 nil 时信任客户端声明的 userId
type Authenticator interface {
	VerifyUser(token, userID string) error
}

// PresenceTracker 跨节点在线目录
type PresenceTracker interface {
	Online(ctx context.Context, userID, sessionID string) error
	Offline(ctx context.Context, userID, sessionID string) error
}

// Config 限流配置
type Config struct {
	EventsPerSecond float64
	Burst           int
}

// Option Orchestrator 可选依赖
type Option func(*Orchestrator)

func WithAuthenticator(a Authenticator) Option {
	return func(o *Orchestrator) { o.auth = a }
}

func WithPresenceTracker(t PresenceTracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

func WithPool(p *workerpool.Pool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator 管理所有连接的会话生命周期
type Orchestrator struct {
	registry *connection.Registry
	rooms    Rooms
	messages Messages
	auth     Authenticator
	tracker  PresenceTracker
	pool     *workerpool.Pool
	metrics  *metrics.Metrics
	limit    rate.Limit
	burst    int
	peers    sync.Map // sessionID -> *Peer
	logger   *slog.Logger
}

// NewOrchestrator 创建会话编排器
func NewOrchestrator(registry *connection.Registry, rooms Rooms, messages Messages, cfg Config, opts ...Option) *Orchestrator {
	limit := rate.Inf
	if cfg.EventsPerSecond > 0 {
		limit = rate.Limit(cfg.EventsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	o := &Orchestrator{
		registry: registry,
		rooms:    rooms,
		messages: messages,
		limit:    limit,
		burst:    burst,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Connect 为新连接分配 Peer，此时尚未注册会话
func (o *Orchestrator) Connect(sink connection.Sink) *Peer {
	return &Peer{
		o:       o,
		sink:    sink,
		state:   StateConnected,
		limiter: rate.NewLimiter(o.limit, o.burst),
	}
}

// Evict 投递失败的会话走与断开相同的清理路径
func (o *Orchestrator) Evict(sessionID string, reason error) {
	v, ok := o.peers.Load(sessionID)
	if !ok {
		return
	}
	p := v.(*Peer)
	o.logger.Info("Evicting session",
		"sessionId", sessionID,
		"userId", p.UserID(),
		"reason", reason)

	p.cleanup()
	p.sink.Close()
	o.metrics.Evicted()
}

// Peers 已识别的连接数
func (o *Orchestrator) Peers() int {
	n := 0
	o.peers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown 关闭所有连接
func (o *Orchestrator) Shutdown() {
	o.peers.Range(func(_, v any) bool {
		p := v.(*Peer)
		p.cleanup()
		p.sink.Close()
		return true
	})
}

func (o *Orchestrator) online(userID, sessionID string) {
	if o.tracker == nil {
		return
	}
	o.async(func(ctx context.Context) {
		if err := o.tracker.Online(ctx, userID, sessionID); err != nil {
			o.logger.Warn("Failed to register presence", "userId", userID, "sessionId", sessionID, "error", err)
		}
	})
}

func (o *Orchestrator) offline(userID, sessionID string) {
	if o.tracker == nil {
		return
	}
	o.async(func(ctx context.Context) {
		if err := o.tracker.Offline(ctx, userID, sessionID); err != nil {
			o.logger.Warn("Failed to remove presence", "userId", userID, "sessionId", sessionID, "error", err)
		}
	})
}

func (o *Orchestrator) async(task workerpool.Task) {
	if o.pool == nil {
		task(context.Background())
		return
	}
	if !o.pool.TrySubmit(task) {
		o.logger.Warn("Worker pool saturated, dropping presence update")
	}
}

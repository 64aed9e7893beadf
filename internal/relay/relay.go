// Package relay 通过 NATS 在节点之间转发已投递的事件
//
// 每个节点把本地投递过的帧连同目标受众发布到同一个 subject，
// 其他节点收到后只投递给各自本地的房间成员和用户会话。
package relay

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/metrics"
)

// SubjectEvents 集群事件 subject
const SubjectEvents = "im.presence.events"

// Event 跨节点事件
type Event struct {
	NodeID   string          `json:"nodeId"`
	Audience fanout.Audience `json:"audience"`
	Frame    json.RawMessage `json:"frame"`
}

// Handler 远端事件处理器
type Handler func(ctx context.Context, aud fanout.Audience, frame []byte)

// Config Worker 配置
type Config struct {
	WorkerCount int // 分片数，同一会话的事件总在同一分片内按序处理
	BufferSize  int // 所有分片的缓冲总量
}

// Relay 集群转发器
type Relay struct {
	nc           *nats.Conn
	nodeID       string
	config       Config
	metrics      *metrics.Metrics
	logger       *slog.Logger
	subscription *nats.Subscription
	shards       []chan *Event
	dropped      atomic.Uint64
	wg           sync.WaitGroup
	cancelFunc   context.CancelFunc
}

// New 创建转发器，m 可以为 nil
func New(nc *nats.Conn, nodeID string, cfg Config, m *metrics.Metrics) *Relay {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &Relay{
		nc:      nc,
		nodeID:  nodeID,
		config:  cfg,
		metrics: m,
		logger:  slog.Default(),
	}
}

// Publish 发布本节点已投递的事件
// 调用方在会话的顺序锁内发布，同一会话的事件按提交顺序进入 NATS
func (r *Relay) Publish(aud fanout.Audience, frame []byte) error {
	data, err := json.Marshal(Event{NodeID: r.nodeID, Audience: aud, Frame: frame})
	if err != nil {
		return err
	}
	if err := r.nc.Publish(SubjectEvents, data); err != nil {
		r.logger.Error("Failed to publish relay event", "error", err)
		return err
	}
	return nil
}

// Start 订阅其他节点的事件
// 每个节点都需要收到全部事件，所以不使用队列组
func (r *Relay) Start(ctx context.Context, handler Handler) error {
	r.startWorkers(ctx, handler)

	// 同一订阅的回调串行执行，分发顺序即 NATS 投递顺序
	sub, err := r.nc.Subscribe(SubjectEvents, func(msg *nats.Msg) {
		r.dispatch(msg.Data)
	})
	if err != nil {
		r.cancelFunc()
		return err
	}
	r.subscription = sub

	r.logger.Info("Relay started",
		"subject", SubjectEvents,
		"nodeId", r.nodeID,
		"workerCount", r.config.WorkerCount)
	return nil
}

func (r *Relay) startWorkers(ctx context.Context, handler Handler) {
	perShard := r.config.BufferSize / r.config.WorkerCount
	if perShard < 1 {
		perShard = 1
	}

	workerCtx, cancel := context.WithCancel(ctx)
	r.cancelFunc = cancel

	r.shards = make([]chan *Event, r.config.WorkerCount)
	for i := range r.shards {
		r.shards[i] = make(chan *Event, perShard)
		r.wg.Add(1)
		go r.worker(workerCtx, r.shards[i], handler)
	}
}

func (r *Relay) worker(ctx context.Context, events <-chan *Event, handler Handler) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			handler(ctx, event.Audience, event.Frame)
		}
	}
}

// dispatch 解析事件并按会话分片，本节点发布的事件直接忽略
func (r *Relay) dispatch(data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.Error("Failed to unmarshal relay event", "error", err)
		return
	}
	if event.NodeID == r.nodeID {
		return
	}

	idx := shardOf(event.Audience, len(r.shards))
	select {
	case r.shards[idx] <- &event:
	default:
		r.dropped.Add(1)
		r.metrics.Relayed("dropped")
		r.logger.Warn("Relay shard full, dropping event",
			"shard", idx,
			"fromNode", event.NodeID)
	}
}

// shardOf 按第一个房间（即消息所属会话）取分片，没有房间时按用户列表
func shardOf(aud fanout.Audience, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	if len(aud.Rooms) > 0 {
		h.Write([]byte(aud.Rooms[0]))
	} else {
		for _, userID := range aud.Users {
			h.Write([]byte(userID))
			h.Write([]byte{0})
		}
	}
	return int(h.Sum32() % uint32(n))
}

// Stop 停止订阅并等待 worker 退出
func (r *Relay) Stop() {
	if r.subscription != nil {
		if err := r.subscription.Unsubscribe(); err != nil {
			r.logger.Error("Failed to unsubscribe", "error", err)
		}
	}
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	r.wg.Wait()
	r.logger.Info("Relay stopped")
}

// Dropped 因分片缓冲满而丢弃的事件数
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// BufferUsage 缓冲区使用情况
func (r *Relay) BufferUsage() (current int, capacity int) {
	for _, shard := range r.shards {
		current += len(shard)
		capacity += cap(shard)
	}
	return current, capacity
}

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/snowflake"
)

var errBatcherStopped = errors.New("message batcher stopped")

// BatcherConfig 批量写入配置
type BatcherConfig struct {
	BatchSize     int           // 批量大小阈值
	FlushInterval time.Duration // 未满批次的最长等待
}

// pendingMessage 待保存的消息
type pendingMessage struct {
	ctx    context.Context
	draft  *model.Message
	result chan appendResult
}

type appendResult struct {
	msg *model.Message
	err error
}

// MessageBatcher 消息批量写入器
// 所有追加都经过唯一的 worker，ID 与时间戳在 flush 时按入队顺序分配，
// 一个批次在一次往返中提交，调用方在提交完成后才得到结果
type MessageBatcher struct {
	db       *pgxpool.Pool
	sf       *snowflake.Node
	config   BatcherConfig
	msgChan  chan *pendingMessage
	logger   *slog.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex // 保护 stopped，入队与停止互斥
	stopped  bool
	stopChan chan struct{}
}

// NewMessageBatcher 创建消息批量写入器
func NewMessageBatcher(db *pgxpool.Pool, sf *snowflake.Node, config BatcherConfig) *MessageBatcher {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Millisecond
	}

	return &MessageBatcher{
		db:       db,
		sf:       sf,
		config:   config,
		msgChan:  make(chan *pendingMessage, config.BatchSize*10),
		logger:   slog.Default(),
		stopChan: make(chan struct{}),
	}
}

// Start 启动批量写入器
func (b *MessageBatcher) Start() {
	b.wg.Add(1)
	go b.worker()
	b.logger.Info("MessageBatcher started",
		"batchSize", b.config.BatchSize,
		"flushInterval", b.config.FlushInterval,
	)
}

// Stop 停止批量写入器，已入队的消息会先写完
func (b *MessageBatcher) Stop() {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		close(b.stopChan)
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.logger.Info("MessageBatcher stopped")
}

// Append 同步保存消息（等待写入完成）
func (b *MessageBatcher) Append(ctx context.Context, draft *model.Message) (*model.Message, error) {
	p := &pendingMessage{
		ctx:    ctx,
		draft:  draft,
		result: make(chan appendResult, 1),
	}

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return nil, errBatcherStopped
	}
	select {
	case b.msgChan <- p:
	case <-ctx.Done():
		b.mu.RUnlock()
		return nil, ctx.Err()
	}
	b.mu.RUnlock()

	// 已入队的消息可能在 ctx 超时后仍被提交，调用方可用 clientMsgId 安全重试
	select {
	case res := <-p.result:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker 后台工作协程
func (b *MessageBatcher) worker() {
	defer b.wg.Done()

	batch := make([]*pendingMessage, 0, b.config.BatchSize)
	ticker := time.NewTicker(b.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			// 停止信号，刷入剩余消息
		drain:
			for {
				select {
				case p := <-b.msgChan:
					batch = append(batch, p)
				default:
					break drain
				}
			}
			b.flush(batch)
			return
		case p := <-b.msgChan:
			batch = append(batch, p)
			if len(batch) >= b.config.BatchSize {
				b.flush(batch)
				batch = make([]*pendingMessage, 0, b.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = make([]*pendingMessage, 0, b.config.BatchSize)
			}
		}
	}
}

// flush 批量写入数据库
func (b *MessageBatcher) flush(batch []*pendingMessage) {
	// 跳过调用方已经放弃的消息
	live := batch[:0]
	for _, p := range batch {
		if err := p.ctx.Err(); err != nil {
			p.result <- appendResult{err: err}
			continue
		}
		live = append(live, p)
	}
	if len(live) == 0 {
		return
	}

	startTime := time.Now()
	now := startTime.UTC().Truncate(time.Microsecond)

	pgBatch := &pgx.Batch{}
	msgs := make([]*model.Message, len(live))
	for i, p := range live {
		msg := p.draft.Clone()
		msg.ID = b.sf.Generate().Int64()
		msg.CreatedAt = now
		msg.IsRead = false
		msg.Reactions = []model.Reaction{}
		msgs[i] = msg

		pgBatch.Queue(insertSQL,
			msg.ID,
			nullable(msg.ClientMsgID),
			string(msg.ConversationKey),
			msg.SenderID,
			msg.ReceiverID,
			msg.PlaylistID,
			msg.Content,
			string(msg.Kind),
			msg.SongRef,
			msg.ImageRef,
			msg.ParentMessageID,
			msg.CreatedAt,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	br := b.db.SendBatch(ctx, pgBatch)
	results := make([]appendResult, len(live))
	var batchErr error
	for i := range live {
		var id int64
		err := br.QueryRow().Scan(&id)
		switch {
		case err == nil:
			results[i] = appendResult{msg: msgs[i]}
		case errors.Is(err, pgx.ErrNoRows):
			// clientMsgId 冲突，批次结束后读取已存在的消息
			results[i] = appendResult{}
		default:
			batchErr = err
			results[i] = appendResult{err: err}
		}
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr != nil {
		// 批次在同一个隐式事务中执行，任何一条失败都会整体回滚
		for i := range results {
			results[i] = appendResult{err: batchErr}
		}
	}

	for i, p := range live {
		res := results[i]
		if res.msg == nil && res.err == nil {
			existing, err := findByClientID(ctx, b.db, msgs[i].SenderID, msgs[i].ConversationKey, msgs[i].ClientMsgID)
			res = appendResult{msg: existing, err: err}
		}
		p.result <- res
	}

	elapsed := time.Since(startTime)
	if batchErr != nil {
		b.logger.Error("Batch flush completed with errors",
			"count", len(live),
			"elapsed", elapsed,
			"error", batchErr,
		)
	} else {
		b.logger.Debug("Batch flush completed",
			"count", len(live),
			"elapsed", elapsed,
		)
	}
}

// QueueSize 获取当前队列大小（用于监控）
func (b *MessageBatcher) QueueSize() int {
	return len(b.msgChan)
}

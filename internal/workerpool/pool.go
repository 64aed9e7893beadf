package workerpool

import (
	"context"
	"log/slog"
	"sync"
)

// Task 定义任务函数类型，ctx 在 Shutdown 完成排空后取消
type Task func(ctx context.Context)

// Pool Worker Pool 实现
// 用于消息持久化之后的非关键副作用（会话索引、在线目录），不影响投递顺序
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *slog.Logger
}

// New 创建一个新的 Worker Pool
// workers: worker 数量
// queueSize: 任务队列大小
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

// worker 工作协程，队列关闭且排空后退出
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

// run 执行任务，捕获 panic
func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r)
		}
	}()
	task(p.ctx)
}

// Submit 提交任务到 Worker Pool
// 如果队列满了，会阻塞直到有空位或 ctx 被取消；已关闭时返回 false
func (p *Pool) Submit(ctx context.Context, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// TrySubmit 尝试提交任务，如果队列满了立即返回 false
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		p.logger.Warn("Worker pool queue full, task dropped")
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *Pool) Pending() int {
	return len(p.taskQueue)
}

// Shutdown 优雅关闭 Worker Pool
// 不再接收新任务，等待已入队任务执行完成
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
	p.logger.Info("Worker pool shutdown completed")
}

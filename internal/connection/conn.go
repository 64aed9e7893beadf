package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSlowConsumer     = errors.New("outbound queue full")
)

// DefaultQueueSize 每个连接的下行队列长度
const DefaultQueueSize = 256

var connIDCounter int64

// Transport 底层传输，WebSocket 和 WebTransport 各自实现
// WriteFrame 只会被写协程调用
type Transport interface {
	WriteFrame(data []byte) error
	Close() error
}

// Sink 会话的下行出口
type Sink interface {
	Send(data []byte) error
	Close()
	LastActive() time.Time
}

// Conn 表示一个客户端连接
// 下行帧先进入有界队列，由单独的写协程按顺序写入传输层
type Conn struct {
	id         int64
	transport  Transport
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64
}

// NewConn 创建连接并启动写协程
func NewConn(transport Transport, queueSize int, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		id:         atomic.AddInt64(&connIDCounter, 1),
		transport:  transport,
		logger:     logger,
		writeChan:  make(chan []byte, queueSize),
		closeChan:  make(chan struct{}),
		done:       make(chan struct{}),
		createTime: time.Now(),
	}
	c.Touch()
	go c.writeLoop()
	return c
}

func (c *Conn) ID() int64 {
	return c.id
}

// Send 非阻塞入队，队列满时返回 ErrSlowConsumer
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	defer c.transport.Close()

	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteFrame(data); err != nil {
				c.logger.Debug("Failed to write frame", "conn_id", c.id, "error", err)
				c.markClosed()
				return
			}
		case <-c.closeChan:
			c.flush()
			return
		}
	}
}

// flush 关闭前尽量写出已入队的帧
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteFrame(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
	})
}

// Close 关闭连接，写协程写完已入队的帧后关闭传输层
func (c *Conn) Close() {
	c.markClosed()
}

// Done 写协程退出且传输层已关闭
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed 是否已经关闭
func (c *Conn) Closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Touch 记录一次上行活动
func (c *Conn) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Conn) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Conn) CreateTime() time.Time {
	return c.createTime
}

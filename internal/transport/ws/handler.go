// Package ws WebSocket 传输，每个文本帧是一个事件信封
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/presence"
	"sudooom.im.presence/internal/transport"
)

// Options 连接参数
type Options struct {
	QueueSize      int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	AllowedOrigins []string
}

// OptionsFrom 从服务配置生成连接参数
func OptionsFrom(cfg config.ServerConfig) Options {
	return Options{
		QueueSize:      cfg.QueueSize,
		MaxMessageSize: cfg.MaxMessageSize,
		PingInterval:   cfg.PingInterval,
		PongWait:       cfg.PongWait,
		WriteWait:      cfg.WriteWait,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

func (o *Options) normalize() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Handler GET /ws
type Handler struct {
	orch     *presence.Orchestrator
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler 创建 WebSocket 处理器
func NewHandler(orch *presence.Orchestrator, opts Options) *Handler {
	opts.normalize()
	return &Handler{
		orch: orch,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     transport.CheckOrigin(opts.AllowedOrigins),
		},
		logger: slog.Default(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := connection.NewConn(&wsTransport{conn: ws, writeWait: h.opts.WriteWait}, h.opts.QueueSize, h.logger)
	peer := h.orch.Connect(conn)
	h.logger.Debug("WebSocket connected", "conn_id", conn.ID(), "remote", r.RemoteAddr)

	stopPing := make(chan struct{})
	go h.pingLoop(ws, conn, stopPing)

	defer func() {
		close(stopPing)
		peer.Disconnect()
		conn.Close()
		<-conn.Done()
		h.logger.Debug("WebSocket closed", "conn_id", conn.ID(), "sessionId", peer.SessionID())
	}()

	ws.SetReadLimit(h.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	ctx := r.Context()
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		conn.Touch()
		ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		peer.Handle(ctx, data)
	}
}

// pingLoop WriteControl 可以与写协程并发调用
func (h *Handler) pingLoop(ws *websocket.Conn, conn *connection.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteWait)); err != nil {
				h.logger.Debug("Ping failed", "conn_id", conn.ID(), "error", err)
				conn.Close()
				return
			}
		}
	}
}

type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.writeWait))
	return t.conn.Close()
}

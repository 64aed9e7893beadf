package wt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/presence"
	"sudooom.im.presence/internal/transport"
)

// Server WebTransport 服务
type Server struct {
	cfg            config.WebTransportConfig
	orch           *presence.Orchestrator
	queueSize      int
	maxMessageSize uint32
	allowedOrigins []string
	wtServer       *webtransport.Server
	wg             sync.WaitGroup
	logger         *slog.Logger
}

// NewServer 创建 WebTransport 服务
func NewServer(cfg config.WebTransportConfig, server config.ServerConfig, orch *presence.Orchestrator) *Server {
	return &Server{
		cfg:            cfg,
		orch:           orch,
		queueSize:      server.QueueSize,
		maxMessageSize: uint32(server.MaxMessageSize),
		allowedOrigins: server.AllowedOrigins,
		logger:         slog.Default(),
	}
}

// Start 阻塞直到服务关闭
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := loadTLSConfig(s.cfg)
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  s.cfg.MaxIdleTimeout,
		KeepAlivePeriod: s.cfg.KeepAlivePeriod,
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: transport.CheckOrigin(s.allowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})
	s.wtServer.H3.Handler = mux

	s.logger.Info("WebTransport server starting", "addr", s.cfg.Addr)
	return s.wtServer.ListenAndServe()
}

// handleSession 客户端只使用首个双向流进行所有通信
func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	conn := connection.NewConn(&streamTransport{stream: stream}, s.queueSize, s.logger)
	peer := s.orch.Connect(conn)
	defer func() {
		peer.Disconnect()
		conn.Close()
		<-conn.Done()
		if err := session.CloseWithError(0, ""); err != nil {
			s.logger.Debug("Failed to close session", "conn_id", conn.ID(), "error", err)
		}
	}()

	for {
		frameType, body, err := ReadFrame(stream, s.maxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("Failed to read frame", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		conn.Touch()

		if frameType != FrameTypeRequest {
			s.logger.Warn("Unknown frame type", "conn_id", conn.ID(), "frameType", frameType)
			continue
		}
		peer.Handle(ctx, body)
	}
}

func (s *Server) Shutdown() {
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	s.wg.Wait()
}

type streamTransport struct {
	stream *webtransport.Stream
}

func (t *streamTransport) WriteFrame(data []byte) error {
	return WriteFrame(t.stream, FrameTypeResponse, data)
}

func (t *streamTransport) Close() error {
	return t.stream.Close()
}

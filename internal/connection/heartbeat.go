package connection

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker 心跳超时检测器
// 只关闭空闲连接的传输层，会话清理仍由连接的断开流程完成
type HeartbeatChecker struct {
	registry      *Registry
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
}

// NewHeartbeatChecker 创建心跳检测器，timeout 为 0 时返回 nil（不启用）
func NewHeartbeatChecker(registry *Registry, timeout, checkInterval time.Duration, logger *slog.Logger) *HeartbeatChecker {
	if timeout <= 0 {
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = timeout / 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HeartbeatChecker{
		registry:      registry,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
	}
}

// Start 启动心跳检测（阻塞，应在 goroutine 中调用）
func (h *HeartbeatChecker) Start(ctx context.Context) {
	if h == nil {
		return
	}
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"check_interval", h.checkInterval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case <-ticker.C:
			h.check(time.Now())
		}
	}
}

// check 关闭超时会话的连接，返回关闭数量
func (h *HeartbeatChecker) check(now time.Time) int {
	sessions := h.registry.All()
	timeoutCount := 0

	for _, s := range sessions {
		lastActive := s.sink.LastActive()
		if now.Sub(lastActive) <= h.timeout {
			continue
		}
		timeoutCount++
		h.logger.Debug("Session heartbeat timeout",
			"session_id", s.ID,
			"user_id", s.UserID,
			"last_active", lastActive)
		s.sink.Close()
	}

	if timeoutCount > 0 {
		h.logger.Info("Heartbeat check completed",
			"total", len(sessions),
			"timeout", timeoutCount)
	}
	return timeoutCount
}

package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPresenceTTL 在线记录 TTL，由 Run 周期续期
const DefaultPresenceTTL = 5 * time.Minute

// PresenceDirectory 跨节点的在线目录
// Key: im:presence:{userId}，field 为 sessionId，value 为所在节点
type PresenceDirectory struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

// NewPresenceDirectory 创建在线目录
func NewPresenceDirectory(client *redis.Client, nodeID string, ttl time.Duration) *PresenceDirectory {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &PresenceDirectory{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: slog.Default(),
	}
}

// Online 记录会话上线
func (d *PresenceDirectory) Online(ctx context.Context, userID, sessionID string) error {
	key := BuildPresenceKey(userID)
	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, sessionID, d.nodeID)
	pipe.Expire(ctx, key, d.ttl)
	_, err := pipe.Exec(ctx)
	if err == nil {
		d.logger.Debug("Registered presence",
			"userId", userID,
			"sessionId", sessionID,
			"nodeId", d.nodeID)
	}
	return err
}

// Offline 移除会话
func (d *PresenceDirectory) Offline(ctx context.Context, userID, sessionID string) error {
	return d.client.HDel(ctx, BuildPresenceKey(userID), sessionID).Err()
}

// Sessions 用户所有在线会话，sessionId -> 节点
func (d *PresenceDirectory) Sessions(ctx context.Context, userID string) (map[string]string, error) {
	return d.client.HGetAll(ctx, BuildPresenceKey(userID)).Result()
}

// Refresh 批量续期在线记录
func (d *PresenceDirectory) Refresh(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := d.client.Pipeline()
	for _, userID := range userIDs {
		pipe.Expire(ctx, BuildPresenceKey(userID), d.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Run 周期续期本节点在线用户（阻塞，应在 goroutine 中调用）
func (d *PresenceDirectory) Run(ctx context.Context, users func() []string) {
	ticker := time.NewTicker(d.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Refresh(ctx, users()); err != nil {
				d.logger.Warn("Failed to refresh presence", "error", err)
			}
		}
	}
}

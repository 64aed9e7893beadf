// Package postgres PostgreSQL 消息存储
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.presence/internal/config"
	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id                BIGINT PRIMARY KEY,
	client_msg_id     TEXT,
	conversation_key  TEXT NOT NULL,
	sender_id         TEXT NOT NULL,
	receiver_id       TEXT NOT NULL DEFAULT '',
	playlist_id       TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL,
	song_ref          TEXT NOT NULL DEFAULT '',
	image_ref         TEXT NOT NULL DEFAULT '',
	is_read           BOOLEAN NOT NULL DEFAULT FALSE,
	parent_message_id BIGINT NOT NULL DEFAULT 0,
	reactions         JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages (conversation_key, id);
DROP INDEX IF EXISTS idx_chat_messages_client;
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_client_conv
	ON chat_messages (sender_id, conversation_key, client_msg_id)
	WHERE client_msg_id IS NOT NULL;
`

const columns = `id, client_msg_id, conversation_key, sender_id, receiver_id, playlist_id, content, kind,
	song_ref, image_ref, is_read, parent_message_id, reactions, created_at`

const insertSQL = `
	INSERT INTO chat_messages (id, client_msg_id, conversation_key, sender_id, receiver_id, playlist_id,
		content, kind, song_ref, image_ref, parent_message_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (sender_id, conversation_key, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
	RETURNING id
`

// Store PostgreSQL 存储
type Store struct {
	db      *pgxpool.Pool
	batcher *MessageBatcher
}

var _ store.MessageStore = (*Store)(nil)

// Connect 连接 PostgreSQL
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// Migrate 创建表和索引
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate chat_messages: %w", err)
	}
	return nil
}

// New 创建存储并启动批量写入器
func New(db *pgxpool.Pool, sf *snowflake.Node, cfg BatcherConfig) *Store {
	b := NewMessageBatcher(db, sf, cfg)
	b.Start()
	return &Store{db: db, batcher: b}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		msg       model.Message
		clientID  *string
		key       string
		kind      string
		reactions []byte
	)
	err := row.Scan(&msg.ID, &clientID, &key, &msg.SenderID, &msg.ReceiverID, &msg.PlaylistID,
		&msg.Content, &kind, &msg.SongRef, &msg.ImageRef, &msg.IsRead, &msg.ParentMessageID,
		&reactions, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, store.Unavailable(err)
	}

	if clientID != nil {
		msg.ClientMsgID = *clientID
	}
	msg.ConversationKey = identity.Key(key)
	msg.Kind = model.MessageKind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()
	if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
		return nil, store.Unavailable(fmt.Errorf("decode reactions of %d: %w", msg.ID, err))
	}
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}
	return &msg, nil
}

// findByClientID 重复提交只在同一发送者、同一会话内去重
func findByClientID(ctx context.Context, db *pgxpool.Pool, senderID string, key identity.Key, clientMsgID string) (*model.Message, error) {
	row := db.QueryRow(ctx,
		`SELECT `+columns+` FROM chat_messages WHERE sender_id = $1 AND conversation_key = $2 AND client_msg_id = $3`,
		senderID, string(key), clientMsgID)
	return scanMessage(row)
}

func (s *Store) Append(ctx context.Context, draft *model.Message) (*model.Message, error) {
	msg, err := s.batcher.Append(ctx, draft)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return msg, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*model.Message, error) {
	row := s.db.QueryRow(ctx, `SELECT `+columns+` FROM chat_messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *Store) UpdateReadState(ctx context.Context, id int64, isRead bool) (*model.Message, error) {
	row := s.db.QueryRow(ctx,
		`UPDATE chat_messages SET is_read = $2 WHERE id = $1 RETURNING `+columns,
		id, isRead)
	return scanMessage(row)
}

// UpsertReaction 在事务中锁定行后替换同一用户的回应
func (s *Store) UpsertReaction(ctx context.Context, id int64, reaction model.Reaction) (*model.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT reactions FROM chat_messages WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, store.Unavailable(err)
	}

	var reactions []model.Reaction
	if err := json.Unmarshal(raw, &reactions); err != nil {
		return nil, store.Unavailable(err)
	}
	updated, err := json.Marshal(model.ApplyReaction(reactions, reaction))
	if err != nil {
		return nil, err
	}

	msg, err := scanMessage(tx.QueryRow(ctx,
		`UPDATE chat_messages SET reactions = $2::jsonb WHERE id = $1 RETURNING `+columns,
		id, string(updated)))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, store.Unavailable(err)
	}
	return msg, nil
}

func (s *Store) History(ctx context.Context, key identity.Key, beforeID int64, limit int) ([]*model.Message, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM chat_messages
		WHERE conversation_key = $1 AND ($2::bigint = 0 OR id < $2)
		ORDER BY id DESC LIMIT $3`,
		string(key), beforeID, store.ClampLimit(limit))
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer rows.Close()

	var page []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(err)
	}
	return page, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// QueueSize 等待写入的消息数
func (s *Store) QueueSize() int {
	return s.batcher.QueueSize()
}

// Close 停止批量写入器，连接池由调用方关闭
func (s *Store) Close() error {
	s.batcher.Stop()
	return nil
}

// Package sqlite 单文件嵌入式消息存储
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id                INTEGER PRIMARY KEY,
	client_msg_id     TEXT,
	conversation_key  TEXT NOT NULL,
	sender_id         TEXT NOT NULL,
	receiver_id       TEXT NOT NULL DEFAULT '',
	playlist_id       TEXT NOT NULL DEFAULT '',
	content           TEXT NOT NULL DEFAULT '',
	kind              TEXT NOT NULL,
	song_ref          TEXT NOT NULL DEFAULT '',
	image_ref         TEXT NOT NULL DEFAULT '',
	is_read           INTEGER NOT NULL DEFAULT 0,
	parent_message_id INTEGER NOT NULL DEFAULT 0,
	reactions         TEXT NOT NULL DEFAULT '[]',
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages (conversation_key, id);
DROP INDEX IF EXISTS idx_chat_messages_client;
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_messages_client_conv
	ON chat_messages (sender_id, conversation_key, client_msg_id)
	WHERE client_msg_id IS NOT NULL;
`

const columns = `id, client_msg_id, conversation_key, sender_id, receiver_id, playlist_id, content, kind,
	song_ref, image_ref, is_read, parent_message_id, reactions, created_at`

// Store SQLite 存储
// 写操作由 mu 串行化，ID 在锁内生成，因此 ID 顺序即提交顺序
type Store struct {
	db *sql.DB
	sf *snowflake.Node
	mu sync.Mutex
}

var _ store.MessageStore = (*Store)(nil)

// Open 打开（或创建）数据库文件
func Open(path string, sf *snowflake.Node) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// 只用一个连接，PRAGMA 对所有语句生效
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, sf: sf}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*model.Message, error) {
	var (
		msg       model.Message
		clientID  sql.NullString
		key       string
		kind      string
		isRead    int
		reactions string
		createdAt int64
	)
	err := row.Scan(&msg.ID, &clientID, &key, &msg.SenderID, &msg.ReceiverID, &msg.PlaylistID,
		&msg.Content, &kind, &msg.SongRef, &msg.ImageRef, &isRead, &msg.ParentMessageID,
		&reactions, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, store.Unavailable(err)
	}

	msg.ClientMsgID = clientID.String
	msg.ConversationKey = identity.Key(key)
	msg.Kind = model.MessageKind(kind)
	msg.IsRead = isRead != 0
	msg.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(reactions), &msg.Reactions); err != nil {
		return nil, store.Unavailable(fmt.Errorf("decode reactions of %d: %w", msg.ID, err))
	}
	if msg.Reactions == nil {
		msg.Reactions = []model.Reaction{}
	}
	return &msg, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) Append(ctx context.Context, draft *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draft.ClientMsgID != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+columns+` FROM chat_messages WHERE sender_id = ? AND conversation_key = ? AND client_msg_id = ?`,
			draft.SenderID, string(draft.ConversationKey), draft.ClientMsgID)
		existing, err := scanMessage(row)
		if err == nil {
			return existing, nil
		}
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	msg := draft.Clone()
	msg.ID = s.sf.Generate().Int64()
	msg.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	msg.IsRead = false
	msg.Reactions = []model.Reaction{}

	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, nullable(msg.ClientMsgID), string(msg.ConversationKey), msg.SenderID, msg.ReceiverID,
		msg.PlaylistID, msg.Content, string(msg.Kind), msg.SongRef, msg.ImageRef, 0,
		msg.ParentMessageID, "[]", msg.CreatedAt.UnixMilli())
	if err != nil {
		return nil, store.Unavailable(err)
	}
	return msg, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM chat_messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *Store) UpdateReadState(ctx context.Context, id int64, isRead bool) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flag := 0
	if isRead {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chat_messages SET is_read = ? WHERE id = ?`, flag, id)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperrors.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) UpsertReaction(ctx context.Context, id int64, reaction model.Reaction) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, store.Unavailable(err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM chat_messages WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}

	msg.Reactions = model.ApplyReaction(msg.Reactions, reaction)
	raw, err := json.Marshal(msg.Reactions)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_messages SET reactions = ? WHERE id = ?`, string(raw), id); err != nil {
		return nil, store.Unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, store.Unavailable(err)
	}
	return msg, nil
}

func (s *Store) History(ctx context.Context, key identity.Key, beforeID int64, limit int) ([]*model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM chat_messages
		WHERE conversation_key = ? AND (? = 0 OR id < ?)
		ORDER BY id DESC LIMIT ?`,
		string(key), beforeID, beforeID, store.ClampLimit(limit))
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
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Package store 定义消息的持久化接口
//
// 所有实现都必须满足：Append 返回前消息已经持久化，同一会话内 ID 递增且与提交顺序一致。
package store

import (
	"context"
	"errors"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// MessageStore 消息存储
type MessageStore interface {
	// Append 持久化新消息并分配 ID 与时间戳
	// 设置了 ClientMsgID 时，同一发送者在同一会话内的重复提交返回首次存储的消息
	Append(ctx context.Context, draft *model.Message) (*model.Message, error)
	Get(ctx context.Context, id int64) (*model.Message, error)
	UpdateReadState(ctx context.Context, id int64, isRead bool) (*model.Message, error)
	UpsertReaction(ctx context.Context, id int64, reaction model.Reaction) (*model.Message, error)
	// History 按 ID 倒序分页，beforeID 为 0 表示从最新开始
	History(ctx context.Context, key identity.Key, beforeID int64, limit int) ([]*model.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// ClampLimit 规范化分页大小
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}

// Unavailable 将后端错误统一包装为 StorageUnavailable，已有业务错误原样返回
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrStorageUnavailable.WithMessage("persist timeout").Wrap(err)
	}
	return apperrors.ErrStorageUnavailable.Wrap(err)
}

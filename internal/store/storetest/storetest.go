// Package storetest 是 MessageStore 实现共用的行为测试
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/store"
)

// Factory 为每个子测试创建一个干净的存储
type Factory func(t *testing.T) store.MessageStore

// Run 运行全部行为测试
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.MessageStore)
	}{
		{"AppendAssignsIDAndTimestamp", testAppend},
		{"AppendOrderWithinConversation", testAppendOrder},
		{"AppendIdempotentClientMsgID", testIdempotent},
		{"GetNotFound", testGetNotFound},
		{"UpdateReadState", testUpdateReadState},
		{"UpsertReactionReplaces", testUpsertReaction},
		{"History", testHistory},
		{"ConcurrentAppend", testConcurrentAppend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// uniq 让共享数据库上的测试互不干扰
func uniq(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func directDraft(t *testing.T, from, to, content string) *model.Message {
	key, err := identity.DirectKey(from, to)
	require.NoError(t, err)
	return &model.Message{
		ConversationKey: key,
		SenderID:        from,
		ReceiverID:      to,
		Content:         content,
		Kind:            model.MessageKindText,
	}
}

func testAppend(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2 := uniq("a"), uniq("b")

	draft := directDraft(t, u1, u2, "hi")
	msg, err := s.Append(ctx, draft)
	require.NoError(t, err)

	assert.NotZero(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, draft.ConversationKey, msg.ConversationKey)
	assert.False(t, msg.IsRead)
	assert.NotNil(t, msg.Reactions)
	assert.Empty(t, msg.Reactions)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, u1, got.SenderID)
	assert.Equal(t, u2, got.ReceiverID)
	assert.Equal(t, model.MessageKindText, got.Kind)
	assert.WithinDuration(t, msg.CreatedAt, got.CreatedAt, time.Millisecond)
}

func testAppendOrder(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2 := uniq("a"), uniq("b")

	var prev int64
	for i := 0; i < 20; i++ {
		msg, err := s.Append(ctx, directDraft(t, u1, u2, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		require.Greater(t, msg.ID, prev)
		prev = msg.ID
	}
}

func testIdempotent(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2 := uniq("a"), uniq("b")

	first := directDraft(t, u1, u2, "hello")
	first.ClientMsgID = "c-1"
	m1, err := s.Append(ctx, first)
	require.NoError(t, err)

	retry := directDraft(t, u1, u2, "hello")
	retry.ClientMsgID = "c-1"
	m2, err := s.Append(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)

	other := directDraft(t, u2, u1, "hello")
	other.ClientMsgID = "c-1"
	m3, err := s.Append(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m3.ID, "client ids are scoped per sender")

	page, err := s.History(ctx, first.ConversationKey, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	u3 := uniq("c")
	elsewhere := directDraft(t, u1, u3, "not for b")
	elsewhere.ClientMsgID = "c-1"
	m4, err := s.Append(ctx, elsewhere)
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID, m4.ID, "client ids are scoped per conversation")
	assert.Equal(t, elsewhere.ConversationKey, m4.ConversationKey)
	assert.Equal(t, "not for b", m4.Content)

	again, err := s.Append(ctx, elsewhere)
	require.NoError(t, err)
	assert.Equal(t, m4.ID, again.ID)
}

func testGetNotFound(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	_, err := s.Get(ctx, 424242)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)

	_, err = s.UpdateReadState(ctx, 424242, true)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)

	_, err = s.UpsertReaction(ctx, 424242, model.Reaction{UserID: "x", Type: model.ReactionLike})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)
}

func testUpdateReadState(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	msg, err := s.Append(ctx, directDraft(t, uniq("a"), uniq("b"), "read me"))
	require.NoError(t, err)

	updated, err := s.UpdateReadState(ctx, msg.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.IsRead)
	assert.Equal(t, "read me", updated.Content)

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
}

func testUpsertReaction(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2 := uniq("a"), uniq("b")
	msg, err := s.Append(ctx, directDraft(t, u1, u2, "react to me"))
	require.NoError(t, err)

	_, err = s.UpsertReaction(ctx, msg.ID, model.Reaction{UserID: u2, Type: model.ReactionLike})
	require.NoError(t, err)
	_, err = s.UpsertReaction(ctx, msg.ID, model.Reaction{UserID: u1, Type: model.ReactionHaha})
	require.NoError(t, err)
	updated, err := s.UpsertReaction(ctx, msg.ID, model.Reaction{UserID: u2, Type: model.ReactionLove})
	require.NoError(t, err)

	require.Len(t, updated.Reactions, 2)
	byUser := map[string]model.ReactionType{}
	for _, r := range updated.Reactions {
		byUser[r.UserID] = r.Type
	}
	assert.Equal(t, model.ReactionLove, byUser[u2])
	assert.Equal(t, model.ReactionHaha, byUser[u1])

	got, err := s.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 2)
}

func testHistory(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2, u3 := uniq("a"), uniq("b"), uniq("c")

	var ids []int64
	for i := 0; i < 5; i++ {
		msg, err := s.Append(ctx, directDraft(t, u1, u2, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	// 其他会话的消息不应出现
	_, err := s.Append(ctx, directDraft(t, u1, u3, "elsewhere"))
	require.NoError(t, err)

	key, _ := identity.DirectKey(u1, u2)
	page, err := s.History(ctx, key, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[2], page[2].ID)

	page, err = s.History(ctx, key, ids[2], 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[1], page[0].ID)
	assert.Equal(t, ids[0], page[1].ID)
}

func testConcurrentAppend(t *testing.T, s store.MessageStore) {
	ctx := context.Background()
	u1, u2 := uniq("a"), uniq("b")

	const n = 40
	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := s.Append(ctx, directDraft(t, u1, u2, fmt.Sprintf("c%d", i)))
			if assert.NoError(t, err) {
				ids <- msg.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[int64]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)

	key, _ := identity.DirectKey(u1, u2)
	page, err := s.History(ctx, key, 0, n)
	require.NoError(t, err)
	assert.Len(t, page, n)
}

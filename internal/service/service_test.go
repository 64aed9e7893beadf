package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/connection/conntest"
	apperrors "sudooom.im.presence/internal/errors"
	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/model"
	"sudooom.im.presence/internal/protocol"
	"sudooom.im.presence/internal/room"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store"
	"sudooom.im.presence/internal/store/memory"
)

type failingStore struct {
	store.MessageStore
	err error
}

func (f *failingStore) Append(context.Context, *model.Message) (*model.Message, error) {
	return nil, f.err
}

type recordingTracker struct {
	mu         sync.Mutex
	recorded   map[int64][]string
	markedRead []string
}

func (r *recordingTracker) RecordMessage(_ context.Context, msg *model.Message, recipients []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorded == nil {
		r.recorded = make(map[int64][]string)
	}
	r.recorded[msg.ID] = recipients
	return nil
}

func (r *recordingTracker) MarkRead(_ context.Context, userID string, _ identity.Key, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markedRead = append(r.markedRead, userID)
	return nil
}

type harness struct {
	t          *testing.T
	registry   *connection.Registry
	membership *room.Membership
	store      store.MessageStore
	svc        *MessageService
	tracker    *recordingTracker
}

func newHarness(t *testing.T, wrap func(store.MessageStore) store.MessageStore) *harness {
	sf, err := snowflake.NewNode(1)
	require.NoError(t, err)

	var st store.MessageStore = memory.New(sf)
	if wrap != nil {
		st = wrap(st)
	}
	h := &harness{
		t:          t,
		registry:   connection.NewRegistry(),
		membership: room.NewMembership(),
		store:      st,
		tracker:    &recordingTracker{},
	}
	b := fanout.NewBroadcaster(h.membership, h.registry, nil, nil)
	h.svc = NewMessageService(st, h.membership, h.registry, b, WithTracker(h.tracker))
	return h
}

// connect 注册会话并加入收件箱房间
func (h *harness) connect(userID string) (*connection.Session, *conntest.Sink) {
	sink := conntest.NewSink()
	s := h.registry.Register(userID, sink)
	inbox, err := identity.InboxKey(userID)
	require.NoError(h.t, err)
	h.membership.Join(inbox, s.ID)
	return s, sink
}

func (h *harness) join(s *connection.Session, playlistID string) {
	key, err := identity.GroupKey(playlistID)
	require.NoError(h.t, err)
	h.membership.Join(key, s.ID)
}

func messages(t *testing.T, sink *conntest.Sink, event string) []model.Message {
	var out []model.Message
	for _, env := range sink.Events(event) {
		var m model.Message
		require.NoError(t, env.Bind(&m))
		out = append(out, m)
	}
	return out
}

func TestSendDirect_BothPartiesReceive(t *testing.T) {
	h := newHarness(t, nil)
	u1, u1Sink := h.connect("U1")
	_, u2Sink := h.connect("U2")
	_, u3Sink := h.connect("U3")

	msg, err := h.svc.SendDirect(context.Background(), DirectRequest{
		SessionID: u1.ID, SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText,
	})
	require.NoError(t, err)
	assert.Equal(t, identity.Key("dm:U1:U2"), msg.ConversationKey)
	assert.NotZero(t, msg.ID)

	for _, sink := range []*conntest.Sink{u1Sink, u2Sink} {
		got := messages(t, sink, protocol.EventNewMessage)
		require.Len(t, got, 1)
		assert.Equal(t, "hi", got[0].Content)
		assert.Equal(t, msg.ID, got[0].ID)
	}
	assert.Empty(t, u3Sink.Envelopes())
	assert.Equal(t, []string{"U2"}, h.tracker.recorded[msg.ID])
}

func TestSendDirect_AllDevicesOnce(t *testing.T) {
	h := newHarness(t, nil)
	u1a, a := h.connect("U1")
	_, b := h.connect("U1")
	_, c := h.connect("U2")

	key, _ := identity.DirectKey("U1", "U2")
	h.membership.Join(key, u1a.ID)

	_, err := h.svc.SendDirect(context.Background(), DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "yo", Kind: model.MessageKindText})
	require.NoError(t, err)

	for _, sink := range []*conntest.Sink{a, b, c} {
		assert.Len(t, sink.Events(protocol.EventNewMessage), 1)
	}
}

func TestSendDirect_Validation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  DirectRequest
		code apperrors.Code
	}{
		{"empty receiver", DirectRequest{SenderID: "U1", Content: "x", Kind: model.MessageKindText}, apperrors.CodeInvalidIdentifier},
		{"separator in id", DirectRequest{SenderID: "U:1", ReceiverID: "U2", Content: "x", Kind: model.MessageKindText}, apperrors.CodeInvalidIdentifier},
		{"blank text", DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "   ", Kind: model.MessageKindText}, apperrors.CodeValidationFailed},
		{"song without ref", DirectRequest{SenderID: "U1", ReceiverID: "U2", Kind: model.MessageKindSong}, apperrors.CodeValidationFailed},
		{"unknown kind", DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "x", Kind: "video"}, apperrors.CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SendDirect(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}

	history, err := h.store.History(ctx, "dm:U1:U2", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendGroup_NonMemberRejected(t *testing.T) {
	h := newHarness(t, nil)
	u3, u3Sink := h.connect("U3")
	u4, u4Sink := h.connect("U4")
	h.join(u3, "p1")

	_, err := h.svc.SendGroup(context.Background(), GroupRequest{
		SessionID: u4.ID, SenderID: "U4", PlaylistID: "p1", Content: "let me in", Kind: model.MessageKindText,
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))
	assert.Empty(t, u3Sink.Envelopes())
	assert.Empty(t, u4Sink.Envelopes())
}

func TestSendGroup_OnlyRoomMembers(t *testing.T) {
	h := newHarness(t, nil)
	u1, u1Sink := h.connect("U1")
	u2, u2Sink := h.connect("U2")
	_, u1Other := h.connect("U1")
	h.join(u1, "p1")
	h.join(u2, "p1")

	msg, err := h.svc.SendGroup(context.Background(), GroupRequest{
		SessionID: u1.ID, SenderID: "U1", PlaylistID: "p1", Kind: model.MessageKindSong, SongRef: "song-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", msg.PlaylistID)

	assert.Len(t, messages(t, u1Sink, protocol.EventNewGroupMessage), 1)
	assert.Len(t, messages(t, u2Sink, protocol.EventNewGroupMessage), 1)
	assert.Empty(t, u1Other.Envelopes(), "sender device outside the room gets nothing")
	assert.ElementsMatch(t, []string{"U1", "U2"}, h.tracker.recorded[msg.ID])
}

func TestSendGroup_OrderMatchesCommitOrder(t *testing.T) {
	h := newHarness(t, nil)
	const senders = 4
	const perSender = 25

	sessions := make([]*connection.Session, senders)
	sinks := make([]*conntest.Sink, senders)
	for i := range sessions {
		sessions[i], sinks[i] = h.connect(string(rune('A' + i)))
		h.join(sessions[i], "p1")
	}

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(s *connection.Session) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := h.svc.SendGroup(context.Background(), GroupRequest{
					SessionID: s.ID, SenderID: s.UserID, PlaylistID: "p1", Content: "m", Kind: model.MessageKindText,
				})
				assert.NoError(t, err)
			}
		}(sessions[i])
	}
	wg.Wait()

	history, err := h.store.History(context.Background(), "pl:p1", 0, store.MaxHistoryLimit)
	require.NoError(t, err)
	require.Len(t, history, senders*perSender)
	// History 为倒序
	commit := make([]int64, len(history))
	for i, m := range history {
		commit[len(history)-1-i] = m.ID
	}

	for _, sink := range sinks {
		got := messages(t, sink, protocol.EventNewGroupMessage)
		ids := make([]int64, len(got))
		for i, m := range got {
			ids[i] = m.ID
		}
		assert.Equal(t, commit, ids)
	}
	assert.Zero(t, h.svc.sequencer.size())
}

func TestSend_StoreFailureBroadcastsNothing(t *testing.T) {
	h := newHarness(t, func(st store.MessageStore) store.MessageStore {
		return &failingStore{MessageStore: st, err: errors.New("connection refused")}
	})
	u1, u1Sink := h.connect("U1")
	_, u2Sink := h.connect("U2")
	h.join(u1, "p1")

	_, err := h.svc.SendDirect(context.Background(), DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText})
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.GetCode(err))

	_, err = h.svc.SendGroup(context.Background(), GroupRequest{SessionID: u1.ID, SenderID: "U1", PlaylistID: "p1", Content: "hi", Kind: model.MessageKindText})
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.GetCode(err))

	assert.Empty(t, u1Sink.Envelopes())
	assert.Empty(t, u2Sink.Envelopes())
	assert.Empty(t, h.tracker.recorded)
}

func TestSend_PersistTimeout(t *testing.T) {
	h := newHarness(t, func(st store.MessageStore) store.MessageStore {
		return &failingStore{MessageStore: st, err: context.DeadlineExceeded}
	})
	_, err := h.svc.SendDirect(context.Background(), DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeStorageUnavailable, apperrors.GetCode(err))
	assert.Equal(t, "persist timeout", apperrors.GetMessage(err))
}

func TestSend_ReplyThreading(t *testing.T) {
	h := newHarness(t, nil)
	u1, _ := h.connect("U1")
	h.join(u1, "p1")
	ctx := context.Background()

	parent, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "parent", Kind: model.MessageKindText})
	require.NoError(t, err)

	reply, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U2", ReceiverID: "U1", Content: "reply", Kind: model.MessageKindText, ParentMessageID: parent.ID})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, reply.ParentMessageID)

	_, err = h.svc.SendGroup(ctx, GroupRequest{SessionID: u1.ID, SenderID: "U1", PlaylistID: "p1", Content: "cross", Kind: model.MessageKindText, ParentMessageID: parent.ID})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidThread))

	_, err = h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "ghost", Kind: model.MessageKindText, ParentMessageID: 12345})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidThread))
}

func TestSend_IdempotentRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	req := DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "once", Kind: model.MessageKindText, ClientMsgID: "c-1"}

	first, err := h.svc.SendDirect(ctx, req)
	require.NoError(t, err)
	second, err := h.svc.SendDirect(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	history, err := h.store.History(ctx, first.ConversationKey, 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSend_ReusedClientMsgIDOtherConversation(t *testing.T) {
	h := newHarness(t, nil)
	_, u2Sink := h.connect("U2")
	_, u3Sink := h.connect("U3")
	ctx := context.Background()

	first, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "secret for U2", Kind: model.MessageKindText, ClientMsgID: "c-1"})
	require.NoError(t, err)
	second, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U3", Content: "hello U3", Kind: model.MessageKindText, ClientMsgID: "c-1"})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, identity.Key("dm:U1:U3"), second.ConversationKey)

	got := messages(t, u3Sink, protocol.EventNewMessage)
	require.Len(t, got, 1)
	assert.Equal(t, "hello U3", got[0].Content)
	assert.Equal(t, identity.Key("dm:U1:U3"), got[0].ConversationKey)
	assert.Len(t, messages(t, u2Sink, protocol.EventNewMessage), 1)
}

// foreignStore 模拟按发送者去重的后端，总是返回第一条消息
type foreignStore struct {
	store.MessageStore
	first *model.Message
}

func (f *foreignStore) Append(ctx context.Context, draft *model.Message) (*model.Message, error) {
	if f.first != nil {
		return f.first.Clone(), nil
	}
	msg, err := f.MessageStore.Append(ctx, draft)
	if err == nil {
		f.first = msg.Clone()
	}
	return msg, err
}

func TestSend_DedupHitInOtherConversationNotBroadcast(t *testing.T) {
	h := newHarness(t, func(st store.MessageStore) store.MessageStore {
		return &foreignStore{MessageStore: st}
	})
	_, u3Sink := h.connect("U3")
	ctx := context.Background()

	_, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "secret for U2", Kind: model.MessageKindText, ClientMsgID: "c-1"})
	require.NoError(t, err)

	_, err = h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U3", Content: "hello U3", Kind: model.MessageKindText, ClientMsgID: "c-1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed), "got %v", err)
	assert.Empty(t, u3Sink.Events(protocol.EventNewMessage))
}

func TestReact_ReplacesPriorReaction(t *testing.T) {
	h := newHarness(t, nil)
	_, u1Sink := h.connect("U1")
	_, u2Sink := h.connect("U2")
	ctx := context.Background()

	msg, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText})
	require.NoError(t, err)

	_, err = h.svc.React(ctx, msg.ID, "U2", model.ReactionLike)
	require.NoError(t, err)
	updated, err := h.svc.React(ctx, msg.ID, "U2", model.ReactionLove)
	require.NoError(t, err)

	require.Len(t, updated.Reactions, 1)
	assert.Equal(t, model.Reaction{UserID: "U2", Type: model.ReactionLove}, updated.Reactions[0])

	for _, sink := range []*conntest.Sink{u1Sink, u2Sink} {
		events := sink.Events(protocol.EventMessageUpdated)
		require.Len(t, events, 2)
		var last protocol.MessageUpdated
		require.NoError(t, events[1].Bind(&last))
		assert.Equal(t, msg.ID, last.MessageID)
		assert.Equal(t, []model.Reaction{{UserID: "U2", Type: model.ReactionLove}}, last.Reactions)
	}
}

func TestReact_Errors(t *testing.T) {
	h := newHarness(t, nil)
	u1, _ := h.connect("U1")
	h.connect("U5")
	h.join(u1, "p1")
	ctx := context.Background()

	direct, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText})
	require.NoError(t, err)
	group, err := h.svc.SendGroup(ctx, GroupRequest{SessionID: u1.ID, SenderID: "U1", PlaylistID: "p1", Content: "hi", Kind: model.MessageKindText})
	require.NoError(t, err)

	_, err = h.svc.React(ctx, direct.ID, "U5", model.ReactionLike)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))

	_, err = h.svc.React(ctx, group.ID, "U5", model.ReactionLike)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))

	_, err = h.svc.React(ctx, 999, "U1", model.ReactionLike)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = h.svc.React(ctx, direct.ID, "U1", "meh")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))
}

func TestMarkRead_NotifiesSenderInboxOnly(t *testing.T) {
	h := newHarness(t, nil)
	_, u1Sink := h.connect("U1")
	_, u2Sink := h.connect("U2")
	ctx := context.Background()

	msg, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "hi", Kind: model.MessageKindText})
	require.NoError(t, err)
	u1Sink.Reset()
	u2Sink.Reset()

	updated, err := h.svc.MarkRead(ctx, msg.ID, "U2")
	require.NoError(t, err)
	assert.True(t, updated.IsRead)

	events := u1Sink.Events(protocol.EventMessageUpdated)
	require.Len(t, events, 1)
	var update protocol.MessageUpdated
	require.NoError(t, events[0].Bind(&update))
	require.NotNil(t, update.IsRead)
	assert.True(t, *update.IsRead)
	assert.Empty(t, u2Sink.Envelopes())
	assert.Equal(t, []string{"U2"}, h.tracker.markedRead)

	_, err = h.svc.MarkRead(ctx, msg.ID, "U1")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))

	_, err = h.svc.MarkRead(ctx, msg.ID, "U7")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))
}

func TestUpdatePlaylistSong(t *testing.T) {
	h := newHarness(t, nil)
	u1, u1Sink := h.connect("U1")
	u2, u2Sink := h.connect("U2")
	h.join(u1, "p1")
	h.join(u2, "p1")
	ctx := context.Background()

	require.NoError(t, h.svc.UpdatePlaylistSong(ctx, "U1", "p1", "s9", "add"))
	for _, sink := range []*conntest.Sink{u1Sink, u2Sink} {
		events := sink.Events(protocol.EventPlaylistSongUpdated)
		require.Len(t, events, 1)
		var update protocol.PlaylistSongUpdated
		require.NoError(t, events[0].Bind(&update))
		assert.Equal(t, protocol.PlaylistSongUpdated{PlaylistID: "p1", SongID: "s9", Action: "add", UserID: "U1"}, update)
	}

	err := h.svc.UpdatePlaylistSong(ctx, "U3", "p1", "s9", "add")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))

	err = h.svc.UpdatePlaylistSong(ctx, "U1", "p1", "s9", "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidationFailed))
}

func TestHistory_Access(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.svc.SendDirect(ctx, DirectRequest{SenderID: "U1", ReceiverID: "U2", Content: "m", Kind: model.MessageKindText})
		require.NoError(t, err)
	}

	page, err := h.svc.History(ctx, "U2", "dm:U1:U2", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)

	older, err := h.svc.History(ctx, "U2", "dm:U1:U2", page[1].ID, 2)
	require.NoError(t, err)
	assert.Len(t, older, 1)

	_, err = h.svc.History(ctx, "U3", "dm:U1:U2", 0, 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAMember))

	_, err = h.svc.History(ctx, "U3", "pl:p1", 0, 10)
	assert.NoError(t, err)

	_, err = h.svc.History(ctx, "U1", "user:U1", 0, 10)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidIdentifier))
}

func TestSequencer_SerializesSameKey(t *testing.T) {
	s := newSequencer()
	unlock := s.lock("pl:p1")

	acquired := make(chan struct{})
	go func() {
		release := s.lock("pl:p1")
		close(acquired)
		release()
	}()

	other := s.lock("pl:p2")
	other()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return s.size() == 0 }, time.Second, time.Millisecond)
}

package relay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/metrics"
)

func encodeEvent(t *testing.T, node string, aud fanout.Audience, frame string) []byte {
	data, err := json.Marshal(Event{NodeID: node, Audience: aud, Frame: json.RawMessage(frame)})
	require.NoError(t, err)
	return data
}

func TestDispatch_IgnoresOwnNode(t *testing.T) {
	r := New(nil, "node-a", Config{WorkerCount: 1}, nil)

	got := make(chan fanout.Audience, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.startWorkers(ctx, func(_ context.Context, aud fanout.Audience, _ []byte) {
		got <- aud
	})

	r.dispatch(encodeEvent(t, "node-a", fanout.Audience{Users: []string{"U1"}}, `{}`))
	r.dispatch([]byte("not json"))
	r.dispatch(encodeEvent(t, "node-b", fanout.Audience{Rooms: []identity.Key{"pl:p1"}}, `{"event":"x"}`))

	select {
	case aud := <-got:
		assert.Equal(t, []identity.Key{"pl:p1"}, aud.Rooms)
	case <-time.After(2 * time.Second):
		t.Fatal("remote event not handled")
	}
	assert.Empty(t, got)
}

func TestDispatch_PreservesOrderPerConversation(t *testing.T) {
	r := New(nil, "node-b", Config{WorkerCount: 4, BufferSize: 4096}, nil)

	keys := []identity.Key{"pl:p1", "pl:p2", "dm:U1:U2", "user:U3"}
	const perKey = 200

	var mu sync.Mutex
	seen := make(map[identity.Key][]int)
	var wg sync.WaitGroup
	wg.Add(len(keys) * perKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.startWorkers(ctx, func(_ context.Context, aud fanout.Audience, frame []byte) {
		var seq int
		assert.NoError(t, json.Unmarshal(frame, &seq))
		mu.Lock()
		seen[aud.Rooms[0]] = append(seen[aud.Rooms[0]], seq)
		mu.Unlock()
		wg.Done()
	})

	// 不同会话的事件交错到达
	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			aud := fanout.Audience{Rooms: []identity.Key{key}, Users: []string{"U1", "U2"}}
			r.dispatch(encodeEvent(t, "node-a", aud, strconv.Itoa(i)))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay events not handled")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range keys {
		got := seen[key]
		require.Len(t, got, perKey, "key %s", key)
		for i, seq := range got {
			require.Equal(t, i, seq, "key %s out of order", key)
		}
	}
	assert.Zero(t, r.Dropped())
}

func TestShardOf_StableForConversation(t *testing.T) {
	aud := fanout.Audience{Rooms: []identity.Key{"dm:U1:U2"}, Users: []string{"U1", "U2"}}
	reordered := fanout.Audience{Rooms: []identity.Key{"dm:U1:U2"}, Users: []string{"U2", "U1"}}

	assert.Equal(t, shardOf(aud, 8), shardOf(reordered, 8))
	assert.Equal(t, 0, shardOf(aud, 1))
	assert.Less(t, shardOf(fanout.Audience{Users: []string{"U1"}}, 8), 8)
}

func TestDispatch_CountsDroppedEvents(t *testing.T) {
	m := metrics.New()
	r := New(nil, "node-b", Config{WorkerCount: 1, BufferSize: 1}, m)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	r.startWorkers(ctx, func(context.Context, fanout.Audience, []byte) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	defer func() {
		close(release)
		cancel()
		r.wg.Wait()
	}()

	aud := fanout.Audience{Rooms: []identity.Key{"pl:p1"}}
	// 第一条被 worker 取走并阻塞，第二条占满缓冲，第三条被丢弃
	r.dispatch(encodeEvent(t, "node-a", aud, `1`))
	<-started
	r.dispatch(encodeEvent(t, "node-a", aud, `2`))
	r.dispatch(encodeEvent(t, "node-a", aud, `3`))

	assert.Equal(t, uint64(1), r.Dropped())
	current, capacity := r.BufferUsage()
	assert.Equal(t, 1, current)
	assert.Equal(t, 1, capacity)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `presence_relay_events_total{direction="dropped"} 1`)
}

func TestRelay_RoundTrip(t *testing.T) {
	client, err := NewClient(config.NATSConfig{URL: nats.DefaultURL, MaxReconnects: 1, ReconnectWait: time.Second})
	if err != nil {
		t.Skipf("跳过测试：无法连接 NATS: %v", err)
	}
	defer client.Close()

	a := New(client.Conn(), "node-a", Config{WorkerCount: 1}, nil)
	b := New(client.Conn(), "node-b", Config{WorkerCount: 1}, nil)

	received := make(chan []byte, 1)
	require.NoError(t, b.Start(context.Background(), func(_ context.Context, _ fanout.Audience, frame []byte) {
		received <- frame
	}))
	defer b.Stop()
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, a.Publish(fanout.Audience{Users: []string{"U1"}}, []byte(`{"event":"newMessage"}`)))

	select {
	case frame := <-received:
		assert.JSONEq(t, `{"event":"newMessage"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("relay event not received")
	}
}

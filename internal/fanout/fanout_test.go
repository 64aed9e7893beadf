package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/connection/conntest"
	"sudooom.im.presence/internal/identity"
	"sudooom.im.presence/internal/room"
)

type recordingEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (e *recordingEvictor) Evict(sessionID string, _ error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evicted = append(e.evicted, sessionID)
}

type recordingPublisher struct {
	audiences []Audience
	err       error
}

func (p *recordingPublisher) Publish(aud Audience, _ []byte) error {
	p.audiences = append(p.audiences, aud)
	return p.err
}

type fixture struct {
	registry   *connection.Registry
	membership *room.Membership
}

func newFixture() *fixture {
	return &fixture{registry: connection.NewRegistry(), membership: room.NewMembership()}
}

func (f *fixture) session(userID string, rooms ...identity.Key) (*connection.Session, *conntest.Sink) {
	sink := conntest.NewSink()
	s := f.registry.Register(userID, sink)
	for _, key := range rooms {
		f.membership.Join(key, s.ID)
	}
	return s, sink
}

func TestDeliver_RoomAndUsersDeduplicated(t *testing.T) {
	f := newFixture()
	key, _ := identity.DirectKey("U1", "U2")

	_, u1a := f.session("U1", key)
	_, u1b := f.session("U1")
	_, u2 := f.session("U2")
	_, other := f.session("U3")

	b := NewBroadcaster(f.membership, f.registry, nil, nil)
	n := b.Deliver(context.Background(), Audience{Rooms: []identity.Key{key}, Users: []string{"U1", "U2"}}, []byte(`{"event":"newMessage"}`))

	assert.Equal(t, 3, n)
	assert.Len(t, u1a.Events("newMessage"), 1, "room member also listed as user gets one copy")
	assert.Len(t, u1b.Events("newMessage"), 1)
	assert.Len(t, u2.Events("newMessage"), 1)
	assert.Empty(t, other.Envelopes())
}

func TestDeliver_FailureEvictsOnlyFailingSession(t *testing.T) {
	f := newFixture()
	key, _ := identity.GroupKey("p1")

	bad, badSink := f.session("U1", key)
	_, goodSink := f.session("U2", key)
	badSink.Fail(connection.ErrSlowConsumer)

	evictor := &recordingEvictor{}
	b := NewBroadcaster(f.membership, f.registry, nil, nil)
	b.SetEvictor(evictor)

	n := b.Deliver(context.Background(), Audience{Rooms: []identity.Key{key}}, []byte(`{"event":"newGroupMessage"}`))
	assert.Equal(t, 1, n)
	assert.Len(t, goodSink.Events("newGroupMessage"), 1)
	assert.Equal(t, []string{bad.ID}, evictor.evicted)
}

func TestDeliver_Relays(t *testing.T) {
	f := newFixture()
	pub := &recordingPublisher{}
	b := NewBroadcaster(f.membership, f.registry, pub, nil)

	aud := Audience{Users: []string{"U9"}}
	assert.Equal(t, 0, b.Deliver(context.Background(), aud, []byte(`{}`)))
	require.Len(t, pub.audiences, 1)
	assert.Equal(t, aud, pub.audiences[0])

	pub.err = errors.New("nats down")
	b.Deliver(context.Background(), aud, []byte(`{}`))
	assert.Len(t, pub.audiences, 2)
}

func TestDeliverLocal_DoesNotRelay(t *testing.T) {
	f := newFixture()
	_, sink := f.session("U1")
	pub := &recordingPublisher{}
	b := NewBroadcaster(f.membership, f.registry, pub, nil)

	assert.Equal(t, 1, b.DeliverLocal(context.Background(), Audience{Users: []string{"U1"}}, []byte(`{"event":"x"}`)))
	assert.Len(t, sink.Envelopes(), 1)
	assert.Empty(t, pub.audiences)
}

package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/logger"
)

// fakeBus delivers every publish synchronously to every subscriber.
type fakeBus struct {
	mu       sync.Mutex
	handlers []nats.MsgHandler
	subjects []string
	fail     bool
}

func (b *fakeBus) Publish(subj string, data []byte) error {
	b.mu.Lock()
	if b.fail {
		b.mu.Unlock()
		return errors.New("nats down")
	}
	b.subjects = append(b.subjects, subj)
	handlers := append([]nats.MsgHandler(nil), b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(&nats.Msg{Subject: subj, Data: data})
	}
	return nil
}

func (b *fakeBus) Subscribe(_ string, cb nats.MsgHandler) (*nats.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, cb)
	return nil, nil
}

type fakeConn struct {
	mu     sync.Mutex
	frames []hub.Frame
}

func (c *fakeConn) Send(f hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func newNode(t *testing.T, bus *fakeBus) (*hub.Hub, *Relay) {
	h := hub.New(hub.Options{Monotonic: true})
	r := New(bus, h, "", logger.Nop())
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Close() })
	return h, r
}

func TestPublishReachesOtherProcess(t *testing.T) {
	bus := &fakeBus{}
	a, _ := newNode(t, bus)
	b, _ := newNode(t, bus)
	key := hub.RoomKey{Kind: "list", ID: "R1"}

	remote := &fakeConn{}
	b.Subscribe(key, remote)
	local := &fakeConn{}
	a.Subscribe(key, local)

	require.NoError(t, a.Publish(key, hub.Frame{Version: 1, Data: json.RawMessage(`{"queue":["a"]}`)}))

	assert.Len(t, local.frames, 1, "The origin must not apply its own frame twice")
	require.Len(t, remote.frames, 1)
	assert.Equal(t, int64(1), remote.frames[0].Version)
	assert.JSONEq(t, `{"queue":["a"]}`, string(remote.frames[0].Data))
	assert.Equal(t, []string{"nextup.rooms.list.R1"}, bus.subjects, "Applied frames are not forwarded again")
}

func TestStaleRelayIsIgnored(t *testing.T) {
	bus := &fakeBus{}
	a, _ := newNode(t, bus)
	b, rb := newNode(t, bus)
	key := hub.RoomKey{Kind: "tournament", ID: "T1"}

	require.NoError(t, a.Publish(key, hub.Frame{Version: 6, Data: json.RawMessage(`{"v":6}`)}))
	late, err := msgpack.Marshal(&envelope{Origin: "elsewhere", Kind: "tournament", ID: "T1", Version: 4, Data: []byte(`{"v":4}`)})
	require.NoError(t, err)
	rb.handle(&nats.Msg{Subject: "nextup.rooms.tournament.T1", Data: late})

	snap, ok := b.Snapshot(key)
	require.True(t, ok)
	assert.Equal(t, int64(6), snap.Version, "A delayed relay frame must not roll the room back")
}

func TestForwardFailureIsSwallowed(t *testing.T) {
	bus := &fakeBus{fail: true}
	a, _ := newNode(t, bus)
	key := hub.RoomKey{Kind: "list", ID: "R1"}
	assert.NoError(t, a.Publish(key, hub.Frame{Version: 1, Data: json.RawMessage(`{}`)}))
}

func TestMalformedAndForeignMessages(t *testing.T) {
	bus := &fakeBus{}
	h, r := newNode(t, bus)

	r.handle(&nats.Msg{Subject: "nextup.rooms.list.x", Data: []byte("not msgpack")})
	bad, err := msgpack.Marshal(&envelope{Origin: "other", Kind: "poker", ID: "x", Version: 1, Data: []byte(`{}`)})
	require.NoError(t, err)
	r.handle(&nats.Msg{Subject: "nextup.rooms.poker.x", Data: bad})
	assert.Equal(t, 0, h.Rooms())
}

func TestSubjectSanitizesID(t *testing.T) {
	r := New(&fakeBus{}, hub.New(hub.Options{}), "p", logger.Nop())
	assert.Equal(t, "p.list.a_b_c", r.subject(hub.RoomKey{Kind: "list", ID: "a.b>c"}))
}

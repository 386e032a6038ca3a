// Package hub is the in-process room registry: per room it keeps the latest
// snapshot and the live connections, and fans every publish out to them.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/anchal00/nextup/internal/logger"
)

var (
	ErrStalePublish   = errors.New("stale publish")
	ErrInvalidRoomKey = errors.New("invalid room key")
)

// RoomKey names a room as kind + id; its string form is "kind:id".
type RoomKey struct {
	Kind string
	ID   string
}

func NewRoomKey(kind, id string) (RoomKey, error) {
	if kind != "list" && kind != "tournament" {
		return RoomKey{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRoomKey, kind)
	}
	if id == "" {
		return RoomKey{}, fmt.Errorf("%w: empty id", ErrInvalidRoomKey)
	}
	return RoomKey{Kind: kind, ID: id}, nil
}

func ParseRoomKey(s string) (RoomKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return RoomKey{}, fmt.Errorf("%w: %q", ErrInvalidRoomKey, s)
	}
	return NewRoomKey(kind, id)
}

func (k RoomKey) String() string {
	return k.Kind + ":" + k.ID
}

// Frame is one room state: the record version and its JSON snapshot.
type Frame struct {
	Version int64           `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// Conn is a subscriber transport. Send must not block: a connection that
// cannot take a frame right away returns an error and is dropped.
type Conn interface {
	Send(frame Frame) error
	Close() error
}

// Forwarder receives every locally originated publish, e.g. to relay it to
// other processes.
type Forwarder interface {
	Forward(key RoomKey, frame Frame)
}

type room struct {
	mu       sync.Mutex
	snapshot *Frame
	conns    map[Conn]struct{}
	pruned   bool
}

type Options struct {
	// Monotonic rejects publishes whose version is not newer than the cached
	// snapshot.
	Monotonic  bool
	Logger     logger.Logger
	Registerer prometheus.Registerer
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[RoomKey]*room

	attachMu sync.Mutex
	attached map[Conn]map[RoomKey]struct{}

	monotonic bool
	forwarder Forwarder
	logger    logger.Logger
	metrics   *metrics
}

func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		rooms:     make(map[RoomKey]*room),
		attached:  make(map[Conn]map[RoomKey]struct{}),
		monotonic: opts.Monotonic,
		logger:    log,
		metrics:   newMetrics(opts.Registerer),
	}
}

// SetForwarder installs the forwarder for local publishes. Call it before the
// hub serves traffic.
func (h *Hub) SetForwarder(f Forwarder) {
	h.forwarder = f
}

// acquire returns the locked room for key, creating it when create is set.
// It returns nil when the room does not exist and create is false.
func (h *Hub) acquire(key RoomKey, create bool) *room {
	for {
		h.mu.RLock()
		r, ok := h.rooms[key]
		h.mu.RUnlock()
		if !ok {
			if !create {
				return nil
			}
			h.mu.Lock()
			r, ok = h.rooms[key]
			if !ok {
				r = &room{conns: make(map[Conn]struct{})}
				h.rooms[key] = r
				h.metrics.rooms.Inc()
			}
			h.mu.Unlock()
		}
		r.mu.Lock()
		if !r.pruned {
			return r
		}
		r.mu.Unlock()
	}
}

// pruneLocked removes an empty room. The caller holds r.mu.
func (h *Hub) pruneLocked(key RoomKey, r *room) {
	if r.pruned || len(r.conns) > 0 {
		return
	}
	r.pruned = true
	h.mu.Lock()
	if h.rooms[key] == r {
		delete(h.rooms, key)
		h.metrics.rooms.Dec()
	}
	h.mu.Unlock()
}

// Subscribe attaches conn to the room and, if the room has a snapshot, sends
// it as the first frame. It reports whether a snapshot was delivered; the
// caller seeds the room from the durable store when it was not.
func (h *Hub) Subscribe(key RoomKey, conn Conn) bool {
	r := h.acquire(key, true)
	if _, ok := r.conns[conn]; !ok {
		r.conns[conn] = struct{}{}
		h.metrics.subscribers.Inc()
	}
	h.attach(conn, key)

	sent := false
	var dropped bool
	if r.snapshot != nil {
		if err := conn.Send(*r.snapshot); err != nil {
			delete(r.conns, conn)
			dropped = true
			h.pruneLocked(key, r)
		} else {
			sent = true
		}
	}
	r.mu.Unlock()

	if dropped {
		h.drop(key, conn)
	}
	h.logger.With("room", key.String()).Debug("Subscriber attached")
	return sent
}

// Publish stores frame as the room snapshot and sends it to every subscriber,
// then hands it to the forwarder.
func (h *Hub) Publish(key RoomKey, frame Frame) error {
	if err := h.deliver(key, frame, h.monotonic); err != nil {
		return err
	}
	if h.forwarder != nil {
		h.forwarder.Forward(key, frame)
	}
	return nil
}

// Apply is Publish for frames that came from another process: they are not
// forwarded again.
func (h *Hub) Apply(key RoomKey, frame Frame) error {
	return h.deliver(key, frame, h.monotonic)
}

// ApplyIfNewer is Apply that only takes a frame newer than the cached
// snapshot, whatever the guard setting. Seeds and refreshes read from the
// durable store use it so they never replace a fresher publish.
func (h *Hub) ApplyIfNewer(key RoomKey, frame Frame) error {
	return h.deliver(key, frame, true)
}

func (h *Hub) deliver(key RoomKey, frame Frame, newerOnly bool) error {
	r := h.acquire(key, true)
	if newerOnly && r.snapshot != nil && frame.Version <= r.snapshot.Version {
		cached := r.snapshot.Version
		r.mu.Unlock()
		h.metrics.publishes.WithLabelValues("stale").Inc()
		return fmt.Errorf("%w: room %s has version %d, got %d", ErrStalePublish, key, cached, frame.Version)
	}
	r.snapshot = &frame

	var failed []Conn
	for conn := range r.conns {
		if err := conn.Send(frame); err != nil {
			delete(r.conns, conn)
			failed = append(failed, conn)
		}
	}
	if len(failed) > 0 {
		h.pruneLocked(key, r)
	}
	r.mu.Unlock()
	h.metrics.publishes.WithLabelValues("delivered").Inc()

	for _, conn := range failed {
		h.drop(key, conn)
	}
	return nil
}

// drop finishes removing a subscriber whose send failed.
func (h *Hub) drop(key RoomKey, conn Conn) {
	h.metrics.dropped.Inc()
	h.metrics.subscribers.Dec()
	h.detachKey(conn, key)
	if err := conn.Close(); err != nil {
		h.logger.With("room", key.String()).Debug(fmt.Sprintf("Closing dropped subscriber: %v", err))
	}
	h.logger.With("room", key.String()).Warn("Dropped a subscriber that could not keep up")
}

// Unsubscribe detaches conn from the room and prunes the room once empty.
func (h *Hub) Unsubscribe(key RoomKey, conn Conn) {
	h.detachKey(conn, key)
	r := h.acquire(key, false)
	if r == nil {
		return
	}
	if _, ok := r.conns[conn]; ok {
		delete(r.conns, conn)
		h.metrics.subscribers.Dec()
	}
	h.pruneLocked(key, r)
	r.mu.Unlock()
}

// Detach removes conn from every room it joined. Transports call it when the
// connection ends.
func (h *Hub) Detach(conn Conn) {
	h.attachMu.Lock()
	keys := h.attached[conn]
	delete(h.attached, conn)
	h.attachMu.Unlock()

	for key := range keys {
		h.Unsubscribe(key, conn)
	}
}

// Snapshot returns the cached frame of the room, if any.
func (h *Hub) Snapshot(key RoomKey) (Frame, bool) {
	r := h.acquire(key, false)
	if r == nil {
		return Frame{}, false
	}
	defer r.mu.Unlock()
	if r.snapshot == nil {
		return Frame{}, false
	}
	return *r.snapshot, true
}

// Subscribers counts the live connections of a room.
func (h *Hub) Subscribers(key RoomKey) int {
	r := h.acquire(key, false)
	if r == nil {
		return 0
	}
	defer r.mu.Unlock()
	return len(r.conns)
}

func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// CloseAll closes every live connection and forgets all rooms.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[RoomKey]*room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.pruned = true
		for conn := range r.conns {
			_ = conn.Close()
		}
		r.conns = nil
		r.mu.Unlock()
	}
	h.attachMu.Lock()
	h.attached = make(map[Conn]map[RoomKey]struct{})
	h.attachMu.Unlock()
	h.metrics.rooms.Set(0)
	h.metrics.subscribers.Set(0)
}

func (h *Hub) attach(conn Conn, key RoomKey) {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	keys, ok := h.attached[conn]
	if !ok {
		keys = make(map[RoomKey]struct{})
		h.attached[conn] = keys
	}
	keys[key] = struct{}{}
}

func (h *Hub) detachKey(conn Conn, key RoomKey) {
	h.attachMu.Lock()
	defer h.attachMu.Unlock()
	keys, ok := h.attached[conn]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(h.attached, conn)
	}
}

// Package relay shares room publishes between nextup processes over NATS, so
// a subscriber on one process sees writes handled by another.
package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/logger"
)

const DefaultSubjectPrefix = "nextup.rooms"

// Conn is the part of *nats.Conn the relay uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// envelope is the wire form of one forwarded frame.
type envelope struct {
	Origin  string `msgpack:"origin"`
	Kind    string `msgpack:"kind"`
	ID      string `msgpack:"id"`
	Version int64  `msgpack:"version"`
	Data    []byte `msgpack:"data"`
}

type Relay struct {
	conn   Conn
	hub    *hub.Hub
	prefix string
	origin string
	logger logger.Logger
	sub    *nats.Subscription
}

func New(conn Conn, h *hub.Hub, prefix string, log logger.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		conn:   conn,
		hub:    h,
		prefix: prefix,
		origin: uuid.NewString(),
		logger: log,
	}
}

// Connect dials NATS with reconnects that never give up.
func Connect(url string, log logger.Logger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("nextup"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn(fmt.Sprintf("Disconnected from NATS: %v", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info(fmt.Sprintf("Reconnected to NATS at %s", nc.ConnectedUrl()))
		}),
	)
}

// subject maps a room to "<prefix>.<kind>.<id>". Dots and wildcards in the id
// are replaced so the id stays a single token.
func (r *Relay) subject(key hub.RoomKey) string {
	id := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(key.ID)
	return r.prefix + "." + key.Kind + "." + id
}

// Start subscribes to every room subject and installs the relay as the hub
// forwarder.
func (r *Relay) Start() error {
	sub, err := r.conn.Subscribe(r.prefix+".>", r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s.>: %w", r.prefix, err)
	}
	r.sub = sub
	r.hub.SetForwarder(r)
	r.logger.Info(fmt.Sprintf("Relaying rooms on %s.> as %s", r.prefix, r.origin))
	return nil
}

// Forward publishes a local frame. Failures are logged only: the durable
// store and client polling cover a lost relay message.
func (r *Relay) Forward(key hub.RoomKey, frame hub.Frame) {
	data, err := msgpack.Marshal(&envelope{
		Origin:  r.origin,
		Kind:    key.Kind,
		ID:      key.ID,
		Version: frame.Version,
		Data:    frame.Data,
	})
	if err != nil {
		r.logger.Error("Failed to encode relay envelope", err)
		return
	}
	if err := r.conn.Publish(r.subject(key), data); err != nil {
		r.logger.With("room", key.String()).Error("Failed to relay publish", err)
	}
}

func (r *Relay) handle(msg *nats.Msg) {
	env := &envelope{}
	if err := msgpack.Unmarshal(msg.Data, env); err != nil {
		r.logger.Error(fmt.Sprintf("Dropping malformed relay message on %s", msg.Subject), err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	key, err := hub.NewRoomKey(env.Kind, env.ID)
	if err != nil {
		r.logger.Error("Dropping relay message for an invalid room", err)
		return
	}
	err = r.hub.Apply(key, hub.Frame{Version: env.Version, Data: env.Data})
	if err != nil && !errors.Is(err, hub.ErrStalePublish) {
		r.logger.With("room", key.String()).Error("Failed to apply relayed frame", err)
	}
}

func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/records"
)

type publishRequest struct {
	V    int64           `json:"v"`
	Data json.RawMessage `json:"data"`
}

func roomOf(request *http.Request) (records.Kind, hub.RoomKey, error) {
	vars := mux.Vars(request)
	kind, err := records.ParseKind(vars["kind"])
	if err != nil {
		return "", hub.RoomKey{}, err
	}
	key, err := hub.NewRoomKey(string(kind), vars["id"])
	return kind, key, err
}

func frameOf(rec *records.Record) (hub.Frame, error) {
	data, err := records.EncodeRecord(rec)
	if err != nil {
		return hub.Frame{}, err
	}
	return hub.Frame{Version: rec.Version, Data: data}, nil
}

// seed fills a room that has no snapshot yet from the durable record. A
// concurrent newer publish wins over the seed in both hub modes.
func (s *Server) seed(key hub.RoomKey, rec *records.Record) {
	frame, err := frameOf(rec)
	if err != nil {
		s.Logger.Error("Failed to encode room seed", err)
		return
	}
	if err := s.Hub.ApplyIfNewer(key, frame); err != nil && !errors.Is(err, hub.ErrStalePublish) {
		s.Logger.Error("Failed to seed room", err)
	}
}

// RoomPublish broadcasts a snapshot to the room. It does not persist
// anything; that is the job of the record write that came before.
func (s *Server) RoomPublish(writer http.ResponseWriter, request *http.Request) {
	_, key, err := roomOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	data, err := s.ReadRequestBody(request)
	if err != nil {
		s.sendResponse(writer, nil, http.StatusBadRequest)
		return
	}
	body := &publishRequest{}
	if err := json.Unmarshal(data, body); err != nil || len(body.Data) == 0 {
		s.sendError(writer, &records.ValidationError{Field: "body", Reason: "expected {v, data}"})
		return
	}
	if err := s.Hub.Publish(key, hub.Frame{Version: body.V, Data: body.Data}); err != nil {
		s.sendError(writer, err)
		return
	}
	s.sendResponse(writer, nil, http.StatusNoContent)
}

func (s *Server) RoomSocket(writer http.ResponseWriter, request *http.Request) {
	kind, key, err := roomOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	if !websocket.IsWebSocketUpgrade(request) {
		s.sendError(writer, errUpgradeRequired)
		return
	}
	rec, err := s.Records.Get(request.Context(), kind, key.ID)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	ws, err := s.wssUpgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.Logger.Error("Failed to upgrade to WS connection", err)
		return
	}
	log := s.Logger.With("room", key.String())
	conn := newSocketConn(ws, s.publishRate, log)
	go conn.writePump()
	if !s.Hub.Subscribe(key, conn) {
		s.seed(key, rec)
	}
	log.Debug("Websocket subscriber connected")

	conn.readPump(s.Hub, key)

	s.Hub.Detach(conn)
	conn.Close()
	log.Debug("Websocket subscriber disconnected")
}

// RoomStream serves the room over Server-Sent Events. On every keepalive tick
// it checks the durable version: a newer record (written by a process this
// one never heard from) is republished, otherwise a noop event keeps
// intermediaries from timing the stream out.
func (s *Server) RoomStream(writer http.ResponseWriter, request *http.Request) {
	kind, key, err := roomOf(request)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	ctx := request.Context()
	rec, err := s.Records.Get(ctx, kind, key.ID)
	if err != nil {
		s.sendError(writer, err)
		return
	}
	flusher, ok := writer.(http.Flusher)
	if !ok {
		s.sendError(writer, errors.New("streaming unsupported"))
		return
	}
	header := writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.Logger.With("room", key.String())
	conn := newStreamConn()
	defer func() {
		s.Hub.Detach(conn)
		conn.Close()
	}()
	if !s.Hub.Subscribe(key, conn) {
		s.seed(key, rec)
	}

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	lastSent := int64(-1)
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			return
		case frame := <-conn.frames:
			payload, err := json.Marshal(publishRequest{V: frame.Version, Data: frame.Data})
			if err != nil {
				log.Error("Failed to encode stream frame", err)
				continue
			}
			if _, err := fmt.Fprintf(writer, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			lastSent = frame.Version
		case <-ticker.C:
			if s.refresh(ctx, kind, key, lastSent) {
				continue
			}
			if _, err := fmt.Fprint(writer, "event: noop\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// refresh republishes the durable record when it is newer than what the
// stream has sent. It reports whether it did.
func (s *Server) refresh(ctx context.Context, kind records.Kind, key hub.RoomKey, lastSent int64) bool {
	version, err := s.Records.Version(ctx, kind, key.ID)
	if err != nil || version <= lastSent {
		return false
	}
	rec, err := s.Records.Get(ctx, kind, key.ID)
	if err != nil {
		return false
	}
	frame, err := frameOf(rec)
	if err != nil {
		return false
	}
	if err := s.Hub.ApplyIfNewer(key, frame); err != nil {
		return false
	}
	return true
}

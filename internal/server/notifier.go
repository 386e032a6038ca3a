package server

import (
	"context"
	"errors"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/records"
)

// RoomNotifier publishes every accepted record write into its room.
type RoomNotifier struct {
	Hub *hub.Hub
}

func (n RoomNotifier) RecordChanged(_ context.Context, rec *records.Record) error {
	key, err := hub.NewRoomKey(string(rec.Kind), rec.ID)
	if err != nil {
		return err
	}
	frame, err := frameOf(rec)
	if err != nil {
		return err
	}
	err = n.Hub.Publish(key, frame)
	if errors.Is(err, hub.ErrStalePublish) {
		return nil
	}
	return err
}

package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gorilla/websocket"
)

type socketFrame struct {
	T    string          `json:"t"`
	V    int64           `json:"v"`
	Data json.RawMessage `json:"data"`
}

// WSStream is the push fast path: it follows the room over the duplex
// endpoint and turns every state frame into a Result.
type WSStream struct {
	URL    string
	Dialer *websocket.Dialer
}

func (s WSStream) Run(ctx context.Context, out chan<- Result) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}
	defer ws.Close()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()
	for {
		var frame socketFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if frame.T != "state" {
			continue
		}
		res := Result{
			Changed: true,
			ETag:    strconv.Quote(strconv.FormatInt(frame.V, 10)),
			Payload: frame.Data,
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return nil
		}
	}
}

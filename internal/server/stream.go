package server

import (
	"sync"

	"github.com/anchal00/nextup/internal/hub"
)

// streamConn adapts a Server-Sent Events response to hub.Conn. The handler
// goroutine drains frames and writes them.
type streamConn struct {
	frames    chan hub.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newStreamConn() *streamConn {
	return &streamConn{
		frames: make(chan hub.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *streamConn) Send(frame hub.Frame) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

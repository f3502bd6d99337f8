package controller

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/couchsync/server/internal/domain"
)

var errSlowConsumer = errors.New("send queue full")

const sendQueueSize = 64

// wsConn adapts a websocket connection to relay.Conn: a buffered queue
// drained by a single writer goroutine keeps per-sender ordering and
// keeps the hub from ever blocking on a slow consumer.
type wsConn struct {
	conn *websocket.Conn
	send chan domain.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan domain.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) WriteEnvelope(env domain.Envelope) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	case c.send <- env:
		return nil
	default:
		return errSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) writeLoop() {
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		}
	}
}

package main

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type connection struct {
	id     string
	topic  string
	send   chan []byte
	w      websocketManager
	h      *hub
	ticker *mTicker
	log    zerolog.Logger

	// gone is set by the hub once send has been closed.
	gone bool
}

func newConnection(ws *websocket.Conn, h *hub, topic string, ticker *mTicker) *connection {
	id := uuid.NewString()
	return &connection{
		id:     id,
		topic:  topic,
		send:   make(chan []byte, sendBufSize),
		w:      gorillaConn{ws: ws},
		h:      h,
		ticker: ticker,
		log:    h.log.With().Str("conn", id).Logger(),
	}
}

// run subscribes the connection and serves it until the peer goes away or
// the hub closes it.
func (c *connection) run() {
	if !c.h.subscribe(c.topic, c) {
		c.w.closeConn()
		return
	}
	incr("websockets", 1)
	c.log.Debug().Str("topic", c.topic).Msg("observer connected")
	defer func() {
		decr("websockets", 1)
		c.h.unsubscribe(c.topic, c)
		c.log.Debug().Msg("observer disconnected")
	}()
	go c.writer()
	c.reader()
}

// reader discards inbound frames. It exists to process pongs and close
// frames and to notice a dead peer.
func (c *connection) reader() {
	c.w.prepareRead()
	for {
		if err := c.readMessage(); err != nil {
			break
		}
	}
	c.w.closeConn()
}

func (c *connection) readMessage() error {
	return c.w.readFrame()
}

func (c *connection) writer() {
	sub := c.ticker.subscribe()
	defer func() {
		c.ticker.unsubscribe(sub)
		c.w.closeConn()
	}()
	tick := sub.tick
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.w.writeFrame(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.w.writeFrame(frameType(message), message); err != nil {
				return
			}
			incr("conn.send", 1)
		case _, ok := <-tick:
			if !ok {
				// Ticker stopped; keep serving messages without pings.
				tick = nil
				continue
			}
			if err := c.w.writeFrame(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

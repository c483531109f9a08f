package main

import (
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Observers only send control
	// frames.
	maxMessageSize = 512

	// Messages buffered per observer before it counts as a slow consumer.
	sendBufSize = 256
)

// websocketManager is the part of a websocket an observer connection uses.
// Deadlines are applied inside each call.
type websocketManager interface {
	// prepareRead bounds inbound frames and arms the pong deadline.
	prepareRead()
	readFrame() error
	writeFrame(messageType int, payload []byte) error
	closeConn()
}

type gorillaConn struct {
	ws *websocket.Conn
}

func (g gorillaConn) prepareRead() {
	g.ws.SetReadLimit(maxMessageSize)
	g.extendRead()
	g.ws.SetPongHandler(func(string) error {
		g.extendRead()
		return nil
	})
}

func (g gorillaConn) extendRead() {
	g.ws.SetReadDeadline(time.Now().Add(pongWait))
}

// readFrame reads the next data frame and throws it away. Control frames are
// handled by the connection while it reads.
func (g gorillaConn) readFrame() error {
	_, _, err := g.ws.NextReader()
	return err
}

func (g gorillaConn) writeFrame(messageType int, payload []byte) error {
	deadline := time.Now().Add(writeWait)
	if messageType == websocket.PingMessage || messageType == websocket.CloseMessage {
		return g.ws.WriteControl(messageType, payload, deadline)
	}
	g.ws.SetWriteDeadline(deadline)
	return g.ws.WriteMessage(messageType, payload)
}

func (g gorillaConn) closeConn() {
	g.ws.Close()
}

// frameType picks a text frame for UTF-8 payloads and a binary frame for
// anything else, since browsers reject text frames that are not UTF-8.
func frameType(payload []byte) int {
	if utf8.Valid(payload) {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

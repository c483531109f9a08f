package main

// topic is a named broadcast group. It is only touched from the hub's run
// loop.
type topic struct {
	name        string
	connections connections
}

type connections map[*connection]interface {
}

func newTopic(name string) *topic {
	return &topic{
		name:        name,
		connections: make(connections),
	}
}

func (t *topic) subscribe(conn *connection) {
	t.connections[conn] = nil
}

func (t *topic) unsubscribe(conn *connection) {
	if _, ok := t.connections[conn]; ok {
		conn.gone = true
		close(conn.send)
		delete(t.connections, conn)
	}
}

// publish queues text on every member's send buffer. A member whose buffer
// is full is unsubscribed rather than waited on.
func (t *topic) publish(text []byte) (sent, dropped int) {
	for conn := range t.connections {
		select {
		case conn.send <- text:
			sent++
		default:
			t.unsubscribe(conn)
			dropped++
		}
	}
	return sent, dropped
}

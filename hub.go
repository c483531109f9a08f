package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// tokensTopic is the only topic the router publishes to.
const tokensTopic = "tokens"

const (
	SUBSCRIBE = iota
	UNSUBSCRIBE
	PUBLISH
	COUNT
)

type command struct {
	cmd   int
	topic string
	conn  *connection
	text  []byte
	reply chan int
}

type queue chan command

// hub owns every topic and its member set. All mutation happens on the
// goroutine running hub.run, so a publish always sees a consistent set.
type hub struct {
	queue  queue
	topics topics
	log    zerolog.Logger

	// stopping is closed when run starts shutting down; done once every
	// connection has been closed.
	stopping chan struct{}
	done     chan struct{}

	// mu is held shared by senders and exclusively to set stopped, after
	// which nothing more enters queue.
	mu      sync.RWMutex
	stopped bool
}

type topics map[string]*topic

func newHub(log zerolog.Logger) *hub {
	return &hub{
		queue:    make(queue, 256),
		topics:   make(topics),
		log:      log,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// run applies queued commands in order until ctx is done, then closes every
// subscribed connection.
func (h *hub) run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.queue:
			h.apply(cmd)
		}
	}
}

func (h *hub) apply(cmd command) {
	switch cmd.cmd {
	case SUBSCRIBE:
		h.addConn(cmd)
	case UNSUBSCRIBE:
		h.removeConn(cmd)
	case PUBLISH:
		h.broadcast(cmd)
	case COUNT:
		n := 0
		if t, ok := h.topics[cmd.topic]; ok {
			n = len(t.connections)
		}
		cmd.reply <- n
	default:
		panic(fmt.Sprintf("unexpected hub cmd: %v\n", cmd))
	}
}

func (h *hub) addConn(cmd command) {
	if cmd.conn.gone {
		return
	}
	t, ok := h.topics[cmd.topic]
	if !ok {
		t = newTopic(cmd.topic)
		h.topics[cmd.topic] = t
	}
	t.subscribe(cmd.conn)
}

func (h *hub) removeConn(cmd command) {
	t, ok := h.topics[cmd.topic]
	if !ok {
		return
	}
	t.unsubscribe(cmd.conn)
	h.forget(t)
}

func (h *hub) broadcast(cmd command) {
	t, ok := h.topics[cmd.topic]
	if !ok {
		mark("drops", 1)
		return
	}
	sent, dropped := t.publish(cmd.text)
	incr("tokens.published", 1)
	incr("tokens.bytes", int64(len(cmd.text)))
	if dropped > 0 {
		incr("conn.dropped", int64(dropped))
		h.log.Debug().Str("topic", t.name).Int("dropped", dropped).Msg("disconnected slow subscribers")
	}
	h.log.Debug().Str("topic", t.name).Int("bytes", len(cmd.text)).Int("subscribers", sent).Msg("published")
	h.forget(t)
}

// forget drops a topic once its last subscriber is gone.
func (h *hub) forget(t *topic) {
	if len(t.connections) == 0 {
		delete(h.topics, t.name)
	}
}

// shutdown refuses further commands, applies whatever was already queued so
// no late subscriber escapes, and closes every connection.
func (h *hub) shutdown() {
	close(h.stopping)
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	for {
		select {
		case cmd := <-h.queue:
			h.apply(cmd)
		default:
			h.closeAll()
			close(h.done)
			return
		}
	}
}

func (h *hub) closeAll() {
	for name, t := range h.topics {
		for conn := range t.connections {
			t.unsubscribe(conn)
		}
		delete(h.topics, name)
	}
}

// send hands cmd to the run loop. It reports false once the hub has stopped.
func (h *hub) send(cmd command) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return false
	}
	select {
	case h.queue <- cmd:
		return true
	case <-h.stopping:
		return false
	}
}

// subscribe reports false if the hub has already stopped.
func (h *hub) subscribe(topic string, c *connection) bool {
	return h.send(command{cmd: SUBSCRIBE, topic: topic, conn: c})
}

func (h *hub) unsubscribe(topic string, c *connection) {
	h.send(command{cmd: UNSUBSCRIBE, topic: topic, conn: c})
}

// publish returns as soon as the message is queued for broadcast.
func (h *hub) publish(topic string, text []byte) {
	h.send(command{cmd: PUBLISH, topic: topic, text: text})
}

// count returns the number of connections subscribed to topic.
func (h *hub) count(topic string) int {
	reply := make(chan int, 1)
	if !h.send(command{cmd: COUNT, topic: topic, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-h.done:
		return 0
	}
}

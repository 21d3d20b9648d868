// Package broker implements the process-wide publish-subscribe hub
// that is the only path by which pipeline data reaches network
// clients. websocket_sink stages publish onto a topic; the broker fans
// each publication out to every subscriber of that topic over its own
// websocket connection, framing payloads per the wire protocol.
package broker

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/satori/go.uuid"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/log"
)

const protocolVersion byte = 1

// EventSink receives ClientLagged notifications.
type EventSink interface {
	Publish(err *core.EngineError)
}

// Broker is a process-wide pub-sub hub. The zero value is not usable;
// use New.
type Broker struct {
	queueLen     int
	writeTimeout time.Duration
	events       EventSink

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[string]*client
	subscribers map[string]map[string]*client // topic -> clientID -> client
	topicTags   map[string]byte
	nextTag     byte
}

// New builds a Broker. queueLen bounds each client's outbound frame
// queue; writeTimeout bounds a single websocket write.
func New(queueLen int, writeTimeout time.Duration, events EventSink) *Broker {
	return &Broker{
		queueLen:     queueLen,
		writeTimeout: writeTimeout,
		events:       events,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:     make(map[string]*client),
		subscribers: make(map[string]map[string]*client),
		topicTags:   make(map[string]byte),
	}
}

// Publish fans payload out, wrapped in the wire frame, to every
// current subscriber of topic. Never blocks: a lagging client has its
// oldest queued frame dropped instead.
func (b *Broker) Publish(topic string, payload []byte) {
	b.mu.RLock()
	tag, ok := b.topicTags[topic]
	subs := b.subscribers[topic]
	b.mu.RUnlock()
	if !ok || len(subs) == 0 {
		return
	}

	frame := make([]byte, 2, 2+len(payload))
	frame[0] = protocolVersion
	frame[1] = tag
	frame = append(frame, payload...)

	b.mu.RLock()
	targets := make([]*client, 0, len(subs))
	for _, c := range subs {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.deliver(c, frame)
	}
}

func (b *Broker) deliver(c *client, frame []byte) {
	select {
	case c.send <- frame:
		return
	default:
	}
	select {
	case old := <-c.send:
		_ = old
		b.events.Publish(&core.EngineError{Kind: core.KindClientLagged, StageID: c.id, Count: 1})
	default:
	}
	select {
	case c.send <- frame:
	default:
	}
}

// ServeHTTP upgrades the connection and runs the client's read/write
// pumps until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.GetLogger().WithError(err).Warn("broker: websocket upgrade failed")
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		log.GetLogger().WithError(err).Warn("broker: failed to generate client id")
		conn.Close()
		return
	}
	c := &client{
		id:   id.String(),
		conn: conn,
		send: make(chan []byte, b.queueLen),
	}
	b.register(c)
	defer b.unregister(c)

	go c.writePump(b.writeTimeout)
	c.readPump(b)
}

func (b *Broker) register(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c.id] = c
}

func (b *Broker) unregister(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c.id)
	for topic, subs := range b.subscribers {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	close(c.send)
}

func (b *Broker) subscribe(c *client, topic string) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	tag, ok := b.topicTags[topic]
	if !ok {
		b.nextTag++
		tag = b.nextTag
		b.topicTags[topic] = tag
	}
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[string]*client)
	}
	b.subscribers[topic][c.id] = c
	return tag
}

func (b *Broker) unsubscribe(c *client, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[topic]; ok {
		delete(subs, c.id)
	}
}

type controlMessage struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

type subscribeAck struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Tag   byte   `json:"tag"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func (c *client) readPump(b *Broker) {
	defer c.conn.Close()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctrl controlMessage
		if err := json.Unmarshal(msg, &ctrl); err != nil {
			continue
		}
		topics := ctrl.Topics
		if ctrl.Topic != "" {
			topics = append(topics, ctrl.Topic)
		}
		switch ctrl.Type {
		case "subscribe":
			for _, t := range topics {
				tag := b.subscribe(c, t)
				ack, _ := json.Marshal(subscribeAck{Type: "subscribed", Topic: t, Tag: tag})
				select {
				case c.send <- ack:
				default:
				}
			}
		case "unsubscribe":
			for _, t := range topics {
				b.unsubscribe(c, t)
			}
		}
	}
}

func (c *client) writePump(timeout time.Duration) {
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		msgType := websocket.BinaryMessage
		if len(frame) > 0 && frame[0] != protocolVersion {
			msgType = websocket.TextMessage
		}
		if err := c.conn.WriteMessage(msgType, frame); err != nil {
			return
		}
	}
}

package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-community/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1024
)

type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	topics     map[string]*Topic
	topicsLock sync.RWMutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		topics:     make(map[string]*Topic),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.UserId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Subscribe != nil:
			c.subscribe(&msg)
		case msg.Unsubscribe != nil:
			c.unsubscribe(&msg)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) subscribe(msg *ClientMessage) {
	if err := AuthorizeTopic(c.user.Id, msg.Subscribe.Topic); err != nil {
		c.log.Printf("user %q subscribe %q: %v", c.user.Id, msg.Subscribe.Topic, err)
		if err == ErrNotTopicOwner {
			c.queueMessage(ErrForbidden(msg.Id))
		} else {
			c.queueMessage(ErrTopicNotFound(msg.Id))
		}
		return
	}

	select {
	case c.chatServer.subscribeChan <- msg:
	default:
		c.log.Printf("subscribeChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) unsubscribe(msg *ClientMessage) {
	t := c.getTopic(msg.Unsubscribe.Topic)
	if t == nil {
		c.queueMessage(ErrTopicNotFound(msg.Id))
		return
	}

	select {
	case t.unsubscribeChan <- msg:
	default:
		c.log.Printf("unsubscribeChan full for topic %q", t.name)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// queueMessage never blocks: a client that cannot keep up loses messages
// rather than stalling the topic.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for user %q, dropping message", c.user.Id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	select {
	case c.chatServer.deRegisterChan <- c:
	case <-c.chatServer.done:
	}
	c.leaveAllTopics()
	c.stopClient()
}

func (c *Client) leaveAllTopics() {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()

	for _, t := range c.topics {
		select {
		case t.unsubscribeChan <- &ClientMessage{
			Unsubscribe: &Unsubscribe{Topic: t.name},
			UserId:      c.user.Id,
			client:      c,
		}:
		default:
			c.log.Printf("unsubscribeChan full for topic %q", t.name)
		}
	}
}

func (c *Client) addTopic(t *Topic) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	c.topics[t.name] = t
}

func (c *Client) delTopic(name string) {
	c.topicsLock.Lock()
	defer c.topicsLock.Unlock()
	delete(c.topics, name)
}

func (c *Client) getTopic(name string) *Topic {
	c.topicsLock.RLock()
	defer c.topicsLock.RUnlock()
	return c.topics[name]
}

// Package server is the change feed: it pushes row events to websocket
// clients subscribed to per-channel and per-user topics.
package server

import (
	"context"
	"log"
	"sync"

	"github.com/npezzotti/go-community/internal/stats"
)

const (
	MetricActiveClients   = "active_clients"
	MetricActiveTopics    = "active_topics"
	MetricEventsPublished = "events_published"
	MetricEventsDropped   = "events_dropped"
)

type stopReq struct {
	done chan struct{}
}

type ChatServer struct {
	log             *log.Logger
	stats           stats.StatsProvider
	clients         map[*Client]struct{}
	clientsLock     sync.RWMutex
	topics          map[string]*Topic
	topicsLock      sync.RWMutex
	subscribeChan   chan *ClientMessage
	registerChan    chan *Client
	deRegisterChan  chan *Client
	unloadTopicChan chan string
	broadcastChan   chan *ServerMessage
	stop            chan stopReq
	done            chan struct{}
}

func NewChatServer(logger *log.Logger, su stats.StatsProvider) *ChatServer {
	su.RegisterMetric(MetricActiveClients)
	su.RegisterMetric(MetricActiveTopics)
	su.RegisterMetric(MetricEventsPublished)
	su.RegisterMetric(MetricEventsDropped)

	return &ChatServer{
		log:             logger,
		stats:           su,
		clients:         make(map[*Client]struct{}),
		topics:          make(map[string]*Topic),
		subscribeChan:   make(chan *ClientMessage, 256),
		registerChan:    make(chan *Client),
		deRegisterChan:  make(chan *Client),
		unloadTopicChan: make(chan string, 256),
		broadcastChan:   make(chan *ServerMessage, 1024),
		stop:            make(chan stopReq),
		done:            make(chan struct{}),
	}
}

func (cs *ChatServer) Run() {
	defer close(cs.done)

	for {
		select {
		case msg := <-cs.subscribeChan:
			cs.handleSubscribe(msg)
		case c := <-cs.registerChan:
			cs.addClient(c)
		case c := <-cs.deRegisterChan:
			cs.removeClient(c)
		case name := <-cs.unloadTopicChan:
			cs.unloadTopic(name)
		case msg := <-cs.broadcastChan:
			cs.handleBroadcast(msg)
		case req := <-cs.stop:
			cs.unloadAllTopics()
			cs.stopAllClients()
			close(req.done)
			return
		}
	}
}

// RegisterClient hands a connected client to the server loop. It returns
// false once the server is shutting down.
func (cs *ChatServer) RegisterClient(c *Client) bool {
	select {
	case cs.registerChan <- c:
		return true
	case <-cs.done:
		return false
	}
}

// Publish queues an event for the subscribers of its topic. Events for
// topics nobody is subscribed to are dropped.
func (cs *ChatServer) Publish(ev Event) {
	select {
	case cs.broadcastChan <- NewEventMessage(ev):
		cs.stats.Incr(MetricEventsPublished)
	default:
		cs.log.Printf("broadcast channel full, dropping %s event on %q", ev.Type, ev.Topic)
		cs.stats.Incr(MetricEventsDropped)
	}
}

func (cs *ChatServer) handleSubscribe(msg *ClientMessage) {
	name := msg.Subscribe.Topic
	t, ok := cs.getTopic(name)
	if !ok {
		t = newTopic(name, cs)
		cs.addTopic(name, t)
		go t.start()
	}

	select {
	case t.subscribeChan <- msg:
	default:
		cs.log.Printf("subscribe channel full on topic %q", name)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	t, ok := cs.getTopic(msg.Event.Topic)
	if !ok {
		return
	}

	select {
	case t.eventChan <- msg:
	default:
		cs.log.Printf("event channel full on topic %q", t.name)
		cs.stats.Incr(MetricEventsDropped)
	}
}

func (cs *ChatServer) unloadTopic(name string) {
	t, ok := cs.getTopic(name)
	if !ok {
		return
	}

	done := make(chan bool, 1)
	t.exit <- exitReq{idleOnly: true, done: done}
	if <-done {
		cs.removeTopic(name)
		cs.log.Printf("unloaded topic %q", name)
	}
}

func (cs *ChatServer) unloadAllTopics() {
	cs.topicsLock.RLock()
	topics := make([]*Topic, 0, len(cs.topics))
	for _, t := range cs.topics {
		topics = append(topics, t)
	}
	cs.topicsLock.RUnlock()

	for _, t := range topics {
		done := make(chan bool, 1)
		t.exit <- exitReq{done: done}
		<-done
		cs.removeTopic(t.name)
	}
}

func (cs *ChatServer) stopAllClients() {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()
	for c := range cs.clients {
		c.stopClient()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		return
	}
	cs.clients[c] = struct{}{}
	cs.stats.Incr(MetricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; !ok {
		return
	}
	delete(cs.clients, c)
	cs.stats.Decr(MetricActiveClients)
}

func (cs *ChatServer) addTopic(name string, t *Topic) {
	cs.topicsLock.Lock()
	defer cs.topicsLock.Unlock()
	cs.topics[name] = t
	cs.stats.Incr(MetricActiveTopics)
}

func (cs *ChatServer) getTopic(name string) (*Topic, bool) {
	cs.topicsLock.RLock()
	defer cs.topicsLock.RUnlock()
	t, ok := cs.topics[name]
	return t, ok
}

func (cs *ChatServer) removeTopic(name string) {
	cs.topicsLock.Lock()
	defer cs.topicsLock.Unlock()
	if _, ok := cs.topics[name]; !ok {
		return
	}
	delete(cs.topics, name)
	cs.stats.Decr(MetricActiveTopics)
}

// Shutdown stops every topic and disconnects every client.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("shutting down chat server...")
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

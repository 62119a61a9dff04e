package server

import (
	"log"
	"time"
)

const idleTopicTimeout = time.Second * 5

// exitReq asks a topic goroutine to stop. With idleOnly set the topic
// refuses when it still has, or is about to get, subscribers.
type exitReq struct {
	idleOnly bool
	done     chan bool
}

// Topic fans events out to the clients subscribed to one topic name.
// Its state is owned by the start goroutine.
type Topic struct {
	name            string
	cs              *ChatServer
	log             *log.Logger
	subscribeChan   chan *ClientMessage
	unsubscribeChan chan *ClientMessage
	eventChan       chan *ServerMessage
	clients         map[*Client]struct{}
	// killTimer unloads the topic once it has had no subscribers for a while
	killTimer *time.Timer
	exit      chan exitReq
}

func newTopic(name string, cs *ChatServer) *Topic {
	return &Topic{
		name:            name,
		cs:              cs,
		log:             cs.log,
		subscribeChan:   make(chan *ClientMessage, 256),
		unsubscribeChan: make(chan *ClientMessage, 256),
		eventChan:       make(chan *ServerMessage, 256),
		clients:         make(map[*Client]struct{}),
		exit:            make(chan exitReq),
	}
}

func (t *Topic) start() {
	t.log.Printf("starting topic %q", t.name)
	t.killTimer = time.NewTimer(idleTopicTimeout)
	t.killTimer.Stop()

	for {
		select {
		case msg := <-t.subscribeChan:
			t.handleSubscribe(msg)
		case msg := <-t.unsubscribeChan:
			t.handleUnsubscribe(msg)
		case msg := <-t.eventChan:
			t.broadcast(msg)
		case <-t.killTimer.C:
			t.handleTopicTimeout()
		case e := <-t.exit:
			if t.handleTopicExit(e) {
				return
			}
		}
	}
}

func (t *Topic) handleSubscribe(msg *ClientMessage) {
	t.killTimer.Stop()

	c := msg.client
	if _, ok := t.clients[c]; !ok {
		t.clients[c] = struct{}{}
		c.addTopic(t)
	}

	c.queueMessage(NoErrOK(msg.Id, map[string]string{"topic": t.name}))
}

func (t *Topic) handleUnsubscribe(msg *ClientMessage) {
	c := msg.client
	if _, ok := t.clients[c]; ok {
		delete(t.clients, c)
		c.delTopic(t.name)
	}

	if msg.Id > 0 {
		c.queueMessage(NoErrOK(msg.Id, map[string]string{"topic": t.name}))
	}

	if len(t.clients) == 0 {
		t.log.Printf("no clients on %q, starting kill timer", t.name)
		t.killTimer.Reset(idleTopicTimeout)
	}
}

func (t *Topic) handleTopicTimeout() {
	t.log.Printf("topic %q timed out", t.name)
	select {
	case t.cs.unloadTopicChan <- t.name:
	default:
		// try again later rather than block the topic
		t.killTimer.Reset(idleTopicTimeout)
	}
}

// handleTopicExit reports whether the topic stopped.
func (t *Topic) handleTopicExit(e exitReq) bool {
	if e.idleOnly && (len(t.clients) > 0 || len(t.subscribeChan) > 0) {
		t.log.Printf("topic %q is active again, not unloading", t.name)
		e.done <- false
		return false
	}

	t.log.Printf("topic %q is exiting", t.name)
	t.killTimer.Stop()
	for c := range t.clients {
		c.delTopic(t.name)
	}

	if e.done != nil {
		e.done <- true
	}
	return true
}

func (t *Topic) broadcast(msg *ServerMessage) {
	for c := range t.clients {
		c.queueMessage(msg)
	}
}

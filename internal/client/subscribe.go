package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-community/internal/server"
)

const (
	subscriptionBuffer = 64
	subscribeId        = 1
	writeWait          = 10 * time.Second
	// the backend pings well inside this window
	readWait = 2 * time.Minute
)

func (c *Client) wsURL() string {
	u := c.base.JoinPath("ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// Subscribe opens a websocket, subscribes it to topic and streams the
// topic's events until ctx is cancelled or the connection drops. The
// returned channel is closed when the stream ends.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan server.Event, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, &Error{StatusCode: resp.StatusCode, Message: "websocket handshake rejected"}
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}

	if err := subscribe(conn, topic); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	events := make(chan server.Event, subscriptionBuffer)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(events)
		defer close(done)
		defer conn.Close()

		for {
			var msg server.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.log.Printf("subscription to %s ended: %v", topic, err)
				}
				return
			}

			if msg.Event == nil || msg.Event.Topic != topic {
				continue
			}

			select {
			case events <- *msg.Event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func subscribe(conn *websocket.Conn, topic string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(server.ClientMessage{
		BaseMessage: server.BaseMessage{Id: subscribeId, Timestamp: server.Now()},
		Subscribe:   &server.Subscribe{Topic: topic},
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	conn.SetReadDeadline(time.Now().Add(writeWait))
	for {
		var msg server.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		if msg.Response == nil || msg.Id != subscribeId {
			continue
		}

		if code := msg.Response.ResponseCode; code != http.StatusOK {
			return &Error{StatusCode: code, Message: msg.Response.Error}
		}
		return nil
	}
}

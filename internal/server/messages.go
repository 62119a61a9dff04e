package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-community/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request sent by a websocket client.
type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	UserId      string       `json:"-"`
	client      *Client      `json:"-"`
}

type Subscribe struct {
	Topic string `json:"topic"`
}

type Unsubscribe struct {
	Topic string `json:"topic"`
}

// ServerMessage is either a response to a ClientMessage or a pushed event.
type ServerMessage struct {
	BaseMessage
	Response *Response `json:"response,omitempty"`
	Event    *Event    `json:"event,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a change to a row, pushed to every subscriber of Topic.
type Event struct {
	Topic        string              `json:"topic"`
	Type         EventType           `json:"type"`
	Message      *types.Message      `json:"message,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
	Typing       *types.TypingSignal `json:"typing,omitempty"`
}

func NewEventMessage(ev Event) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Event:       &ev,
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func ErrTopicNotFound(id int) *ServerMessage {
	return newResponse(id, http.StatusNotFound, "topic not found", nil)
}

func ErrForbidden(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "forbidden", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(max(id, 0), http.StatusBadRequest, "invalid message format", nil)
}

func newResponse(id, code int, errText string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errText,
			Data:         data,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

package server

import (
	"errors"
	"strings"

	"github.com/npezzotti/go-community/internal/types"
)

// Topic kinds. A topic name is "<kind>:<key>".
const (
	KindMessages      = "messages"
	KindTyping        = "typing"
	KindNotifications = "notifications"
)

var (
	ErrInvalidTopic  = errors.New("invalid topic")
	ErrNotTopicOwner = errors.New("topic belongs to another user")
)

func MessagesTopic(channel string) string {
	return KindMessages + ":" + channel
}

func TypingTopic(channel string) string {
	return KindTyping + ":" + channel
}

func NotificationsTopic(userId string) string {
	return KindNotifications + ":" + userId
}

func ParseTopic(name string) (kind, key string, err error) {
	kind, key, ok := strings.Cut(name, ":")
	if !ok || key == "" {
		return "", "", ErrInvalidTopic
	}

	switch kind {
	case KindMessages, KindTyping:
		if !types.ValidChannel(key) {
			return "", "", ErrInvalidTopic
		}
	case KindNotifications:
	default:
		return "", "", ErrInvalidTopic
	}

	return kind, key, nil
}

// AuthorizeTopic checks that userId may subscribe to name. Notification
// topics are private to their recipient.
func AuthorizeTopic(userId, name string) error {
	kind, key, err := ParseTopic(name)
	if err != nil {
		return err
	}

	if kind == KindNotifications && key != userId {
		return ErrNotTopicOwner
	}

	return nil
}

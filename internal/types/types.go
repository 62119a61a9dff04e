package types

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrEmptyMessage is returned when a message has no text and no attachment.
var ErrEmptyMessage = errors.New("message must have text, an image or an audio clip")

const placeholderName = "Member"

// DefaultChannel is the community-wide channel.
const DefaultChannel = "community"

var channelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidChannel reports whether name can be used as a channel identifier.
func ValidChannel(name string) bool {
	return channelPattern.MatchString(name)
}

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Profile is the denormalized author view joined onto messages.
type Profile struct {
	Id          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func PlaceholderProfile(id string) Profile {
	return Profile{Id: id, DisplayName: placeholderName}
}

// Initials returns the avatar fallback for a display name.
func (p Profile) Initials() string {
	var b strings.Builder
	for _, part := range strings.Fields(p.DisplayName) {
		b.WriteString(strings.ToUpper(string([]rune(part)[0])))
	}
	return b.String()
}

type Message struct {
	Id        string    `json:"id"`
	ChannelId string    `json:"channel_id"`
	AuthorId  string    `json:"author_id"`
	Content   string    `json:"content"`
	ImageURL  string    `json:"image_url,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) HasAttachment() bool {
	return m.ImageURL != "" || m.AudioURL != ""
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" && !m.HasAttachment() {
		return ErrEmptyMessage
	}
	return nil
}

// NewMessage carries the fields a client supplies on insert; the store
// assigns the id and the creation timestamp.
type NewMessage struct {
	ChannelId string `json:"channel_id"`
	AuthorId  string `json:"author_id"`
	Content   string `json:"content"`
	ImageURL  string `json:"image_url,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
}

func (m NewMessage) Validate() error {
	return Message{Content: m.Content, ImageURL: m.ImageURL, AudioURL: m.AudioURL}.Validate()
}

// Author is either a resolved profile or the placeholder identity used
// when the profile lookup failed or found nothing.
type Author struct {
	Profile  Profile `json:"profile"`
	Resolved bool    `json:"resolved"`
}

func ResolvedAuthor(p Profile) Author {
	return Author{Profile: p, Resolved: true}
}

func UnresolvedAuthor(id string) Author {
	return Author{Profile: PlaceholderProfile(id)}
}

type AuthoredMessage struct {
	Message
	Author Author `json:"author"`
}

type TypingSignal struct {
	UserId    string    `json:"user_id"`
	ChannelId string    `json:"channel_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type NotificationType string

const (
	NotificationPoints   NotificationType = "points"
	NotificationLike     NotificationType = "like"
	NotificationComment  NotificationType = "comment"
	NotificationReaction NotificationType = "reaction"
	NotificationMessage  NotificationType = "message"
	NotificationOther    NotificationType = "other"
)

func ParseNotificationType(s string) NotificationType {
	switch t := NotificationType(s); t {
	case NotificationPoints, NotificationLike, NotificationComment,
		NotificationReaction, NotificationMessage:
		return t
	default:
		return NotificationOther
	}
}

type Notification struct {
	Id          string           `json:"id"`
	UserId      string           `json:"user_id"`
	Type        NotificationType `json:"type"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	ReferenceId string           `json:"reference_id,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Package compose implements the send flow of the chat input: draft text,
// staged attachments, typing presence and the single in-flight send.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/npezzotti/go-community/internal/attachment"
	"github.com/npezzotti/go-community/internal/presence"
	"github.com/npezzotti/go-community/internal/session"
	"github.com/npezzotti/go-community/internal/store"
	"github.com/npezzotti/go-community/internal/types"
)

var ErrSendInFlight = errors.New("a message is already being sent")

type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassValidation ErrorClass = "validation"
	ClassTransient  ErrorClass = "transient"
	ClassAuth       ErrorClass = "auth"
)

// Classify tells the presentation layer how to surface a Send error.
// Validation errors should not be retried as is; transient ones may be.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, session.ErrNotSignedIn):
		return ClassAuth
	case errors.Is(err, types.ErrEmptyMessage),
		errors.Is(err, ErrSendInFlight),
		attachment.IsValidation(err):
		return ClassValidation
	default:
		return ClassTransient
	}
}

type Composer struct {
	log      *log.Logger
	session  *session.Session
	channel  string
	messages store.MessageStore
	pipeline *attachment.Pipeline
	stager   *attachment.Stager
	typing   *presence.Tracker

	mu      sync.Mutex
	draft   string
	sending bool
}

// NewComposer wires a compose session for channel. typing may be nil when
// presence is not wanted.
func NewComposer(logger *log.Logger, sess *session.Session, channel string, messages store.MessageStore,
	pipeline *attachment.Pipeline, stager *attachment.Stager, typing *presence.Tracker) *Composer {
	return &Composer{
		log:      logger,
		session:  sess,
		channel:  channel,
		messages: messages,
		pipeline: pipeline,
		stager:   stager,
		typing:   typing,
	}
}

// SetDraft replaces the draft text and reports typing activity.
func (c *Composer) SetDraft(ctx context.Context, text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()

	if c.typing != nil && text != "" {
		c.typing.Keystroke(ctx)
	}
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Composer) StageImage(contentType string, r io.Reader) (*attachment.Pending, error) {
	return c.stager.Stage(attachment.KindImage, contentType, r)
}

func (c *Composer) StageAudio(contentType string, r io.Reader) (*attachment.Pending, error) {
	return c.stager.Stage(attachment.KindAudio, contentType, r)
}

func (c *Composer) RemoveAttachment(kind attachment.Kind) {
	c.stager.Remove(kind)
}

func (c *Composer) Pending(kind attachment.Kind) *attachment.Pending {
	return c.stager.Pending(kind)
}

// Sending reports whether the send control should be disabled.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Send uploads pending attachments, inserts the message and, on success,
// clears the draft and stops typing. On any failure the draft and staged
// attachments are kept for another attempt.
func (c *Composer) Send(ctx context.Context) (types.Message, error) {
	user, err := c.session.RequireUser()
	if err != nil {
		return types.Message{}, err
	}

	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return types.Message{}, ErrSendInFlight
	}
	draft := c.draft
	audio := c.stager.Pending(attachment.KindAudio)
	image := c.stager.Pending(attachment.KindImage)
	if strings.TrimSpace(draft) == "" && audio == nil && image == nil {
		c.mu.Unlock()
		return types.Message{}, types.ErrEmptyMessage
	}
	c.sending = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()
	}()

	msg := types.NewMessage{
		ChannelId: c.channel,
		AuthorId:  user.Id,
		Content:   strings.TrimSpace(draft),
	}

	if audio != nil {
		if msg.AudioURL, err = c.pipeline.Upload(ctx, user.Id, audio); err != nil {
			return types.Message{}, err
		}
	}
	if image != nil {
		if msg.ImageURL, err = c.pipeline.Upload(ctx, user.Id, image); err != nil {
			return types.Message{}, err
		}
	}

	sent, err := c.messages.Insert(ctx, msg)
	if err != nil {
		c.log.Printf("send to %q: %v", c.channel, err)
		return types.Message{}, fmt.Errorf("send message: %w", err)
	}

	c.mu.Lock()
	if c.draft == draft {
		c.draft = ""
	}
	c.mu.Unlock()
	c.stager.ClearIf(audio, image)

	if c.typing != nil {
		c.typing.Stop(ctx)
	}

	return sent, nil
}

// Close abandons the compose session, releasing staged attachments.
func (c *Composer) Close() {
	c.stager.Close()
	if c.typing != nil {
		c.typing.Close()
	}
}

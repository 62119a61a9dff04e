package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/npezzotti/go-community/internal/attachment"
	"github.com/npezzotti/go-community/internal/client"
	"github.com/npezzotti/go-community/internal/compose"
	"github.com/npezzotti/go-community/internal/feed"
	"github.com/npezzotti/go-community/internal/notify"
	"github.com/npezzotti/go-community/internal/presence"
	"github.com/npezzotti/go-community/internal/types"
	"github.com/spf13/cobra"
)

const chatHelp = `commands:
  /image <file>    stage an image
  /audio <file>    stage a voice clip
  /drop [kind]     remove staged attachments (image, audio or both)
  /send            send staged attachments without text
  /members         list community members
  /notifications   list recent notifications
  /read <id>       mark a notification read
  /readall         mark every notification read
  /quit            leave`

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Join a channel interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, sess, err := signIn(ctx)
			if err != nil {
				return err
			}
			user, _ := sess.CurrentUser()

			stageDir, err := os.MkdirTemp("", "community-staged-*")
			if err != nil {
				return fmt.Errorf("create staging dir: %w", err)
			}
			defer os.RemoveAll(stageDir)

			out := &printer{out: cmd.OutOrStdout()}
			out.Printf("signed in as %s, joined #%s (/help for commands)\n", user.Username, channel)

			r := feed.NewReconciler(logger, channel, c.Messages(), c.Profiles())
			r.Start(ctx)
			defer r.Close()
			go tailFeed(ctx, r, out)

			reader := presence.NewReader(logger, channel, user.Id, c.Presence(), c.Profiles())
			go reader.Run(ctx)
			go func() {
				for {
					select {
					case ind := <-reader.Updates():
						if line := ind.Line(); line != "" {
							out.Printf("  ... %s\n", line)
						}
					case <-ctx.Done():
						return
					}
				}
			}()

			consumer := notify.NewConsumer(logger, sess, c.Notifications())
			consumer.Start(ctx)
			defer consumer.Close()
			go func() {
				for {
					select {
					case n := <-consumer.Toasts():
						out.Printf("[notification] %s (%s, %s unread)\n", n.Title, n.Id, consumer.Badge())
					case <-ctx.Done():
						return
					}
				}
			}()

			tracker := presence.NewTracker(logger, c.Presence(), user.Id, channel)
			composer := compose.NewComposer(logger, sess, channel, c.Messages(),
				attachment.NewPipeline(logger, c.Media()), attachment.NewStager(logger, stageDir), tracker)
			defer composer.Close()

			s := &chatSession{out: out, composer: composer, consumer: consumer, profiles: c.Profiles()}
			return s.readInput(ctx, bufio.NewScanner(cmd.InOrStdin()))
		},
	}
}

func tailFeed(ctx context.Context, r *feed.Reconciler, out *printer) {
	shown := newShownSet()
	for {
		select {
		case ev := <-r.Events():
			switch ev.Kind {
			case feed.EventLoaded:
				msgs := r.Messages()
				for _, m := range shown.filter(msgs) {
					out.Printf("%s\n", formatMessage(m))
				}
				out.Printf("-- %d messages --\n", len(msgs))
			case feed.EventLoadFailed:
				out.Printf("could not load history: %v\n", ev.Err)
			case feed.EventSubscribeFailed:
				out.Printf("live updates unavailable: %v\n", ev.Err)
			case feed.EventAppended:
				if shown.add(ev.Message.Id) {
					out.Printf("%s\n", formatMessage(ev.Message))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// shownSet remembers which messages were printed, since live inserts can
// reach the screen before the history snapshot that also holds them.
type shownSet map[string]struct{}

func newShownSet() shownSet {
	return make(shownSet)
}

func (s shownSet) add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}
	s[id] = struct{}{}
	return true
}

// filter returns the messages of msgs not printed yet and marks them shown.
func (s shownSet) filter(msgs []types.AuthoredMessage) []types.AuthoredMessage {
	var fresh []types.AuthoredMessage
	for _, m := range msgs {
		if s.add(m.Id) {
			fresh = append(fresh, m)
		}
	}
	return fresh
}

func formatMessage(m types.AuthoredMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s:", m.CreatedAt.Local().Format("15:04"), m.Author.Profile.DisplayName)
	if m.Content != "" {
		b.WriteString(" " + m.Content)
	}
	if m.ImageURL != "" {
		b.WriteString(" [image " + m.ImageURL + "]")
	}
	if m.AudioURL != "" {
		b.WriteString(" [audio " + m.AudioURL + "]")
	}
	return b.String()
}

type chatSession struct {
	out      *printer
	composer *compose.Composer
	consumer *notify.Consumer
	profiles *client.ProfileStore
}

func (s *chatSession) readInput(ctx context.Context, scanner *bufio.Scanner) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if quit := s.handleLine(ctx, line); quit {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handleLine runs one line of input and reports whether the user quit.
func (s *chatSession) handleLine(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		if strings.TrimSpace(line) == "" {
			return false
		}
		s.composer.SetDraft(ctx, line)
		s.send(ctx)
	case "quit", "exit":
		return true
	case "help":
		s.out.Printf("%s\n", chatHelp)
	case "send":
		s.send(ctx)
	case "image":
		s.stage(attachment.KindImage, arg)
	case "audio":
		s.stage(attachment.KindAudio, arg)
	case "drop":
		switch arg {
		case "":
			s.composer.RemoveAttachment(attachment.KindImage)
			s.composer.RemoveAttachment(attachment.KindAudio)
		case string(attachment.KindImage), string(attachment.KindAudio):
			s.composer.RemoveAttachment(attachment.Kind(arg))
		default:
			s.out.Printf("unknown attachment kind %q\n", arg)
		}
	case "members":
		s.listMembers(ctx)
	case "notifications":
		s.listNotifications()
	case "read":
		if arg == "" {
			s.out.Printf("usage: /read <id>\n")
			return false
		}
		if err := s.consumer.MarkRead(ctx, arg); err != nil {
			s.out.Printf("error: %v\n", err)
		}
	case "readall":
		if err := s.consumer.MarkAllRead(ctx); err != nil {
			s.out.Printf("error: %v\n", err)
		}
	default:
		s.out.Printf("unknown command /%s\n", cmd)
	}
	return false
}

func (s *chatSession) send(ctx context.Context) {
	_, err := s.composer.Send(ctx)
	switch compose.Classify(err) {
	case compose.ClassNone:
	case compose.ClassValidation, compose.ClassAuth:
		s.out.Printf("not sent: %v\n", err)
	default:
		s.out.Printf("send failed, your draft was kept: %v\n", err)
	}
}

func (s *chatSession) stage(kind attachment.Kind, path string) {
	if path == "" {
		s.out.Printf("usage: /%s <file>\n", kind)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		s.out.Printf("error: %v\n", err)
		return
	}
	defer f.Close()

	contentType, err := detectContentType(f, path)
	if err != nil {
		s.out.Printf("error: %v\n", err)
		return
	}

	var p *attachment.Pending
	if kind == attachment.KindImage {
		p, err = s.composer.StageImage(contentType, f)
	} else {
		p, err = s.composer.StageAudio(contentType, f)
	}
	if err != nil {
		s.out.Printf("not staged: %v\n", err)
		return
	}
	s.out.Printf("staged %s (%s, %d bytes)\n", kind, p.ContentType(), p.Size())
}

func (s *chatSession) listMembers(ctx context.Context) {
	members, err := s.profiles.ListMembers(ctx, 0)
	if err != nil {
		s.out.Printf("error: %v\n", err)
		return
	}
	s.out.Printf("%d members\n", len(members))
	for _, p := range members {
		s.out.Printf("%s\n", formatMember(p))
	}
}

// formatMember shows the avatar when there is one and initials otherwise.
func formatMember(p types.Profile) string {
	if p.AvatarURL != "" {
		return fmt.Sprintf("  %s (%s)", p.DisplayName, p.AvatarURL)
	}
	return fmt.Sprintf("  [%s] %s", p.Initials(), p.DisplayName)
}

func (s *chatSession) listNotifications() {
	ns := s.consumer.Notifications()
	if len(ns) == 0 {
		s.out.Printf("no notifications\n")
		return
	}
	s.out.Printf("%d unread\n", s.consumer.Unread())
	for _, n := range ns {
		s.out.Printf("%s\n", formatNotification(n))
	}
}

func formatNotification(n types.Notification) string {
	mark := "*"
	if n.Read {
		mark = " "
	}
	line := fmt.Sprintf("%s %s %-8s %s", mark, n.Id, n.Type, n.Title)
	if n.Body != "" {
		line += ": " + n.Body
	}
	return line
}

// parseCommand splits "/name arg" input. Plain text yields an empty name.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", ""
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// detectContentType prefers the file extension and falls back to
// sniffing, leaving f positioned at its start.
func detectContentType(f *os.File, path string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct, nil
	}

	head := make([]byte, 512)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return "", fmt.Errorf("rewind %s: %w", path, err)
	}

	ct := http.DetectContentType(head[:n])
	if ct == "application/octet-stream" {
		return "", errors.New("cannot tell the type of " + path)
	}
	return ct, nil
}

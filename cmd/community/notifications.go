package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/npezzotti/go-community/internal/notify"
	"github.com/spf13/cobra"
)

func notificationsCmd() *cobra.Command {
	var (
		follow  bool
		readAll bool
	)

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List recent notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, sess, err := signIn(ctx)
			if err != nil {
				return err
			}
			out := &printer{out: cmd.OutOrStdout()}

			consumer := notify.NewConsumer(logger, sess, c.Notifications())
			consumer.Start(ctx)
			defer consumer.Close()

			if readAll {
				if err := consumer.MarkAllRead(ctx); err != nil {
					return err
				}
			}

			out.Printf("%d unread\n", consumer.Unread())
			for _, n := range consumer.Notifications() {
				out.Printf("%s\n", formatNotification(n))
			}

			if !follow {
				return nil
			}

			for {
				select {
				case n := <-consumer.Toasts():
					out.Printf("%s\n", formatNotification(n))
				case <-ctx.Done():
					return nil
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new notifications")
	cmd.Flags().BoolVar(&readAll, "read-all", false, "mark every notification read first")

	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-community/internal/client"
	"github.com/npezzotti/go-community/internal/session"
	"github.com/npezzotti/go-community/internal/types"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	email     string
	password  string
	channel   string
	verbose   bool

	logger = log.New(io.Discard, "[community] ", log.LstdFlags)
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "community",
		Short:         "Terminal client for the community chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetOutput(os.Stderr)
			}
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("COMMUNITY_SERVER", "http://localhost:8000"), "community server url")
	root.PersistentFlags().StringVar(&email, "email", envOr("COMMUNITY_EMAIL", ""), "account email")
	root.PersistentFlags().StringVar(&password, "password", envOr("COMMUNITY_PASSWORD", ""), "account password")
	root.PersistentFlags().StringVar(&channel, "channel", envOr("COMMUNITY_CHANNEL", types.DefaultChannel), "channel to join")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log diagnostics to stderr")

	root.AddCommand(registerCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(notificationsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func registerCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || password == "" || username == "" {
				return fmt.Errorf("--username, --email and --password are required")
			}

			c, err := client.New(logger, serverURL)
			if err != nil {
				return err
			}

			u, err := c.Register(cmd.Context(), username, email, password)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", u.Username, u.Id)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "display name")

	return cmd
}

// signIn logs in with the global credentials and returns the client
// together with the session it established.
func signIn(ctx context.Context) (*client.Client, *session.Session, error) {
	if email == "" || password == "" {
		return nil, nil, fmt.Errorf("--email and --password are required")
	}
	if !types.ValidChannel(channel) {
		return nil, nil, fmt.Errorf("invalid channel %q", channel)
	}

	c, err := client.New(logger, serverURL)
	if err != nil {
		return nil, nil, err
	}

	u, err := c.Login(ctx, email, password)
	if err != nil {
		return nil, nil, fmt.Errorf("login: %w", err)
	}

	return c, session.New(&u), nil
}

// printer serializes output from the feed, presence and notification
// goroutines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-community/internal/api"
	"github.com/npezzotti/go-community/internal/config"
	"github.com/npezzotti/go-community/internal/database"
	"github.com/npezzotti/go-community/internal/server"
	"github.com/npezzotti/go-community/internal/stats"
	"github.com/npezzotti/go-community/internal/storage"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins stringSliceFlag
	mediaDir       string
	publicURL      string
	runMigrations  bool
)

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	// a missing .env is fine; flags and the real environment still apply
	_ = godotenv.Load(".env")

	flag.StringVar(&addr, "addr", envOr("COMMUNITY_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("COMMUNITY_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", envOr("COMMUNITY_SIGNING_KEY", defaultSigningKey), "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&mediaDir, "media-dir", envOr("COMMUNITY_MEDIA_DIR", "media"), "directory for uploaded attachments")
	flag.StringVar(&publicURL, "public-url", envOr("COMMUNITY_PUBLIC_URL", ""), "externally reachable base url (default http://<addr>)")
	flag.BoolVar(&runMigrations, "migrate", true, "apply database migrations on startup")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		if v := os.Getenv("COMMUNITY_ALLOWED_ORIGINS"); v != "" {
			allowedOrigins.Set(v)
		}
	}

	logger := log.New(os.Stderr, "[go-community] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, mediaDir, publicURL)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgCommunityRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if runMigrations {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("db migrate:", err)
		}
	}

	media, err := storage.NewDiskStorage(cfg.MediaDir, cfg.PublicURL.JoinPath("media").String())
	if err != nil {
		logger.Fatal("media storage:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer := server.NewChatServer(logger, statsUpdater)

	srv := api.NewCommunityApp(mux, logger, chatServer, dbConn, media, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}

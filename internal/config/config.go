package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	// MediaDir is where uploaded attachments are written.
	MediaDir string
	// PublicURL is the externally reachable base of the server, used to
	// build attachment URLs.
	PublicURL *url.URL
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func parsePublicURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, mediaDir, publicURL string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	if mediaDir == "" {
		return nil, fmt.Errorf("media directory cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	if publicURL == "" {
		publicURL = "http://" + serverAddr
	}
	base, err := parsePublicURL(publicURL)
	if err != nil {
		return nil, fmt.Errorf("parse public url: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		MediaDir:       mediaDir,
		PublicURL:      base,
	}, nil
}

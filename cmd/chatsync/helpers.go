package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	humanize "github.com/dustin/go-humanize"
)

// newClient builds an unauthenticated client from the config endpoints.
func newClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Server.GatewayURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Server.GatewayURL))
	}
	if cfg.Server.AuthURL != "" {
		opts = append(opts, chatsync.WithAuthURL(cfg.Server.AuthURL))
	}
	if cfg.Server.WSURL != "" {
		opts = append(opts, chatsync.WithWSURL(cfg.Server.WSURL))
	}
	return chatsync.NewClient(opts...)
}

// getClient returns a client carrying the stored token. Exits when the
// user has not logged in.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync login <username>' first.")
		os.Exit(1)
	}
	c := newClient(cfg)
	c.SetToken(cfg.Auth.Token)
	return c, cfg
}

// startSession opens a session and waits until the live channel is up and
// history is loaded, or wait elapses. A partial start is not an error: the
// session falls back to HTTP for sends.
func startSession(ctx context.Context, client *chatsync.Client, cfg *Config, sc *chatsync.SessionConfig, wait time.Duration) (*chatsync.Session, error) {
	session := chatsync.NewSession(client, sc)
	if err := session.Start(cfg.Auth.Token, cfg.Auth.UserID); err != nil {
		session.Close()
		return nil, err
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		var loaded bool
		if err := session.View(ctx, func(st *chatsync.Store) { loaded = st.Loaded() }); err != nil {
			session.Close()
			return nil, err
		}
		if loaded && session.Connection().IsConnected() {
			break
		}
		select {
		case <-ctx.Done():
			session.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return session, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	sender := valueOrDefault(m.SenderDisplayName, m.SenderID)
	status := ""
	if m.Status != "" && m.Status != chatsync.StatusSent {
		status = fmt.Sprintf(" [%s]", m.Status)
	}
	fmt.Printf("  %-16s %s: %s%s\n", humanize.Time(m.Time()), sender, m.Content, status)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

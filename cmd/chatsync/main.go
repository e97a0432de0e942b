package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
}

// ConfigServer holds the service endpoints.
type ConfigServer struct {
	GatewayURL string `toml:"gateway_url"`
	AuthURL    string `toml:"auth_url"`
	WSURL      string `toml:"ws_url"`
}

// ConfigAuth holds the session credential returned by login.
type ConfigAuth struct {
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
	Username string `toml:"username"`
}

// Environment variables that override the config file.
const (
	envGatewayURL = "CHATSYNC_GATEWAY_URL"
	envAuthURL    = "CHATSYNC_AUTH_URL"
	envWSURL      = "CHATSYNC_WS_URL"
	envToken      = "CHATSYNC_TOKEN"
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies environment overrides.
// A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes cfg to disk. Callers pass a config read with
// readConfigFile so environment overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(envGatewayURL); v != "" {
		cfg.Server.GatewayURL = v
	}
	if v := getenv(envAuthURL); v != "" {
		cfg.Server.AuthURL = v
	}
	if v := getenv(envWSURL); v != "" {
		cfg.Server.WSURL = v
	}
	if v := getenv(envToken); v != "" {
		cfg.Auth.Token = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "server.gateway_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.gateway_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "gateway_url":
			cfg.Server.GatewayURL = value
		case "auth_url":
			cfg.Server.AuthURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	logLevel string
	envFile  string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat sync client",
	Long: "Command-line client for the chat gateway.\n" +
		"Log in, manage friends and groups, send messages and follow the live channel.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		chatsync.SetLogLevel(logLevel)
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load %s: %w", envFile, err)
		}
		jww.DEBUG.Printf("[CLI] Running %s", cmd.CommandPath())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Environment file with CHATSYNC_* overrides")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

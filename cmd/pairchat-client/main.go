// pairchat-client is a terminal client for a pairchat server.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// Config is the CLI configuration stored in ~/.pairchat/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Auth   ConfigAuth   `toml:"auth"`
}

type ConfigServer struct {
	URL string `toml:"url"` // http(s) base URL; the socket lives at /ws
}

type ConfigAuth struct {
	UserID string `toml:"user_id"`
	Token  string `toml:"token"`
}

const defaultServerURL = "http://localhost:8080"

var configFile string

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".pairchat", "config.toml"), nil
}

// loadConfig reads the config file. A missing file yields defaults.
func loadConfig() (*Config, error) {
	cfg := &Config{Server: ConfigServer{URL: defaultServerURL}}
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
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

// setConfigValue sets a field by dotted key, e.g. "server.url".
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = strings.TrimRight(value, "/")
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "user_id":
			cfg.Auth.UserID = value
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth)", section)
	}
	return nil
}

// requireAuth loads the config and checks that credentials are present.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no credentials configured; run 'pairchat-client token issue' or 'pairchat-client config set auth.token ...'")
	}
	return cfg, nil
}

func socketURL(base string) string {
	return strings.TrimRight(base, "/") + "/ws"
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pairchat-client",
		Short:         "pairchat terminal client",
		Long:          "Chat with a matched partner on a pairchat server and inspect state over REST.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.pairchat/config.toml)")
	root.AddCommand(newConfigCmd(), newTokenCmd(), newStateCmd(), newHistoryCmd(), newChatCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

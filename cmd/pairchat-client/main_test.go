package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pairchat/internal/identity"
	"pairchat/pkg/client"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	configFile = path
	t.Cleanup(func() { configFile = "" })
	return path
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		wantErr bool
		check   func(*Config) bool
	}{
		{"server.url", "http://example.test/", false, func(c *Config) bool { return c.Server.URL == "http://example.test" }},
		{"auth.user_id", "alice", false, func(c *Config) bool { return c.Auth.UserID == "alice" }},
		{"auth.token", "tok", false, func(c *Config) bool { return c.Auth.Token == "tok" }},
		{"server", "x", true, nil},
		{"server.port", "1", true, nil},
		{"profile.name", "x", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil || !tt.check(cfg) {
				t.Errorf("setConfigValue(%s) err=%v cfg=%+v", tt.key, err, cfg)
			}
		})
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	useTempConfig(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != defaultServerURL {
		t.Errorf("default url = %q", cfg.Server.URL)
	}
	if _, err := requireAuth(); err == nil {
		t.Error("requireAuth should fail without credentials")
	}

	cfg.Auth = ConfigAuth{UserID: "alice", Token: "tok"}
	if err := saveConfig(cfg); err != nil {
		t.Fatal(err)
	}
	got, err := requireAuth()
	if err != nil {
		t.Fatal(err)
	}
	if got.Auth.UserID != "alice" || got.Server.URL != defaultServerURL {
		t.Errorf("loaded = %+v", got)
	}
}

func TestTokenIssue_SavesVerifiableToken(t *testing.T) {
	useTempConfig(t)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", configFile, "token", "issue", "alice", "--secret", "s3cret", "--ttl", "1h"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "Saved token for alice") {
		t.Errorf("output = %q", out.String())
	}

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	verifier, _ := identity.NewHMACVerifier("s3cret", time.Hour)
	principal, err := verifier.Verify(context.Background(), cfg.Auth.Token)
	if err != nil || principal != "alice" {
		t.Errorf("Verify = %q, %v", principal, err)
	}
}

func TestPrinter_RendersChanges(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, "u1")
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	p.change(client.Snapshot{Waiting: true})
	p.change(client.Snapshot{ChatID: "c1", Participants: []string{"u1", "u2"}, PeerOnline: true})
	snap := client.Snapshot{ChatID: "c1", Participants: []string{"u1", "u2"}, PeerOnline: true, Messages: []client.OptimisticMessage{
		{ID: "m1", SenderID: "u2", Content: "hi", Timestamp: at},
		{ID: "m2", SenderID: "u1", Content: "pending", Timestamp: at, IsOptimistic: true},
		{ID: "m3", SenderID: "u1", Content: "lost", Timestamp: at, IsOptimistic: true, IsFailed: true},
	}}
	p.change(snap)
	p.change(snap)

	text := out.String()
	for _, want := range []string{"waiting for a partner", "chatting in c1 with u1, u2", "u2: hi", "retry with /retry m3"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "pending") {
		t.Error("unconfirmed messages should not be printed")
	}
	if strings.Count(text, "u2: hi") != 1 {
		t.Error("messages should print once")
	}
}

func TestSocketURL(t *testing.T) {
	if got := socketURL("http://h:8080/"); got != "http://h:8080/ws" {
		t.Errorf("socketURL = %q", got)
	}
}

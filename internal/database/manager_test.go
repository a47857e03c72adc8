package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pairchat/internal/store/storetest"
	dbconfig "pairchat/pkg/database"
	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

func testConfig(t *testing.T, path string) *dbconfig.Config {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = path
	cfg.WriteRetryDelay = 10 * time.Millisecond
	cfg.WriteTimeout = 5 * time.Second
	return cfg
}

// setupTestDB opens a migrated manager on a fresh file under t.TempDir.
func setupTestDB(t *testing.T, path string) *Manager {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "test.db")
	}
	manager, err := NewManager(testConfig(t, path))
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	if err := dbconfig.NewMigrationManager(manager.GetDB()).ApplyMigrations(); err != nil {
		_ = manager.Close()
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestManager_StoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.Store {
		return setupTestDB(t, "")
	})
}

func TestManager_StatePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first, err := NewManager(testConfig(t, path))
	if err != nil {
		t.Fatal(err)
	}
	if err := dbconfig.NewMigrationManager(first.GetDB()).ApplyMigrations(); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"alice", "bob"} {
		if _, err := first.Connect(ctx, id, "conn-"+id, now); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := first.Match(ctx, "alice", "chat-1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Match(ctx, "bob", "chat-1", now); err != nil {
		t.Fatal(err)
	}
	msg := &types.Message{ChatID: "chat-1", MessageID: "m1", SenderID: "alice", Content: "hi", SentAt: now.Add(123 * time.Nanosecond), Queued: true}
	if _, err := first.PutMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := setupTestDB(t, path)
	conv, err := second.LatestConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("LatestConversation after reopen: %v", err)
	}
	if conv.ParticipantA != "alice" || conv.ParticipantB != "bob" {
		t.Errorf("participants = %s/%s", conv.ParticipantA, conv.ParticipantB)
	}

	queued, err := second.ClaimQueuedMessages(ctx, "chat-1", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || !queued[0].SentAt.Equal(msg.SentAt) {
		t.Errorf("queued message lost or truncated: %+v", queued)
	}
}

func TestManager_NullableColumnsRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := setupTestDB(t, "")
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	u, err := m.Connect(ctx, "alice", "conn-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if u.ChatID != nil {
		t.Errorf("unpaired user should have nil chat id, got %q", *u.ChatID)
	}

	u, err = m.Disconnect(ctx, "conn-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if u.ConnectionID != nil {
		t.Errorf("disconnected user should have nil connection id, got %q", *u.ConnectionID)
	}
}

func TestManager_PutMessageRequiresConversation(t *testing.T) {
	m := setupTestDB(t, "")
	msg := &types.Message{ChatID: "missing", MessageID: "m1", SenderID: "alice", Content: "hi", SentAt: time.Now()}

	if _, err := m.PutMessage(context.Background(), msg); err == nil {
		t.Error("message for unknown conversation should violate the foreign key")
	}
}

func TestManager_DomainErrorsAreNotRetried(t *testing.T) {
	m := setupTestDB(t, "")
	m.config.WriteRetryDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := m.EndConversation(context.Background(), "missing", "alice", "", time.Now())
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, interfaces.ErrConversationNotFound) {
			t.Errorf("expected ErrConversationNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("domain rejection was retried")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := setupTestDB(t, "")

	if err := m.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := m.Connect(context.Background(), "alice", "c1", time.Now()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("write after close = %v, want ErrManagerClosed", err)
	}
}

func TestManager_HealthCheck(t *testing.T) {
	m := setupTestDB(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := m.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pairchat/pkg/interfaces"
)

func newTestVerifier(t *testing.T) *HMACVerifier {
	t.Helper()
	v, err := NewHMACVerifier("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestHMACVerifier_IssueAndVerify(t *testing.T) {
	v := newTestVerifier(t)
	token, err := v.Issue("alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	got, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if got != "alice" {
		t.Errorf("principal = %q, want alice", got)
	}
}

func TestHMACVerifier_Rejections(t *testing.T) {
	v := newTestVerifier(t)
	valid, _ := v.Issue("alice")
	parts := strings.Split(valid, ".")

	other, _ := NewHMACVerifier("other-secret", time.Hour)
	foreign, _ := other.Issue("alice")

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no separators", "alice"},
		{"missing signature", parts[0] + "." + parts[1]},
		{"tampered user", "mallory." + parts[1] + "." + parts[2]},
		{"tampered expiry", parts[0] + ".9999999999." + parts[2]},
		{"foreign secret", foreign},
		{"invalid user id", "bad user." + parts[1] + "." + parts[2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), tt.token); !errors.Is(err, interfaces.ErrAuthInvalid) {
				t.Errorf("Verify(%q) = %v, want ErrAuthInvalid", tt.token, err)
			}
		})
	}
}

func TestHMACVerifier_Expiry(t *testing.T) {
	v := newTestVerifier(t)
	issuedAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return issuedAt }
	token, err := v.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}

	v.now = func() time.Time { return issuedAt.Add(59 * time.Minute) }
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Errorf("token should still be valid: %v", err)
	}

	v.now = func() time.Time { return issuedAt.Add(time.Hour) }
	_, err = v.Verify(context.Background(), token)
	if !errors.Is(err, ErrTokenExpired) || !errors.Is(err, interfaces.ErrAuthInvalid) {
		t.Errorf("expired token error = %v", err)
	}
}

func TestNewHMACVerifier_RequiresSecret(t *testing.T) {
	if _, err := NewHMACVerifier("", time.Hour); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func TestHMACVerifier_IssueRejectsInvalidUser(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Issue("not valid"); err == nil {
		t.Error("Issue should reject invalid user ids")
	}
}

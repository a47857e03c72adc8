package dispatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"pairchat/pkg/interfaces"
	"pairchat/pkg/types"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
		code int
	}{
		{types.ErrEmptyContent, KindValidation, 400},
		{types.ErrSentAtOutOfRange, KindValidation, 400},
		{fmt.Errorf("%w: \"x\"", types.ErrUnknownAction), KindValidation, 400},
		{ErrConnectionMismatch, KindIntegrity, 403},
		{interfaces.ErrNotParticipant, KindIntegrity, 403},
		{interfaces.ErrAuthInvalid, KindAuth, 401},
		{interfaces.ErrConversationNotFound, KindNotFound, 404},
		{interfaces.ErrConversationEnded, KindConflict, 409},
		{ErrMessageIDConflict, KindConflict, 409},
		{ErrRateLimitExceeded, KindRateLimited, 429},
		{errors.New("disk on fire"), KindInternal, 500},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := Classify(tt.err)
			if got != tt.want || got.Code() != tt.code {
				t.Errorf("Classify = %s/%d, want %s/%d", got, got.Code(), tt.want, tt.code)
			}
		})
	}
}

func TestPublicMessage_HidesInternalDetail(t *testing.T) {
	if got := PublicMessage(errors.New("sqlite: disk I/O error")); got != "internal error" {
		t.Errorf("internal error leaked: %q", got)
	}
	if got := PublicMessage(types.ErrEmptyContent); got != types.ErrEmptyContent.Error() {
		t.Errorf("validation message = %q", got)
	}
}

func TestRateLimiter_AllowAndCleanup(t *testing.T) {
	rl := NewRateLimiter(3)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !rl.Allow("u1") {
			t.Fatalf("message %d should pass", i)
		}
	}
	if rl.Allow("u1") {
		t.Error("fourth message in the window should be limited")
	}
	if !rl.Allow("u2") {
		t.Error("limits are per user")
	}

	now = now.Add(20 * time.Second)
	if !rl.Allow("u1") {
		t.Error("one token should refill after a third of a minute")
	}

	now = now.Add(10 * time.Minute)
	if removed := rl.Cleanup(5 * time.Minute); removed != 2 {
		t.Errorf("Cleanup removed %d, want 2", removed)
	}
	if rl.Tracked() != 0 {
		t.Errorf("Tracked = %d after cleanup", rl.Tracked())
	}
}

func TestRateLimiter_DisabledWhenZero(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("u1") {
			t.Fatal("zero budget disables limiting")
		}
	}
}

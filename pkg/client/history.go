package client

import (
	"sort"
	"time"
)

// OptimisticMessage is one entry of the local ordered message list.
// IsOptimistic stays true until the server confirms the id; IsFailed marks an
// unconfirmed send that timed out or was rejected and is waiting for Retry.
type OptimisticMessage struct {
	ID           string    `json:"id"`
	Content      string    `json:"content"`
	SenderID     string    `json:"senderId"`
	Timestamp    time.Time `json:"timestamp"`
	IsOptimistic bool      `json:"isOptimistic"`
	IsFailed     bool      `json:"isFailed"`
}

// timeline is the ordered message list for the current conversation.
type timeline struct {
	messages []OptimisticMessage
	window   time.Duration
}

// mergeResult reports what merge did with an inbound message. Folded is the
// optimistic id the message replaced through fuzzy matching.
type mergeResult struct {
	Added  bool
	Folded string
}

func (t *timeline) index(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// add appends a local optimistic entry.
func (t *timeline) add(m OptimisticMessage) {
	t.messages = append(t.messages, m)
	t.sort()
}

// merge folds a server-side copy into the list: exact id first, then the
// oldest unconfirmed entry from the same sender with the same content within
// the fuzzy window. Otherwise the message is inserted in order.
func (t *timeline) merge(in OptimisticMessage) mergeResult {
	in.IsOptimistic, in.IsFailed = false, false

	if i := t.index(in.ID); i >= 0 {
		t.messages[i] = in
		t.sort()
		return mergeResult{}
	}

	for i := range t.messages {
		m := &t.messages[i]
		if !m.IsOptimistic || m.SenderID != in.SenderID || m.Content != in.Content {
			continue
		}
		if absDuration(m.Timestamp.Sub(in.Timestamp)) > t.window {
			continue
		}
		folded := m.ID
		*m = in
		t.sort()
		return mergeResult{Folded: folded}
	}

	t.messages = append(t.messages, in)
	t.sort()
	return mergeResult{Added: true}
}

// confirm marks id as accepted by the server at sentAt.
func (t *timeline) confirm(id string, sentAt time.Time) bool {
	i := t.index(id)
	if i < 0 {
		return false
	}
	m := &t.messages[i]
	m.IsOptimistic, m.IsFailed = false, false
	if !sentAt.IsZero() {
		m.Timestamp = sentAt
	}
	t.sort()
	return true
}

// fail marks an unconfirmed id as failed. Confirmed entries are left alone.
func (t *timeline) fail(id string) bool {
	i := t.index(id)
	if i < 0 || !t.messages[i].IsOptimistic || t.messages[i].IsFailed {
		return false
	}
	t.messages[i].IsFailed = true
	return true
}

// removeFailed drops a failed entry and returns it.
func (t *timeline) removeFailed(id string) (OptimisticMessage, bool) {
	i := t.index(id)
	if i < 0 || !t.messages[i].IsFailed {
		return OptimisticMessage{}, false
	}
	m := t.messages[i]
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return m, true
}

func (t *timeline) reset() {
	t.messages = nil
}

func (t *timeline) snapshot() []OptimisticMessage {
	out := make([]OptimisticMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *timeline) sort() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		a, b := t.messages[i], t.messages[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

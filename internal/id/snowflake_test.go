package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerator_UniqueAcrossGoroutines(t *testing.T) {
	g, err := NewGenerator(1)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				id := g.ChatID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}

func TestGenerator_Prefixes(t *testing.T) {
	g, err := NewGenerator(2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(g.ChatID(), "chat_") {
		t.Error("chat ids should be prefixed")
	}
	if !strings.HasPrefix(g.ConnectionID(), "conn_") {
		t.Error("connection ids should be prefixed")
	}
}

func TestNewGenerator_RejectsOutOfRangeNode(t *testing.T) {
	if _, err := NewGenerator(5000); err == nil {
		t.Error("node id above 1023 should be rejected")
	}
}

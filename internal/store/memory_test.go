package store

import (
	"testing"

	"pairchat/internal/store/storetest"
	"pairchat/pkg/interfaces"
)

func TestMemory_StoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) interfaces.Store {
		return NewMemory()
	})
}

func TestMemory_HealthCheckAfterClose(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.HealthCheck(t.Context()); err != ErrClosed {
		t.Errorf("HealthCheck after Close = %v, want ErrClosed", err)
	}
}

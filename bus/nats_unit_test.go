package bus

import (
	"testing"
	"time"
)

func TestDefaultNATSConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	if cfg.BufferSize != 256 {
		t.Errorf("BufferSize = %d", cfg.BufferSize)
	}
	if cfg.MaxReconnects != -1 || cfg.ReconnectWait != 2*time.Second {
		t.Errorf("reconnect settings = %d / %v", cfg.MaxReconnects, cfg.ReconnectWait)
	}
}

func TestBuildNATSOptions(t *testing.T) {
	base := len(buildNATSOptions(NATSConfig{}))

	cfg := DefaultNATSConfig()
	cfg.Token = "secret"
	cfg.User = "svc"
	cfg.Password = "pw"
	// timeout, name, token, user
	if got := len(buildNATSOptions(cfg)); got != base+4 {
		t.Errorf("options = %d, want %d", got, base+4)
	}
}

func TestNATSBus_NilConn(t *testing.T) {
	b := NewNATSBusFromConn(nil, NATSConfig{})
	if err := b.Publish("x", nil); err != ErrClosed {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("x"); err != ErrClosed {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
	if _, err := b.QueueSubscribe("x", ""); err != ErrInvalidQueue {
		t.Errorf("QueueSubscribe: expected ErrInvalidQueue, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

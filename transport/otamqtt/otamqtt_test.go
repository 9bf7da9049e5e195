package otamqtt

import (
	"log/slog"
	"net"
	"testing"
	"time"
)

// closedListenerAddr returns the address of a listener that has already
// been closed, so a dial against it fails fast with connection refused
// instead of waiting out a real timeout.
func closedListenerAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestAnnounceConnectFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(discard{}, nil))
	addr := closedListenerAddr(t)

	err := Announce(addr, "test-announce", []byte("rollout starting"), log)
	if err == nil {
		t.Fatal("expected error connecting to a closed listener, got nil")
	}
}

func TestSubscribeConnectFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(discard{}, nil))
	addr := closedListenerAddr(t)

	err := Subscribe(addr, "test-watch", 100*time.Millisecond, func([]byte) {}, log)
	if err == nil {
		t.Fatal("expected error connecting to a closed listener, got nil")
	}
}

func TestStatusTopic(t *testing.T) {
	if string(StatusTopic) != "secureboot/status" {
		t.Errorf("StatusTopic = %q, want %q", StatusTopic, "secureboot/status")
	}
}

// discard is an io.Writer that throws away everything written to it, so
// the slog handlers in these tests don't clutter test output.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

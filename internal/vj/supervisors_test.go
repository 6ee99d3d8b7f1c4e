package vj

import (
	"testing"
	"time"

	"audioviz/vjserver/internal/protocol"
)

func shortHeartbeatInterval(t *testing.T) {
	t.Helper()
	old := browserPingEvery
	browserPingEvery = 100 * time.Millisecond
	t.Cleanup(func() { browserPingEvery = old })
}

func TestBrowserHeartbeatClosesSilentClient(t *testing.T) {
	shortHeartbeatInterval(t)
	ts := startTestServer(t, Options{})

	// Reads everything, never answers ping: two missed pongs then 4100.
	silent := dial(t, ts.browserURL)
	readUntil(t, silent, "vj_state", typeIs("vj_state"))
	expectClose(t, silent, protocol.CloseHeartbeatTimeout)

	deadline := time.Now().Add(3 * time.Second)
	for ts.s.browserCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.s.browserCount(); got != 0 {
		t.Fatalf("browser count = %d after heartbeat timeout", got)
	}
}

func TestBrowserHeartbeatKeepsResponsiveClient(t *testing.T) {
	shortHeartbeatInterval(t)
	ts := startTestServer(t, Options{})

	conn := dial(t, ts.browserURL)
	readUntil(t, conn, "vj_state", typeIs("vj_state"))

	// Answer pings for ~6 intervals.
	stop := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(stop) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("responsive client dropped: %v", err)
		}
		if msg["type"] == "ping" {
			writeMsg(t, conn, map[string]any{"type": "pong"})
		}
	}

	if got := ts.s.browserCount(); got != 1 {
		t.Fatalf("browser count = %d, responsive client should survive", got)
	}
}

package vj

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"audioviz/vjserver/internal/auth"
	"audioviz/vjserver/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testServer bundles a Server with httptest WebSocket listeners for the DJ
// and browser endpoints.
type testServer struct {
	s          *Server
	djURL      string
	browserURL string
	cancel     context.CancelFunc
}

func startTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	if opts.Zone == "" {
		opts.Zone = "main"
	}
	if opts.EntityCount == 0 {
		opts.EntityCount = 16
	}
	if opts.DataDir == "" {
		opts.DataDir = t.TempDir()
	}
	if opts.MinecraftHost == "" {
		// No fake renderer configured; run without the reconnect supervisor.
		opts.SkipMinecraft = true
	}
	s := New(opts)

	upgrader := websocket.Upgrader{}
	djSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.HandleDJ(conn)
	}))
	browserSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.HandleBrowser(conn)
	}))
	t.Cleanup(djSrv.Close)
	t.Cleanup(browserSrv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(cancel)

	return &testServer{
		s:          s,
		djURL:      "ws" + strings.TrimPrefix(djSrv.URL, "http"),
		browserURL: "ws" + strings.TrimPrefix(browserSrv.URL, "http"),
		cancel:     cancel,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until pred matches or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, what string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if pred(msg) {
			return msg
		}
	}
	t.Fatalf("never received %s", what)
	return nil
}

func typeIs(name string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == name }
}

// djAuth dials and authenticates a credentialed DJ, answering clock sync,
// and returns the connection after stream_route arrives.
func djAuth(t *testing.T, ts *testServer, djID, djName string, directMode bool) *websocket.Conn {
	t.Helper()
	conn := dial(t, ts.djURL)
	writeMsg(t, conn, map[string]any{
		"type": "dj_auth", "dj_id": djID, "dj_key": "", "dj_name": djName,
		"direct_mode": directMode,
	})
	readUntil(t, conn, "auth_success", typeIs("auth_success"))
	answerClockSync(t, conn)
	readUntil(t, conn, "stream_route", typeIs("stream_route"))
	return conn
}

func answerClockSync(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	msg := readUntil(t, conn, "clock_sync_request", typeIs("clock_sync_request"))
	// Equal recv/send keeps RTT = t4-t1, which is never negative, so the
	// sync is accepted regardless of loopback speed.
	serverTime, _ := msg["server_time"].(float64)
	writeMsg(t, conn, map[string]any{
		"type":         "clock_sync_response",
		"dj_recv_time": serverTime + 0.001,
		"dj_send_time": serverTime + 0.001,
	})
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		if _, _, err := conn.ReadMessage(); err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != wantCode {
					t.Fatalf("close code = %d, want %d", ce.Code, wantCode)
				}
				return
			}
			t.Fatalf("connection errored without close frame: %v", err)
		}
	}
}

// ---------------------------------------------------------------------------

func TestDJAuthSuccessAndDuplicate(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := dial(t, ts.djURL)
	writeMsg(t, conn, map[string]any{
		"type": "dj_auth", "dj_id": "alice", "dj_name": "Alice",
	})
	ok := readUntil(t, conn, "auth_success", typeIs("auth_success"))
	if ok["dj_id"] != "alice" || ok["route_mode"] != "relay" {
		t.Fatalf("auth_success = %v", ok)
	}
	answerClockSync(t, conn)
	route := readUntil(t, conn, "stream_route", typeIs("stream_route"))
	if route["route_mode"] != "relay" {
		t.Fatalf("stream_route = %v", route)
	}

	dup := dial(t, ts.djURL)
	writeMsg(t, dup, map[string]any{"type": "dj_auth", "dj_id": "alice", "dj_name": "Alice2"})
	expectClose(t, dup, protocol.CloseDuplicate)

	// Existing session must be preserved.
	if ts.s.getDJ("alice") == nil {
		t.Fatal("original session lost after duplicate rejection")
	}
}

func TestRequireAuthRejectsBadKey(t *testing.T) {
	h, _ := auth.HashPassword("rightkey")
	store := &auth.Store{
		DJs:         map[string]auth.Record{"dj_1": {Name: "One", KeyHash: h, Priority: 5}},
		VJOperators: map[string]auth.Record{},
	}
	ts := startTestServer(t, Options{Auth: store, RequireAuth: true})

	bad := dial(t, ts.djURL)
	writeMsg(t, bad, map[string]any{"type": "dj_auth", "dj_id": "dj_1", "dj_key": "wrong"})
	expectClose(t, bad, protocol.CloseAuthFailed)

	good := dial(t, ts.djURL)
	writeMsg(t, good, map[string]any{"type": "dj_auth", "dj_id": "dj_1", "dj_key": "rightkey"})
	ok := readUntil(t, good, "auth_success", typeIs("auth_success"))
	if ok["dj_name"] != "One" {
		t.Fatalf("auth_success should carry the configured name: %v", ok)
	}
}

func TestFirstMessageMustBeAuth(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := dial(t, ts.djURL)
	writeMsg(t, conn, map[string]any{"type": "dj_audio_frame"})
	expectClose(t, conn, protocol.CloseExpectedAuth)
}

func TestCodeAuthSingleUse(t *testing.T) {
	ts := startTestServer(t, Options{})
	code, err := ts.s.codes.Generate(time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	first := dial(t, ts.djURL)
	writeMsg(t, first, map[string]any{"type": "code_auth", "code": code.Code, "dj_name": "A"})
	pending := readUntil(t, first, "auth_pending", typeIs("auth_pending"))
	if pending["dj_id"] == "" {
		t.Fatalf("auth_pending without dj_id: %v", pending)
	}

	second := dial(t, ts.djURL)
	writeMsg(t, second, map[string]any{"type": "code_auth", "code": code.Code, "dj_name": "B"})
	errMsg := readUntil(t, second, "auth_error", typeIs("auth_error"))
	if errMsg["error"] != "Invalid connect code" {
		t.Fatalf("auth_error = %v", errMsg)
	}
	expectClose(t, second, protocol.CloseAuthFailed)
}

func TestApprovalHandoff(t *testing.T) {
	ts := startTestServer(t, Options{})
	code, _ := ts.s.codes.Generate(time.Minute)

	admin := dial(t, ts.browserURL)
	readUntil(t, admin, "vj_state", typeIs("vj_state"))

	dj := dial(t, ts.djURL)
	writeMsg(t, dj, map[string]any{
		"type": "code_auth", "code": code.Code, "dj_name": "Alice", "direct_mode": true,
	})
	pendingMsg := readUntil(t, dj, "auth_pending", typeIs("auth_pending"))
	djID := pendingMsg["dj_id"].(string)

	// Admin sees the pending DJ, approves it.
	readUntil(t, admin, "dj_pending", typeIs("dj_pending"))
	writeMsg(t, admin, map[string]any{"type": "approve_dj", "dj_id": djID})
	readUntil(t, admin, "dj_approved", typeIs("dj_approved"))

	ok := readUntil(t, dj, "auth_success", typeIs("auth_success"))
	if ok["dj_id"] != djID {
		t.Fatalf("auth_success = %v", ok)
	}
	answerClockSync(t, dj)
	route := readUntil(t, dj, "stream_route", typeIs("stream_route"))
	// Only DJ, so it became active; direct_mode makes the route dual.
	if route["route_mode"] != "dual" || route["is_active"] != true {
		t.Fatalf("stream_route = %v", route)
	}
}

func TestDenyPending(t *testing.T) {
	ts := startTestServer(t, Options{})
	code, _ := ts.s.codes.Generate(time.Minute)

	dj := dial(t, ts.djURL)
	writeMsg(t, dj, map[string]any{"type": "code_auth", "code": code.Code, "dj_name": "Mallory"})
	pendingMsg := readUntil(t, dj, "auth_pending", typeIs("auth_pending"))
	djID := pendingMsg["dj_id"].(string)

	ts.s.DenyPending(djID)
	readUntil(t, dj, "auth_denied", typeIs("auth_denied"))
	expectClose(t, dj, protocol.CloseDenied)

	if len(ts.s.pendingEntries()) != 0 {
		t.Fatal("pending queue not emptied after deny")
	}
}

func TestActiveHandoffRouting(t *testing.T) {
	ts := startTestServer(t, Options{})

	alice := djAuth(t, ts, "alice", "Alice", true)
	// Drain the activation push alice received when she became active.
	readUntil(t, alice, "activation stream_route", func(m map[string]any) bool {
		return m["type"] == "stream_route" && m["is_active"] == true
	})
	bob := djAuth(t, ts, "bob", "Bob", false)

	if ts.s.ActiveDJID() != "alice" {
		t.Fatalf("first DJ should be active, got %q", ts.s.ActiveDJID())
	}

	admin := dial(t, ts.browserURL)
	readUntil(t, admin, "vj_state", typeIs("vj_state"))
	writeMsg(t, admin, map[string]any{"type": "set_active_dj", "dj_id": "bob"})

	aliceRoute := readUntil(t, alice, "stream_route", typeIs("stream_route"))
	if aliceRoute["route_mode"] != "relay" || aliceRoute["is_active"] != false {
		t.Fatalf("ex-active route = %v", aliceRoute)
	}
	bobRoute := readUntil(t, bob, "stream_route", typeIs("stream_route"))
	// bob is not direct_mode, so active still means relay.
	if bobRoute["route_mode"] != "relay" || bobRoute["is_active"] != true {
		t.Fatalf("new-active route = %v", bobRoute)
	}
}

func TestAutoSwitchOnDisconnectPicksPriority(t *testing.T) {
	h, _ := auth.HashPassword("k")
	store := &auth.Store{
		DJs: map[string]auth.Record{
			"low":  {Name: "Low", KeyHash: h, Priority: 10},
			"high": {Name: "High", KeyHash: h, Priority: 5},
		},
		VJOperators: map[string]auth.Record{},
	}
	ts := startTestServer(t, Options{Auth: store, RequireAuth: true})

	lowConn := dial(t, ts.djURL)
	writeMsg(t, lowConn, map[string]any{"type": "dj_auth", "dj_id": "low", "dj_key": "k"})
	readUntil(t, lowConn, "auth_success", typeIs("auth_success"))
	answerClockSync(t, lowConn)

	highConn := dial(t, ts.djURL)
	writeMsg(t, highConn, map[string]any{"type": "dj_auth", "dj_id": "high", "dj_key": "k"})
	readUntil(t, highConn, "auth_success", typeIs("auth_success"))
	answerClockSync(t, highConn)

	if ts.s.ActiveDJID() != "low" {
		t.Fatalf("active = %q, want low (first connected)", ts.s.ActiveDJID())
	}

	// Drop the active DJ: auto-switch must pick the lowest priority
	// number among survivors ("high", priority 5).
	writeMsg(t, lowConn, map[string]any{"type": "going_offline"})

	deadline := time.Now().Add(3 * time.Second)
	for ts.s.ActiveDJID() != "high" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := ts.s.ActiveDJID(); got != "high" {
		t.Fatalf("auto-switch picked %q, want high", got)
	}
}

func TestHeartbeatAckAndLatency(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)

	ts25ago := float64(time.Now().Add(-25*time.Millisecond).UnixNano()) / 1e9
	writeMsg(t, conn, map[string]any{"type": "dj_heartbeat", "ts": ts25ago})
	ack := readUntil(t, conn, "heartbeat_ack", typeIs("heartbeat_ack"))
	if ack["echo_ts"].(float64) != ts25ago {
		t.Fatalf("echo_ts = %v, want %v", ack["echo_ts"], ts25ago)
	}

	dj := ts.s.getDJ("alice")
	dj.mu.Lock()
	rtt := dj.networkRTTMS
	display := dj.latencyMS
	dj.mu.Unlock()
	if rtt <= 0 || rtt > 60_000 {
		t.Fatalf("network rtt = %v, want (0, 60000]", rtt)
	}
	if display != rtt {
		t.Fatalf("display latency %v should prefer network rtt %v", display, rtt)
	}
}

func TestFrameSanitizationToBrowsers(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))

	writeMsg(t, conn, map[string]any{
		"type": "dj_audio_frame", "seq": 1,
		"bands": []any{-1, 0.5, 2, "NaN", 0.3},
		"peak":  100, "beat": true, "beat_i": 0.5,
		"bpm": 500, "tempo_conf": "oops", "beat_phase": 1.3,
	})

	state := readUntil(t, browser, "clamped state", func(m map[string]any) bool {
		if m["type"] != "state" {
			return false
		}
		bands, ok := m["bands"].([]any)
		return ok && bands[1].(float64) == 0.5
	})

	bands := state["bands"].([]any)
	want := []float64{0, 0.5, 1, 0, 0.3}
	for i, w := range want {
		if bands[i].(float64) != w {
			t.Fatalf("band %d = %v, want %v", i, bands[i], w)
		}
	}
	if state["amplitude"].(float64) != 5 {
		t.Fatalf("amplitude = %v, want clamped 5", state["amplitude"])
	}
	zs := state["zone_status"].(map[string]any)
	if zs["tempo_confidence"].(float64) != 0 {
		t.Fatalf("tempo_confidence = %v, want 0", zs["tempo_confidence"])
	}
	if zs["beat_phase"].(float64) != 1 {
		t.Fatalf("beat_phase = %v, want 1", zs["beat_phase"])
	}
	// bpm 500 is clamped to 300 then stabilized into [60, 200].
	if bpm := zs["bpm_estimate"].(float64); bpm < 60 || bpm > 200 {
		t.Fatalf("bpm_estimate = %v, want within [60, 200]", bpm)
	}
}

func TestStateStreamEntityBounds(t *testing.T) {
	ts := startTestServer(t, Options{EntityCount: 8})
	conn := djAuth(t, ts, "alice", "Alice", false)
	writeMsg(t, conn, map[string]any{
		"type": "dj_audio_frame", "seq": 1,
		"bands": []any{0.9, 0.8, 0.7, 0.6, 0.5}, "peak": 2.0,
		"beat": true, "beat_i": 1.0, "bpm": 128,
	})

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	state := readUntil(t, browser, "state with entities", func(m map[string]any) bool {
		ents, ok := m["entities"].([]any)
		return m["type"] == "state" && ok && len(ents) > 0
	})
	for _, raw := range state["entities"].([]any) {
		e := raw.(map[string]any)
		if e["id"] == "" {
			t.Fatal("entity without id")
		}
		for _, k := range []string{"x", "y", "z"} {
			if v := e[k].(float64); v < 0 || v > 1 {
				t.Fatalf("entity %s = %v out of [0,1]", k, v)
			}
		}
		if v := e["scale"].(float64); v < 0 || v > 4 {
			t.Fatalf("scale = %v out of [0,4]", v)
		}
	}
}

func TestSlowObserverShedding(t *testing.T) {
	ts := startTestServer(t, Options{})

	fast := dial(t, ts.browserURL)
	readUntil(t, fast, "vj_state", typeIs("vj_state"))

	// The slow observer never reads; its send buffer fills and the server
	// must shed it without stalling the fast one.
	slow := dial(t, ts.browserURL)
	_ = slow

	deadline := time.Now().Add(5 * time.Second)
	for ts.s.browserCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := ts.s.browserCount(); got != 1 {
		t.Fatalf("browser count = %d, want slow client shed", got)
	}

	// Fast observer still receives per-frame state.
	readUntil(t, fast, "state", typeIs("state"))
}

func TestGetStateSnapshot(t *testing.T) {
	ts := startTestServer(t, Options{})
	djAuth(t, ts, "alice", "Alice", false)

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	writeMsg(t, browser, map[string]any{"type": "get_state"})
	st := readUntil(t, browser, "vj_state", typeIs("vj_state"))

	if st["current_pattern"] != "spectrum" {
		t.Fatalf("current_pattern = %v", st["current_pattern"])
	}
	roster := st["dj_roster"].([]any)
	if len(roster) != 1 {
		t.Fatalf("roster = %v", roster)
	}
	entry := roster[0].(map[string]any)
	if entry["dj_id"] != "alice" || entry["is_active"] != true {
		t.Fatalf("roster entry = %v", entry)
	}
	if st["active_dj"] != "alice" {
		t.Fatalf("active_dj = %v", st["active_dj"])
	}
	if _, ok := st["health_stats"].(map[string]any); !ok {
		t.Fatalf("health_stats missing: %v", st)
	}
}

func TestPatternSwitchSyncs(t *testing.T) {
	ts := startTestServer(t, Options{})
	dj := djAuth(t, ts, "alice", "Alice", false)

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	writeMsg(t, browser, map[string]any{"type": "set_pattern", "pattern": "helix"})

	changed := readUntil(t, browser, "pattern_changed", typeIs("pattern_changed"))
	if changed["pattern"] != "helix" {
		t.Fatalf("pattern_changed = %v", changed)
	}
	sync := readUntil(t, dj, "pattern_sync", typeIs("pattern_sync"))
	if sync["pattern"] != "helix" {
		t.Fatalf("pattern_sync = %v", sync)
	}

	// Unknown pattern is a silent no-op.
	writeMsg(t, browser, map[string]any{"type": "set_pattern", "pattern": "bogus"})
	writeMsg(t, browser, map[string]any{"type": "get_state"})
	st := readUntil(t, browser, "vj_state", typeIs("vj_state"))
	if st["current_pattern"] != "helix" {
		t.Fatalf("unknown pattern changed state: %v", st["current_pattern"])
	}
}

func TestPresetSync(t *testing.T) {
	ts := startTestServer(t, Options{})
	dj := djAuth(t, ts, "alice", "Alice", false)

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	writeMsg(t, browser, map[string]any{"type": "set_preset", "preset": "edm"})

	sync := readUntil(t, dj, "preset_sync", typeIs("preset_sync"))
	preset := sync["preset"].(map[string]any)
	if preset["attack"].(float64) != 0.7 {
		t.Fatalf("preset attack = %v, want edm 0.7", preset["attack"])
	}
	changed := readUntil(t, browser, "preset_changed", typeIs("preset_changed"))
	if changed["preset"] != "edm" {
		t.Fatalf("preset_changed = %v", changed)
	}

	sens := ts.s.sensitivity()
	if sens[0] != 1.5 {
		t.Fatalf("band sensitivity after edm = %v", sens)
	}
}

func TestEntityCountClamp(t *testing.T) {
	ts := startTestServer(t, Options{EntityCount: 16})
	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))

	writeMsg(t, browser, map[string]any{"type": "set_entity_count", "count": 5000})
	writeMsg(t, browser, map[string]any{"type": "get_state"})
	st := readUntil(t, browser, "vj_state", typeIs("vj_state"))
	if st["entity_count"].(float64) != 256 {
		t.Fatalf("out-of-range count not clamped to 256: %v", st["entity_count"])
	}

	writeMsg(t, browser, map[string]any{"type": "set_entity_count", "count": 64})
	readUntil(t, browser, "config_update", typeIs("config_update"))
	if ts.s.entityCount() != 64 {
		t.Fatalf("entity count = %d, want 64", ts.s.entityCount())
	}
}

func TestConnectCodeAdminFlow(t *testing.T) {
	ts := startTestServer(t, Options{})
	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))

	writeMsg(t, browser, map[string]any{"type": "generate_connect_code", "ttl_minutes": 30})
	gen := readUntil(t, browser, "connect_code_generated", typeIs("connect_code_generated"))
	code := gen["code"].(string)
	if len(code) != 9 || code[4] != '-' {
		t.Fatalf("code shape = %q", code)
	}

	writeMsg(t, browser, map[string]any{"type": "get_connect_codes"})
	list := readUntil(t, browser, "connect_codes", func(m map[string]any) bool {
		if m["type"] != "connect_codes" {
			return false
		}
		codes, _ := m["codes"].([]any)
		return len(codes) == 1
	})
	entry := list["codes"].([]any)[0].(map[string]any)
	if entry["code"] != code || entry["used"] != false {
		t.Fatalf("code entry = %v", entry)
	}

	writeMsg(t, browser, map[string]any{"type": "revoke_connect_code", "code": code})
	readUntil(t, browser, "empty connect_codes", func(m map[string]any) bool {
		if m["type"] != "connect_codes" {
			return false
		}
		codes, _ := m["codes"].([]any)
		return len(codes) == 0
	})
}

func TestKickDJ(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	writeMsg(t, browser, map[string]any{"type": "kick_dj", "dj_id": "alice"})

	expectClose(t, conn, protocol.CloseKicked)
}

func TestReorderQueue(t *testing.T) {
	ts := startTestServer(t, Options{})
	djAuth(t, ts, "a", "A", false)
	djAuth(t, ts, "b", "B", false)
	djAuth(t, ts, "c", "C", false)

	ts.s.reorderQueue("c", 0)
	entries := ts.s.rosterEntries()
	if entries[0].DJID != "c" || entries[0].QueuePosition != 0 {
		t.Fatalf("reorder failed: %+v", entries)
	}

	// Roster invariant: queue and map agree.
	ts.s.djMu.Lock()
	defer ts.s.djMu.Unlock()
	if len(ts.s.djQueue) != len(ts.s.djs) {
		t.Fatalf("queue/map mismatch: %v vs %d", ts.s.djQueue, len(ts.s.djs))
	}
	for _, id := range ts.s.djQueue {
		if _, ok := ts.s.djs[id]; !ok {
			t.Fatalf("queued id %q missing from map", id)
		}
	}
}

func TestRateLimitDropsSilently(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)

	// Burst far beyond the 120-token bucket; connection must survive and
	// the frame counter must show dropped frames.
	for i := 0; i < 400; i++ {
		writeMsg(t, conn, map[string]any{
			"type": "dj_audio_frame", "seq": i,
			"bands": []any{0.5, 0.5, 0.5, 0.5, 0.5}, "peak": 1.0,
		})
	}
	// Give the server a moment to drain.
	time.Sleep(300 * time.Millisecond)

	dj := ts.s.getDJ("alice")
	if dj == nil {
		t.Fatal("DJ disconnected by rate limiting")
	}
	dj.mu.Lock()
	processed := dj.frameCount
	dj.mu.Unlock()
	if processed == 0 {
		t.Fatal("no frames processed")
	}
	if processed > 200 {
		t.Fatalf("processed %d frames, rate limit not enforced", processed)
	}

	// Connection still healthy: heartbeats answered.
	writeMsg(t, conn, map[string]any{"type": "dj_heartbeat", "ts": nowSec()})
	readUntil(t, conn, "heartbeat_ack", typeIs("heartbeat_ack"))
}

func TestGoingOfflineGraceful(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)
	writeMsg(t, conn, map[string]any{"type": "going_offline"})

	deadline := time.Now().Add(3 * time.Second)
	for ts.s.getDJ("alice") != nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ts.s.getDJ("alice") != nil {
		t.Fatal("DJ not removed after going_offline")
	}
}

func TestPendingDisconnectNotifiesDenied(t *testing.T) {
	ts := startTestServer(t, Options{})
	code, _ := ts.s.codes.Generate(time.Minute)

	admin := dial(t, ts.browserURL)
	readUntil(t, admin, "vj_state", typeIs("vj_state"))

	dj := dial(t, ts.djURL)
	writeMsg(t, dj, map[string]any{"type": "code_auth", "code": code.Code, "dj_name": "Ghost"})
	readUntil(t, dj, "auth_pending", typeIs("auth_pending"))
	readUntil(t, admin, "dj_pending", typeIs("dj_pending"))

	dj.Close()
	readUntil(t, admin, "dj_denied", typeIs("dj_denied"))
	if len(ts.s.pendingEntries()) != 0 {
		t.Fatal("pending entry not cleaned up after disconnect")
	}
}

func TestFallbackDecayAfterDisconnect(t *testing.T) {
	ts := startTestServer(t, Options{})
	conn := djAuth(t, ts, "alice", "Alice", false)
	writeMsg(t, conn, map[string]any{
		"type": "dj_audio_frame", "seq": 1,
		"bands": []any{1, 1, 1, 1, 1}, "peak": 2.0, "bpm": 128,
	})

	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))
	readUntil(t, browser, "live amplitude", func(m map[string]any) bool {
		return m["type"] == "state" && m["amplitude"].(float64) > 1.9
	})

	writeMsg(t, conn, map[string]any{"type": "going_offline"})

	// After the DJ departs, the fallback state decays each band and the
	// peak by 0.95 per frame, so the visualization fades out smoothly.
	readUntil(t, browser, "decayed amplitude", func(m map[string]any) bool {
		if m["type"] != "state" || m["active_dj"] != "" {
			return false
		}
		return m["amplitude"].(float64) < 0.5
	})
}

func TestBannerProfileFlow(t *testing.T) {
	ts := startTestServer(t, Options{})
	browser := dial(t, ts.browserURL)
	readUntil(t, browser, "vj_state", typeIs("vj_state"))

	writeMsg(t, browser, map[string]any{
		"type": "set_banner_profile", "dj_id": "alice",
		"profile": map[string]any{"banner_mode": "text", "text_format": "DJ %s"},
	})
	saved := readUntil(t, browser, "banner_profile_saved", typeIs("banner_profile_saved"))
	if saved["dj_id"] != "alice" {
		t.Fatalf("banner_profile_saved = %v", saved)
	}

	writeMsg(t, browser, map[string]any{"type": "get_banner_profile", "dj_id": "alice"})
	prof := readUntil(t, browser, "banner_profile", typeIs("banner_profile"))
	p := prof["profile"].(map[string]any)
	if p["text_format"] != "DJ %s" {
		t.Fatalf("profile = %v", p)
	}

	writeMsg(t, browser, map[string]any{"type": "get_all_banner_profiles"})
	all := readUntil(t, browser, "all_banner_profiles", typeIs("all_banner_profiles"))
	if _, ok := all["profiles"].(map[string]any)["alice"]; !ok {
		t.Fatalf("all profiles = %v", all)
	}
}

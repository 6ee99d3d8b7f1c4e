package vj

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"audioviz/vjserver/internal/connectcode"
	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/protocol"
	"audioviz/vjserver/internal/sanitize"
)

const (
	authDeadline      = 10 * time.Second
	clockSyncDeadline = 5 * time.Second
	pendingPollEvery  = time.Second
)

// HandleDJ serves one DJ socket from auth to disconnect.
func (s *Server) HandleDJ(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(protocol.MaxDJMessageBytes)

	_ = conn.SetReadDeadline(time.Now().Add(authDeadline))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("DJ connection timed out waiting for auth")
		closeWith(conn, protocol.CloseAuthTimeout, "Authentication timeout")
		return
	}
	var first protocol.Inbound
	if err := json.Unmarshal(raw, &first); err != nil {
		closeWith(conn, protocol.CloseInvalidJSON, "Invalid JSON")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch first.Type {
	case protocol.TypeDJAuth:
		s.handleCredentialedDJ(conn, &first)
	case protocol.TypeCodeAuth:
		s.handleCodeDJ(conn, &first)
	default:
		closeWith(conn, protocol.CloseExpectedAuth, "Expected dj_auth or code_auth message")
	}
}

func (s *Server) handleCredentialedDJ(conn *websocket.Conn, first *protocol.Inbound) {
	djID := first.DJID
	djName := first.DJName
	if djName == "" {
		djName = djID
	}
	priority := 10

	if s.requireAuth {
		rec, ok := s.authStore.VerifyDJ(djID, first.DJKey)
		if !ok {
			s.log.Warn("DJ auth failed", "dj_id", djID)
			closeWith(conn, protocol.CloseAuthFailed, "Authentication failed")
			return
		}
		if rec.Name != "" {
			djName = rec.Name
		}
		if rec.Priority != 0 {
			priority = rec.Priority
		}
	}

	dj := newDJConn(djID, djName, priority, first.DirectMode, conn)
	if !s.addDJ(dj) {
		s.log.Warn("duplicate DJ connection rejected", "dj_id", djID)
		closeWith(conn, protocol.CloseDuplicate, "Already connected")
		return
	}
	s.djConnects.Add(1)
	metrics.DJConnectionsTotal.Inc()
	s.log.Info("DJ connected", "dj_id", djID, "dj_name", djName,
		"direct_mode", dj.DirectMode, "remote", conn.RemoteAddr())

	defer s.finishDJ(dj)

	_ = dj.send(s.buildAuthSuccess(dj))
	s.log.Info("DJ authenticated", "dj_id", djID, "priority", priority)

	s.runClockSync(dj)
	_ = dj.send(s.buildStreamRoute(dj))

	if s.ActiveDJID() == "" {
		s.setActive(dj.DJID)
	}
	s.broadcastRoster()

	s.djReadLoop(dj)
}

func (s *Server) handleCodeDJ(conn *websocket.Conn, first *protocol.Inbound) {
	code := strings.ToUpper(strings.TrimSpace(first.Code))
	djName := first.DJName
	if djName == "" {
		djName = "DJ"
	}

	if err := s.codes.ValidateAndConsume(code); err != nil {
		reason := "Invalid connect code"
		if errors.Is(err, connectcode.ErrExpired) {
			reason = "Connect code has expired"
		}
		s.log.Warn("DJ code auth failed", "code", code, "err", err)
		_ = writeJSON(conn, map[string]any{"type": protocol.TypeAuthError, "error": reason})
		closeWith(conn, protocol.CloseAuthFailed, reason)
		return
	}

	djID := "dj_" + strings.ToLower(strings.ReplaceAll(code, "-", "_"))
	p := &pendingDJ{
		dj:           newDJConn(djID, djName, 10, first.DirectMode, conn),
		WaitingSince: time.Now(),
		Code:         code,
		decided:      make(chan struct{}),
	}

	s.djMu.Lock()
	if _, dup := s.djs[djID]; dup {
		s.djMu.Unlock()
		closeWith(conn, protocol.CloseDuplicate, "Already connected")
		return
	}
	if _, dup := s.pending[djID]; dup {
		s.djMu.Unlock()
		closeWith(conn, protocol.CloseDuplicate, "Already connected")
		return
	}
	s.pending[djID] = p
	s.djMu.Unlock()

	_ = p.dj.send(map[string]any{
		"type":    protocol.TypeAuthPending,
		"message": "Waiting for VJ approval...",
		"dj_id":   djID,
	})
	s.broadcastToBrowsers(map[string]any{"type": protocol.TypeDJPending, "dj": p.entry()})
	s.log.Info("DJ placed in approval queue", "dj_id", djID, "dj_name", djName)

	if !s.waitForDecision(p) {
		return
	}

	// Approved: the operator handler moved the connection into the roster
	// and sent auth_success. Continue with the same post-admission
	// handshake as credentialed DJs.
	dj := s.getDJ(djID)
	if dj == nil {
		return
	}
	defer s.finishDJ(dj)

	s.runClockSync(dj)
	_ = dj.send(s.buildStreamRoute(dj))
	s.djReadLoop(dj)
}

// waitForDecision keeps the pending socket alive (answering ping) until an
// operator approves or denies, or the DJ disconnects. Returns true when
// approved.
func (s *Server) waitForDecision(p *pendingDJ) bool {
	conn := p.dj.conn
	for {
		select {
		case <-p.decided:
			_ = conn.SetReadDeadline(time.Time{})
			return p.approved
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(pendingPollEvery))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-p.decided:
				// Decision raced the read error; honor it.
				_ = conn.SetReadDeadline(time.Time{})
				return p.approved
			default:
			}
			s.dropPending(p.dj.DJID)
			s.log.Info("pending DJ disconnected while waiting", "dj_id", p.dj.DJID)
			s.broadcastToBrowsers(map[string]any{"type": protocol.TypeDJDenied, "dj_id": p.dj.DJID})
			return false
		}

		var msg protocol.Inbound
		if json.Unmarshal(raw, &msg) == nil && msg.Type == protocol.TypePing {
			_ = p.dj.send(map[string]any{"type": protocol.TypePong})
		}
	}
}

func (s *Server) dropPending(djID string) *pendingDJ {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	p := s.pending[djID]
	delete(s.pending, djID)
	return p
}

// ApprovePending moves a pending DJ into the roster and notifies everyone.
func (s *Server) ApprovePending(djID string) {
	s.djMu.Lock()
	p, ok := s.pending[djID]
	if !ok {
		s.djMu.Unlock()
		s.log.Warn("cannot approve DJ: not pending", "dj_id", djID)
		return
	}
	delete(s.pending, djID)
	if _, dup := s.djs[djID]; dup {
		s.djMu.Unlock()
		s.log.Warn("cannot approve DJ: already in roster", "dj_id", djID)
		p.decide(false)
		return
	}
	dj := p.dj
	s.djs[djID] = dj
	s.djQueue = append(s.djQueue, djID)
	s.djMu.Unlock()

	s.djConnects.Add(1)
	metrics.DJConnectionsTotal.Inc()
	s.log.Info("DJ approved", "dj_id", djID, "dj_name", dj.DJName)

	_ = dj.send(s.buildAuthSuccess(dj))

	if s.ActiveDJID() == "" {
		s.setActive(djID)
	}
	s.broadcastRoster()
	s.broadcastStreamRoutes()
	s.broadcastToBrowsers(map[string]any{"type": protocol.TypeDJApproved, "dj_id": djID})

	p.decide(true)
}

// DenyPending rejects a pending DJ and closes its socket.
func (s *Server) DenyPending(djID string) {
	p := s.dropPending(djID)
	if p == nil {
		s.log.Warn("cannot deny DJ: not pending", "dj_id", djID)
		return
	}
	s.log.Info("DJ denied", "dj_id", djID, "dj_name", p.dj.DJName)

	_ = p.dj.send(map[string]any{
		"type":    protocol.TypeAuthDenied,
		"message": "Connection denied by VJ",
	})
	closeWith(p.dj.conn, protocol.CloseDenied, "Connection denied by VJ")
	p.decide(false)

	s.broadcastToBrowsers(map[string]any{"type": protocol.TypeDJDenied, "dj_id": djID})
}

// KickDJ force-closes a connected DJ's socket.
func (s *Server) KickDJ(djID string) {
	d := s.getDJ(djID)
	if d == nil {
		s.log.Warn("cannot kick DJ: not in roster", "dj_id", djID)
		return
	}
	s.log.Info("DJ kicked", "dj_id", djID, "dj_name", d.DJName)
	closeWith(d.conn, protocol.CloseKicked, "Kicked by VJ")
	_ = d.conn.Close()
}

// finishDJ runs the shared disconnect path.
func (s *Server) finishDJ(dj *DJConn) {
	existed, activeChanged := s.removeDJ(dj.DJID)
	if !existed {
		return
	}
	s.djDisconnects.Add(1)
	metrics.DJDisconnectionsTotal.Inc()
	s.log.Info("DJ disconnected", "dj_id", dj.DJID, "dj_name", dj.DJName)
	if activeChanged {
		s.pushActiveState()
	}
	s.broadcastRoster()
}

// djReadLoop processes steady-state messages until disconnect.
func (s *Server) djReadLoop(dj *DJConn) {
	for {
		_, raw, err := dj.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("DJ unexpected close", "dj_id", dj.DJID, "err", err)
			}
			return
		}
		var msg protocol.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("invalid JSON from DJ", "dj_id", dj.DJID)
			continue
		}

		switch msg.Type {
		case protocol.TypeDJAudioFrame:
			if !dj.allowFrame() {
				metrics.FramesDroppedTotal.Inc()
				continue
			}
			dj.applyFrame(sanitize.Frame(&msg))
			metrics.FramesProcessedTotal.Inc()

		case protocol.TypeDJHeartbeat:
			serverTime := dj.heartbeat(msg.TS, msg.MCConnected)
			_ = dj.send(map[string]any{
				"type":        protocol.TypeHeartbeatAck,
				"server_time": serverTime,
				"echo_ts":     msg.TS,
			})

		case protocol.TypeVoiceAudio:
			dj.markVoiceStreaming()
			if dj.DJID == s.ActiveDJID() && s.renderer.Connected() {
				if seq, ok := sanitize.Num(msg.Seq); ok {
					s.relayVoice(msg.Data, int64(seq))
				} else {
					s.relayVoice(msg.Data, 0)
				}
			}

		case protocol.TypeGoingOffline:
			s.log.Info("DJ going offline", "dj_id", dj.DJID, "dj_name", dj.DJName)
			return

		default:
			s.log.Debug("unknown DJ message", "dj_id", dj.DJID, "type", msg.Type)
		}
	}
}

func (s *Server) relayVoice(data string, seq int64) {
	if data == "" {
		return
	}
	s.renderer.SendVoiceFrame(data, seq)
}

// runClockSync performs the NTP-style four-timestamp exchange. Interleaved
// heartbeats are absorbed rather than dropped. On any failure the DJ keeps
// offset 0 and clock_sync_done=false.
func (s *Server) runClockSync(dj *DJConn) {
	t1 := nowSec()
	if err := dj.send(map[string]any{
		"type":        protocol.TypeClockSyncRequest,
		"server_time": t1,
	}); err != nil {
		return
	}

	deadline := time.Now().Add(clockSyncDeadline)
	defer func() { _ = dj.conn.SetReadDeadline(time.Time{}) }()

	for {
		if !time.Now().Before(deadline) {
			s.log.Warn("clock sync timeout", "dj_id", dj.DJID)
			return
		}
		_ = dj.conn.SetReadDeadline(deadline)
		_, raw, err := dj.conn.ReadMessage()
		if err != nil {
			s.log.Warn("clock sync failed", "dj_id", dj.DJID, "err", err)
			return
		}
		t4 := nowSec()

		var msg protocol.Inbound
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Type != protocol.TypeClockSyncResponse {
			if msg.Type == protocol.TypeDJHeartbeat {
				dj.mu.Lock()
				dj.lastHeartbeat = time.Now()
				dj.mu.Unlock()
			}
			continue
		}

		t2, ok2 := sanitize.Num(msg.DJRecvTime)
		t3, ok3 := sanitize.Num(msg.DJSendTime)
		if !ok2 || !ok3 {
			s.log.Warn("clock sync: non-finite timestamps", "dj_id", dj.DJID)
			return
		}
		if math.Abs(t2-t1) > 3600 || math.Abs(t3-t4) > 3600 {
			s.log.Warn("clock sync: timestamps too far from server time", "dj_id", dj.DJID)
			return
		}
		offset := ((t2 - t1) + (t3 - t4)) / 2
		rtt := (t4 - t1) - (t3 - t2)
		if rtt < 0 || rtt > 30 {
			s.log.Warn("clock sync: invalid RTT", "dj_id", dj.DJID, "rtt_ms", rtt*1000)
			return
		}
		dj.setClockSync(offset)
		s.log.Info("clock sync complete", "dj_id", dj.DJID,
			"offset_ms", round1(offset*1000), "rtt_ms", round1(rtt*1000))
		return
	}
}

// buildAuthSuccess builds the post-admission handshake payload.
func (s *Server) buildAuthSuccess(dj *DJConn) map[string]any {
	activeID := s.ActiveDJID()
	name, _, _ := s.patternState()
	msg := map[string]any{
		"type":            protocol.TypeAuthSuccess,
		"dj_id":           dj.DJID,
		"dj_name":         dj.DJName,
		"is_active":       activeID == dj.DJID,
		"current_pattern": name,
		"pattern_config":  s.patternConfigPayload(),
	}
	if dj.DirectMode {
		msg["minecraft_host"] = s.minecraftHost
		msg["minecraft_port"] = s.minecraftPort
		msg["zone"] = s.currentZone()
		msg["entity_count"] = s.entityCount()
	}
	if dj.DirectMode && activeID == dj.DJID {
		msg["route_mode"] = "dual"
	} else {
		msg["route_mode"] = "relay"
	}
	return msg
}

// buildStreamRoute builds the routing policy message for one DJ:
// dual when the DJ is direct-mode and active, relay otherwise.
func (s *Server) buildStreamRoute(dj *DJConn) map[string]any {
	isActive := s.ActiveDJID() == dj.DJID
	routeMode := "relay"
	reason := "standby_or_relay_mode"
	if dj.DirectMode && isActive {
		routeMode = "dual"
		reason = "active_direct_dj"
	}
	name, _, _ := s.patternState()
	sens := s.sensitivity()
	return map[string]any{
		"type":             protocol.TypeStreamRoute,
		"route_mode":       routeMode,
		"is_active":        isActive,
		"minecraft_host":   s.minecraftHost,
		"minecraft_port":   s.minecraftPort,
		"zone":             s.currentZone(),
		"entity_count":     s.entityCount(),
		"current_pattern":  name,
		"pattern_config":   s.patternConfigPayload(),
		"pattern_scripts":  map[string]string{},
		"band_sensitivity": sens[:],
		"relay_fallback":   true,
		"reason":           reason,
	}
}

// broadcastStreamRoutes pushes routing policy to every connected DJ.
func (s *Server) broadcastStreamRoutes() {
	for _, d := range s.djSnapshot() {
		_ = d.send(s.buildStreamRoute(d))
	}
}

// broadcastToDJs sends one message to every connected DJ.
func (s *Server) broadcastToDJs(msg any) {
	for _, d := range s.djSnapshot() {
		_ = d.send(msg)
	}
}

func writeJSON(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(djWriteTimeout))
	return conn.WriteJSON(msg)
}

// closeWith sends a close frame with a policy code, then closes.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

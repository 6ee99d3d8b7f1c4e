package vj

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"audioviz/vjserver/internal/banner"
	"audioviz/vjserver/internal/connectcode"
	"audioviz/vjserver/internal/effects"
	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/pattern"
	"audioviz/vjserver/internal/protocol"
	"audioviz/vjserver/internal/sanitize"
)

const (
	// browserSendTimeout is the hard per-client send budget; a slower
	// observer is shed rather than allowed to stall the broadcast loop.
	browserSendTimeout = 500 * time.Millisecond

	browserSendBuffer = 32
)

// browserClient is one observer/admin socket. Outbound traffic goes
// through a buffered channel drained by a single writer goroutine; a full
// buffer or a missed write deadline marks the client dead.
type browserClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	remote string

	// Heartbeat bookkeeping, guarded by Server.browserMu.
	lastPingAt  time.Time
	lastPongAt  time.Time
	missedPongs int
}

func (c *browserClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// enqueue hands a pre-marshaled message to the writer without blocking.
// Returns false when the client's buffer is full (client is too slow).
func (c *browserClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *browserClient) enqueueJSON(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return true
	}
	return c.enqueue(data)
}

// writeLoop drains the send channel, enforcing the per-client deadline.
func (s *Server) writeLoop(c *browserClient) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(browserSendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.dropBrowser(c, "write failed")
				return
			}
		}
	}
}

func (s *Server) addBrowser(c *browserClient) {
	s.browserMu.Lock()
	s.browsers[c] = struct{}{}
	count := len(s.browsers)
	s.browserMu.Unlock()
	s.browserConnects.Add(1)
	metrics.BrowserConnectionsTotal.Inc()
	s.log.Info("browser client connected", "remote", c.remote, "total", count)
}

// dropBrowser removes and closes an observer. Idempotent.
func (s *Server) dropBrowser(c *browserClient, reason string) {
	s.browserMu.Lock()
	_, present := s.browsers[c]
	delete(s.browsers, c)
	count := len(s.browsers)
	s.browserMu.Unlock()
	if present {
		s.browserDisconnects.Add(1)
		metrics.BrowserDisconnectionsTotal.Inc()
		s.log.Info("browser client disconnected", "remote", c.remote, "reason", reason, "total", count)
	}
	c.close()
}

// browserSnapshot returns the current observer set.
func (s *Server) browserSnapshot() []*browserClient {
	s.browserMu.Lock()
	defer s.browserMu.Unlock()
	out := make([]*browserClient, 0, len(s.browsers))
	for c := range s.browsers {
		out = append(out, c)
	}
	return out
}

func (s *Server) browserCount() int {
	s.browserMu.Lock()
	defer s.browserMu.Unlock()
	return len(s.browsers)
}

// broadcastToBrowsers marshals once and fans out; slow clients are shed.
func (s *Server) broadcastToBrowsers(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("browser broadcast marshal", "err", err)
		return
	}
	for _, c := range s.browserSnapshot() {
		if !c.enqueue(data) {
			s.dropBrowser(c, "send buffer full")
		}
	}
}

func (s *Server) broadcastRoster() {
	s.broadcastToBrowsers(map[string]any{
		"type":      protocol.TypeDJRoster,
		"roster":    s.rosterEntries(),
		"active_dj": s.ActiveDJID(),
	})
}

func (s *Server) broadcastConnectCodes() {
	s.codes.GC()
	codes := s.codes.Active()
	infos := make([]protocol.CodeInfo, 0, len(codes))
	for _, c := range codes {
		infos = append(infos, protocol.CodeInfo{
			Code:      c.Code,
			CreatedAt: float64(c.CreatedAt.UnixNano()) / 1e9,
			ExpiresAt: float64(c.ExpiresAt.UnixNano()) / 1e9,
			Used:      c.Used,
		})
	}
	s.broadcastToBrowsers(map[string]any{"type": protocol.TypeConnectCodes, "codes": infos})
}

func (s *Server) vjStatePayload() map[string]any {
	name, _, _ := s.patternState()
	return map[string]any{
		"type":                protocol.TypeVJState,
		"patterns":            pattern.List(),
		"current_pattern":     name,
		"entity_count":        s.entityCount(),
		"zone":                s.currentZone(),
		"dj_roster":           s.rosterEntries(),
		"active_dj":           s.ActiveDJID(),
		"health_stats":        s.Health(),
		"minecraft_connected": s.renderer.Connected(),
		"pending_djs":         s.pendingEntries(),
		"banner_profiles":     s.banners.Summaries(),
	}
}

// HandleBrowser serves one browser/admin socket until disconnect.
func (s *Server) HandleBrowser(conn *websocket.Conn) {
	conn.SetReadLimit(protocol.MaxBrowserMessageBytes)
	c := &browserClient{
		conn:   conn,
		send:   make(chan []byte, browserSendBuffer),
		done:   make(chan struct{}),
		remote: conn.RemoteAddr().String(),
	}
	s.addBrowser(c)
	go s.writeLoop(c)
	defer s.dropBrowser(c, "closed")

	c.enqueueJSON(s.vjStatePayload())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg protocol.Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("invalid JSON from browser", "remote", c.remote)
			continue
		}
		s.handleBrowserMessage(c, &msg, raw)
	}
}

func (s *Server) handleBrowserMessage(c *browserClient, msg *protocol.Inbound, raw []byte) {
	switch msg.Type {
	case protocol.TypePing:
		c.enqueueJSON(map[string]any{"type": protocol.TypePong})

	case protocol.TypePong:
		s.browserMu.Lock()
		c.lastPongAt = time.Now()
		c.missedPongs = 0
		s.browserMu.Unlock()

	case protocol.TypeGetState:
		c.enqueueJSON(s.vjStatePayload())

	case "set_pattern":
		s.setPattern(msg.Pattern)

	case "set_active_dj":
		if msg.DJID != "" {
			s.setActive(msg.DJID)
		}

	case "kick_dj":
		if msg.DJID != "" {
			s.KickDJ(msg.DJID)
		}

	case "generate_connect_code":
		ttl := connectcode.DefaultTTL
		if m, ok := sanitize.Num(msg.TTLMinutes); ok && m > 0 {
			ttl = time.Duration(m * float64(time.Minute))
		}
		code, err := s.codes.Generate(ttl)
		if err != nil {
			s.log.Error("generate connect code", "err", err)
			c.enqueueJSON(map[string]any{"type": protocol.TypeError, "message": "Failed to generate code"})
			return
		}
		s.codes.GC()
		s.log.Info("generated connect code", "code", code.Code, "ttl", ttl)
		c.enqueueJSON(map[string]any{
			"type":        protocol.TypeConnectCodeGenerated,
			"code":        code.Code,
			"expires_at":  float64(code.ExpiresAt.UnixNano()) / 1e9,
			"ttl_minutes": ttl.Minutes(),
		})
		s.broadcastConnectCodes()

	case "get_connect_codes":
		s.codes.GC()
		codes := s.codes.Active()
		infos := make([]protocol.CodeInfo, 0, len(codes))
		for _, code := range codes {
			infos = append(infos, protocol.CodeInfo{
				Code:      code.Code,
				CreatedAt: float64(code.CreatedAt.UnixNano()) / 1e9,
				ExpiresAt: float64(code.ExpiresAt.UnixNano()) / 1e9,
				Used:      code.Used,
			})
		}
		c.enqueueJSON(map[string]any{"type": protocol.TypeConnectCodes, "codes": infos})

	case "revoke_connect_code":
		if s.codes.Revoke(msg.Code) {
			s.log.Info("revoked connect code", "code", msg.Code)
			s.broadcastConnectCodes()
		}

	case "get_dj_roster":
		c.enqueueJSON(map[string]any{
			"type":      protocol.TypeDJRoster,
			"roster":    s.rosterEntries(),
			"active_dj": s.ActiveDJID(),
		})

	case "get_pending_djs":
		c.enqueueJSON(map[string]any{
			"type":    protocol.TypePendingDJs,
			"pending": s.pendingEntries(),
		})

	case "approve_dj":
		s.ApprovePending(msg.DJID)

	case "deny_dj":
		s.DenyPending(msg.DJID)

	case "reorder_dj_queue":
		if pos, ok := sanitize.Num(msg.NewPosition); ok && msg.DJID != "" {
			s.reorderQueue(msg.DJID, int(pos))
		}

	case "set_entity_count", "set_block_count":
		s.setEntityCount(msg.Count)

	case "set_zone":
		zone := msg.Zone
		if zone == "" {
			zone = "main"
		}
		s.setZone(zone)

	case "set_preset":
		s.applyPreset(msg.Preset)

	case "set_band_sensitivity":
		if v, ok := sanitize.Num(msg.Sensitivity); ok {
			s.setBandSensitivity(msg.Band, v)
		}

	case "set_audio_setting":
		if v, ok := sanitize.Num(msg.Value); ok && msg.Setting != "" {
			s.setAudioSetting(msg.Setting, v)
		}

	case "get_zones":
		ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
		defer cancel()
		zones, err := s.renderer.GetZones(ctx)
		if err != nil {
			s.log.Warn("get_zones failed", "err", err)
			c.enqueueJSON(map[string]any{"type": protocol.TypeZones, "zones": []any{}})
			return
		}
		names := make([]map[string]any, 0, len(zones))
		for _, z := range zones {
			names = append(names, map[string]any{"name": z.Name})
		}
		c.enqueueJSON(map[string]any{"type": protocol.TypeZones, "zones": names})

	case "get_zone":
		zone := msg.Zone
		if zone == "" {
			zone = "main"
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
		defer cancel()
		resp, err := s.renderer.GetZone(ctx, zone)
		if err != nil {
			s.log.Warn("get_zone failed", "zone", zone, "err", err)
			return
		}
		c.enqueueJSON(resp)

	case "trigger_effect":
		effect := msg.Effect
		if effect == "" {
			effect = "flash"
		}
		intensity := 1.0
		if v, ok := sanitize.Num(msg.Intensity); ok {
			intensity = v
		}
		duration := 500 * time.Millisecond
		if v, ok := sanitize.Num(msg.Duration); ok && v > 0 {
			duration = time.Duration(v * float64(time.Millisecond))
		}
		s.triggerEffect(effect, intensity, duration)

	case "blackout", "set_blackout":
		enabled := !s.effects.BlackoutActive()
		if msg.Enabled != nil {
			enabled = sanitize.Truthy(msg.Enabled)
		}
		if enabled {
			s.triggerEffect(effects.Blackout, 1, 0)
		} else {
			s.triggerEffect(effects.Blackout, 0, 0)
		}

	case "freeze", "set_freeze":
		enabled := !s.effects.FreezeActive()
		if msg.Enabled != nil {
			enabled = sanitize.Truthy(msg.Enabled)
		}
		if enabled {
			s.triggerEffect(effects.Freeze, 1, 0)
		} else {
			s.triggerEffect(effects.Freeze, 0, 0)
		}

	case "set_banner_profile":
		if msg.DJID == "" {
			return
		}
		s.banners.Set(msg.DJID, banner.ProfileFromMap(msg.Profile))
		if msg.DJID == s.ActiveDJID() {
			s.sendBannerConfigToRenderer(msg.DJID)
		}
		c.enqueueJSON(map[string]any{"type": protocol.TypeBannerProfileSaved, "dj_id": msg.DJID})
		s.log.Info("banner profile saved", "dj_id", msg.DJID)

	case "get_banner_profile":
		sum, _ := s.banners.Summary(msg.DJID)
		c.enqueueJSON(map[string]any{
			"type":    protocol.TypeBannerProfile,
			"dj_id":   msg.DJID,
			"profile": sum,
		})

	case "get_all_banner_profiles":
		c.enqueueJSON(map[string]any{
			"type":     protocol.TypeAllBannerProfiles,
			"profiles": s.banners.Summaries(),
		})

	case "upload_banner_logo":
		if msg.DJID == "" || msg.ImageBase64 == "" {
			return
		}
		w, h := banner.ClampGrid(msg.GridWidth, msg.GridHeight)
		pixels, err := banner.ProcessLogo(msg.ImageBase64, w, h)
		if err != nil {
			s.log.Error("logo processing failed", "dj_id", msg.DJID, "err", err)
			c.enqueueJSON(map[string]any{"type": protocol.TypeError, "message": "Failed to process logo image"})
			return
		}
		s.banners.SetLogo(msg.DJID, pixels, w, h, msg.Filename)
		if msg.DJID == s.ActiveDJID() {
			s.sendBannerConfigToRenderer(msg.DJID)
		}
		c.enqueueJSON(map[string]any{
			"type":        protocol.TypeBannerLogoProcessed,
			"dj_id":       msg.DJID,
			"grid_width":  w,
			"grid_height": h,
			"pixel_count": len(pixels),
		})
		s.log.Info("logo processed", "dj_id", msg.DJID, "grid", [2]int{w, h})

	case "voice_config":
		s.forwardVoiceConfig(raw)

	case "get_voice_status":
		if !s.renderer.Connected() {
			c.enqueueJSON(map[string]any{
				"type": protocol.TypeVoiceStatus, "available": false, "streaming": false,
				"channel_type": "static", "connected_players": 0,
			})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
		defer cancel()
		resp, err := s.renderer.Request(ctx, map[string]any{"type": "get_voice_status"})
		if err != nil {
			s.log.Warn("get_voice_status failed", "err", err)
			return
		}
		c.enqueueJSON(resp)

	default:
		if protocol.ForwardToRenderer[msg.Type] {
			s.forwardToRenderer(c, msg, raw)
			return
		}
		s.log.Debug("unknown browser message", "type", msg.Type)
	}
}

const requestBudget = 5 * time.Second

// forwardToRenderer relays an allowlisted message verbatim, mirroring
// set_zone_config scale/count changes into the local pattern config so
// pattern evaluation matches the renderer.
func (s *Server) forwardToRenderer(c *browserClient, msg *protocol.Inbound, raw []byte) {
	if msg.Type == "set_zone_config" {
		s.mirrorZoneConfig(msg.Config)
	}

	if !s.renderer.Connected() {
		s.log.Warn("cannot forward to renderer: not connected", "type", msg.Type)
		c.enqueueJSON(map[string]any{"type": protocol.TypeError, "message": "Minecraft not connected"})
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()
	resp, err := s.renderer.Request(ctx, payload)
	if err != nil {
		s.log.Warn("renderer forward failed", "type", msg.Type, "err", err)
		c.enqueueJSON(map[string]any{"type": protocol.TypeError, "message": "Failed to forward to Minecraft"})
		return
	}
	c.enqueueJSON(resp)
}

func (s *Server) mirrorZoneConfig(cfg map[string]any) {
	if cfg == nil {
		return
	}
	reinit := false
	s.stateMu.Lock()
	if v, ok := sanitize.Num(cfg["entity_count"]); ok {
		count := int(v)
		if count >= 1 && count <= 1000 && count != s.patternCfg.EntityCount {
			s.log.Info("entity count synced from zone config",
				"old", s.patternCfg.EntityCount, "new", count)
			s.patternCfg.EntityCount = count
			reinit = true
		}
	}
	if v, ok := sanitize.Num(cfg["base_scale"]); ok {
		s.patternCfg.BaseScale = v
	}
	if v, ok := sanitize.Num(cfg["max_scale"]); ok {
		s.patternCfg.MaxScale = v
	}
	name := s.patternName
	s.stateMu.Unlock()

	if reinit {
		s.resetPattern(name)
	}
}

func (s *Server) forwardVoiceConfig(raw []byte) {
	if !s.renderer.Connected() {
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()
	resp, err := s.renderer.SendVoiceConfig(ctx, payload)
	if err != nil {
		s.log.Warn("voice_config forward failed", "err", err)
		return
	}
	if t, _ := resp["type"].(string); t == protocol.TypeVoiceStatus {
		s.broadcastToBrowsers(resp)
	}
}

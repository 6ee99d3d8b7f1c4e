// Package vj implements the relay core: DJ admission and roster, the
// browser control plane, the 60 Hz broadcast loop, and the supervisors
// that keep the renderer link and browser population healthy.
package vj

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"audioviz/vjserver/internal/auth"
	"audioviz/vjserver/internal/banner"
	"audioviz/vjserver/internal/connectcode"
	"audioviz/vjserver/internal/effects"
	"audioviz/vjserver/internal/mc"
	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/pattern"
	"audioviz/vjserver/internal/protocol"
)

// Options configures a Server.
type Options struct {
	MinecraftHost string
	MinecraftPort int
	Zone          string
	EntityCount   int
	Auth          *auth.Store
	RequireAuth   bool
	SkipMinecraft bool
	DataDir       string
	Log           *slog.Logger
}

// Server is the VJ relay core.
type Server struct {
	log *slog.Logger

	minecraftHost string
	minecraftPort int
	requireAuth   bool
	skipMinecraft bool

	authStore *auth.Store
	codes     *connectcode.Registry
	effects   *effects.Engine
	banners   *banner.Store
	renderer  *mc.Client

	// djMu guards the roster map, the queue order, the active id, and the
	// pending queue; they move as a unit during admissions and handoffs.
	djMu     sync.Mutex
	djs      map[string]*DJConn
	djQueue  []string
	activeID string
	pending  map[string]*pendingDJ

	// stateMu guards the pattern/zone/sensitivity world mutated by the
	// control plane and re-read by the broadcast loop each tick.
	stateMu         sync.Mutex
	patternName     string
	pat             pattern.Pattern
	patternCfg      pattern.Config
	bandSensitivity [5]float64
	zone            string

	browserMu sync.Mutex
	browsers  map[*browserClient]struct{}

	// Broadcast-loop-owned state.
	lastEntities  []protocol.Entity
	fallbackBands [5]float64
	fallbackPeak  float64
	frameCount    atomic.Int64

	// Health counters.
	djConnects         atomic.Int64
	djDisconnects      atomic.Int64
	browserConnects    atomic.Int64
	browserDisconnects atomic.Int64
	mcReconnects       atomic.Int64

	lastMCConnected atomic.Bool
	startTime       time.Time
}

// New builds a Server. The default pattern always exists, so pattern.Get
// cannot fail here.
func New(opts Options) *Server {
	pat, _ := pattern.Get(pattern.DefaultName)
	s := &Server{
		log:           opts.Log,
		minecraftHost: opts.MinecraftHost,
		minecraftPort: opts.MinecraftPort,
		requireAuth:   opts.RequireAuth,
		skipMinecraft: opts.SkipMinecraft,
		authStore:     opts.Auth,
		codes:         connectcode.NewRegistry(),
		effects:       effects.NewEngine(),
		banners:       banner.NewStore(opts.DataDir, opts.Log),
		renderer:      mc.New(opts.MinecraftHost, opts.MinecraftPort, opts.Log),
		djs:           make(map[string]*DJConn),
		pending:       make(map[string]*pendingDJ),
		browsers:      make(map[*browserClient]struct{}),
		patternName:   pattern.DefaultName,
		pat:           pat,
		patternCfg:    pattern.DefaultConfig(opts.EntityCount),
		zone:          opts.Zone,
		startTime:     time.Now(),
	}
	s.bandSensitivity = [5]float64{1, 1, 1, 1, 1}
	metrics.SetActivePattern(s.patternName)
	if s.authStore == nil {
		s.authStore = &auth.Store{DJs: map[string]auth.Record{}, VJOperators: map[string]auth.Record{}}
	}
	return s
}

// Run starts the broadcast loop and supervisors and blocks until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.broadcastLoop(ctx) })
	g.Go(func() error { return s.browserHeartbeatLoop(ctx) })
	if !s.skipMinecraft {
		g.Go(func() error { return s.mcReconnectLoop(ctx) })
	}
	err := g.Wait()
	s.shutdown()
	return err
}

// shutdown closes every client socket with an orderly code.
func (s *Server) shutdown() {
	s.djMu.Lock()
	djs := make([]*DJConn, 0, len(s.djs))
	for _, d := range s.djs {
		djs = append(djs, d)
	}
	for _, p := range s.pending {
		djs = append(djs, p.dj)
	}
	s.djMu.Unlock()
	bye := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")
	for _, d := range djs {
		_ = d.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		_ = d.conn.Close()
	}

	s.browserMu.Lock()
	clients := make([]*browserClient, 0, len(s.browsers))
	for c := range s.browsers {
		clients = append(clients, c)
	}
	s.browserMu.Unlock()
	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		c.close()
	}

	if s.renderer.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), mc.RequestTimeout)
		_ = s.renderer.SetVisible(ctx, s.currentZone(), false)
		cancel()
		s.renderer.Disconnect()
	}
}

// ---------------------------------------------------------------------------
// Roster operations (all under djMu)
// ---------------------------------------------------------------------------

// addDJ inserts a DJ into the roster; ok is false when the id is taken by
// a live connection or a pending applicant.
func (s *Server) addDJ(d *DJConn) bool {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	if _, dup := s.djs[d.DJID]; dup {
		return false
	}
	if _, dup := s.pending[d.DJID]; dup {
		return false
	}
	s.djs[d.DJID] = d
	s.djQueue = append(s.djQueue, d.DJID)
	return true
}

// removeDJ drops a DJ and, when it was active, auto-switches. Returns
// whether it existed and whether the active DJ changed.
func (s *Server) removeDJ(djID string) (existed, activeChanged bool) {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	if _, existed = s.djs[djID]; !existed {
		return false, false
	}
	delete(s.djs, djID)
	for i, id := range s.djQueue {
		if id == djID {
			s.djQueue = append(s.djQueue[:i], s.djQueue[i+1:]...)
			break
		}
	}
	if s.activeID == djID {
		s.autoSwitchLocked()
		activeChanged = true
	}
	return existed, activeChanged
}

// autoSwitchLocked picks the lowest-priority-number DJ still present,
// following queue order to break ties. Caller holds djMu.
func (s *Server) autoSwitchLocked() {
	var available []string
	for _, id := range s.djQueue {
		if _, ok := s.djs[id]; ok {
			available = append(available, id)
		}
	}
	if len(available) == 0 {
		s.activeID = ""
		s.log.Info("no DJs available")
		return
	}
	sort.SliceStable(available, func(i, j int) bool {
		return s.djs[available[i]].Priority < s.djs[available[j]].Priority
	})
	s.activeID = available[0]
	s.log.Info("active DJ auto-switched", "dj_id", s.activeID)
}

// setActive makes djID the active DJ and pushes status and routing to
// every DJ, the roster to browsers, and dj_info downstream. Unknown ids
// are a logged no-op.
func (s *Server) setActive(djID string) {
	s.djMu.Lock()
	if _, ok := s.djs[djID]; !ok {
		s.djMu.Unlock()
		s.log.Warn("cannot set active DJ: not in roster", "dj_id", djID)
		return
	}
	s.activeID = djID
	name := s.djs[djID].DJName
	s.djMu.Unlock()

	s.log.Info("active DJ", "dj_id", djID, "dj_name", name)
	s.pushActiveState()
}

// pushActiveState notifies all parties after any active-DJ transition.
func (s *Server) pushActiveState() {
	activeID := s.ActiveDJID()
	for _, d := range s.djSnapshot() {
		_ = d.send(map[string]any{
			"type":      protocol.TypeStatusUpdate,
			"is_active": d.DJID == activeID,
		})
		_ = d.send(s.buildStreamRoute(d))
	}
	s.broadcastRoster()
	s.sendDJInfoToRenderer(activeID)
}

// djSnapshot returns the live DJs in queue order.
func (s *Server) djSnapshot() []*DJConn {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	out := make([]*DJConn, 0, len(s.djs))
	for _, id := range s.djQueue {
		if d, ok := s.djs[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ActiveDJID returns the current active DJ id ("" when none).
func (s *Server) ActiveDJID() string {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	return s.activeID
}

func (s *Server) activeDJ() *DJConn {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	if s.activeID == "" {
		return nil
	}
	return s.djs[s.activeID]
}

func (s *Server) getDJ(djID string) *DJConn {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	return s.djs[djID]
}

// rosterEntries builds the admin-panel roster sorted by queue position.
func (s *Server) rosterEntries() []protocol.RosterEntry {
	s.djMu.Lock()
	djs := make([]*DJConn, 0, len(s.djs))
	positions := make(map[string]int, len(s.djQueue))
	for i, id := range s.djQueue {
		positions[id] = i
	}
	activeID := s.activeID
	for _, d := range s.djs {
		djs = append(djs, d)
	}
	s.djMu.Unlock()

	entries := make([]protocol.RosterEntry, 0, len(djs))
	for _, d := range djs {
		pos, ok := positions[d.DJID]
		if !ok {
			pos = 999
		}
		entries = append(entries, d.rosterEntry(d.DJID == activeID, pos))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QueuePosition < entries[j].QueuePosition
	})
	return entries
}

// reorderQueue moves djID to newPos in the queue.
func (s *Server) reorderQueue(djID string, newPos int) {
	s.djMu.Lock()
	idx := -1
	for i, id := range s.djQueue {
		if id == djID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.djMu.Unlock()
		return
	}
	s.djQueue = append(s.djQueue[:idx], s.djQueue[idx+1:]...)
	if newPos < 0 {
		newPos = 0
	}
	if newPos > len(s.djQueue) {
		newPos = len(s.djQueue)
	}
	s.djQueue = append(s.djQueue[:newPos], append([]string{djID}, s.djQueue[newPos:]...)...)
	s.djMu.Unlock()

	s.log.Info("DJ queue reordered", "dj_id", djID, "position", newPos)
	s.broadcastRoster()
}

// pendingEntries returns the approval queue for the admin panel.
func (s *Server) pendingEntries() []protocol.PendingEntry {
	s.djMu.Lock()
	defer s.djMu.Unlock()
	out := make([]protocol.PendingEntry, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, p.entry())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaitingSince < out[j].WaitingSince })
	return out
}

// ---------------------------------------------------------------------------
// Shared config state
// ---------------------------------------------------------------------------

func (s *Server) patternState() (string, pattern.Pattern, pattern.Config) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.patternName, s.pat, s.patternCfg
}

func (s *Server) currentZone() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.zone
}

func (s *Server) entityCount() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.patternCfg.EntityCount
}

func (s *Server) sensitivity() [5]float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.bandSensitivity
}

func (s *Server) patternConfigPayload() map[string]any {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return map[string]any{
		"entity_count": s.patternCfg.EntityCount,
		"zone_size":    s.patternCfg.ZoneSize,
		"beat_boost":   s.patternCfg.BeatBoost,
		"base_scale":   s.patternCfg.BaseScale,
		"max_scale":    s.patternCfg.MaxScale,
	}
}

// HealthStats is the connection-health snapshot served on /health and in
// vj_state messages.
type HealthStats struct {
	DJConnects         int64 `json:"dj_connects"`
	DJDisconnects      int64 `json:"dj_disconnects"`
	BrowserConnects    int64 `json:"browser_connects"`
	BrowserDisconnects int64 `json:"browser_disconnects"`
	MCReconnectCount   int64 `json:"mc_reconnect_count"`
	CurrentDJs         int   `json:"current_djs"`
	CurrentBrowsers    int   `json:"current_browsers"`
	MCConnected        bool  `json:"mc_connected"`
}

// Health returns the current health counters.
func (s *Server) Health() HealthStats {
	s.djMu.Lock()
	djCount := len(s.djs)
	s.djMu.Unlock()
	s.browserMu.Lock()
	browserCount := len(s.browsers)
	s.browserMu.Unlock()
	return HealthStats{
		DJConnects:         s.djConnects.Load(),
		DJDisconnects:      s.djDisconnects.Load(),
		BrowserConnects:    s.browserConnects.Load(),
		BrowserDisconnects: s.browserDisconnects.Load(),
		MCReconnectCount:   s.mcReconnects.Load(),
		CurrentDJs:         djCount,
		CurrentBrowsers:    browserCount,
		MCConnected:        s.renderer.Connected(),
	}
}

// Status is the /health endpoint payload.
type Status struct {
	Status            string  `json:"status"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ConnectedDJs      int     `json:"connected_djs"`
	ConnectedBrowsers int     `json:"connected_browsers"`
	ActivePattern     string  `json:"active_pattern"`
	ActiveDJ          string  `json:"active_dj,omitempty"`
	MCConnected       bool    `json:"minecraft_connected"`
}

// Status summarizes the server for the health endpoint.
func (s *Server) Status() Status {
	h := s.Health()
	name, _, _ := s.patternState()
	st := Status{
		Status:            "ok",
		UptimeSeconds:     round1(time.Since(s.startTime).Seconds()),
		ConnectedDJs:      h.CurrentDJs,
		ConnectedBrowsers: h.CurrentBrowsers,
		ActivePattern:     name,
		MCConnected:       h.MCConnected,
	}
	if d := s.activeDJ(); d != nil {
		st.ActiveDJ = d.DJName
	}
	return st
}

// sendDJInfoToRenderer pushes dj_info and banner_config for the active DJ
// (or a cleared dj_info when none).
func (s *Server) sendDJInfoToRenderer(djID string) {
	if !s.renderer.Connected() {
		return
	}
	if d := s.getDJ(djID); d != nil {
		snap := d.snapshot()
		s.renderer.SendDJInfo(d.DJID, d.DJName, snap.BPM, true)
	} else {
		s.renderer.SendDJInfo("", "", 0, false)
	}
	s.sendBannerConfigToRenderer(djID)
}

func (s *Server) sendBannerConfigToRenderer(djID string) {
	if !s.renderer.Connected() {
		return
	}
	p, ok := s.banners.Get(djID)
	if !ok {
		p = banner.DefaultProfile()
	}
	pixels := p.Pixels
	if pixels == nil {
		pixels = []int32{}
	}
	s.renderer.SendBannerConfig(map[string]any{
		"type":             "banner_config",
		"banner_mode":      p.BannerMode,
		"text_style":       p.TextStyle,
		"text_color_mode":  p.TextColorMode,
		"text_fixed_color": p.TextFixedColor,
		"text_format":      p.TextFormat,
		"grid_width":       p.GridWidth,
		"grid_height":      p.GridHeight,
		"image_pixels":     pixels,
	})
}

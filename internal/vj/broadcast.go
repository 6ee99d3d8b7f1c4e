package vj

import (
	"context"
	"time"

	"audioviz/vjserver/internal/effects"
	"audioviz/vjserver/internal/mc"
	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/pattern"
	"audioviz/vjserver/internal/protocol"
	"audioviz/vjserver/internal/sanitize"
)

const (
	frameInterval = 16 * time.Millisecond

	// After this many consecutive tick panics the loop slows to 1s ticks
	// to stop log flooding; it is never torn down.
	maxConsecutiveErrors = 50

	fallbackDecay = 0.95

	healthLogEvery = time.Minute
)

// broadcastLoop is the ~60 Hz heart of the server: derive audio, evaluate
// the pattern, composite effects, and fan out downstream and to browsers.
func (s *Server) broadcastLoop(ctx context.Context) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	lastHealthLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.safeTick(); err != nil {
			consecutiveErrors++
			if consecutiveErrors <= 3 || consecutiveErrors%100 == 0 {
				s.log.Error("broadcast tick failed", "count", consecutiveErrors, "err", err)
			}
			if consecutiveErrors >= maxConsecutiveErrors {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
			continue
		}
		consecutiveErrors = 0

		if time.Since(lastHealthLog) >= healthLogEvery {
			lastHealthLog = time.Now()
			s.logHealth()
		}
	}
}

// safeTick converts a tick panic into an error so the loop survives any
// single bad frame.
func (s *Server) safeTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &tickPanic{val: r}
		}
	}()
	s.tick()
	return nil
}

type tickPanic struct{ val any }

func (p *tickPanic) Error() string { return "tick panic" }

func (s *Server) tick() {
	frame := s.frameCount.Add(1)

	// 1. Audio source: active DJ snapshot, or the decaying fallback.
	dj := s.activeDJ()
	var snap audioSnapshot
	if dj != nil {
		snap = dj.snapshot()
		// 2. Phase assist upstream of the pattern call.
		snap.IsBeat, snap.BeatIntensity = dj.phaseAssist(snap.IsBeat, snap.BeatIntensity)
		s.fallbackBands = snap.Bands
		s.fallbackPeak = snap.Peak
	} else {
		for i := range s.fallbackBands {
			s.fallbackBands[i] *= fallbackDecay
		}
		s.fallbackPeak *= fallbackDecay
		snap = audioSnapshot{Bands: s.fallbackBands, Peak: s.fallbackPeak}
	}

	// 3. Per-band sensitivity.
	sens := s.sensitivity()
	adjusted := snap.Bands
	for i := range adjusted {
		adjusted[i] *= sens[i]
	}

	// 4. Direct-mode exclusivity: a healthy direct publisher owns the
	// renderer stream; the server must not double-publish.
	shouldSendToMC := !(dj != nil && dj.directPublishing())

	// 5. Effect GC. The visibility side-effect is a renderer RPC; run it
	// off-loop so a sick renderer cannot stall the tick.
	if side := s.effects.Expire(); side != effects.SideNone {
		go s.applyVisibilitySide(side)
	}

	// 6. Entities, only when somebody will see them.
	needEntities := shouldSendToMC || s.browserCount() > 0
	var entities []protocol.Entity
	if needEntities {
		switch {
		case s.effects.BlackoutActive():
			// Blackout dominates even under freeze; lastEntities is kept
			// so lifting blackout mid-freeze restores the prior frame.
			entities = []protocol.Entity{}
		case s.effects.FreezeActive() && len(s.lastEntities) > 0:
			entities = s.lastEntities
		default:
			_, pat, cfg := s.patternState()
			audio := mapToPatternAudio(adjusted, snap, frame)
			entities = pat.CalculateEntities(audio, cfg)
			entities = s.effects.Apply(entities)
			entities = sanitize.Entities(entities, cfg.EntityCount*2)
			s.lastEntities = entities
		}
	}

	// 7. Renderer fast path with clamped audio and a beat particle burst.
	if shouldSendToMC && s.renderer.Connected() {
		audio := &mc.Audio{
			Bands:           sanitize.Bands(adjusted),
			Amplitude:       sanitize.ClampFinite(snap.Peak, 0, 5, 0),
			IsBeat:          snap.IsBeat,
			BeatIntensity:   sanitize.ClampFinite(snap.BeatIntensity, 0, 5, 0),
			BPM:             sanitize.ClampFinite(snap.BPM, 0, 300, 0),
			TempoConfidence: sanitize.ClampFinite(snap.TempoConf, 0, 1, 0),
			BeatPhase:       sanitize.ClampFinite(snap.BeatPhase, 0, 1, 0),
		}
		var particles []protocol.Particle
		if snap.IsBeat && snap.BeatIntensity > 0.2 {
			count := int(20 * snap.BeatIntensity)
			if count < 1 {
				count = 1
			}
			if count > 100 {
				count = 100
			}
			particles = append(particles, protocol.Particle{
				Particle: "NOTE", X: 0.5, Y: 0.5, Z: 0.5, Count: count,
			})
		}
		s.renderer.BatchUpdateFast(s.currentZone(), entities, particles, audio)
	}

	// 8. Browser fan-out; slow observers are shed by the send path.
	s.broadcastVizState(entities, adjusted, snap, frame, dj)

	s.updateGauges(dj, snap)
}

func mapToPatternAudio(bands [5]float64, snap audioSnapshot, frame int64) pattern.AudioState {
	return pattern.AudioState{
		Bands:         bands,
		Amplitude:     snap.Peak,
		IsBeat:        snap.IsBeat,
		BeatIntensity: snap.BeatIntensity,
		Frame:         frame,
	}
}

func (s *Server) broadcastVizState(entities []protocol.Entity, bands [5]float64, snap audioSnapshot, frame int64, dj *DJConn) {
	if s.browserCount() == 0 {
		return
	}

	var latencyMS, pingMS, pipelineMS, fps float64
	activeID := ""
	if dj != nil {
		dj.mu.Lock()
		latencyMS = dj.latencyMS
		pingMS = dj.networkRTTMS
		pipelineMS = dj.pipelineMS
		fps = dj.fps
		dj.mu.Unlock()
		activeID = dj.DJID
	}
	if entities == nil {
		entities = []protocol.Entity{}
	}
	name, _, _ := s.patternState()

	s.broadcastToBrowsers(map[string]any{
		"type":                protocol.TypeState,
		"entities":            entities,
		"bands":               sanitize.Bands(bands),
		"amplitude":           snap.Peak,
		"is_beat":             snap.IsBeat,
		"beat_intensity":      snap.BeatIntensity,
		"instant_bass":        snap.InstantBass,
		"instant_kick":        snap.InstantKick,
		"frame":               frame,
		"pattern":             name,
		"active_dj":           activeID,
		"latency_ms":          round1(latencyMS),
		"ping_ms":             round1(pingMS),
		"pipeline_latency_ms": round1(pipelineMS),
		"fps":                 round1(fps),
		"zone_status": map[string]any{
			"bpm_estimate":     round1(snap.BPM),
			"tempo_confidence": round3(snap.TempoConf),
			"beat_phase":       round3(snap.BeatPhase),
		},
	})
}

func (s *Server) updateGauges(dj *DJConn, snap audioSnapshot) {
	metrics.UptimeSeconds.Set(time.Since(s.startTime).Seconds())
	h := s.Health()
	metrics.ConnectedDJs.Set(float64(h.CurrentDJs))
	metrics.ConnectedBrowsers.Set(float64(h.CurrentBrowsers))
	if dj != nil {
		metrics.CurrentBPM.Set(snap.BPM)
	} else {
		metrics.CurrentBPM.Set(0)
	}
}

func (s *Server) logHealth() {
	h := s.Health()
	s.log.Info("health",
		"djs", h.CurrentDJs, "dj_connects", h.DJConnects, "dj_disconnects", h.DJDisconnects,
		"browsers", h.CurrentBrowsers, "browser_connects", h.BrowserConnects,
		"browser_disconnects", h.BrowserDisconnects,
		"mc_connected", h.MCConnected, "mc_reconnects", h.MCReconnectCount,
	)
}

package vj

import (
	"context"
	"math"
	"time"

	"audioviz/vjserver/internal/effects"
	"audioviz/vjserver/internal/metrics"
	"audioviz/vjserver/internal/pattern"
	"audioviz/vjserver/internal/protocol"
	"audioviz/vjserver/internal/sanitize"
)

const poolMaterial = "SEA_LANTERN"

// setPattern switches the active pattern by name. Unknown names are a
// logged no-op.
func (s *Server) setPattern(name string) {
	if !pattern.Exists(name) {
		s.log.Warn("unknown pattern", "pattern", name)
		return
	}
	s.resetPattern(name)
	metrics.PatternChangesTotal.Inc()
	metrics.SetActivePattern(name)
	s.log.Info("pattern changed", "pattern", name)

	s.broadcastToBrowsers(map[string]any{
		"type":     protocol.TypePatternChanged,
		"pattern":  name,
		"patterns": pattern.List(),
	})
	s.broadcastPatternSyncToDJs()
}

// resetPattern swaps in a fresh pattern instance so animation state
// restarts.
func (s *Server) resetPattern(name string) {
	p, err := pattern.Get(name)
	if err != nil {
		return
	}
	s.stateMu.Lock()
	s.patternName = name
	s.pat = p
	s.stateMu.Unlock()
}

func (s *Server) broadcastPatternSyncToDJs() {
	name, _, _ := s.patternState()
	s.broadcastToDJs(map[string]any{
		"type":    protocol.TypePatternSync,
		"pattern": name,
		"config":  s.patternConfigPayload(),
	})
}

func (s *Server) broadcastConfigSync() {
	s.broadcastToDJs(map[string]any{
		"type":         protocol.TypeConfigSync,
		"entity_count": s.entityCount(),
		"zone":         s.currentZone(),
	})
	name, _, _ := s.patternState()
	s.broadcastToBrowsers(map[string]any{
		"type":            protocol.TypeConfigUpdate,
		"entity_count":    s.entityCount(),
		"zone":            s.currentZone(),
		"current_pattern": name,
	})
}

// setEntityCount resizes the entity pool, clamped to [1, 256]. The
// renderer pool is cleaned up and reinitialized before the sync fans out.
func (s *Server) setEntityCount(count int) {
	count = max(1, min(256, count))
	s.stateMu.Lock()
	old := s.patternCfg.EntityCount
	if old == count {
		s.stateMu.Unlock()
		return
	}
	s.patternCfg.EntityCount = count
	name := s.patternName
	s.stateMu.Unlock()

	s.resetPattern(name)
	s.reinitRendererPool(true)
	s.broadcastConfigSync()
	s.log.Info("entity count changed", "old", old, "new", count)
}

// setZone switches the target renderer zone and reinitializes the pool.
func (s *Server) setZone(zone string) {
	s.stateMu.Lock()
	if s.zone == zone {
		s.stateMu.Unlock()
		return
	}
	s.zone = zone
	s.stateMu.Unlock()

	s.reinitRendererPool(false)
	s.broadcastConfigSync()
	s.log.Info("zone changed", "zone", zone)
}

func (s *Server) reinitRendererPool(cleanupFirst bool) {
	if !s.renderer.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()
	zone := s.currentZone()
	if cleanupFirst {
		if err := s.renderer.CleanupZone(ctx, zone); err != nil {
			s.log.Warn("cleanup zone failed", "zone", zone, "err", err)
		}
	}
	if err := s.renderer.InitPool(ctx, zone, s.entityCount(), poolMaterial); err != nil {
		s.log.Warn("init pool failed", "zone", zone, "err", err)
	}
}

// applyPreset handles set_preset with either a preset name or a raw
// settings object.
func (s *Server) applyPreset(preset any) {
	switch p := preset.(type) {
	case string:
		cfg, ok := pattern.GetPreset(p)
		if !ok {
			s.log.Warn("unknown preset", "preset", p)
			return
		}
		s.stateMu.Lock()
		s.patternCfg.Attack = cfg.Attack
		s.patternCfg.Release = cfg.Release
		s.patternCfg.BeatThreshold = cfg.BeatThreshold
		s.bandSensitivity = cfg.BandSensitivity
		s.stateMu.Unlock()
		s.log.Info("preset applied", "preset", p)
		s.broadcastPreset(cfg, p)

	case map[string]any:
		s.stateMu.Lock()
		if v, ok := sanitize.Num(p["attack"]); ok {
			s.patternCfg.Attack = v
		}
		if v, ok := sanitize.Num(p["release"]); ok {
			s.patternCfg.Release = v
		}
		if v, ok := sanitize.Num(p["beat_threshold"]); ok {
			s.patternCfg.BeatThreshold = v
		}
		if raw, ok := p["band_sensitivity"].([]any); ok {
			for i := 0; i < 5 && i < len(raw); i++ {
				if v, ok := sanitize.Num(raw[i]); ok {
					s.bandSensitivity[i] = v
				}
			}
		}
		s.stateMu.Unlock()
		s.log.Info("preset settings updated")
		s.broadcastPreset(p, "custom")
	}
}

func (s *Server) broadcastPreset(settings any, name string) {
	s.broadcastToDJs(map[string]any{"type": protocol.TypePresetSync, "preset": settings})
	s.broadcastToBrowsers(map[string]any{
		"type":     protocol.TypePresetChanged,
		"preset":   name,
		"settings": settings,
	})
}

// setBandSensitivity updates one band's multiplier, clamped to [0, 2].
func (s *Server) setBandSensitivity(band int, v float64) {
	if band < 0 || band >= 5 {
		return
	}
	v = math.Max(0, math.Min(2, v))
	s.stateMu.Lock()
	s.bandSensitivity[band] = v
	sens := s.bandSensitivity
	s.stateMu.Unlock()
	s.log.Debug("band sensitivity", "band", band, "sensitivity", v)
	s.broadcastToDJs(map[string]any{
		"type":        protocol.TypeBandSensitivitySync,
		"sensitivity": sens[:],
	})
}

// setAudioSetting updates one envelope setting.
func (s *Server) setAudioSetting(setting string, v float64) {
	s.stateMu.Lock()
	switch setting {
	case "attack":
		s.patternCfg.Attack = v
	case "release":
		s.patternCfg.Release = v
	case "beat_threshold":
		s.patternCfg.BeatThreshold = v
	default:
		s.stateMu.Unlock()
		return
	}
	s.stateMu.Unlock()
	s.log.Debug("audio setting", "setting", setting, "value", v)
	s.broadcastToDJs(map[string]any{
		"type":    protocol.TypeAudioSettingSync,
		"setting": setting,
		"value":   v,
	})
}

// triggerEffect runs an effect trigger, performing any renderer visibility
// side-effect, and announces it to all clients.
func (s *Server) triggerEffect(name string, intensity float64, duration time.Duration) {
	side := s.effects.Trigger(name, intensity, duration)
	s.applyVisibilitySide(side)
	switch name {
	case effects.Blackout, effects.Freeze:
		s.log.Info("toggle effect", "effect", name, "on", intensity > 0)
	default:
		s.log.Info("effect triggered", "effect", name,
			"intensity", intensity, "duration", duration)
	}

	msg := map[string]any{"type": protocol.TypeEffectTriggered, "effect": name}
	s.broadcastToBrowsers(msg)
	s.broadcastToDJs(msg)
}

func (s *Server) applyVisibilitySide(side effects.SideEffect) {
	if side == effects.SideNone || !s.renderer.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestBudget)
	defer cancel()
	visible := side == effects.SideShowEntities
	if err := s.renderer.SetVisible(ctx, s.currentZone(), visible); err != nil {
		s.log.Warn("set_visible failed", "visible", visible, "err", err)
	}
}

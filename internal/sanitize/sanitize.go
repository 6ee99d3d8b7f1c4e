// Package sanitize is the trust boundary for all network input. Every
// value crossing it comes back well formed: clamped to its documented
// range or replaced by its documented default. Nothing here returns an
// error — malformed input is coerced, never rejected.
package sanitize

import (
	"math"

	"audioviz/vjserver/internal/protocol"
)

// AudioFrame is a validated DJ audio frame. Band magnitudes are [0,1];
// peak, beat intensity, and instant bass are [0,5]; bpm is [0,300];
// tempo confidence and beat phase are [0,1].
type AudioFrame struct {
	Bands         [5]float64
	Peak          float64
	Beat          bool
	BeatIntensity float64
	BPM           float64
	TempoConf     float64
	BeatPhase     float64
	Seq           int64
	InstantBass   float64
	InstantKick   bool

	// TS is the producer timestamp in epoch seconds; HasTS reports
	// whether a finite timestamp was supplied. Range validation happens
	// in the latency math, not here.
	TS    float64
	HasTS bool
}

// ClampFinite clamps v to [lo, hi], substituting def for NaN and ±Inf.
func ClampFinite(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return math.Max(lo, math.Min(hi, v))
}

// Num extracts a finite float64 from a decoded JSON value. Returns ok=false
// for non-numeric types and non-finite values.
func Num(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// clampAny clamps a decoded JSON value, substituting def for anything
// that is not a finite number.
func clampAny(v any, lo, hi, def float64) float64 {
	f, ok := Num(v)
	if !ok {
		return def
	}
	return math.Max(lo, math.Min(hi, f))
}

// Truthy interprets a decoded JSON value as a boolean the way the wire
// protocol historically did: false, 0, "", nil, and empty collections are
// false, everything else true.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case []any:
		return len(b) > 0
	case map[string]any:
		return len(b) > 0
	default:
		f, ok := Num(v)
		return ok && f != 0
	}
}

// Frame validates and clamps an incoming dj_audio_frame. Bands are
// truncated or zero-padded to exactly five entries; every numeric field
// is clamped to its schema range with non-finite values replaced by
// defaults (bands 0, bpm 120, confidence 0).
func Frame(in *protocol.Inbound) AudioFrame {
	var f AudioFrame
	for i := 0; i < 5 && i < len(in.Bands); i++ {
		f.Bands[i] = clampAny(in.Bands[i], 0, 1, 0)
	}
	f.Peak = clampAny(in.Peak, 0, 5, 0)
	f.Beat = Truthy(in.Beat)
	f.BeatIntensity = clampAny(in.BeatI, 0, 5, 0)
	f.BPM = clampAny(in.BPM, 0, 300, 120)
	f.TempoConf = clampAny(in.TempoConf, 0, 1, 0)
	f.BeatPhase = clampAny(in.BeatPhase, 0, 1, 0)
	f.InstantBass = clampAny(in.IBass, 0, 5, 0)
	f.InstantKick = Truthy(in.IKick)
	if seq, ok := Num(in.Seq); ok && seq > 0 {
		f.Seq = int64(seq)
	}
	if ts, ok := Num(in.TS); ok {
		f.TS = ts
		f.HasTS = true
	}
	return f
}

// Entities enforces the renderer entity schema on a pattern or effect
// output: at most maxCount elements, non-empty ids, coordinates in [0,1],
// scale [0,4], rotation [0,360], brightness [0,15], interpolation [0,100].
// Elements without an id are dropped silently.
func Entities(entities []protocol.Entity, maxCount int) []protocol.Entity {
	if len(entities) > maxCount {
		entities = entities[:maxCount]
	}
	out := make([]protocol.Entity, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" {
			continue
		}
		e.X = ClampFinite(e.X, 0, 1, 0.5)
		e.Y = ClampFinite(e.Y, 0, 1, 0)
		e.Z = ClampFinite(e.Z, 0, 1, 0.5)
		e.Scale = ClampFinite(e.Scale, 0, 4, 0.5)
		e.Rotation = ClampFinite(e.Rotation, 0, 360, 0)
		e.Brightness = int(ClampFinite(float64(e.Brightness), 0, 15, 15))
		e.Interpolation = int(ClampFinite(float64(e.Interpolation), 0, 100, 3))
		out = append(out, e)
	}
	return out
}

// Bands clamps a band slice to [0,1] without resizing. Used on the
// renderer fast path, where bands may have been scaled past unity by the
// per-band sensitivity multipliers.
func Bands(bands [5]float64) [5]float64 {
	for i := range bands {
		bands[i] = ClampFinite(bands[i], 0, 1, 0)
	}
	return bands
}

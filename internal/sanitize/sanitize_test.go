package sanitize

import (
	"math"
	"testing"

	"audioviz/vjserver/internal/protocol"
)

func TestClampFinite(t *testing.T) {
	cases := []struct {
		v, lo, hi, def, want float64
	}{
		{0.5, 0, 1, 0, 0.5},
		{-1, 0, 1, 0, 0},
		{2, 0, 1, 0, 1},
		{math.NaN(), 0, 1, 0.25, 0.25},
		{math.Inf(1), 0, 1, 0.25, 0.25},
		{math.Inf(-1), 0, 1, 0.25, 0.25},
	}
	for _, c := range cases {
		if got := ClampFinite(c.v, c.lo, c.hi, c.def); got != c.want {
			t.Errorf("ClampFinite(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestFrameClampsEveryField(t *testing.T) {
	in := &protocol.Inbound{
		Type:      protocol.TypeDJAudioFrame,
		Bands:     []any{-1.0, 0.5, 2.0, math.NaN(), 0.3, 0.9, 0.9}, // long list truncated
		Peak:      100.0,
		Beat:      1.0, // numeric truthy
		BeatI:     -3.0,
		BPM:       500.0,
		TempoConf: "oops",
		BeatPhase: 1.3,
		Seq:       -5.0,
		IBass:     math.Inf(1),
		IKick:     true,
		TS:        1234.5,
	}
	f := Frame(in)

	wantBands := [5]float64{0, 0.5, 1, 0, 0.3}
	if f.Bands != wantBands {
		t.Fatalf("bands = %v, want %v", f.Bands, wantBands)
	}
	if f.Peak != 5 {
		t.Errorf("peak = %v, want 5", f.Peak)
	}
	if !f.Beat {
		t.Error("numeric 1 should be truthy beat")
	}
	if f.BeatIntensity != 0 {
		t.Errorf("beat intensity = %v, want 0", f.BeatIntensity)
	}
	if f.BPM != 300 {
		t.Errorf("bpm = %v, want 300", f.BPM)
	}
	if f.TempoConf != 0 {
		t.Errorf("tempo conf = %v, want 0 for non-numeric", f.TempoConf)
	}
	if f.BeatPhase != 1 {
		t.Errorf("beat phase = %v, want 1", f.BeatPhase)
	}
	if f.Seq != 0 {
		t.Errorf("seq = %v, want 0 for negative input", f.Seq)
	}
	if f.InstantBass != 0 {
		t.Errorf("instant bass = %v, want 0 for +Inf", f.InstantBass)
	}
	if !f.HasTS || f.TS != 1234.5 {
		t.Errorf("ts = (%v, %v), want preserved 1234.5", f.TS, f.HasTS)
	}
}

func TestFrameDefaults(t *testing.T) {
	f := Frame(&protocol.Inbound{Type: protocol.TypeDJAudioFrame})
	if f.Bands != [5]float64{} {
		t.Errorf("missing bands should be zero, got %v", f.Bands)
	}
	if f.BPM != 120 {
		t.Errorf("missing bpm should default to 120, got %v", f.BPM)
	}
	if f.HasTS {
		t.Error("missing ts should report HasTS=false")
	}
}

func TestEntitiesClampAndDrop(t *testing.T) {
	in := []protocol.Entity{
		{ID: "e0", X: -0.5, Y: 2, Z: 0.5, Scale: 9, Rotation: 400, Brightness: 99, Interpolation: -4},
		{ID: "", X: 0.5}, // no id: dropped
		{ID: "e2", X: math.NaN(), Y: 0.25, Z: 0.75, Scale: 1},
	}
	out := Entities(in, 512)
	if len(out) != 2 {
		t.Fatalf("want 2 entities, got %d", len(out))
	}
	e := out[0]
	if e.X != 0 || e.Y != 1 || e.Scale != 4 || e.Rotation != 360 || e.Brightness != 15 || e.Interpolation != 0 {
		t.Errorf("clamped entity = %+v", e)
	}
	if out[1].X != 0.5 {
		t.Errorf("NaN x should fall back to 0.5, got %v", out[1].X)
	}
}

func TestEntitiesMaxCount(t *testing.T) {
	in := make([]protocol.Entity, 10)
	for i := range in {
		in[i] = protocol.Entity{ID: "e", X: 0.5, Y: 0.5, Z: 0.5, Scale: 1}
	}
	if got := Entities(in, 4); len(got) != 4 {
		t.Fatalf("want 4 entities after cap, got %d", len(got))
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, 1.0, -2.0, "x", []any{1}, map[string]any{"k": 1}}
	falsy := []any{nil, false, 0.0, "", []any{}, map[string]any{}, math.NaN()}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%v) = false, want true", v)
		}
	}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%v) = true, want false", v)
		}
	}
}

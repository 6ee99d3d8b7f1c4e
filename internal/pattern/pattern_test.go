package pattern

import (
	"testing"
)

func testAudio(frame int64) AudioState {
	return AudioState{
		Bands:         [5]float64{0.8, 0.4, 0.6, 0.2, 0.9},
		Amplitude:     1.2,
		IsBeat:        frame%30 == 0,
		BeatIntensity: 0.7,
		Frame:         frame,
	}
}

func TestEveryPatternHonorsContract(t *testing.T) {
	cfg := DefaultConfig(16)
	for _, name := range List() {
		p, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if p.Name() != name {
			t.Errorf("%s: Name() = %q", name, p.Name())
		}
		for frame := int64(0); frame < 240; frame++ {
			entities := p.CalculateEntities(testAudio(frame), cfg)
			if len(entities) != cfg.EntityCount {
				t.Fatalf("%s frame %d: %d entities, want %d", name, frame, len(entities), cfg.EntityCount)
			}
			seen := map[string]bool{}
			for _, e := range entities {
				if e.ID == "" {
					t.Fatalf("%s: entity with empty id", name)
				}
				if seen[e.ID] {
					t.Fatalf("%s: duplicate entity id %s", name, e.ID)
				}
				seen[e.ID] = true
				if e.X < 0 || e.X > 1 || e.Y < 0 || e.Y > 1 || e.Z < 0 || e.Z > 1 {
					t.Fatalf("%s: coordinates out of range: %+v", name, e)
				}
				if e.Scale < 0 || e.Scale > 4 {
					t.Fatalf("%s: scale out of range: %v", name, e.Scale)
				}
				if e.Brightness < 0 || e.Brightness > 15 {
					t.Fatalf("%s: brightness out of range: %d", name, e.Brightness)
				}
			}
		}
	}
}

func TestDeterministicForSameInputs(t *testing.T) {
	cfg := DefaultConfig(12)
	for _, name := range List() {
		a, _ := Get(name)
		b, _ := Get(name)
		for frame := int64(0); frame < 60; frame++ {
			audio := testAudio(frame)
			ea := a.CalculateEntities(audio, cfg)
			eb := b.CalculateEntities(audio, cfg)
			for i := range ea {
				if ea[i] != eb[i] {
					t.Fatalf("%s frame %d entity %d: %+v != %+v", name, frame, i, ea[i], eb[i])
				}
			}
		}
	}
}

func TestSwappingResetsAnimation(t *testing.T) {
	cfg := DefaultConfig(8)
	first, _ := Get("helix")
	for frame := int64(0); frame < 100; frame++ {
		first.CalculateEntities(testAudio(frame), cfg)
	}
	advanced := first.CalculateEntities(testAudio(100), cfg)

	fresh, _ := Get("helix")
	reset := fresh.CalculateEntities(testAudio(100), cfg)

	same := true
	for i := range advanced {
		if advanced[i] != reset[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("fresh instance reproduced advanced animation state; swap should reset")
	}
}

func TestEntityCountChangeTakesEffectNextFrame(t *testing.T) {
	cfg := DefaultConfig(16)
	p, _ := Get("cascade")
	p.CalculateEntities(testAudio(0), cfg)
	cfg.EntityCount = 64
	got := p.CalculateEntities(testAudio(1), cfg)
	if len(got) != 64 {
		t.Fatalf("after resize got %d entities, want 64", len(got))
	}
}

func TestUnknownPattern(t *testing.T) {
	if _, err := Get("nope"); err == nil {
		t.Error("unknown pattern should error")
	}
	if Exists("nope") {
		t.Error("Exists(nope) should be false")
	}
	if !Exists(DefaultName) {
		t.Error("default pattern must exist")
	}
}

func TestPresets(t *testing.T) {
	p, ok := GetPreset("edm")
	if !ok {
		t.Fatal("edm preset missing")
	}
	if p.Attack != 0.7 || p.BandSensitivity[0] != 1.5 {
		t.Errorf("edm preset constants drifted: %+v", p)
	}
	if _, ok := GetPreset("dubstep"); ok {
		t.Error("unknown preset should miss")
	}
	for _, name := range []string{"auto", "edm", "chill", "rock", "hiphop", "classical"} {
		if _, ok := GetPreset(name); !ok {
			t.Errorf("preset %s missing", name)
		}
	}
}

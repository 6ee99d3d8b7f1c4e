package pattern

// Preset is a pre-tuned audio response profile for a music style.
type Preset struct {
	Attack          float64    `json:"attack"`
	Release         float64    `json:"release"`
	BeatThreshold   float64    `json:"beat_threshold"`
	BeatSensitivity float64    `json:"beat_sensitivity"`
	AGCMaxGain      float64    `json:"agc_max_gain"`
	BassWeight      float64    `json:"bass_weight"`
	BandSensitivity [5]float64 `json:"band_sensitivity"`
	AutoCalibrate   bool       `json:"auto_calibrate"`
}

var presets = map[string]Preset{
	"auto": {
		Attack: 0.35, Release: 0.08, BeatThreshold: 1.3,
		BeatSensitivity: 1.0, AGCMaxGain: 8.0, BassWeight: 0.7,
		BandSensitivity: [5]float64{1.0, 1.0, 1.0, 1.0, 1.0},
		AutoCalibrate:   true,
	},
	"edm": {
		Attack: 0.7, Release: 0.15, BeatThreshold: 1.1,
		BeatSensitivity: 1.5, AGCMaxGain: 10.0, BassWeight: 0.85,
		BandSensitivity: [5]float64{1.5, 0.8, 0.9, 1.2, 1.0},
	},
	"chill": {
		Attack: 0.25, Release: 0.05, BeatThreshold: 1.6,
		BeatSensitivity: 0.7, AGCMaxGain: 6.0, BassWeight: 0.5,
		BandSensitivity: [5]float64{0.9, 1.0, 1.1, 1.2, 1.3},
	},
	"rock": {
		Attack: 0.5, Release: 0.12, BeatThreshold: 1.3,
		BeatSensitivity: 1.2, AGCMaxGain: 8.0, BassWeight: 0.65,
		BandSensitivity: [5]float64{1.2, 1.0, 1.0, 0.9, 0.8},
	},
	"hiphop": {
		Attack: 0.6, Release: 0.1, BeatThreshold: 1.2,
		BeatSensitivity: 1.3, AGCMaxGain: 9.0, BassWeight: 0.8,
		BandSensitivity: [5]float64{1.4, 0.9, 1.0, 1.1, 0.9},
	},
	"classical": {
		Attack: 0.2, Release: 0.04, BeatThreshold: 1.8,
		BeatSensitivity: 0.5, AGCMaxGain: 5.0, BassWeight: 0.4,
		BandSensitivity: [5]float64{0.8, 1.0, 1.2, 1.3, 1.4},
	},
}

// GetPreset looks up a preset by name; ok is false for unknown names.
func GetPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	return p, ok
}

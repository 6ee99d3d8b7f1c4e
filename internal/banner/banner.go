// Package banner manages per-DJ banner profiles: display metadata plus an
// optional downsampled logo stored as an ARGB pixel grid. Profiles persist
// to a single JSON file with one binary sibling per logo holding packed
// big-endian int32 pixels.
package banner

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"

	// Logo uploads are PNG in practice, with JPEG accepted for convenience.
	_ "image/jpeg"
	_ "image/png"
)

// Grid bounds for logo downsampling.
const (
	MinGridWidth  = 4
	MaxGridWidth  = 48
	MinGridHeight = 2
	MaxGridHeight = 24

	DefaultGridWidth  = 24
	DefaultGridHeight = 12
)

// Profile is one DJ's banner configuration. Pixels travel in the binary
// sidecar, never in the profile JSON.
type Profile struct {
	BannerMode     string  `json:"banner_mode"`
	TextStyle      string  `json:"text_style"`
	TextColorMode  string  `json:"text_color_mode"`
	TextFixedColor string  `json:"text_fixed_color"`
	TextFormat     string  `json:"text_format"`
	GridWidth      int     `json:"grid_width"`
	GridHeight     int     `json:"grid_height"`
	LogoFilename   string  `json:"logo_filename,omitempty"`
	HasImage       bool    `json:"has_image,omitempty"`
	Pixels         []int32 `json:"-"`
}

// DefaultProfile is what the renderer receives for DJs without a profile.
func DefaultProfile() Profile {
	return Profile{
		BannerMode:     "text",
		TextStyle:      "bold",
		TextColorMode:  "frequency",
		TextFixedColor: "f",
		TextFormat:     "%s",
		GridWidth:      DefaultGridWidth,
		GridHeight:     DefaultGridHeight,
	}
}

// Summary is the pixel-free projection sent to admin clients.
type Summary struct {
	BannerMode     string `json:"banner_mode"`
	TextStyle      string `json:"text_style"`
	TextColorMode  string `json:"text_color_mode"`
	TextFixedColor string `json:"text_fixed_color"`
	TextFormat     string `json:"text_format"`
	GridWidth      int    `json:"grid_width"`
	GridHeight     int    `json:"grid_height"`
	LogoFilename   string `json:"logo_filename,omitempty"`
	HasImage       bool   `json:"has_image"`
}

func (p Profile) summary() Summary {
	return Summary{
		BannerMode:     p.BannerMode,
		TextStyle:      p.TextStyle,
		TextColorMode:  p.TextColorMode,
		TextFixedColor: p.TextFixedColor,
		TextFormat:     p.TextFormat,
		GridWidth:      p.GridWidth,
		GridHeight:     p.GridHeight,
		LogoFilename:   p.LogoFilename,
		HasImage:       len(p.Pixels) > 0,
	}
}

// Store holds all banner profiles. Persistence failures are logged, never
// fatal; the in-memory state stays authoritative.
type Store struct {
	mu       sync.Mutex
	dir      string
	profiles map[string]Profile
	log      *slog.Logger
}

// NewStore creates a store rooted at dir and loads any persisted profiles.
func NewStore(dir string, log *slog.Logger) *Store {
	s := &Store{dir: dir, profiles: make(map[string]Profile), log: log}
	s.load()
	return s
}

func (s *Store) jsonPath() string { return filepath.Join(s.dir, "dj_banner_profiles.json") }

func (s *Store) pixelPath(djID string) string {
	return filepath.Join(s.dir, "banners", djID+"_pixels.bin")
}

func (s *Store) load() {
	data, err := os.ReadFile(s.jsonPath())
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("load banner profiles", "err", err)
		}
		return
	}
	var profiles map[string]Profile
	if err := json.Unmarshal(data, &profiles); err != nil {
		s.log.Warn("parse banner profiles", "err", err)
		return
	}
	for djID, p := range profiles {
		if p.HasImage {
			if pixels, err := readPixels(s.pixelPath(djID)); err != nil {
				s.log.Warn("load banner pixels", "dj_id", djID, "err", err)
			} else {
				p.Pixels = pixels
			}
		}
		s.profiles[djID] = p
	}
	s.log.Info("loaded banner profiles", "count", len(s.profiles))
}

// save persists every profile. Caller holds s.mu.
func (s *Store) save() {
	onDisk := make(map[string]Profile, len(s.profiles))
	for djID, p := range s.profiles {
		p.HasImage = len(p.Pixels) > 0
		if p.HasImage {
			if err := writePixels(s.pixelPath(djID), p.Pixels); err != nil {
				s.log.Warn("save banner pixels", "dj_id", djID, "err", err)
				p.HasImage = false
			}
		}
		onDisk[djID] = p
	}

	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		s.log.Warn("marshal banner profiles", "err", err)
		return
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Warn("save banner profiles", "err", err)
		return
	}
	if err := os.WriteFile(s.jsonPath(), append(data, '\n'), 0o644); err != nil {
		s.log.Warn("save banner profiles", "err", err)
	}
}

func readPixels(path string) ([]int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pixels := make([]int32, len(data)/4)
	if err := binary.Read(bytes.NewReader(data[:len(pixels)*4]), binary.BigEndian, &pixels); err != nil {
		return nil, err
	}
	return pixels, nil
}

func writePixels(path string, pixels []int32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, pixels); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Get returns the profile for djID and whether one exists.
func (s *Store) Get(djID string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[djID]
	return p, ok
}

// Set replaces djID's profile (keeping any existing pixels when the new
// profile carries none) and persists.
func (s *Store) Set(djID string, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(p.Pixels) == 0 {
		if old, ok := s.profiles[djID]; ok {
			p.Pixels = old.Pixels
		}
	}
	s.profiles[djID] = p
	s.save()
}

// SetLogo attaches a processed pixel grid to djID's profile and persists.
func (s *Store) SetLogo(djID string, pixels []int32, w, h int, filename string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[djID]
	if !ok {
		p = DefaultProfile()
	}
	p.BannerMode = "image"
	p.Pixels = pixels
	p.GridWidth = w
	p.GridHeight = h
	if filename == "" {
		filename = "logo.png"
	}
	p.LogoFilename = filename
	s.profiles[djID] = p
	s.save()
}

// Summaries returns the pixel-free view of every profile.
func (s *Store) Summaries() map[string]Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Summary, len(s.profiles))
	for djID, p := range s.profiles {
		out[djID] = p.summary()
	}
	return out
}

// Summary returns the pixel-free view of one profile (zero value when absent).
func (s *Store) Summary(djID string) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[djID]
	if !ok {
		return Summary{}, false
	}
	return p.summary(), true
}

// ClampGrid clamps requested logo grid dimensions to their bounds,
// substituting defaults for zero values.
func ClampGrid(w, h int) (int, int) {
	if w == 0 {
		w = DefaultGridWidth
	}
	if h == 0 {
		h = DefaultGridHeight
	}
	w = max(MinGridWidth, min(MaxGridWidth, w))
	h = max(MinGridHeight, min(MaxGridHeight, h))
	return w, h
}

// ProcessLogo decodes a base64 image and downsamples it to a w×h grid of
// packed ARGB values ((a<<24)|(r<<16)|(g<<8)|b), row-major top to bottom.
func ProcessLogo(imageBase64 string, w, h int) ([]int32, error) {
	raw, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return nil, fmt.Errorf("decode logo base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode logo image: %w", err)
	}

	scaled := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, img.Bounds(), draw.Src, nil)

	pixels := make([]int32, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := scaled.RGBAAt(x, y)
			argb := uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
			pixels = append(pixels, int32(argb))
		}
	}
	return pixels, nil
}

// ProfileFromMap builds a Profile from a decoded JSON object, filling
// defaults for missing fields. Unknown keys are ignored.
func ProfileFromMap(m map[string]any) Profile {
	p := DefaultProfile()
	if v, ok := m["banner_mode"].(string); ok {
		p.BannerMode = v
	}
	if v, ok := m["text_style"].(string); ok {
		p.TextStyle = v
	}
	if v, ok := m["text_color_mode"].(string); ok {
		p.TextColorMode = v
	}
	if v, ok := m["text_fixed_color"].(string); ok {
		p.TextFixedColor = v
	}
	if v, ok := m["text_format"].(string); ok {
		p.TextFormat = v
	}
	if v, ok := m["grid_width"].(float64); ok {
		p.GridWidth = int(v)
	}
	if v, ok := m["grid_height"].(float64); ok {
		p.GridHeight = int(v)
	}
	if v, ok := m["logo_filename"].(string); ok {
		p.LogoFilename = v
	}
	p.GridWidth, p.GridHeight = ClampGrid(p.GridWidth, p.GridHeight)
	return p
}

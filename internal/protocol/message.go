// Package protocol defines the JSON wire messages exchanged with DJ
// clients, browser/admin clients, and the downstream renderer.
package protocol

// Message types sent by DJ clients.
const (
	TypeDJAuth            = "dj_auth"
	TypeCodeAuth          = "code_auth"
	TypeDJAudioFrame      = "dj_audio_frame"
	TypeDJHeartbeat       = "dj_heartbeat"
	TypeVoiceAudio        = "voice_audio"
	TypeGoingOffline      = "going_offline"
	TypeClockSyncResponse = "clock_sync_response"
)

// Message types sent to DJ clients.
const (
	TypeAuthPending         = "auth_pending"
	TypeAuthSuccess         = "auth_success"
	TypeAuthDenied          = "auth_denied"
	TypeAuthError           = "auth_error"
	TypeClockSyncRequest    = "clock_sync_request"
	TypeStreamRoute         = "stream_route"
	TypeHeartbeatAck        = "heartbeat_ack"
	TypePatternSync         = "pattern_sync"
	TypeConfigSync          = "config_sync"
	TypePresetSync          = "preset_sync"
	TypeStatusUpdate        = "status_update"
	TypeBandSensitivitySync = "band_sensitivity_sync"
	TypeAudioSettingSync    = "audio_setting_sync"
)

// Message types exchanged with browser/admin clients.
const (
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeGetState             = "get_state"
	TypeVJState              = "vj_state"
	TypeState                = "state"
	TypeDJRoster             = "dj_roster"
	TypeDJPending            = "dj_pending"
	TypeDJApproved           = "dj_approved"
	TypeDJDenied             = "dj_denied"
	TypePendingDJs           = "pending_djs"
	TypeConnectCodes         = "connect_codes"
	TypeConnectCodeGenerated = "connect_code_generated"
	TypePatternChanged       = "pattern_changed"
	TypeConfigUpdate         = "config_update"
	TypePresetChanged        = "preset_changed"
	TypeEffectTriggered      = "effect_triggered"
	TypeMinecraftStatus      = "minecraft_status"
	TypeBannerProfile        = "banner_profile"
	TypeBannerProfileSaved   = "banner_profile_saved"
	TypeAllBannerProfiles    = "all_banner_profiles"
	TypeBannerLogoProcessed  = "banner_logo_processed"
	TypeVoiceStatus          = "voice_status"
	TypeZones                = "zones"
	TypeZone                 = "zone"
	TypeError                = "error"
)

// Server-initiated WebSocket close codes.
const (
	CloseAuthTimeout      = 4001
	CloseInvalidJSON      = 4002
	CloseExpectedAuth     = 4003
	CloseAuthFailed       = 4004
	CloseDuplicate        = 4005
	CloseDenied           = 4006
	CloseKicked           = 4010
	CloseHeartbeatTimeout = 4100
)

// Per-message size caps for the two inbound listeners. Valid audio frames
// are ~200 bytes; browser config messages (logo uploads) can be larger.
const (
	MaxDJMessageBytes      = 64 << 10
	MaxBrowserMessageBytes = 256 << 10
)

// Inbound is the decoded envelope for every client-to-server message.
// Fields are a union across the DJ and browser protocols; handlers pick
// the ones their message type defines. Numeric fields that need NaN and
// range hardening are declared as any and go through the sanitize package.
type Inbound struct {
	Type string `json:"type"`

	// dj_auth / code_auth
	DJID       string `json:"dj_id,omitempty"`
	DJKey      string `json:"dj_key,omitempty"`
	DJName     string `json:"dj_name,omitempty"`
	Code       string `json:"code,omitempty"`
	DirectMode bool   `json:"direct_mode,omitempty"`

	// dj_audio_frame (raw; sanitized before use)
	Seq       any   `json:"seq,omitempty"`
	Bands     []any `json:"bands,omitempty"`
	Peak      any   `json:"peak,omitempty"`
	Beat      any   `json:"beat,omitempty"`
	BeatI     any   `json:"beat_i,omitempty"`
	BPM       any   `json:"bpm,omitempty"`
	TempoConf any   `json:"tempo_conf,omitempty"`
	BeatPhase any   `json:"beat_phase,omitempty"`
	IBass     any   `json:"i_bass,omitempty"`
	IKick     any   `json:"i_kick,omitempty"`
	TS        any   `json:"ts,omitempty"`

	// dj_heartbeat
	MCConnected bool `json:"mc_connected,omitempty"`

	// clock_sync_response
	DJRecvTime any `json:"dj_recv_time,omitempty"`
	DJSendTime any `json:"dj_send_time,omitempty"`

	// voice_audio
	Data string `json:"data,omitempty"`

	// Browser control plane.
	Pattern     string         `json:"pattern,omitempty"`
	Count       int            `json:"count,omitempty"`
	Zone        string         `json:"zone,omitempty"`
	Preset      any            `json:"preset,omitempty"`
	Band        int            `json:"band,omitempty"`
	Sensitivity any            `json:"sensitivity,omitempty"`
	Setting     string         `json:"setting,omitempty"`
	Value       any            `json:"value,omitempty"`
	Effect      string         `json:"effect,omitempty"`
	Intensity   any            `json:"intensity,omitempty"`
	Duration    any            `json:"duration,omitempty"`
	Enabled     any            `json:"enabled,omitempty"`
	NewPosition any            `json:"new_position,omitempty"`
	TTLMinutes  any            `json:"ttl_minutes,omitempty"`
	Profile     map[string]any `json:"profile,omitempty"`
	ImageBase64 string         `json:"image_base64,omitempty"`
	GridWidth   int            `json:"grid_width,omitempty"`
	GridHeight  int            `json:"grid_height,omitempty"`
	Filename    string         `json:"filename,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Entity is one addressable visual element produced by a pattern.
type Entity struct {
	ID            string  `json:"id"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Z             float64 `json:"z"`
	Scale         float64 `json:"scale"`
	Rotation      float64 `json:"rotation,omitempty"`
	Brightness    int     `json:"brightness,omitempty"`
	Interpolation int     `json:"interpolation,omitempty"`
	Glow          bool    `json:"glow,omitempty"`
	Visible       bool    `json:"visible,omitempty"`
	Material      string  `json:"material,omitempty"`
}

// Particle is a one-shot particle burst forwarded to the renderer.
type Particle struct {
	Particle string  `json:"particle"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	Count    int     `json:"count"`
}

// RosterEntry is the admin-panel snapshot of one connected DJ.
type RosterEntry struct {
	DJID              string  `json:"dj_id"`
	DJName            string  `json:"dj_name"`
	IsActive          bool    `json:"is_active"`
	ConnectedAt       float64 `json:"connected_at"`
	FPS               float64 `json:"fps"`
	LatencyMS         float64 `json:"latency_ms"`
	PingMS            float64 `json:"ping_ms"`
	PipelineLatencyMS float64 `json:"pipeline_latency_ms"`
	BPM               float64 `json:"bpm"`
	TempoConfidence   float64 `json:"tempo_confidence"`
	BeatPhase         float64 `json:"beat_phase"`
	Priority          int     `json:"priority"`
	LastFrameAgeMS    float64 `json:"last_frame_age_ms"`
	DirectMode        bool    `json:"direct_mode"`
	MCConnected       *bool   `json:"mc_connected"`
	QueuePosition     int     `json:"queue_position"`
}

// PendingEntry is the admin-panel view of a connect-code DJ awaiting approval.
type PendingEntry struct {
	DJID         string  `json:"dj_id"`
	DJName       string  `json:"dj_name"`
	WaitingSince float64 `json:"waiting_since"`
	DirectMode   bool    `json:"direct_mode"`
}

// CodeInfo is the admin-panel view of one connect code.
type CodeInfo struct {
	Code      string  `json:"code"`
	CreatedAt float64 `json:"created_at"`
	ExpiresAt float64 `json:"expires_at"`
	Used      bool    `json:"used"`
}

// ForwardToRenderer lists the browser message types relayed verbatim to the
// renderer: zone and rendering settings the relay does not interpret,
// except for set_zone_config whose entity_count/base_scale/max_scale are
// mirrored into the local pattern config.
var ForwardToRenderer = map[string]bool{
	"set_zone_config":           true,
	"set_render_mode":           true,
	"set_renderer_backend":      true,
	"renderer_capabilities":     true,
	"get_renderer_capabilities": true,
	"set_hologram_config":       true,
	"set_particle_viz_config":   true,
	"set_particle_effect":       true,
	"set_particle_config":       true,
	"init_pool":                 true,
	"cleanup_zone":              true,
	"set_entity_glow":           true,
	"set_entity_brightness":     true,
	"banner_config":             true,
}

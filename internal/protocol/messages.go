package protocol

import "time"

// TTSRequest asks the speech service to synthesize text. Empty voice fields
// fall back to the configured defaults. Contour is a pointer so that an
// explicit "" can clear a configured contour.
type TTSRequest struct {
	RequestID    string  `json:"request_id,omitempty"`
	Target       string  `json:"target,omitempty"`
	Text         string  `json:"text"`
	Locale       string  `json:"locale,omitempty"`
	VoiceName    string  `json:"voice_name,omitempty"`
	Gender       string  `json:"gender,omitempty"`
	Rate         string  `json:"rate,omitempty"`
	Pitch        string  `json:"pitch,omitempty"`
	Volume       string  `json:"volume,omitempty"`
	Contour      *string `json:"contour,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
}

// AudioChunk carries a slice of synthesized audio in its wire encoding.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target,omitempty"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Sequence   int    `json:"sequence"`
	Audio      []byte `json:"audio"`
	Final      bool   `json:"final"`
}

// TTSStatus closes out a request: Completed on success, Error otherwise.
type TTSStatus struct {
	RequestID  string    `json:"request_id"`
	Target     string    `json:"target,omitempty"`
	Completed  bool      `json:"completed"`
	AudioBytes int64     `json:"audio_bytes,omitempty"`
	Error      string    `json:"error,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// VoiceAnnouncement advertises the default voice and formats a node serves.
type VoiceAnnouncement struct {
	NodeID    string    `json:"node_id"`
	Locale    string    `json:"locale"`
	VoiceName string    `json:"voice_name"`
	Gender    string    `json:"gender"`
	Formats   []string  `json:"formats"`
	Timestamp time.Time `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest      = "tts.request"
	SubjectTTSAudio        = "tts.audio"
	SubjectTTSDone         = "tts.done"
	SubjectVoiceAnnounce   = "tts.voice.announce"
	SubjectVoiceDiscover   = "tts.voice.discover"
	SubjectHeartbeatPrefix = "tts.voice.heartbeat." // followed by the node id
)

package protocol

import "time"

// SynthesisCompleted announces a finished synthesis on the bus.
type SynthesisCompleted struct {
	RequestID  string    `json:"request_id"`
	Voice      string    `json:"voice"`
	Format     string    `json:"format"`
	TextChars  int       `json:"text_chars"`
	Chunks     int       `json:"chunks"`
	AudioBytes int64     `json:"audio_bytes"`
	DurationMS int64     `json:"duration_ms"`
	CacheHit   bool      `json:"cache_hit"`
	Timestamp  time.Time `json:"timestamp"`
}

// SynthesisFailed announces a synthesis that ended in an error. Partial
// deliveries carry the byte count that reached the client before the cut.
type SynthesisFailed struct {
	RequestID    string    `json:"request_id"`
	Voice        string    `json:"voice"`
	Format       string    `json:"format"`
	Reason       string    `json:"reason"`
	Partial      bool      `json:"partial"`
	BytesWritten int64     `json:"bytes_written"`
	Timestamp    time.Time `json:"timestamp"`
}

// VoiceProbe announces a monitor probe outcome.
type VoiceProbe struct {
	Voice      string    `json:"voice"`
	Healthy    bool      `json:"healthy"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectSynthesisCompleted = "synthesis.completed"
	SubjectSynthesisFailed    = "synthesis.failed"
	SubjectVoiceProbe         = "monitor.probe"
)

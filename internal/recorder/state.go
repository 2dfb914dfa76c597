package recorder

import (
	"time"

	"github.com/murmelabs/murmel-core/internal/fault"
)

// Phase is the recording lifecycle position.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRecording Phase = "recording"
	PhasePaused    Phase = "paused"
	PhaseStopped   Phase = "stopped"
	PhaseError     Phase = "error"
)

// StopReason explains why a session ended in Stopped.
type StopReason string

const (
	StopReasonManual      StopReason = "manual"
	StopReasonMaxDuration StopReason = "max_duration"
	StopReasonCancelled   StopReason = "cancelled"
)

// State is one observable snapshot of the recorder. DurationMS and Samples
// grow while recording, freeze on pause, and hold the session totals once
// stopped. The fault fields are set only in PhaseError.
type State struct {
	Phase      Phase      `json:"phase"`
	SessionID  string     `json:"session_id,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Samples    int64      `json:"samples"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	ErrorKind  fault.Kind `json:"error_kind,omitempty"`
	Error      string     `json:"error,omitempty"`
	// Recoverable marks device faults a new Start may clear. Fatal faults
	// require Configure before the recorder accepts another session.
	Recoverable bool `json:"recoverable,omitempty"`
}

// Frame is one block of captured audio. Seq increases strictly within a
// session, including across pause and resume, so consumers detect dropped
// frames by sequence gaps.
type Frame struct {
	SessionID  string
	Seq        uint64
	Samples    []float32
	SampleRate int
	Channels   int
	Timestamp  time.Time
	Voice      bool
}

// WaveformSample is the visualization datum derived one-to-one from a Frame.
type WaveformSample struct {
	SessionID string
	Seq       uint64
	Peak      float32
	RMS       float64
	Voice     bool
	Timestamp time.Time
}

package protocol

import "time"

// RecorderState mirrors the recorder state machine for bus consumers.
type RecorderState struct {
	Phase       string    `json:"phase"`
	SessionID   string    `json:"session_id,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Samples     int64     `json:"samples"`
	StopReason  string    `json:"stop_reason,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Recoverable bool      `json:"recoverable,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AudioFrame represents one PCM block streamed during a capture session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Voice      bool   `json:"voice,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

// WaveformPoint carries the per-block envelope paired 1:1 with frames.
type WaveformPoint struct {
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	Peak      float32   `json:"peak"`
	RMS       float32   `json:"rms"`
	Voice     bool      `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelInfo is one catalog entry.
type ModelInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	SizeBytes     int64   `json:"size_bytes"`
	Status        string  `json:"status"`
	Current       bool    `json:"current,omitempty"`
	Error         string  `json:"error,omitempty"`
	UsageCount    int64   `json:"usage_count,omitempty"`
	AvgConfidence float64 `json:"avg_confidence,omitempty"`
}

// ModelCatalog is the full catalog snapshot published on every mutation.
type ModelCatalog struct {
	Models    []ModelInfo `json:"models"`
	Timestamp time.Time   `json:"timestamp"`
}

// DownloadProgress reports bytes for an in-flight model download. A terminal
// status (completed, failed, cancelled) ends the stream.
type DownloadProgress struct {
	ModelID     string  `json:"model_id"`
	Status      string  `json:"status"`
	Downloaded  int64   `json:"downloaded"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"percent"`
	BytesPerSec int64   `json:"bytes_per_sec,omitempty"`
	ETAMS       int64   `json:"eta_ms,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// TranscribeProgress is one stage of a transcription run.
type TranscribeProgress struct {
	RequestID    string    `json:"request_id"`
	Stage        string    `json:"stage"`
	ModelID      string    `json:"model_id,omitempty"`
	Text         string    `json:"text,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	ProcessingMS int64     `json:"processing_ms,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConfigureRequest swaps the capture configuration between sessions.
type ConfigureRequest struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BlockSize  int `json:"block_size"`
}

// ModelCommand addresses one catalog entry.
type ModelCommand struct {
	ModelID string `json:"model_id"`
}

// TranscribeRequest starts a transcription run. With no SessionID the
// orchestrator uses the most recently collected session.
type TranscribeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Language  string `json:"language,omitempty"`
	Translate bool   `json:"translate,omitempty"`
}

// StorageInfo reports model disk usage.
type StorageInfo struct {
	ModelsCount    int   `json:"models_count"`
	ModelsBytes    int64 `json:"models_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
	TotalBytes     int64 `json:"total_bytes"`
}

// HistoryQuery selects history rows. An empty SessionID lists sessions,
// otherwise the transcripts of that session.
type HistoryQuery struct {
	SessionID string `json:"session_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// SessionInfo is one stored recording session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	DurationMS int64     `json:"duration_ms"`
	Samples    int64     `json:"samples"`
	SampleRate int       `json:"sample_rate"`
	StopReason string    `json:"stop_reason,omitempty"`
}

// TranscriptInfo is one stored transcription result.
type TranscriptInfo struct {
	SessionID    string    `json:"session_id"`
	ModelID      string    `json:"model_id,omitempty"`
	Language     string    `json:"language,omitempty"`
	Text         string    `json:"text"`
	Confidence   float64   `json:"confidence,omitempty"`
	ProcessingMS int64     `json:"processing_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionList is the reply to a session history query.
type SessionList struct {
	Sessions []SessionInfo `json:"sessions"`
}

// TranscriptList is the reply to a transcript history query.
type TranscriptList struct {
	Transcripts []TranscriptInfo `json:"transcripts"`
}

// CommandResult is the reply for every command subject. RequestID is set on
// transcribe acks so the caller can follow the per-request progress subject.
type CommandResult struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

const (
	SubjectRecorderState         = "recorder.state"
	SubjectAudioFramePrefix      = "audio.frame"
	SubjectWaveformPrefix        = "audio.waveform"
	SubjectModelCatalog          = "models.catalog"
	SubjectModelProgressAll      = "models.progress.>"
	SubjectTranscribeProgress    = "transcribe.progress"
	SubjectTranscribeProgressAll = "transcribe.progress.>"

	SubjectRecorderStart     = "recorder.cmd.start"
	SubjectRecorderStop      = "recorder.cmd.stop"
	SubjectRecorderPause     = "recorder.cmd.pause"
	SubjectRecorderResume    = "recorder.cmd.resume"
	SubjectRecorderConfigure = "recorder.cmd.configure"
	SubjectRecorderStateGet  = "recorder.cmd.state"

	SubjectModelDownload = "models.cmd.download"
	SubjectModelCancel   = "models.cmd.cancel"
	SubjectModelDelete   = "models.cmd.delete"
	SubjectModelActivate = "models.cmd.activate"
	SubjectModelStorage  = "models.cmd.storage"
	SubjectModelList     = "models.cmd.list"

	SubjectTranscribeRun = "transcribe.cmd.run"

	SubjectHistorySessions    = "history.cmd.sessions"
	SubjectHistoryTranscripts = "history.cmd.transcripts"
)

// AudioFrameSubject is the per-session frame subject.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// WaveformSubject is the per-session waveform subject.
func WaveformSubject(sessionID string) string {
	return SubjectWaveformPrefix + "." + sessionID
}

// ModelProgressSubject is the per-model download progress subject.
func ModelProgressSubject(modelID string) string {
	return "models.progress." + modelID
}

// TranscribeProgressSubject is the per-request progress subject.
func TranscribeProgressSubject(requestID string) string {
	return SubjectTranscribeProgress + "." + requestID
}

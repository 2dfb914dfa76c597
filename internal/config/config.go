package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Capture     CaptureConfig    `yaml:"capture"`
	Recorder    RecorderConfig   `yaml:"recorder"`
	Models      ModelsConfig     `yaml:"models"`
	Engine      EngineConfig     `yaml:"engine"`
	Store       StoreConfig      `yaml:"store"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string  `yaml:"mode"` // synth, file
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	BlockSize       int     `yaml:"block_size"`
	File            string  `yaml:"file"`
	Loop            bool    `yaml:"loop"`
	SynthFrequency  float64 `yaml:"synth_frequency_hz"`
	SynthAmplitude  float64 `yaml:"synth_amplitude"`
	SynthNoiseFloor float64 `yaml:"synth_noise_floor"`
}

type RecorderConfig struct {
	MaxSessionMS   int     `yaml:"max_session_ms"`
	ReadTimeoutMS  int     `yaml:"read_timeout_ms"`
	RetryDelayMS   int     `yaml:"retry_delay_ms"`
	MaxReadRetries int     `yaml:"max_read_retries"`
	FrameBuffer    int     `yaml:"frame_buffer"`
	WaveformBuffer int     `yaml:"waveform_buffer"`
	VADEnabled     bool    `yaml:"vad_enabled"`
	VADThreshold   float64 `yaml:"vad_threshold"`
	HighPassHz     float64 `yaml:"high_pass_hz"`
}

type ModelsConfig struct {
	Dir                string       `yaml:"dir"`
	Current            string       `yaml:"current"`
	VerifyOnStart      bool         `yaml:"verify_on_start"`
	VerifyConcurrency  int          `yaml:"verify_concurrency"`
	ProgressIntervalMS int          `yaml:"progress_interval_ms"`
	Extra              []ModelEntry `yaml:"extra"`
}

type ModelEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	URL       string `yaml:"url"`
	SHA256    string `yaml:"sha256"`
	SizeBytes int64  `yaml:"size_bytes"`
}

type EngineConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	Language  string `yaml:"language"`
	Threads   int    `yaml:"threads"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type TranscribeConfig struct {
	Translate      bool    `yaml:"translate"`
	ProgressBuffer int     `yaml:"progress_buffer"`
	StoreResults   bool    `yaml:"store_results"`
	HighPassHz     float64 `yaml:"high_pass_hz"`
	Normalize      bool    `yaml:"normalize"`
}

func Default() Config {
	return Config{
		RuntimeName: "murmel-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:           "synth",
			SampleRate:     16000,
			Channels:       1,
			BlockSize:      320,
			SynthFrequency: 440,
			SynthAmplitude: 0.2,
		},
		Recorder: RecorderConfig{
			MaxSessionMS:   300000,
			ReadTimeoutMS:  1000,
			RetryDelayMS:   50,
			MaxReadRetries: 5,
			FrameBuffer:    64,
			WaveformBuffer: 64,
			VADEnabled:     false,
			VADThreshold:   0.02,
		},
		Models: ModelsConfig{
			Dir:                "./data/models",
			VerifyOnStart:      false,
			VerifyConcurrency:  2,
			ProgressIntervalMS: 150,
		},
		Engine: EngineConfig{
			Mode:      "mock",
			Language:  "en",
			Threads:   4,
			TimeoutMS: 120000,
		},
		Store: StoreConfig{
			Path:          "./data/murmel-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Transcribe: TranscribeConfig{
			Translate:      false,
			ProgressBuffer: 16,
			StoreResults:   true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MURMEL_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MURMEL_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MURMEL_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MURMEL_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MURMEL_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MURMEL_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MURMEL_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MURMEL_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "MURMEL_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MURMEL_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MURMEL_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MURMEL_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MURMEL_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MURMEL_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MURMEL_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MURMEL_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "MURMEL_CAPTURE_MODE")
	overrideInt(&cfg.Capture.SampleRate, "MURMEL_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "MURMEL_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.BlockSize, "MURMEL_CAPTURE_BLOCK_SIZE")
	overrideString(&cfg.Capture.File, "MURMEL_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Loop, "MURMEL_CAPTURE_LOOP")
	overrideFloat(&cfg.Capture.SynthFrequency, "MURMEL_CAPTURE_SYNTH_FREQUENCY_HZ")
	overrideFloat(&cfg.Capture.SynthAmplitude, "MURMEL_CAPTURE_SYNTH_AMPLITUDE")
	overrideFloat(&cfg.Capture.SynthNoiseFloor, "MURMEL_CAPTURE_SYNTH_NOISE_FLOOR")
	overrideInt(&cfg.Recorder.MaxSessionMS, "MURMEL_RECORDER_MAX_SESSION_MS")
	overrideInt(&cfg.Recorder.ReadTimeoutMS, "MURMEL_RECORDER_READ_TIMEOUT_MS")
	overrideInt(&cfg.Recorder.RetryDelayMS, "MURMEL_RECORDER_RETRY_DELAY_MS")
	overrideInt(&cfg.Recorder.MaxReadRetries, "MURMEL_RECORDER_MAX_READ_RETRIES")
	overrideInt(&cfg.Recorder.FrameBuffer, "MURMEL_RECORDER_FRAME_BUFFER")
	overrideInt(&cfg.Recorder.WaveformBuffer, "MURMEL_RECORDER_WAVEFORM_BUFFER")
	overrideBool(&cfg.Recorder.VADEnabled, "MURMEL_RECORDER_VAD_ENABLED")
	overrideFloat(&cfg.Recorder.VADThreshold, "MURMEL_RECORDER_VAD_THRESHOLD")
	overrideFloat(&cfg.Recorder.HighPassHz, "MURMEL_RECORDER_HIGH_PASS_HZ")
	overrideString(&cfg.Models.Dir, "MURMEL_MODELS_DIR")
	overrideString(&cfg.Models.Current, "MURMEL_MODELS_CURRENT")
	overrideBool(&cfg.Models.VerifyOnStart, "MURMEL_MODELS_VERIFY_ON_START")
	overrideInt(&cfg.Models.VerifyConcurrency, "MURMEL_MODELS_VERIFY_CONCURRENCY")
	overrideInt(&cfg.Models.ProgressIntervalMS, "MURMEL_MODELS_PROGRESS_INTERVAL_MS")
	overrideString(&cfg.Engine.Mode, "MURMEL_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "MURMEL_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Language, "MURMEL_ENGINE_LANGUAGE")
	overrideInt(&cfg.Engine.Threads, "MURMEL_ENGINE_THREADS")
	overrideInt(&cfg.Engine.TimeoutMS, "MURMEL_ENGINE_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "MURMEL_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "MURMEL_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "MURMEL_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "MURMEL_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "MURMEL_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Transcribe.Translate, "MURMEL_TRANSCRIBE_TRANSLATE")
	overrideInt(&cfg.Transcribe.ProgressBuffer, "MURMEL_TRANSCRIBE_PROGRESS_BUFFER")
	overrideBool(&cfg.Transcribe.StoreResults, "MURMEL_TRANSCRIBE_STORE_RESULTS")
	overrideFloat(&cfg.Transcribe.HighPassHz, "MURMEL_TRANSCRIBE_HIGH_PASS_HZ")
	overrideBool(&cfg.Transcribe.Normalize, "MURMEL_TRANSCRIBE_NORMALIZE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Capture.Mode {
	case "synth", "file":
	default:
		return errors.New("capture.mode must be one of synth|file")
	}
	if cfg.Capture.Mode == "file" && cfg.Capture.File == "" {
		return errors.New("capture.file must be set when mode=file")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels != 1 && cfg.Capture.Channels != 2 {
		return errors.New("capture.channels must be 1 or 2")
	}
	if cfg.Capture.BlockSize <= 0 {
		return errors.New("capture.block_size must be positive")
	}
	if cfg.Recorder.MaxSessionMS <= 0 {
		return errors.New("recorder.max_session_ms must be positive")
	}
	if cfg.Recorder.ReadTimeoutMS <= 0 {
		return errors.New("recorder.read_timeout_ms must be positive")
	}
	if cfg.Recorder.MaxReadRetries < 0 {
		return errors.New("recorder.max_read_retries must be >= 0")
	}
	if cfg.Recorder.FrameBuffer <= 0 {
		return errors.New("recorder.frame_buffer must be positive")
	}
	if cfg.Recorder.WaveformBuffer <= 0 {
		return errors.New("recorder.waveform_buffer must be positive")
	}
	if cfg.Recorder.VADThreshold < 0 || cfg.Recorder.VADThreshold > 1 {
		return errors.New("recorder.vad_threshold must be within [0, 1]")
	}
	if cfg.Recorder.HighPassHz < 0 {
		return errors.New("recorder.high_pass_hz must be >= 0")
	}
	if cfg.Models.Dir == "" {
		return errors.New("models.dir must not be empty")
	}
	if cfg.Models.VerifyConcurrency <= 0 {
		return errors.New("models.verify_concurrency must be >= 1")
	}
	if cfg.Models.ProgressIntervalMS < 0 {
		return errors.New("models.progress_interval_ms must be >= 0")
	}
	for _, m := range cfg.Models.Extra {
		if m.ID == "" || m.URL == "" {
			return errors.New("models.extra entries require id and url")
		}
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Threads <= 0 {
		return errors.New("engine.threads must be >= 1")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Transcribe.ProgressBuffer <= 0 {
		return errors.New("transcribe.progress_buffer must be positive")
	}
	if cfg.Transcribe.HighPassHz < 0 {
		return errors.New("transcribe.high_pass_hz must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}

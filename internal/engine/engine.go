// Package engine abstracts the speech-to-text inference backend. The daemon
// ships a mock engine for development and testing plus an exec engine that
// shells out to a whisper.cpp style transcriber command.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/murmelabs/murmel-core/internal/config"
)

// Result is the outcome of one inference run. Duration is the length of the
// transcribed audio, not the wall time of the inference call.
type Result struct {
	Text       string
	Confidence float64
	Duration   time.Duration
}

// Options tune one inference run.
type Options struct {
	Language  string
	Translate bool
	Threads   int
}

// ModelHandle is a loaded model ready for inference. Runs against one handle
// serialize internally; the engine treats inference as a blocking call.
type ModelHandle interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Result, error)
	Close() error
}

// Engine loads model files into usable handles.
type Engine interface {
	Load(ctx context.Context, modelPath string) (ModelHandle, error)
	Name() string
}

// New selects the configured backend.
func New(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}

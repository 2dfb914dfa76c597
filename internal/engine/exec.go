package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/murmelabs/murmel-core/internal/audio"
	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/fault"
)

type execEngine struct {
	cmd []string
}

// NewExecEngine builds an engine that invokes an external transcriber: the
// clip goes in as a WAV file argument, the transcript comes back as JSON on
// stdout.
func NewExecEngine(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Load(ctx context.Context, modelPath string) (ModelHandle, error) {
	info, err := os.Stat(modelPath)
	if err != nil {
		return nil, fault.Wrap(fault.Inference, fmt.Errorf("model file: %w", err))
	}
	if info.Size() == 0 {
		return nil, fault.Errorf(fault.Inference, "model file %s is empty", modelPath)
	}
	return &execHandle{cmd: e.cmd, modelPath: modelPath}, nil
}

type execHandle struct {
	cmd       []string
	modelPath string
	mu        sync.Mutex
	closed    bool
}

type execOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (h *execHandle) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Result{}, fault.Errorf(fault.IllegalState, "model handle closed")
	}

	file, err := os.CreateTemp("", "murmel_clip_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, samples, sampleRate, 1); err != nil {
		return Result{}, fmt.Errorf("write clip: %w", err)
	}

	base := h.cmd[0]
	args := append([]string{}, h.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--model", h.modelPath)
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if opts.Translate {
		args = append(args, "--translate")
	}
	if opts.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(opts.Threads))
	}

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fault.Wrap(fault.Cancelled, ctx.Err())
		}
		return Result{}, fault.Wrap(fault.Inference, fmt.Errorf("engine command failed: %w: %s", err, stderr.String()))
	}

	var out execOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fault.Wrap(fault.Inference, fmt.Errorf("decode engine output: %w", err))
	}
	var clipDur time.Duration
	if sampleRate > 0 {
		clipDur = time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	}
	return Result{Text: out.Text, Confidence: out.Confidence, Duration: clipDur}, nil
}

func (h *execHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/murmelabs/murmel-core/internal/fault"
)

type mockEngine struct{}

// NewMockEngine returns an engine that fabricates transcripts from the clip
// shape without any model file.
func NewMockEngine() Engine { return &mockEngine{} }

func (e *mockEngine) Name() string { return "mock" }

func (e *mockEngine) Load(ctx context.Context, modelPath string) (ModelHandle, error) {
	if modelPath == "" {
		return nil, fault.Errorf(fault.Inference, "no model path")
	}
	return &mockHandle{modelPath: modelPath}, nil
}

type mockHandle struct {
	modelPath string
}

func (h *mockHandle) Transcribe(ctx context.Context, samples []float32, sampleRate int, opts Options) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, fault.Wrap(fault.Cancelled, ctx.Err())
	case <-time.After(20 * time.Millisecond):
	}
	lang := opts.Language
	if lang == "" {
		lang = "auto"
	}
	var durMS int
	if sampleRate > 0 {
		durMS = len(samples) * 1000 / sampleRate
	}
	return Result{
		Text:       fmt.Sprintf("[mock transcript duration=%dms lang=%s]", durMS, lang),
		Confidence: 0.92,
		Duration:   time.Duration(durMS) * time.Millisecond,
	}, nil
}

func (h *mockHandle) Close() error { return nil }

// Package transcribe sequences model resolution, clip preparation, and the
// inference call into a progress stream per run.
package transcribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/murmelabs/murmel-core/internal/audio"
	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/engine"
	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/models"
	"github.com/murmelabs/murmel-core/internal/pubsub"
	"github.com/murmelabs/murmel-core/internal/store"
)

// Stage identifies one event kind in a run's progress sequence.
type Stage string

const (
	StageStarted     Stage = "started"
	StageModelLoaded Stage = "model_loaded"
	StageProcessing  Stage = "processing"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Progress is one event in a run. Every run emits Started first and exactly
// one terminal event, Completed or Failed, last.
type Progress struct {
	RequestID  string
	Stage      Stage
	ModelID    string
	Text       string
	Confidence float64
	Processing time.Duration
	Err        error
}

// Terminal reports whether this event ends the sequence.
func (p Progress) Terminal() bool {
	return p.Stage == StageCompleted || p.Stage == StageFailed
}

// Params tune one run. Zero values fall back to daemon configuration.
type Params struct {
	RequestID string
	Language  string
	Translate bool
}

// A run's full sequence is at most four events, so a channel this size
// absorbs every emission even when the consumer walks away.
const sequenceBuffer = 4

// Orchestrator owns transcription runs against the currently active model.
type Orchestrator struct {
	cfg    config.TranscribeConfig
	engCfg config.EngineConfig
	eng    engine.Engine
	models *models.Manager
	store  *store.Store
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	progress *pubsub.Hub[Progress]

	meter    metric.Meter
	runs     metric.Int64Counter
	failures metric.Int64Counter
}

// New wires the orchestrator. The store may be nil when history is disabled.
func New(parent context.Context, cfg config.TranscribeConfig, engCfg config.EngineConfig, eng engine.Engine, mgr *models.Manager, st *store.Store, logger *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	buffer := cfg.ProgressBuffer
	if buffer < sequenceBuffer {
		buffer = sequenceBuffer
	}
	o := &Orchestrator{
		cfg:      cfg,
		engCfg:   engCfg,
		eng:      eng,
		models:   mgr,
		store:    st,
		log:      logger.With(slog.String("component", "transcribe")),
		ctx:      ctx,
		cancel:   cancel,
		progress: pubsub.NewHub[Progress](buffer),
		meter:    otel.Meter("github.com/murmelabs/murmel-core/transcribe"),
	}
	o.initMetrics()
	return o
}

// WatchProgress observes every run's events across requests, for
// republication.
func (o *Orchestrator) WatchProgress() *pubsub.Subscription[Progress] {
	return o.progress.Subscribe()
}

// Execute runs one orchestration. The returned channel delivers events in
// emission order and closes after the terminal event. The channel buffer
// holds a full sequence, so emission never blocks and an abandoned consumer
// cannot suppress the terminal event.
func (o *Orchestrator) Execute(ctx context.Context, clip Clip, params Params) <-chan Progress {
	if params.RequestID == "" {
		params.RequestID = uuid.NewString()
	}
	out := make(chan Progress, sequenceBuffer)
	o.wg.Add(1)
	go o.run(ctx, clip, params, out)
	return out
}

// Close cancels in-flight runs and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
	o.progress.Close()
}

func (o *Orchestrator) run(ctx context.Context, clip Clip, params Params, out chan<- Progress) {
	defer o.wg.Done()
	defer close(out)

	emit := func(p Progress) {
		p.RequestID = params.RequestID
		out <- p
		o.progress.Publish(p)
	}
	fail := func(modelID string, err error) {
		o.addMetric(o.failures, 1)
		o.log.Error("transcription failed",
			slog.String("request_id", params.RequestID),
			slog.String("kind", string(fault.KindOf(err))),
			slogError(err))
		emit(Progress{Stage: StageFailed, ModelID: modelID, Err: err})
	}

	emit(Progress{Stage: StageStarted})

	current, ok := o.models.Current()
	if !ok {
		fail("", fault.Errorf(fault.IllegalState, "no current model"))
		return
	}
	if err := ctx.Err(); err != nil {
		fail(current.ID, fault.Wrap(fault.Cancelled, err))
		return
	}

	handle, err := o.eng.Load(ctx, current.LocalPath)
	if err != nil {
		fail(current.ID, err)
		return
	}
	emit(Progress{Stage: StageModelLoaded, ModelID: current.ID})
	emit(Progress{Stage: StageProcessing, ModelID: current.ID})

	samples := clip.Samples
	if o.cfg.HighPassHz > 0 {
		samples = audio.HighPass(samples, o.cfg.HighPassHz, clip.SampleRate)
	}
	if o.cfg.Normalize {
		samples = audio.Normalize(samples, 0.95)
	}

	lang := params.Language
	if lang == "" {
		lang = o.engCfg.Language
	}
	opts := engine.Options{
		Language:  lang,
		Translate: params.Translate || o.cfg.Translate,
		Threads:   o.engCfg.Threads,
	}

	engCtx, engCancel := context.WithCancel(ctx)
	if o.engCfg.TimeoutMS > 0 {
		engCtx, engCancel = context.WithTimeout(ctx, time.Duration(o.engCfg.TimeoutMS)*time.Millisecond)
	}
	defer engCancel()

	started := time.Now()
	type outcome struct {
		res engine.Result
		err error
	}
	resCh := make(chan outcome, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		res, terr := handle.Transcribe(engCtx, samples, clip.SampleRate, opts)
		if cerr := handle.Close(); cerr != nil && terr == nil {
			terr = cerr
		}
		resCh <- outcome{res: res, err: terr}
	}()

	select {
	case <-ctx.Done():
		fail(current.ID, fault.Wrap(fault.Cancelled, ctx.Err()))
		return
	case <-o.ctx.Done():
		fail(current.ID, fault.Wrap(fault.Cancelled, o.ctx.Err()))
		return
	case res := <-resCh:
		if res.err != nil {
			if engCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				res.err = fault.Errorf(fault.Inference, "engine timed out after %dms", o.engCfg.TimeoutMS)
			}
			fail(current.ID, res.err)
			return
		}
		processing := time.Since(started)
		o.models.RecordUsage(current.ID, processing, res.res.Confidence)
		o.persist(clip, current.ID, lang, res.res, processing)
		o.addMetric(o.runs, 1)
		o.log.Info("transcription completed",
			slog.String("request_id", params.RequestID),
			slog.String("model", current.ID),
			slog.Duration("processing", processing),
			slog.Int("chars", len(res.res.Text)))
		emit(Progress{
			Stage:      StageCompleted,
			ModelID:    current.ID,
			Text:       res.res.Text,
			Confidence: res.res.Confidence,
			Processing: processing,
		})
	}
}

func (o *Orchestrator) persist(clip Clip, modelID, language string, res engine.Result, processing time.Duration) {
	if o.store == nil || !o.cfg.StoreResults || clip.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.EnsureSession(ctx, store.Session{
		ID:         clip.SessionID,
		DurationMS: clip.Duration().Milliseconds(),
		Samples:    int64(len(clip.Samples)),
		SampleRate: clip.SampleRate,
	}); err != nil {
		o.log.Warn("persist session failed", slogError(err))
		return
	}
	if err := o.store.SaveTranscript(ctx, store.Transcript{
		SessionID:    clip.SessionID,
		ModelID:      modelID,
		Language:     language,
		Text:         res.Text,
		Confidence:   res.Confidence,
		ProcessingMS: processing.Milliseconds(),
	}); err != nil {
		o.log.Warn("persist transcript failed", slogError(err))
	}
}

func (o *Orchestrator) initMetrics() {
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&o.runs, "murmel.transcribe.runs", "Transcription runs completed"},
		{&o.failures, "murmel.transcribe.failures", "Transcription runs ended in failure"},
	}
	for _, c := range counters {
		counter, err := o.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
			return
		}
		*c.target = counter
	}
}

func (o *Orchestrator) addMetric(counter metric.Int64Counter, delta int64) {
	if counter != nil {
		counter.Add(o.ctx, delta)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

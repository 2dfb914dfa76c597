// Package recorder owns the capture session lifecycle: a mutex-gated state
// machine (idle, recording, paused, stopped, error) and the streaming
// pipeline that reads fixed-size blocks from the capture device while a
// session is live. Frames and waveform samples fan out through bounded
// drop-oldest hubs; state changes publish through an observable cell.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/murmelabs/murmel-core/internal/audio"
	"github.com/murmelabs/murmel-core/internal/capture"
	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/pubsub"
)

// Recorder drives one capture device. All transitions serialize on a single
// mutex; the pipeline goroutine holds it only for counter updates and phase
// checks, never across a device read.
type Recorder struct {
	cfg    config.RecorderConfig
	device capture.Device
	log    *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	capCfg        capture.Config
	phase         Phase
	session       string
	handle        capture.Handle
	samples       int64
	seq           uint64
	stopReason    StopReason
	errKind       fault.Kind
	errMsg        string
	recoverable   bool
	sessionCancel context.CancelFunc
	done          chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	state    *pubsub.Cell[State]
	frames   *pubsub.Hub[Frame]
	waveform *pubsub.Hub[WaveformSample]

	meter          metric.Meter
	framesMetric   metric.Int64Counter
	retriesMetric  metric.Int64Counter
	faultsMetric   metric.Int64Counter
	sessionsMetric metric.Int64Counter
}

// New builds a Recorder bound to device. The recorder publishes nothing
// until the first Start.
func New(parent context.Context, cfg config.RecorderConfig, capCfg capture.Config, device capture.Device, logger *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		cfg:      cfg,
		device:   device,
		log:      logger.With(slog.String("component", "recorder")),
		capCfg:   capCfg,
		phase:    PhaseIdle,
		ctx:      ctx,
		cancel:   cancel,
		state:    pubsub.NewCell(State{Phase: PhaseIdle}, 8),
		frames:   pubsub.NewHub[Frame](cfg.FrameBuffer),
		waveform: pubsub.NewHub[WaveformSample](cfg.WaveformBuffer),
		meter:    otel.Meter("github.com/murmelabs/murmel-core/recorder"),
	}
	r.cond = sync.NewCond(&r.mu)
	r.initMetrics()
	return r
}

// State returns the current snapshot.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// WatchState subscribes to state changes. The current state arrives first.
func (r *Recorder) WatchState() *pubsub.Subscription[State] {
	return r.state.Watch()
}

// Frames subscribes to the audio frame stream.
func (r *Recorder) Frames() *pubsub.Subscription[Frame] {
	return r.frames.Subscribe()
}

// Waveform subscribes to the waveform stream.
func (r *Recorder) Waveform() *pubsub.Subscription[WaveformSample] {
	return r.waveform.Subscribe()
}

// Done reports the exit of the current session's pipeline. With no session
// it returns an already closed channel.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return r.done
}

// Configure swaps the capture configuration. It fails while a session is
// live. Applying a configuration to a fatally faulted recorder clears the
// fault and returns it to idle.
func (r *Recorder) Configure(capCfg capture.Config) error {
	if err := capCfg.Validate(); err != nil {
		return fault.Wrap(fault.IllegalState, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.phase {
	case PhaseRecording, PhasePaused:
		return fault.Errorf(fault.IllegalState, "cannot configure while %s", r.phase)
	}
	r.capCfg = capCfg
	if r.phase == PhaseError {
		r.phase = PhaseIdle
		r.errKind, r.errMsg, r.recoverable = "", "", false
		r.publishStateLocked()
	}
	return nil
}

// Start opens the device and begins a new session. Idle, stopped, and
// recoverably faulted recorders accept a start; a fatal fault requires
// Configure first.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx.Err() != nil {
		return fault.Errorf(fault.IllegalState, "recorder closed")
	}
	switch r.phase {
	case PhaseRecording, PhasePaused:
		return fault.Errorf(fault.IllegalState, "recording already active")
	case PhaseError:
		if !r.recoverable {
			return fault.Errorf(fault.IllegalState, "recorder faulted (%s); configure before starting", r.errKind)
		}
	}

	handle, err := r.device.Open(ctx, r.capCfg)
	if err != nil {
		return r.faultLocked(fmt.Errorf("open capture device: %w", err))
	}
	if err := handle.Start(); err != nil {
		_ = handle.Release()
		return r.faultLocked(fmt.Errorf("start capture: %w", err))
	}

	sessionCtx, cancel := context.WithCancel(r.ctx)
	done := make(chan struct{})
	r.phase = PhaseRecording
	r.session = uuid.NewString()
	r.handle = handle
	r.samples = 0
	r.seq = 0
	r.stopReason = ""
	r.errKind, r.errMsg, r.recoverable = "", "", false
	r.sessionCancel = cancel
	r.done = done
	r.addMetric(r.sessionsMetric, 1)
	r.log.Info("recording started",
		slog.String("session_id", r.session),
		slog.Int("sample_rate", r.capCfg.SampleRate),
		slog.Int("block_size", r.capCfg.BlockSize))
	r.publishStateLocked()
	go r.pipeline(sessionCtx, handle, r.session, done)
	return nil
}

// Pause halts capture but keeps the device claimed and the counters intact.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRecording {
		return fault.Errorf(fault.IllegalState, "cannot pause while %s", r.phase)
	}
	if err := r.handle.Stop(); err != nil {
		return r.faultSessionLocked(fmt.Errorf("pause capture: %w", err))
	}
	r.phase = PhasePaused
	r.log.Info("recording paused", slog.String("session_id", r.session), slog.Int64("samples", r.samples))
	r.publishStateLocked()
	return nil
}

// Resume continues a paused session on the already claimed device.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhasePaused {
		return fault.Errorf(fault.IllegalState, "cannot resume while %s", r.phase)
	}
	if err := r.handle.Start(); err != nil {
		return r.faultSessionLocked(fmt.Errorf("resume capture: %w", err))
	}
	r.phase = PhaseRecording
	r.log.Info("recording resumed", slog.String("session_id", r.session))
	r.publishStateLocked()
	r.cond.Broadcast()
	return nil
}

// Stop ends the session and releases the device. The stopped state carries
// the session totals.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != PhaseRecording && r.phase != PhasePaused {
		return fault.Errorf(fault.IllegalState, "cannot stop while %s", r.phase)
	}
	r.stopLocked(StopReasonManual)
	return nil
}

// Close tears the recorder down. A live session stops with reason cancelled;
// all subscriber channels close once the pipeline has exited.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		if r.phase == PhaseRecording || r.phase == PhasePaused {
			r.stopLocked(StopReasonCancelled)
		}
		done := r.done
		r.mu.Unlock()

		r.cancel()
		if done != nil {
			<-done
		}
		r.frames.Close()
		r.waveform.Close()
		r.state.Close()
	})
}

func (r *Recorder) stopLocked(reason StopReason) {
	if r.phase == PhaseRecording {
		if err := r.handle.Stop(); err != nil {
			r.log.Warn("stop capture handle", slogError(err))
		}
	}
	if err := r.handle.Release(); err != nil {
		r.log.Warn("release capture handle", slogError(err))
	}
	r.handle = nil
	if r.sessionCancel != nil {
		r.sessionCancel()
		r.sessionCancel = nil
	}
	r.phase = PhaseStopped
	r.stopReason = reason
	r.cond.Broadcast()
	r.log.Info("recording stopped",
		slog.String("session_id", r.session),
		slog.String("reason", string(reason)),
		slog.Int64("samples", r.samples),
		slog.Int64("duration_ms", r.durationMSLocked()))
	r.publishStateLocked()
}

// faultLocked records a fault without touching session plumbing. Used for
// failures before a session exists.
func (r *Recorder) faultLocked(err error) error {
	kind, recoverable := classify(err)
	r.phase = PhaseError
	r.errKind = kind
	r.errMsg = err.Error()
	r.recoverable = recoverable
	r.stopReason = ""
	r.addMetric(r.faultsMetric, 1)
	r.log.Error("recorder fault",
		slog.String("kind", string(kind)),
		slog.Bool("recoverable", recoverable),
		slogError(err))
	r.publishStateLocked()
	return fault.Wrap(kind, err)
}

// faultSessionLocked faults a live session: the device handle is released
// and the pipeline told to exit.
func (r *Recorder) faultSessionLocked(err error) error {
	if r.handle != nil {
		if rerr := r.handle.Release(); rerr != nil {
			r.log.Warn("release capture handle", slogError(rerr))
		}
		r.handle = nil
	}
	if r.sessionCancel != nil {
		r.sessionCancel()
		r.sessionCancel = nil
	}
	r.cond.Broadcast()
	return r.faultLocked(err)
}

func (r *Recorder) pipeline(ctx context.Context, handle capture.Handle, sessionID string, done chan struct{}) {
	defer close(done)

	block := make([]int16, r.capCfg.BlockSize*r.capCfg.Channels)
	readTimeout := time.Duration(r.cfg.ReadTimeoutMS) * time.Millisecond
	retryDelay := time.Duration(r.cfg.RetryDelayMS) * time.Millisecond
	retries := 0
	// The streaming filter carries state across blocks, so it only applies
	// to mono streams.
	var hp *highPassFilter
	if r.cfg.HighPassHz > 0 && r.capCfg.Channels == 1 {
		hp = newHighPassFilter(r.cfg.HighPassHz, r.capCfg.SampleRate)
	}

	for {
		r.mu.Lock()
		for r.phase == PhasePaused && r.session == sessionID {
			r.cond.Wait()
		}
		if r.phase != PhaseRecording || r.session != sessionID {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		readCtx, cancelRead := context.WithTimeout(ctx, readTimeout)
		n, err := handle.ReadBlock(readCtx, block)
		cancelRead()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !r.recordingSession(sessionID) {
				continue // a pause or stop raced the read
			}
			if errors.Is(err, capture.ErrNoData) || errors.Is(err, context.DeadlineExceeded) {
				retries++
				r.addMetric(r.retriesMetric, 1)
				if retries > r.cfg.MaxReadRetries {
					r.failSession(sessionID, fmt.Errorf("capture starved after %d attempts: %w", retries, err))
					return
				}
				r.log.Warn("capture read retry", slog.Int("attempt", retries), slogError(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryDelay):
				}
				continue
			}
			r.failSession(sessionID, fmt.Errorf("capture read: %w", err))
			return
		}
		retries = 0
		if n == 0 {
			continue
		}

		samples := audio.PCM16ToFloat32(block[:n])
		if hp != nil {
			samples = hp.apply(samples)
		}
		rms := audio.RMS(samples)
		peak := audio.Peak(samples)
		voice := r.cfg.VADEnabled && rms >= r.cfg.VADThreshold
		now := time.Now().UTC()

		// Counting and publishing happen under the transition gate so a
		// concurrent stop can never interleave a stale snapshot.
		r.mu.Lock()
		if r.phase != PhaseRecording || r.session != sessionID {
			r.mu.Unlock()
			continue // block landed during a pause or stop; discard it
		}
		r.samples += int64(n / r.capCfg.Channels)
		r.seq++
		r.frames.Publish(Frame{
			SessionID:  sessionID,
			Seq:        r.seq,
			Samples:    samples,
			SampleRate: r.capCfg.SampleRate,
			Channels:   r.capCfg.Channels,
			Timestamp:  now,
			Voice:      voice,
		})
		r.waveform.Publish(WaveformSample{
			SessionID: sessionID,
			Seq:       r.seq,
			Peak:      peak,
			RMS:       rms,
			Voice:     voice,
			Timestamp: now,
		})
		r.publishStateLocked()
		maxed := r.cfg.MaxSessionMS > 0 && r.durationMSLocked() >= int64(r.cfg.MaxSessionMS)
		if maxed {
			r.stopLocked(StopReasonMaxDuration)
		}
		r.mu.Unlock()
		r.addMetric(r.framesMetric, 1)
		if maxed {
			return
		}
	}
}

func (r *Recorder) recordingSession(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == PhaseRecording && r.session == sessionID
}

// failSession faults the session from inside the pipeline. The transition
// only happens if the session is still live; a concurrent stop wins.
func (r *Recorder) failSession(sessionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if (r.phase != PhaseRecording && r.phase != PhasePaused) || r.session != sessionID {
		return
	}
	_ = r.faultSessionLocked(err)
}

func (r *Recorder) stateLocked() State {
	return State{
		Phase:       r.phase,
		SessionID:   r.session,
		DurationMS:  r.durationMSLocked(),
		Samples:     r.samples,
		StopReason:  r.stopReason,
		ErrorKind:   r.errKind,
		Error:       r.errMsg,
		Recoverable: r.recoverable,
	}
}

func (r *Recorder) durationMSLocked() int64 {
	if r.capCfg.SampleRate == 0 {
		return 0
	}
	return r.samples * 1000 / int64(r.capCfg.SampleRate)
}

func (r *Recorder) publishStateLocked() {
	r.state.Set(r.stateLocked())
}

func (r *Recorder) initMetrics() {
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&r.framesMetric, "murmel.recorder.frames", "Frames published to subscribers"},
		{&r.retriesMetric, "murmel.recorder.read_retries", "Transient capture read retries"},
		{&r.faultsMetric, "murmel.recorder.faults", "Sessions ended by a fault"},
		{&r.sessionsMetric, "murmel.recorder.sessions", "Recording sessions started"},
	}
	for _, c := range counters {
		counter, err := r.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
			return
		}
		*c.target = counter
	}
}

func (r *Recorder) addMetric(counter metric.Int64Counter, delta int64) {
	if counter != nil {
		counter.Add(r.ctx, delta)
	}
}

func classify(err error) (fault.Kind, bool) {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		// Permission can be granted externally; a later Start may succeed.
		return fault.Permission, true
	case errors.Is(err, capture.ErrBadParameter):
		return fault.IllegalState, false
	case errors.Is(err, capture.ErrNoData), errors.Is(err, context.DeadlineExceeded):
		return fault.Device, true
	default:
		return fault.Device, false
	}
}

type highPassFilter struct {
	alpha   float32
	prevIn  float32
	prevOut float32
	primed  bool
}

func newHighPassFilter(cutoffHz float64, sampleRate int) *highPassFilter {
	dt := 1.0 / float64(sampleRate)
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	return &highPassFilter{alpha: float32(rc / (rc + dt))}
}

// apply filters one block, carrying state across calls so block boundaries
// stay artifact free.
func (f *highPassFilter) apply(samples []float32) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if !f.primed {
			out[i] = s
			f.primed = true
		} else {
			out[i] = f.alpha * (f.prevOut + s - f.prevIn)
		}
		f.prevIn = s
		f.prevOut = out[i]
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

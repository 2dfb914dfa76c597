package capture

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// SynthDevice generates a sine tone instead of reading hardware. It backs
// the synth capture mode and the recorder tests; the fault fields inject the
// conditions a real device produces.
type SynthDevice struct {
	Frequency  float64
	Amplitude  float64
	NoiseFloor float64

	// Unpaced skips real-time pacing so tests run at full speed.
	Unpaced bool
	// SilentAfter switches output to silence once that many blocks were
	// produced. Zero means never.
	SilentAfter int
	// TransientReads makes the first N reads return ErrNoData.
	TransientReads int
	// FailAfterBlocks fails the device permanently after N good blocks.
	// Zero means never.
	FailAfterBlocks int
	// DenyPermission rejects Open outright.
	DenyPermission bool

	opens    atomic.Int64
	releases atomic.Int64
}

// Opens reports how many handles were opened.
func (d *SynthDevice) Opens() int64 { return d.opens.Load() }

// Releases reports how many handles were released.
func (d *SynthDevice) Releases() int64 { return d.releases.Load() }

func (d *SynthDevice) Open(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DenyPermission {
		return nil, ErrPermissionDenied
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d.opens.Add(1)
	return &synthHandle{
		device:    d,
		cfg:       cfg,
		remaining: d.TransientReads,
		rng:       rand.New(rand.NewSource(1)),
	}, nil
}

type synthHandle struct {
	device *SynthDevice
	cfg    Config

	mu        sync.Mutex
	started   bool
	released  bool
	phase     float64
	blocks    int
	remaining int
	nextRead  time.Time
	rng       *rand.Rand
}

func (h *synthHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.started {
		return ErrInvalidOperation
	}
	h.started = true
	h.nextRead = time.Now()
	return nil
}

func (h *synthHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || !h.started {
		return ErrInvalidOperation
	}
	h.started = false
	return nil
}

func (h *synthHandle) ReadBlock(ctx context.Context, dst []int16) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || !h.started {
		return 0, ErrInvalidOperation
	}
	if len(dst) == 0 {
		return 0, ErrBadParameter
	}
	if h.remaining > 0 {
		h.remaining--
		return 0, ErrNoData
	}
	if h.device.FailAfterBlocks > 0 && h.blocks >= h.device.FailAfterBlocks {
		return 0, ErrDeviceFailed
	}

	if !h.device.Unpaced {
		wait := time.Until(h.nextRead)
		if wait > 0 {
			h.mu.Unlock()
			select {
			case <-ctx.Done():
				h.mu.Lock()
				return 0, ctx.Err()
			case <-time.After(wait):
			}
			h.mu.Lock()
			if h.released || !h.started {
				return 0, ErrInvalidOperation
			}
		}
		blockDur := time.Duration(float64(len(dst)) / float64(h.cfg.Channels) / float64(h.cfg.SampleRate) * float64(time.Second))
		h.nextRead = h.nextRead.Add(blockDur)
	}

	silent := h.device.SilentAfter > 0 && h.blocks >= h.device.SilentAfter
	step := 2 * math.Pi * h.device.Frequency / float64(h.cfg.SampleRate)
	frames := len(dst) / h.cfg.Channels
	for i := 0; i < frames; i++ {
		var v float64
		if !silent {
			v = h.device.Amplitude * math.Sin(h.phase)
			h.phase += step
		}
		if h.device.NoiseFloor > 0 {
			v += h.device.NoiseFloor * (h.rng.Float64()*2 - 1)
		}
		s := int16(v * 32767)
		for c := 0; c < h.cfg.Channels; c++ {
			dst[i*h.cfg.Channels+c] = s
		}
	}
	h.blocks++
	return frames * h.cfg.Channels, nil
}

func (h *synthHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.started = false
	h.device.releases.Add(1)
	return nil
}

package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/murmelabs/murmel-core/internal/audio"
)

// FileDevice replays a 16-bit PCM WAV file as if it were a microphone. The
// file is decoded once at Open and resampled or downmixed to the requested
// configuration when it differs.
type FileDevice struct {
	Path string
	Loop bool
	// Unpaced skips real-time pacing so tests run at full speed.
	Unpaced bool
}

func (d *FileDevice) Open(ctx context.Context, cfg Config) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(d.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrPermissionDenied
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceFailed, d.Path, err)
	}
	defer file.Close()

	pcm, rate, channels, err := audio.DecodeWAVPCM16(file)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrDeviceFailed, d.Path, err)
	}
	pcm = conform(pcm, rate, channels, cfg)
	if len(pcm) == 0 {
		return nil, fmt.Errorf("%w: %s holds no samples", ErrDeviceFailed, d.Path)
	}
	return &fileHandle{device: d, cfg: cfg, pcm: pcm}, nil
}

// conform adapts decoded samples to the requested rate and channel count.
func conform(pcm []int16, rate, channels int, cfg Config) []int16 {
	if channels == 2 && cfg.Channels == 1 {
		mono := make([]int16, len(pcm)/2)
		for i := range mono {
			mono[i] = int16((int(pcm[i*2]) + int(pcm[i*2+1])) / 2)
		}
		pcm = mono
		channels = 1
	}
	if rate != cfg.SampleRate {
		resampled := audio.Resample(audio.PCM16ToFloat32(pcm), rate, cfg.SampleRate)
		pcm = audio.Float32ToPCM16(resampled)
	}
	if channels == 1 && cfg.Channels == 2 {
		stereo := make([]int16, len(pcm)*2)
		for i, s := range pcm {
			stereo[i*2] = s
			stereo[i*2+1] = s
		}
		pcm = stereo
	}
	return pcm
}

type fileHandle struct {
	device *FileDevice
	cfg    Config
	pcm    []int16

	mu       sync.Mutex
	started  bool
	released bool
	offset   int
	nextRead time.Time
}

func (h *fileHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.started {
		return ErrInvalidOperation
	}
	h.started = true
	h.nextRead = time.Now()
	return nil
}

func (h *fileHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || !h.started {
		return ErrInvalidOperation
	}
	h.started = false
	return nil
}

func (h *fileHandle) ReadBlock(ctx context.Context, dst []int16) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || !h.started {
		return 0, ErrInvalidOperation
	}
	if len(dst) == 0 {
		return 0, ErrBadParameter
	}
	if h.offset >= len(h.pcm) {
		if !h.device.Loop {
			return 0, ErrNoData
		}
		h.offset = 0
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

	n := copy(dst, h.pcm[h.offset:])
	h.offset += n
	for n < len(dst) && h.device.Loop {
		h.offset = 0
		m := copy(dst[n:], h.pcm)
		h.offset += m
		n += m
	}
	return n, nil
}

func (h *fileHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.started = false
	return nil
}

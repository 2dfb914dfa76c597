// Package capture abstracts the audio input device behind a small exclusive
// handle. Opening a device claims it; the returned handle reads fixed-size
// PCM16 blocks until stopped and released. Errors are sentinel values so the
// recorder can tell transient conditions from fatal ones.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied means capture access is not granted.
	ErrPermissionDenied = errors.New("capture permission denied")
	// ErrInvalidOperation means the handle is in the wrong state for the call.
	ErrInvalidOperation = errors.New("invalid capture operation")
	// ErrBadParameter means the requested configuration is unusable.
	ErrBadParameter = errors.New("bad capture parameter")
	// ErrNoData means the device had no samples ready; the read may be retried.
	ErrNoData = errors.New("no capture data available")
	// ErrDeviceFailed means the device is gone and the session cannot continue.
	ErrDeviceFailed = errors.New("capture device failed")
)

// Config describes the stream a device should deliver.
type Config struct {
	SampleRate int
	Channels   int
	BlockSize  int
}

// Validate reports ErrBadParameter for configurations no device accepts.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return ErrBadParameter
	}
	if c.Channels != 1 && c.Channels != 2 {
		return ErrBadParameter
	}
	if c.BlockSize <= 0 {
		return ErrBadParameter
	}
	return nil
}

// Device creates exclusive capture handles.
type Device interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
}

// Handle is one claimed capture stream. Start and Stop may alternate any
// number of times; Release is terminal and idempotent.
type Handle interface {
	Start() error
	Stop() error
	// ReadBlock fills dst with interleaved PCM16 samples and returns the
	// number of samples written. It blocks until a block is ready, the
	// context ends, or the device reports an error.
	ReadBlock(ctx context.Context, dst []int16) (int, error)
	Release() error
}

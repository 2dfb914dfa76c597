package audio

import (
	"fmt"
	"io"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAVPCM16 writes samples as a 16-bit PCM WAV stream.
func EncodeWAVPCM16(w io.WriteSeeker, pcm []int16, sampleRate, channels int) error {
	buffer := &gaudio.IntBuffer{
		Format: &gaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, len(pcm)),
	}
	for i, s := range pcm {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV writes float samples as a 16-bit PCM WAV stream.
func EncodeWAV(w io.WriteSeeker, samples []float32, sampleRate, channels int) error {
	return EncodeWAVPCM16(w, Float32ToPCM16(samples), sampleRate, channels)
}

// DecodeWAVPCM16 reads a 16-bit PCM WAV stream and returns the interleaved
// samples together with the stream's sample rate and channel count.
func DecodeWAVPCM16(r io.ReadSeeker) ([]int16, int, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, fmt.Errorf("not a valid wav stream")
	}
	if dec.BitDepth != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		pcm[i] = int16(s)
	}
	return pcm, int(dec.SampleRate), int(dec.NumChans), nil
}

// DecodeWAV reads a 16-bit PCM WAV stream into float samples in [-1, 1).
func DecodeWAV(r io.ReadSeeker) ([]float32, int, int, error) {
	pcm, rate, channels, err := DecodeWAVPCM16(r)
	if err != nil {
		return nil, 0, 0, err
	}
	return PCM16ToFloat32(pcm), rate, channels, nil
}

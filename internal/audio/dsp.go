// Package audio holds the PCM primitives shared by the capture pipeline and
// the inference engine boundary: sample format conversion, linear resampling,
// a first-order high-pass, peak normalization, and energy measures.
package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 converts signed 16-bit samples to floats in [-1, 1).
func PCM16ToFloat32(pcm []int16) []float32 {
	const scale = 1.0 / 32768.0
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) * scale
	}
	return out
}

// Float32ToPCM16 converts floats to signed 16-bit samples, clamping to the
// representable range.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// PCM16ToBytes encodes samples as little-endian bytes, the layout frames use
// on the wire.
func PCM16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian 16-bit samples. The payload must be
// two-byte aligned.
func BytesToPCM16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// DownmixMono folds interleaved multi-channel samples into one channel by
// averaging each sample group. Mono input is returned unchanged.
func DownmixMono(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts samples from srcRate to dstRate by linear interpolation.
// Equal rates return the input unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(dstRate) / float64(srcRate)
	targetLen := int(float64(len(samples)) * ratio)
	out := make([]float32, targetLen)
	for i := 0; i < targetLen; i++ {
		srcIndex := float64(i) / ratio
		index := int(srcIndex)
		frac := srcIndex - float64(index)
		if index >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		out[i] = samples[index]*float32(1-frac) + samples[index+1]*float32(frac)
	}
	return out
}

// HighPass applies a first-order high-pass filter, removing DC offset and
// rumble below cutoffHz.
func HighPass(samples []float32, cutoffHz float64, sampleRate int) []float32 {
	if len(samples) == 0 || cutoffHz <= 0 {
		return samples
	}
	dt := 1.0 / float64(sampleRate)
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	alpha := float32(rc / (rc + dt))

	out := make([]float32, len(samples))
	out[0] = samples[0]
	for i := 1; i < len(samples); i++ {
		out[i] = alpha * (out[i-1] + samples[i] - samples[i-1])
	}
	return out
}

// Normalize scales samples so the peak reaches targetLevel. Silent input is
// returned unchanged.
func Normalize(samples []float32, targetLevel float32) []float32 {
	peak := Peak(samples)
	if peak == 0 {
		return samples
	}
	scale := targetLevel / peak
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * scale
	}
	return out
}

// RMS returns the root mean square energy of samples, 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		sumSquares += float64(s) * float64(s)
	}
	return math.Sqrt(sumSquares / float64(len(samples)))
}

// Peak returns the maximum absolute sample value.
func Peak(samples []float32) float32 {
	var max float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > max {
			max = s
		}
	}
	return max
}

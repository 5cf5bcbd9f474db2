// Package audio provides the PCM primitives shared by the capture,
// playback, and transport layers of viva.
//
// All byte-level audio in this codebase is little-endian 16-bit signed PCM
// ("PCM16LE"). The playback scheduler works on normalized float32 samples in
// [-1, 1]; this package owns the conversions between the two representations
// plus the sample-rate arithmetic used throughout the pipeline.
package audio

import (
	"fmt"
	"time"
)

// Standard rates used by the interview pipeline. The microphone path runs at
// 16 kHz mono (what the realtime model expects as input); the model's
// synthesized speech arrives at 24 kHz mono.
const (
	CaptureRate  = 16000
	PlaybackRate = 24000
)

// BytesToFloat32 converts little-endian int16 PCM bytes to normalized
// float32 samples in [-1, 1). A trailing odd byte is ignored.
func BytesToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToBytes converts normalized float32 samples to little-endian int16
// PCM bytes, clamping values outside [-1, 1].
func Float32ToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Duration returns the playback duration of sampleCount mono samples at rate.
func Duration(sampleCount, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(rate)
}

// BytesDuration returns the playback duration of PCM16LE mono data at rate.
func BytesDuration(pcm []byte, rate int) time.Duration {
	return Duration(len(pcm)/2, rate)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	dstSamples := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := src[srcIdx]
		s1 := s0
		if srcIdx+1 < len(src) {
			s1 = src[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Int16sToBytes(out)
}

// MimeType returns the realtime-input MIME type string for mono PCM at rate,
// e.g. "audio/pcm;rate=16000".
func MimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

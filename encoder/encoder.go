package encoder

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatWAV  = "wav"
	FormatFLAC = "flac"
)

type Encoder interface {
	EncodeBlock(block []int16) error
	Close() error
	Bytes() []byte
	TotalFrames() uint64
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}

// New returns a mono 16-bit encoder for format at the given sample rate.
func New(format string, sampleRate int) (Encoder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	switch format {
	case FormatWAV:
		return NewWAV(sampleRate), nil
	case FormatFLAC:
		return NewFlac(sampleRate)
	default:
		return nil, fmt.Errorf("unknown audio format %q (use wav or flac)", format)
	}
}

// ValidFormat reports whether New accepts format.
func ValidFormat(format string) bool {
	return format == FormatWAV || format == FormatFLAC
}

// Samples reinterprets little-endian PCM16 bytes as samples. A trailing odd
// byte is dropped.
func Samples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// EncodePCM runs pcm through a fresh encoder in BlockSize blocks and returns
// the finished file together with the number of frames it holds.
func EncodePCM(format string, sampleRate int, pcm []byte) ([]byte, uint64, error) {
	enc, err := New(format, sampleRate)
	if err != nil {
		return nil, 0, err
	}
	start := time.Now()
	samples := Samples(pcm)
	for i := 0; i < len(samples); i += BlockSize {
		end := min(i+BlockSize, len(samples))
		if err := enc.EncodeBlock(samples[i:end]); err != nil {
			return nil, 0, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, 0, fmt.Errorf("closing %s encoder: %w", format, err)
	}
	enc.AddEncodeTime(time.Since(start))
	return enc.Bytes(), enc.TotalFrames(), nil
}

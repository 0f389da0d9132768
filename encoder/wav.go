package encoder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const wavHeaderSize = 44

// wavHeader is the canonical 44-byte PCM header.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

func newWAVHeader(sampleRate, channels, dataSize int) wavHeader {
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + dataSize),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * BitsPerSample / 8),
		BlockAlign:    uint16(channels * BitsPerSample / 8),
		BitsPerSample: BitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: uint32(dataSize),
	}
}

// WAVEncoder buffers PCM and writes the header once the size is known.
type WAVEncoder struct {
	pcm         bytes.Buffer
	out         []byte
	sampleRate  int
	totalFrames uint64
	encodeTime  time.Duration
	closed      bool
	mu          sync.Mutex
}

func NewWAV(sampleRate int) *WAVEncoder {
	return &WAVEncoder{sampleRate: sampleRate}
}

func (e *WAVEncoder) EncodeBlock(block []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("wav encoder closed")
	}
	if err := binary.Write(&e.pcm, binary.LittleEndian, block); err != nil {
		return fmt.Errorf("writing wav samples: %w", err)
	}
	e.totalFrames += uint64(len(block))
	return nil
}

func (e *WAVEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+e.pcm.Len()))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(e.sampleRate, Channels, e.pcm.Len())); err != nil {
		return fmt.Errorf("writing wav header: %w", err)
	}
	buf.Write(e.pcm.Bytes())
	e.out = buf.Bytes()
	e.pcm.Reset()
	return nil
}

// Bytes returns the finished file; it is empty until Close.
func (e *WAVEncoder) Bytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.out
}

func (e *WAVEncoder) TotalFrames() uint64 {
	return e.totalFrames
}

func (e *WAVEncoder) AddEncodeTime(d time.Duration) {
	e.mu.Lock()
	e.encodeTime += d
	e.mu.Unlock()
}

func (e *WAVEncoder) EncodeTime() time.Duration {
	return e.encodeTime
}

// EncodeWAV wraps interleaved 16-bit samples in a WAV container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(sampleRate, channels, len(samples)*2)); err != nil {
		return nil, fmt.Errorf("writing wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("writing wav samples: %w", err)
	}
	return buf.Bytes(), nil
}

// WAVInfo describes the PCM stream found in a WAV file.
type WAVInfo struct {
	SampleRate int
	Channels   int
}

// IsWAV reports whether data starts with a RIFF/WAVE signature.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// DecodeWAV returns the interleaved samples of a 16-bit PCM WAV file. Chunks
// other than fmt and data are skipped. A data size larger than what is present
// (streamed files write 0xFFFFFFFF) is clamped to the available bytes.
func DecodeWAV(data []byte) ([]int16, WAVInfo, error) {
	var info WAVInfo
	if !IsWAV(data) {
		return nil, info, errors.New("invalid wav file: missing RIFF/WAVE header")
	}
	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) || end < body {
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, info, errors.New("invalid wav file: short fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits := binary.LittleEndian.Uint16(data[body+14:])
			// 0xFFFE is WAVE_FORMAT_EXTENSIBLE, accepted when it carries 16-bit PCM.
			if audioFormat != 1 && audioFormat != 0xFFFE {
				return nil, info, fmt.Errorf("unsupported wav format %d (only PCM)", audioFormat)
			}
			if bits != BitsPerSample {
				return nil, info, fmt.Errorf("unsupported bit depth %d (only 16-bit)", bits)
			}
			if info.Channels <= 0 || info.SampleRate <= 0 {
				return nil, info, fmt.Errorf("invalid wav format: %d channels at %d Hz", info.Channels, info.SampleRate)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, info, errors.New("invalid wav file: data before fmt chunk")
			}
			return Samples(data[body:end]), info, nil
		}
		pos = end + (end-body)&1
	}
	return nil, info, errors.New("invalid wav file: missing data chunk")
}

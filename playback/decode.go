package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mewkiz/flac"

	"lingo/encoder"
)

// Decode turns a payload into PCM. WAV and FLAC are recognised by their
// magic bytes; anything else is taken as little-endian PCM16 in raw.
func Decode(payload []byte, raw Format) (Format, []int16, error) {
	switch {
	case len(payload) == 0:
		return raw, nil, nil
	case encoder.IsWAV(payload):
		samples, info, err := encoder.DecodeWAV(payload)
		if err != nil {
			return Format{}, nil, err
		}
		return Format{SampleRate: info.SampleRate, Channels: info.Channels}, samples, nil
	case bytes.HasPrefix(payload, []byte("fLaC")):
		return decodeFlac(payload)
	}
	if raw.SampleRate <= 0 || raw.Channels <= 0 {
		return Format{}, nil, fmt.Errorf("invalid raw format %+v", raw)
	}
	if len(payload)%(2*raw.Channels) != 0 {
		return Format{}, nil, fmt.Errorf("raw payload of %d bytes is not whole %d-channel PCM16 frames", len(payload), raw.Channels)
	}
	return raw, encoder.Samples(payload), nil
}

func decodeFlac(payload []byte) (Format, []int16, error) {
	stream, err := flac.New(bytes.NewReader(payload))
	if err != nil {
		return Format{}, nil, fmt.Errorf("flac: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	f := Format{SampleRate: int(info.SampleRate), Channels: int(info.NChannels)}
	if f.Channels < 1 || f.Channels > 2 {
		return Format{}, nil, fmt.Errorf("flac: unsupported channel count %d", f.Channels)
	}
	shift := int(info.BitsPerSample) - 16

	var samples []int16
	for {
		fr, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Format{}, nil, fmt.Errorf("flac frame: %w", err)
		}
		n := fr.Subframes[0].NSamples
		for i := 0; i < n; i++ {
			for ch := 0; ch < f.Channels; ch++ {
				v := fr.Subframes[ch].Samples[i]
				if shift > 0 {
					v >>= shift
				} else if shift < 0 {
					v <<= -shift
				}
				samples = append(samples, int16(v))
			}
		}
	}
	return f, samples, nil
}

package encoder

import (
	"encoding/binary"
	"testing"
)

func TestWAVEncoderRoundTrip(t *testing.T) {
	enc := NewWAV(SampleRate)
	samples := make([]int16, BlockSize+100)
	for i := range samples {
		samples[i] = int16(i*7 - 3000)
	}
	if err := enc.EncodeBlock(samples[:BlockSize]); err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	if err := enc.EncodeBlock(samples[BlockSize:]); err != nil {
		t.Fatalf("EncodeBlock: %v", err)
	}
	if len(enc.Bytes()) != 0 {
		t.Error("Bytes before Close should be empty")
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.TotalFrames() != uint64(len(samples)) {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), len(samples))
	}

	out := enc.Bytes()
	if len(out) != wavHeaderSize+len(samples)*2 {
		t.Fatalf("len = %d, want %d", len(out), wavHeaderSize+len(samples)*2)
	}
	got, info, err := DecodeWAV(out)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if info.SampleRate != SampleRate || info.Channels != 1 {
		t.Errorf("info = %+v", info)
	}
	if len(got) != len(samples) || got[0] != samples[0] || got[len(got)-1] != samples[len(samples)-1] {
		t.Error("decoded samples differ from input")
	}
	if err := enc.EncodeBlock(samples); err == nil {
		t.Error("EncodeBlock after Close should fail")
	}
}

func TestWAVEncoderEmpty(t *testing.T) {
	enc := NewWAV(SampleRate)
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(enc.Bytes()) != wavHeaderSize {
		t.Errorf("len = %d, want header only", len(enc.Bytes()))
	}
	samples, _, err := DecodeWAV(enc.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(samples) != 0 {
		t.Errorf("got %d samples, want 0", len(samples))
	}
}

func TestDecodeWAV(t *testing.T) {
	stereo, err := EncodeWAV([]int16{1, -1, 2, -2}, 24000, 2)
	if err != nil {
		t.Fatal(err)
	}

	// LIST chunk between fmt and data, odd-sized to exercise padding.
	withList := append([]byte{}, stereo[:36]...)
	withList = append(withList, 'L', 'I', 'S', 'T', 3, 0, 0, 0, 'a', 'b', 'c', 0)
	withList = append(withList, stereo[36:]...)

	streamed := append([]byte{}, stereo...)
	binary.LittleEndian.PutUint32(streamed[40:], 0xFFFFFFFF)

	float := append([]byte{}, stereo...)
	binary.LittleEndian.PutUint16(float[20:], 3)

	tests := []struct {
		name    string
		data    []byte
		want    int
		wantErr bool
	}{
		{"stereo", stereo, 4, false},
		{"extra chunk", withList, 4, false},
		{"streamed size", streamed, 4, false},
		{"float", float, 0, true},
		{"not wav", []byte("hello world, not audio"), 0, true},
		{"truncated", stereo[:20], 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, info, err := DecodeWAV(tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeWAV: %v", err)
			}
			if len(samples) != tt.want {
				t.Errorf("got %d samples, want %d", len(samples), tt.want)
			}
			if info.SampleRate != 24000 || info.Channels != 2 {
				t.Errorf("info = %+v", info)
			}
		})
	}
}

func TestEncodePCM(t *testing.T) {
	pcm := make([]byte, 2*(BlockSize*2+10))
	for _, format := range []string{FormatWAV, FormatFLAC} {
		t.Run(format, func(t *testing.T) {
			data, frames, err := EncodePCM(format, SampleRate, pcm)
			if err != nil {
				t.Fatalf("EncodePCM: %v", err)
			}
			if frames != uint64(len(pcm)/2) {
				t.Errorf("frames = %d, want %d", frames, len(pcm)/2)
			}
			if len(data) == 0 {
				t.Error("empty output")
			}
		})
	}
	if _, _, err := EncodePCM("mp3", SampleRate, pcm); err == nil {
		t.Error("unknown format should fail")
	}
	if ValidFormat("ogg") || !ValidFormat(FormatWAV) {
		t.Error("ValidFormat mismatch")
	}
}

package audio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"lingo/encoder"
)

// RecordingState is the lifecycle of a ChunkSource.
type RecordingState int32

const (
	Idle RecordingState = iota
	Armed
	Flushing
)

func (s RecordingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Flushing:
		return "flushing"
	}
	return fmt.Sprintf("RecordingState(%d)", int32(s))
}

type CaptureErrorKind int

const (
	PermissionDenied CaptureErrorKind = iota
	DeviceFailure
)

func (k CaptureErrorKind) String() string {
	if k == PermissionDenied {
		return "permission denied"
	}
	return "device failure"
}

// CaptureError is returned by Arm and sent on Errors when the device fails.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return "capture: " + e.Kind.String()
	}
	return fmt.Sprintf("capture: %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

var (
	ErrNotIdle     = errors.New("audio: source is not idle")
	ErrClosed      = errors.New("audio: source closed")
	ErrArmCanceled = errors.New("audio: arm canceled")
)

var permissionHints = []string{"permission", "access denied", "not authorized", "not permitted"}

// classify maps a device error onto a CaptureError kind.
func classify(err error) *CaptureError {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, os.ErrPermission) {
		return &CaptureError{Kind: PermissionDenied, Err: err}
	}
	lower := strings.ToLower(err.Error())
	for _, h := range permissionHints {
		if strings.Contains(lower, h) {
			return &CaptureError{Kind: PermissionDenied, Err: err}
		}
	}
	return &CaptureError{Kind: DeviceFailure, Err: err}
}

type SourceConfig struct {
	SampleRate uint32
	Channels   uint32
	Format     string // encoder.FormatWAV or encoder.FormatFLAC
	// Timeslice > 0 emits an intermediate chunk every time that much audio
	// has been captured. Zero yields one chunk per armed interval.
	Timeslice time.Duration
}

func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
		Format:     encoder.FormatWAV,
	}
}

// Chunk is one complete audio file produced by a ChunkSource.
type Chunk struct {
	Data   []byte
	Format string
	Frames uint64
	Final  bool
}

func (c Chunk) Size() int { return len(c.Data) }

const (
	chunkBuffer = 8
	errBuffer   = 4
	levelBuffer = 32
)

// ChunkSource turns a capture device into a stream of encoded chunks. The
// device is opened on Arm and released on Disarm.
type ChunkSource struct {
	ctx    Context
	device *DeviceInfo
	cfg    SourceConfig

	chunks chan Chunk
	errs   chan error
	levels chan float64

	mu        sync.Mutex
	state     RecordingState
	closed    bool
	arming    chan struct{} // non-nil while Arm is opening the device
	cancelArm bool
	gen       uint64
	dev       CaptureDevice
	pcm       []byte
	kick      chan struct{}
	stop      chan struct{}
	emitDone  chan struct{}
	abandon   chan struct{}
}

func NewChunkSource(ctx Context, device *DeviceInfo, cfg SourceConfig) *ChunkSource {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = encoder.SampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = encoder.Channels
	}
	if cfg.Format == "" {
		cfg.Format = encoder.FormatWAV
	}
	return &ChunkSource{
		ctx:     ctx,
		device:  device,
		cfg:     cfg,
		chunks:  make(chan Chunk, chunkBuffer),
		errs:    make(chan error, errBuffer),
		levels:  make(chan float64, levelBuffer),
		abandon: make(chan struct{}),
	}
}

func (s *ChunkSource) Chunks() <-chan Chunk   { return s.chunks }
func (s *ChunkSource) Errors() <-chan error   { return s.errs }
func (s *ChunkSource) Levels() <-chan float64 { return s.levels }

func (s *ChunkSource) State() RecordingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ChunkSource) IsArmed() bool {
	return s.State() == Armed
}

// DeviceName reports the device in use, or the configured one when idle.
func (s *ChunkSource) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return s.dev.DeviceName()
	}
	if s.device != nil {
		return s.device.Name
	}
	return "system default"
}

// Arm opens and starts the capture device. It blocks while the platform
// acquires the device and may return a *CaptureError.
func (s *ChunkSource) Arm() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != Idle || s.arming != nil {
		s.mu.Unlock()
		return ErrNotIdle
	}
	arming := make(chan struct{})
	s.arming = arming
	s.cancelArm = false
	s.gen++
	gen := s.gen
	s.pcm = s.pcm[:0]
	s.mu.Unlock()

	dev, err := s.open(gen)

	s.mu.Lock()
	s.arming = nil
	if err != nil {
		s.mu.Unlock()
		close(arming)
		return classify(err)
	}
	if s.cancelArm || s.closed {
		closed := s.closed
		s.gen++
		s.mu.Unlock()
		dev.ClearCallback()
		dev.Stop()
		dev.Close()
		close(arming)
		if closed {
			return ErrClosed
		}
		return ErrArmCanceled
	}
	s.dev = dev
	s.kick = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.emitDone = make(chan struct{})
	s.state = Armed
	go s.emit(s.kick, s.stop, s.emitDone)
	s.mu.Unlock()
	close(arming)
	return nil
}

func (s *ChunkSource) open(gen uint64) (CaptureDevice, error) {
	dev, err := s.ctx.NewCapture(s.device, CaptureConfig{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("opening capture device: %w", err)
	}
	dev.SetCallback(func(data []byte, frameCount uint32) {
		s.onData(gen, data)
	})
	dev.SetErrorCallback(func(err error) {
		s.onError(gen, err)
	})
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	return dev, nil
}

func (s *ChunkSource) onData(gen uint64, data []byte) {
	if s.cfg.Channels == 2 {
		data = downmix(data)
	}
	s.mu.Lock()
	// gen already matches while Arm is still starting the device, so samples
	// captured during Start are kept.
	if gen != s.gen || s.closed || s.state == Flushing {
		s.mu.Unlock()
		return
	}
	s.pcm = append(s.pcm, data...)
	kick := s.kick
	s.mu.Unlock()

	select {
	case s.levels <- Level(data):
	default:
	}
	if kick != nil && s.cfg.Timeslice > 0 {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (s *ChunkSource) onError(gen uint64, err error) {
	s.mu.Lock()
	stale := gen != s.gen || s.state != Armed
	s.mu.Unlock()
	if stale {
		return
	}
	select {
	case s.errs <- &CaptureError{Kind: DeviceFailure, Err: err}:
	default:
	}
}

func (s *ChunkSource) sliceBytes() int {
	if s.cfg.Timeslice <= 0 {
		return 0
	}
	frames := int(s.cfg.Timeslice * time.Duration(s.cfg.SampleRate) / time.Second)
	return max(frames, 1) * 2
}

// emit runs for one armed interval. It cuts timeslice chunks as PCM arrives
// and encodes the remainder as the final chunk once stop is closed.
func (s *ChunkSource) emit(kick, stop, done chan struct{}) {
	defer close(done)
	slice := s.sliceBytes()
	for {
		select {
		case <-kick:
			for {
				s.mu.Lock()
				if slice == 0 || len(s.pcm) < slice {
					s.mu.Unlock()
					break
				}
				part := make([]byte, slice)
				copy(part, s.pcm)
				s.pcm = append(s.pcm[:0], s.pcm[slice:]...)
				s.mu.Unlock()
				s.deliver(part, false)
			}
		case <-stop:
			s.mu.Lock()
			rest := s.pcm
			s.pcm = nil
			s.mu.Unlock()
			s.deliver(rest, true)
			return
		}
	}
}

func (s *ChunkSource) deliver(pcm []byte, final bool) {
	data, frames, err := encoder.EncodePCM(s.cfg.Format, int(s.cfg.SampleRate), pcm)
	if err != nil {
		select {
		case s.errs <- &CaptureError{Kind: DeviceFailure, Err: fmt.Errorf("encoding chunk: %w", err)}:
		default:
		}
		if !final {
			return
		}
		data, frames = nil, 0
	}
	c := Chunk{Data: data, Format: s.cfg.Format, Frames: frames, Final: final}
	select {
	case s.chunks <- c:
		return
	default:
	}
	select {
	case s.chunks <- c:
	case <-s.abandon:
	}
}

// Disarm stops capture and releases the device; the final chunk is delivered
// on Chunks. While Arm is still acquiring the device, Disarm cancels it and
// waits for the device to be released. No-op when idle or already flushing.
func (s *ChunkSource) Disarm() {
	s.mu.Lock()
	if arming := s.arming; arming != nil {
		s.cancelArm = true
		s.mu.Unlock()
		<-arming
		return
	}
	if s.state != Armed {
		s.mu.Unlock()
		return
	}
	s.state = Flushing
	dev, stop, done := s.dev, s.stop, s.emitDone
	s.mu.Unlock()

	dev.ClearCallback()
	dev.Stop()
	dev.Close()
	close(stop)
	<-done

	s.mu.Lock()
	s.dev = nil
	s.kick = nil
	s.state = Idle
	s.mu.Unlock()
}

// Close disarms the source and refuses further Arm calls. A final chunk is
// only delivered if the channel has room.
func (s *ChunkSource) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.abandon)
	s.mu.Unlock()
	s.Disarm()
}

// Level returns the RMS of little-endian PCM16 data scaled to [0, 1].
func Level(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += v * v
	}
	return math.Sqrt(sum/float64(n)) / 32768
}

func downmix(stereo []byte) []byte {
	frames := len(stereo) / 4
	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		l := int32(int16(uint16(stereo[4*i]) | uint16(stereo[4*i+1])<<8))
		r := int32(int16(uint16(stereo[4*i+2]) | uint16(stereo[4*i+3])<<8))
		m := uint16(int16((l + r) / 2))
		mono[2*i] = byte(m)
		mono[2*i+1] = byte(m >> 8)
	}
	return mono
}

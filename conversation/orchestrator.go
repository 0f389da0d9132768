// Package conversation coordinates one spoken conversation with the agent:
// microphone chunks go out over the connection, replies are played back and
// both sides are recorded in a transcript.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lingo/agent"
	"lingo/audio"
	"lingo/log"
	"lingo/metrics"
)

type State int

const (
	Idle State = iota
	Recording
	Sending
	AwaitingResponse
	Playing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting response"
	case Playing:
		return "playing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ChunkSource is the microphone side. *audio.ChunkSource implements it.
type ChunkSource interface {
	Arm() error
	Disarm()
	IsArmed() bool
	Chunks() <-chan audio.Chunk
	Errors() <-chan error
	Levels() <-chan float64
}

// StreamConnection is the agent side. *agent.Conn implements it.
type StreamConnection interface {
	Connect(ctx context.Context, s agent.Session) error
	Send(chunk []byte) error
	Disconnect()
	State() agent.State
	Events() <-chan agent.Event
}

// Sink renders replies without blocking. If it also has an
// Errors() <-chan error method, late playback failures are forwarded.
type Sink interface {
	Play(payload []byte) error
}

// Snapshot is the state the presentation layer renders.
type Snapshot struct {
	State     State
	Connected bool
	Conn      agent.State
	// Busy is set while the microphone is being opened or flushed.
	Busy      bool
	Turns     int
	LastError string
}

func (s Snapshot) Recording() bool { return s.State == Recording }

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEndpoint names the agent endpoint in the session log.
func WithEndpoint(u string) Option {
	return func(o *Orchestrator) { o.endpoint = u }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type toggleCmd struct {
	reply chan error
}

type armResult struct {
	err error
}

type flushDone struct{}

const failureBuffer = 16

// Orchestrator owns one session's source, connection, sink and transcript.
// All state changes happen on a single loop goroutine; device and network
// operations that block run on helper goroutines and report back to it.
type Orchestrator struct {
	sess       agent.Session
	endpoint   string
	src        ChunkSource
	conn       StreamConnection
	sink       Sink
	sinkErrs   <-chan error
	metrics    *metrics.Metrics
	now        func() time.Time
	transcript Transcript

	cmds     chan toggleCmd
	internal chan any
	updates  chan Snapshot
	failures chan Failure
	stopCh   chan struct{}
	done     chan struct{}
	helpers  sync.WaitGroup

	started   atomic.Bool
	stopOnce  sync.Once
	snapMu    sync.RWMutex
	snap      Snapshot
	lastError string

	// Owned by the loop goroutine.
	state        State
	connected    bool
	connState    agent.State
	arming       bool
	disarmOnArm  bool
	pendingArm   chan error
	flushing     bool
	finalSeen    bool
	finalSent    bool
	flushDiscard bool
	flushErr     error
	pendingFlush chan error
	sentAt       time.Time
}

func New(sess agent.Session, src ChunkSource, conn StreamConnection, sink Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sess:     sess,
		src:      src,
		conn:     conn,
		sink:     sink,
		now:      time.Now,
		cmds:     make(chan toggleCmd),
		internal: make(chan any, 4),
		updates:  make(chan Snapshot, 1),
		failures: make(chan Failure, failureBuffer),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if es, ok := sink.(interface{ Errors() <-chan error }); ok {
		o.sinkErrs = es.Errors()
	}
	for _, opt := range opts {
		opt(o)
	}
	o.snap = Snapshot{Conn: agent.Disconnected}
	return o
}

// Start connects and launches the event loop. The connection outcome
// arrives asynchronously; until then the snapshot reports not connected.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if err := o.conn.Connect(ctx, o.sess); err != nil {
		close(o.done)
		close(o.updates)
		close(o.failures)
		return fmt.Errorf("connecting: %w", err)
	}
	log.SessionStart(o.endpoint, o.sess.TargetLanguage, o.sess.Topic, o.sess.UserAge, string(o.sess.Proficiency))
	o.connState = agent.Connecting
	o.publish()
	go o.loop(ctx)
	return nil
}

// Run is Start, fn, Stop. Stop runs however fn returns.
func (o *Orchestrator) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Stop()
	return fn(ctx)
}

// Stop releases the microphone and closes the connection. It waits for an
// arm in progress, is safe to call more than once and from any state.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		if o.started.CompareAndSwap(false, true) {
			// Never started: nothing runs, release directly.
			o.src.Disarm()
			o.conn.Disconnect()
			close(o.done)
			close(o.updates)
			close(o.failures)
			return
		}
		<-o.done
	})
}

// Done is closed once the orchestrator has shut down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// ToggleRecording starts recording when idle and sends the recording when
// already recording. It returns once the microphone is open, or once the
// recorded chunk has been handed to the connection.
func (o *Orchestrator) ToggleRecording() error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case o.cmds <- toggleCmd{reply: reply}:
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrStopped
	}
}

// Updates delivers the latest snapshot; intermediate ones may be skipped.
// It is closed on shutdown.
func (o *Orchestrator) Updates() <-chan Snapshot { return o.updates }

// Failures delivers each error once. It is closed on shutdown.
func (o *Orchestrator) Failures() <-chan Failure { return o.failures }

func (o *Orchestrator) Levels() <-chan float64 { return o.src.Levels() }

func (o *Orchestrator) Snapshot() Snapshot {
	o.snapMu.RLock()
	defer o.snapMu.RUnlock()
	return o.snap
}

func (o *Orchestrator) Transcript() []Entry { return o.transcript.Entries() }

func (o *Orchestrator) Session() agent.Session { return o.sess }

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.shutdown()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case cmd := <-o.cmds:
			o.handleToggle(cmd.reply)
		case msg := <-o.internal:
			switch m := msg.(type) {
			case armResult:
				o.handleArmResult(m.err)
			case flushDone:
				o.handleFlushDone()
			}
		case c := <-o.src.Chunks():
			o.handleChunk(c)
		case err := <-o.src.Errors():
			o.handleCaptureError(err)
		case ev := <-o.conn.Events():
			o.handleConnEvent(ev)
		case err := <-o.sinkErrs:
			o.fail(Failure{Kind: KindPlayback, Message: fmt.Sprintf("Playback failed: %v", err), Err: err})
		}
		o.publish()
	}
}

// shutdown runs on the loop goroutine for every exit, panics included.
func (o *Orchestrator) shutdown() {
	r := recover()

	released := make(chan struct{})
	go func() {
		defer close(released)
		o.src.Disarm()
		o.helpers.Wait()
		if o.src.IsArmed() {
			// An arm that could not be canceled completed after the first Disarm.
			o.src.Disarm()
		}
	}()
	// Keep reading so the final chunk never blocks the source.
	for done := false; !done; {
		select {
		case <-o.src.Chunks():
		case <-released:
			done = true
		}
	}
	o.conn.Disconnect()

	o.state, o.connected, o.connState = Idle, false, agent.Disconnected
	o.arming, o.flushing = false, false
	o.snapMu.Lock()
	o.snap = Snapshot{Conn: agent.Disconnected, Turns: o.transcript.Len(), LastError: o.lastError}
	o.snapMu.Unlock()

	for _, ch := range []chan error{o.pendingArm, o.pendingFlush} {
		if ch != nil {
			ch <- ErrStopped
		}
	}
	log.SessionEnd(o.transcript.Len())
	close(o.done)
	close(o.updates)
	close(o.failures)
	if r != nil {
		panic(r)
	}
}

func (o *Orchestrator) post(msg any) {
	select {
	case o.internal <- msg:
	case <-o.stopCh:
	}
}

func (o *Orchestrator) handleToggle(reply chan error) {
	if o.arming || o.flushing {
		reply <- ErrBusy
		return
	}
	if o.state == Recording {
		o.pendingFlush = reply
		o.startFlush(false)
		o.state = Sending
		return
	}
	if !o.connected {
		o.fail(Failure{Kind: KindNotConnected, Message: "Not connected to the tutor", Err: ErrNotConnected})
		reply <- ErrNotConnected
		return
	}
	o.arming = true
	o.disarmOnArm = false
	o.pendingArm = reply
	o.helpers.Add(1)
	go func() {
		defer o.helpers.Done()
		o.post(armResult{err: o.src.Arm()})
	}()
}

func (o *Orchestrator) handleArmResult(err error) {
	o.arming = false
	reply := o.pendingArm
	o.pendingArm = nil

	switch {
	case err != nil:
		f := captureFailure(err)
		o.metrics.RecordCaptureFailure(f.Kind.String())
		o.fail(f)
	case o.disarmOnArm || !o.connected:
		// The connection went away while the device was opening.
		o.startFlush(true)
		err = ErrNotConnected
	default:
		o.state = Recording
	}
	reply <- err
}

// startFlush disarms on a helper goroutine. With discard set the final chunk
// is dropped instead of sent.
func (o *Orchestrator) startFlush(discard bool) {
	o.flushing = true
	o.finalSeen = false
	o.finalSent = false
	o.flushDiscard = discard
	o.flushErr = nil
	o.helpers.Add(1)
	go func() {
		defer o.helpers.Done()
		o.src.Disarm()
		o.post(flushDone{})
	}()
}

func (o *Orchestrator) handleFlushDone() {
	// Disarm hands over the final chunk before returning, so it is already
	// buffered if it has not been read yet.
drain:
	for !o.finalSeen {
		select {
		case c := <-o.src.Chunks():
			o.handleChunk(c)
		default:
			break drain
		}
	}

	err := o.flushErr
	// A recording that went out before the connection dropped still counts.
	if o.flushDiscard && !o.finalSent && err == nil && o.pendingFlush != nil {
		err = ErrNotConnected
	}
	if !o.finalSeen || o.flushDiscard || err != nil {
		if o.state == Sending {
			o.state = Idle
		}
	}
	o.flushing = false
	o.finalSeen = false
	o.finalSent = false
	o.flushDiscard = false
	o.flushErr = nil
	if o.pendingFlush != nil {
		o.pendingFlush <- err
		o.pendingFlush = nil
	}
}

func (o *Orchestrator) handleChunk(c audio.Chunk) {
	if c.Final {
		o.finalSeen = true
	}
	if o.flushDiscard || (!o.flushing && o.state != Recording) {
		return
	}
	if len(c.Data) == 0 {
		if c.Final {
			o.flushErr = ErrEmptyRecording
		}
		return
	}
	err := o.conn.Send(c.Data)
	if err != nil {
		o.metrics.RecordSendFailure()
		o.fail(sendFailure(err))
		if c.Final {
			o.flushErr = err
		}
		return
	}
	o.metrics.RecordChunkSent(c.Size())
	log.ChunkSent(c.Size(), c.Format, c.Frames, c.Final)
	if !c.Final {
		return
	}
	o.finalSent = true
	o.appendEntry(User, UserPlaceholder)
	o.sentAt = o.now()
	if o.state == Sending {
		o.state = AwaitingResponse
	}
}

func (o *Orchestrator) handleCaptureError(err error) {
	f := captureFailure(err)
	o.metrics.RecordCaptureFailure(f.Kind.String())
	o.fail(f)
	if o.state == Recording && !o.flushing {
		o.startFlush(true)
		o.state = Idle
	}
}

func (o *Orchestrator) handleConnEvent(ev agent.Event) {
	switch ev.Kind {
	case agent.EventPayload:
		o.handlePayload(ev.Payload)
	case agent.EventError:
		o.metrics.RecordConnectionFailure()
		o.fail(connectionFailure(ev.Err))
	case agent.EventState:
		o.connState = ev.State
		o.metrics.SetConnectionState(int(ev.State))
		if ev.Connected {
			o.connected = true
			return
		}
		wasConnected := o.connected
		o.connected = false
		if ev.State == agent.Disconnected && wasConnected {
			o.fail(connectionFailure(nil))
		}
		o.dropRecording()
	}
}

// dropRecording abandons any recording in progress after the connection
// went away, so no device stays open while disconnected.
func (o *Orchestrator) dropRecording() {
	switch {
	case o.arming:
		o.disarmOnArm = true
	case o.flushing:
		o.flushDiscard = true
	case o.state == Recording:
		o.startFlush(true)
	}
	o.state = Idle
}

func (o *Orchestrator) handlePayload(payload []byte) {
	var latency time.Duration
	if !o.sentAt.IsZero() {
		latency = o.now().Sub(o.sentAt)
		o.sentAt = time.Time{}
	}
	o.metrics.RecordPayload(latency)
	log.PayloadReceived(len(payload), latency)

	if err := o.sink.Play(payload); err != nil {
		o.fail(Failure{Kind: KindPlayback, Message: fmt.Sprintf("Playback failed: %v", err), Err: err})
	}
	o.appendEntry(Agent, AgentPlaceholder)

	// A reply that lands mid-turn plays without leaving the turn. Once the
	// final chunk is out (AwaitingResponse) it completes the turn even if
	// the flush has not been acknowledged yet.
	if o.state == Recording || o.state == Sending || o.arming {
		return
	}
	o.state = Playing
	o.publish()
	o.state = Idle
}

func (o *Orchestrator) appendEntry(origin Origin, text string) {
	o.transcript.Append(Entry{Text: text, Origin: origin, Timestamp: o.now()})
	log.TranscriptLine(origin.String(), text)
}

func (o *Orchestrator) fail(f Failure) {
	o.lastError = f.Message
	log.Warnf("%s: %s", f.Kind, f.Message)
	select {
	case o.failures <- f:
		return
	default:
	}
	// Full: drop the oldest so the latest failure is always visible.
	select {
	case <-o.failures:
	default:
	}
	select {
	case o.failures <- f:
	default:
	}
}

func (o *Orchestrator) publish() {
	s := Snapshot{
		State:     o.state,
		Connected: o.connected,
		Conn:      o.connState,
		Busy:      o.arming || o.flushing,
		Turns:     o.transcript.Len(),
		LastError: o.lastError,
	}
	o.snapMu.Lock()
	o.snap = s
	o.snapMu.Unlock()

	select {
	case <-o.updates:
	default:
	}
	select {
	case o.updates <- s:
	default:
	}
}

// IsNotConnected reports whether err means the conversation has no live
// connection.
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, agent.ErrNotConnected)
}

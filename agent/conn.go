// Package agent is the client side of the duplex audio channel to the
// tutoring agent.
package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"lingo/log"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 16 << 20
	defaultEventBuffer  = 32

	// SessionHeader carries a per-connection id for correlating logs.
	SessionHeader = "X-Lingo-Session"
)

// Conn owns one WebSocket to the agent. Binary messages in both directions
// are whole audio payloads; text messages from the server (heartbeats) are
// ignored. Connection state changes the caller did not initiate, inbound
// payloads and failures are reported on Events.
type Conn struct {
	endpoint     string
	dial         Dialer
	readLimit    int64
	writeTimeout time.Duration
	events       chan Event

	mu     sync.Mutex
	state  State
	gen    uint64
	sock   Socket
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the current generation is torn down
	id     string

	emitMu  sync.Mutex
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

type Option func(*Conn)

func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dial = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) { c.writeTimeout = d }
}

func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

func WithEventBuffer(n int) Option {
	return func(c *Conn) { c.events = make(chan Event, n) }
}

func New(endpoint string, opts ...Option) *Conn {
	c := &Conn{
		endpoint:     endpoint,
		readLimit:    DefaultReadLimit,
		writeTimeout: DefaultWriteTimeout,
		events:       make(chan Event, defaultEventBuffer),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		c.dial = WebSocketDialer(c.readLimit)
	}
	return c
}

func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the id sent with the most recent Connect.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Connect starts dialing and returns immediately. The outcome arrives on
// Events. ctx bounds the whole connection, not just the dial.
func (c *Conn) Connect(ctx context.Context, s Session) error {
	u, err := BuildURL(c.endpoint, s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == Connecting || c.state == Connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.gen++
	gen := c.gen
	c.state = Connecting
	if c.done != nil {
		// Release goroutines of the failed generation still blocked in emit.
		close(c.done)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.id = uuid.NewString()
	connCtx, done := c.ctx, c.done
	header := http.Header{}
	header.Set(SessionHeader, c.id)
	c.wg.Add(1)
	c.mu.Unlock()

	log.ConnState(Connecting.String(), nil)
	go c.connect(connCtx, gen, done, u, header)
	return nil
}

func (c *Conn) connect(ctx context.Context, gen uint64, done chan struct{}, u string, header http.Header) {
	defer c.wg.Done()

	sock, err := c.dial(ctx, u, header)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		c.state = Failed
		c.cancel()
		c.mu.Unlock()
		c.failed(gen, done, &ConnectionError{Op: "dial", Err: err})
		return
	}
	c.sock = sock
	c.state = Connected
	c.wg.Add(1)
	c.mu.Unlock()

	log.ConnState(Connected.String(), nil)
	go c.readLoop(ctx, gen, done, sock)
	c.emit(gen, done, Event{Kind: EventState, State: Connected, Connected: true})
}

func (c *Conn) readLoop(ctx context.Context, gen uint64, done chan struct{}, sock Socket) {
	defer c.wg.Done()
	for {
		binary, data, err := sock.Read(ctx)
		if err != nil {
			c.fail(gen, done, &ConnectionError{Op: "read", Err: err})
			return
		}
		if !binary {
			continue
		}
		c.emit(gen, done, Event{Kind: EventPayload, State: Connected, Connected: true, Payload: data})
	}
}

// fail moves a live generation to Failed and reports it. Errors from a
// generation that was already torn down are dropped.
func (c *Conn) fail(gen uint64, done chan struct{}, err error) {
	if report := c.teardown(gen, err); report != nil {
		report(done)
	}
}

// teardown closes the socket of a live generation and returns the func that
// emits the resulting events, or nil when gen is stale. The caller must run
// the func exactly once; it holds a wg slot until then.
func (c *Conn) teardown(gen uint64, err error) func(done chan struct{}) {
	c.mu.Lock()
	if gen != c.gen || c.state != Connected {
		c.mu.Unlock()
		return nil
	}
	ctxErr := c.ctx.Err()
	c.state = Failed
	if ctxErr != nil {
		// The caller's context ended: a shutdown, not a transport fault.
		c.state = Disconnected
	}
	sock := c.sock
	c.sock = nil
	c.cancel()
	c.wg.Add(1)
	c.mu.Unlock()

	sock.Close()
	return func(done chan struct{}) {
		defer c.wg.Done()
		if ctxErr != nil {
			log.ConnState(Disconnected.String(), nil)
			c.emit(gen, done, Event{Kind: EventState, State: Disconnected})
			return
		}
		c.failed(gen, done, err)
	}
}

func (c *Conn) failed(gen uint64, done chan struct{}, err error) {
	log.ConnState(Failed.String(), err)
	c.emit(gen, done, Event{Kind: EventError, State: Failed, Err: err})
	c.emit(gen, done, Event{Kind: EventState, State: Failed})
}

func (c *Conn) emit(gen uint64, done chan struct{}, ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	select {
	case c.events <- ev:
	case <-done:
	}
}

// Send writes chunk as one binary message. It fails with ErrNotConnected
// unless the connection is up; nothing is queued or retried. A write error
// fails the connection.
func (c *Conn) Send(chunk []byte) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sock, gen, done, connCtx := c.sock, c.gen, c.done, c.ctx
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(connCtx, c.writeTimeout)
	defer cancel()
	if err := sock.WriteBinary(ctx, chunk); err != nil {
		cerr := &ConnectionError{Op: "write", Err: err}
		// The caller may be the only reader of Events, so the failure is
		// reported without waiting for buffer space.
		if report := c.teardown(gen, cerr); report != nil {
			go report(done)
		}
		return cerr
	}
	return nil
}

// Disconnect closes the connection from any state, including mid-dial. It
// raises no event, and events of the closed connection still buffered are
// discarded. Safe to call repeatedly.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	prev := c.state
	c.gen++
	c.state = Disconnected
	sock, cancel, done := c.sock, c.cancel, c.done
	c.sock = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if sock != nil {
		sock.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.emitMu.Lock()
	for drained := false; !drained; {
		select {
		case <-c.events:
		default:
			drained = true
		}
	}
	c.emitMu.Unlock()

	if prev != Disconnected {
		log.ConnState(Disconnected.String(), nil)
	}
}

// IsConnectionError reports whether err came from the transport.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

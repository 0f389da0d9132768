// Package server is the agent side of a conversation: a WebSocket endpoint
// that turns each recorded utterance into a spoken reply.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lingo/agent"
	"lingo/metrics"
)

const (
	VoicePath = "/api/voice/ws/voice"

	localSession = "session"
	writeTimeout = 10 * time.Second
)

// Conversation answers one connection's utterances in order.
type Conversation interface {
	Reply(ctx context.Context, audio []byte) ([]byte, error)
}

// Processor starts a Conversation for each new connection.
type Processor interface {
	Open(sess agent.Session) Conversation
}

type Options struct {
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	CORSOrigins       string
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Second,
		RequestTimeout:    60 * time.Second,
		CORSOrigins:       "*",
	}
}

type Server struct {
	app     *fiber.App
	proc    Processor
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*conn
}

func New(proc Processor, logger zerolog.Logger, m *metrics.Metrics, opts Options) *Server {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.CORSOrigins == "" {
		opts.CORSOrigins = def.CORSOrigins
	}
	s := &Server{
		proc:    proc,
		opts:    opts,
		log:     logger,
		metrics: m,
		conns:   make(map[string]*conn),
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(cors.New(cors.Config{AllowOrigins: opts.CORSOrigins}))
	app.Use(s.logRequests)

	app.Get("/healthz", s.health)
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	app.Use(VoicePath, s.upgrade)
	app.Get(VoicePath, websocket.New(s.handle))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info().Str("addr", addr).Msg("listening")
	return s.app.Listen(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return s.app.Listener(ln)
}

// Shutdown closes every open conversation, then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.ws.Close()
	}
	return s.app.ShutdownWithContext(ctx)
}

// Connections reports how many conversations are open.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "connections": s.Connections()})
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		status = fe.Code
	case err != nil:
		status = fiber.StatusInternalServerError
	}
	s.metrics.RecordHTTPRequest(c.Method(), c.Route().Path, strconv.Itoa(status))
	s.log.Debug().
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("request")
	return err
}

// upgrade rejects anything that is not a WebSocket upgrade carrying a valid
// session in its query.
func (s *Server) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	q := url.Values{}
	c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
		q.Add(string(k), string(v))
	})
	sess, err := agent.ParseSession(q)
	if err != nil {
		s.log.Warn().Err(err).Str("query", q.Encode()).Msg("rejected session")
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	c.Locals(localSession, sess)
	return c.Next()
}

type conn struct {
	id   string
	ws   *websocket.Conn
	sess agent.Session

	writeMu sync.Mutex
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

type heartbeat struct {
	Type string `json:"type"`
}

func (c *conn) heartbeats(ctx context.Context, every time.Duration) {
	msg, _ := json.Marshal(heartbeat{Type: "heartbeat"})
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.metrics.ConnectionClosed()
}

// handle serves one conversation. A processing error ends it; the client
// sees the connection fail and starts over.
func (s *Server) handle(ws *websocket.Conn) {
	sess, _ := ws.Locals(localSession).(agent.Session)
	c := &conn{id: uuid.NewString(), ws: ws, sess: sess}
	logger := s.log.With().Str("conn", c.id).Logger()

	s.register(c)
	defer func() {
		s.unregister(c)
		ws.Close()
		logger.Info().Msg("connection closed")
	}()
	logger.Info().
		Str("language", sess.TargetLanguage).
		Str("topic", sess.Topic).
		Int("age", sess.UserAge).
		Msg("connection opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.heartbeats(ctx, s.opts.HeartbeatInterval)

	conv := s.proc.Open(sess)
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("read")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}

		start := time.Now()
		reqCtx, cancelReq := context.WithTimeout(ctx, s.opts.RequestTimeout)
		reply, err := conv.Reply(reqCtx, msg)
		cancelReq()
		elapsed := time.Since(start)
		if err != nil {
			s.metrics.RecordProcessing("error", elapsed)
			logger.Error().Err(err).Int("bytes", len(msg)).Msg("processing failed")
			return
		}
		s.metrics.RecordProcessing("ok", elapsed)
		logger.Info().Int("in", len(msg)).Int("out", len(reply)).Dur("elapsed", elapsed).Msg("reply")

		if err := c.write(websocket.BinaryMessage, reply); err != nil {
			logger.Warn().Err(err).Msg("write reply")
			return
		}
	}
}

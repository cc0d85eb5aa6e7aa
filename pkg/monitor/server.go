package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-voicestream/pkg/engine"
	"github.com/teslashibe/go-voicestream/pkg/metrics"
	"github.com/teslashibe/go-voicestream/pkg/turn"
)

const shutdownTimeout = 5 * time.Second

// StatusSource reports engine status.
type StatusSource interface {
	Status() engine.Status
}

// Server is the monitor HTTP server.
type Server struct {
	app     *fiber.App
	addr    string
	logger  *slog.Logger
	hub     *Hub
	source  StatusSource
	metrics *metrics.Metrics
	latency *metrics.LatencyTracker
	history int

	mu     sync.RWMutex
	recent []Event
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLatency exposes per-turn latency on /api/latency.
func WithLatency(l *metrics.LatencyTracker) Option {
	return func(s *Server) { s.latency = l }
}

// WithHistory sets how many recent events are kept for new subscribers.
func WithHistory(n int) Option {
	return func(s *Server) { s.history = n }
}

// NewServer creates a monitor for src listening on addr.
func NewServer(addr string, src StatusSource, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		source:  src,
		history: 200,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "monitor.server")
	s.hub = NewHub(s.logger)
	s.recent = make([]Event, 0, s.history)

	app := fiber.New(fiber.Config{
		AppName:               "voicestream monitor",
		DisableStartupMessage: true,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/events", s.handleEvents)
	api.Get("/latency", s.handleLatency)

	if s.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App returns the fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.hub.Run(gctx)
	})
	g.Go(func() error {
		s.logger.Info("monitor listening", "addr", ln.Addr().String())
		return s.app.Listener(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.app.ShutdownWithTimeout(shutdownTimeout)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Publish records ev and sends it to subscribers.
func (s *Server) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.mu.Lock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > s.history {
		s.recent = s.recent[len(s.recent)-s.history:]
	}
	s.mu.Unlock()

	if err := s.hub.BroadcastJSON(ev); err != nil {
		s.logger.Warn("encode event failed", "error", err)
	}
}

// Recent returns a copy of the retained events, oldest first.
func (s *Server) Recent() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.recent...)
}

// Callbacks returns engine callbacks that publish to the feed.
func (s *Server) Callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnText: func(text string) {
			s.Publish(Event{Type: EventText, Text: text})
		},
		OnUserTranscript: func(text string) {
			s.Publish(Event{Type: EventUser, Text: text})
		},
		OnAssistantTranscript: func(text string) {
			s.Publish(Event{Type: EventAssistant, Text: text})
		},
		OnError: func(msg string) {
			s.Publish(Event{Type: EventError, Text: msg})
		},
		OnStateChange: func(from, to turn.State) {
			s.Publish(Event{Type: EventState, From: from.String(), To: to.String()})
		},
	}
}

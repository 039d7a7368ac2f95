// Package ingest receives sample results from the load tool over a
// websocket.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/selivandex/loadmetrics/internal/measurement"
	"github.com/selivandex/loadmetrics/internal/threads"
)

// Path of the websocket endpoint
const Path = "/ingest"

// Envelope types
const (
	TypeSamples = "samples"
	TypeThreads = "threads"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

// Envelope is one frame sent by the load tool
type Envelope struct {
	Type    string                     `json:"type"`
	Samples []measurement.SampleResult `json:"samples,omitempty"`
	Threads *threads.Counts            `json:"threads,omitempty"`
}

// Handler consumes decoded frames
type Handler interface {
	HandleSampleResults(ctx context.Context, results []measurement.SampleResult)
	RecordThreads(counts threads.Counts)
}

// Server accepts websocket connections on Path
type Server struct {
	handler  Handler
	log      *zap.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	pingPeriod time.Duration
	pongWait   time.Duration

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates an ingest server listening on addr
func NewServer(addr string, handler Handler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		handler: handler,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 4 << 10,
			// The sidecar runs next to the load tool; browsers never connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		conns:      make(map[*websocket.Conn]struct{}),
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving Path
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveWS)
	return mux
}

// Start starts listening in the background
func (s *Server) Start() error {
	go func() {
		s.log.Info("ingest server starting", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ingest server failed", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections, closes open websockets and waits for
// their readers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// acquire registers a handler with the shutdown wait group unless shutdown
// has begun.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// track records conn for Shutdown. It reports false when shutdown already
// swept the open connections.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.acquire() {
		http.Error(w, "ingest server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if !s.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer s.untrack(conn)

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("load tool connected")

	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop, log)

	s.readLoop(context.WithoutCancel(r.Context()), conn, log)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log *zap.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read error", zap.Error(err))
			} else {
				log.Info("load tool disconnected")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if err := s.dispatch(ctx, data); err != nil {
			log.Warn("frame skipped", zap.Error(err), zap.Int("bytes", len(data)))
		}
	}
}

func (s *Server) dispatch(ctx context.Context, data []byte) error {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Type {
	case TypeSamples:
		if len(env.Samples) > 0 {
			s.handler.HandleSampleResults(ctx, env.Samples)
		}
	case TypeThreads:
		if env.Threads == nil {
			return errors.New("threads frame without counts")
		}
		s.handler.RecordThreads(*env.Threads)
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
	return nil
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

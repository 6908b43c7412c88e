package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/coworker/internal/observability"
	"github.com/harun/coworker/internal/tracing"
	"github.com/harun/coworker/pkg/orchestrator"
	"github.com/harun/coworker/pkg/session"
)

const maxBodyBytes = 64 << 10

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	RetryAfter        time.Duration

	Chat     ChatHandler
	Sessions SessionReader
	// Stats, when set, contributes to GET /v1/stats.
	Stats  func() map[string]any
	Logger zerolog.Logger
}

// Server is the HTTP and websocket front door.
type Server struct {
	cfg      Config
	clients  *ClientRegistry
	limiter  *RateLimiter
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	shuttingDown atomic.Bool
	inFlight     sync.WaitGroup

	mu   sync.Mutex
	addr string
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Chat == nil {
		return nil, errors.New("chat handler is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session reader is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 2 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		clients: NewClientRegistry(),
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		logger:  cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/sessions/{userID}", s.handleSession)
		r.Get("/stats", s.handleStats)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	return s.shutdown(srv)
}

// Addr returns the listen address once Run has started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SweepLimits forgets rate-limit state for idle users.
func (s *Server) SweepLimits() int {
	return s.limiter.Sweep()
}

func (s *Server) shutdown(srv *http.Server) error {
	s.shuttingDown.Store(true)
	s.logger.Info().Msg("Shutting down gateway")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	for _, c := range s.clients.All() {
		_ = c.WriteJSON(WSMessage{Event: "shutdown", Data: map[string]string{"message": "server is shutting down"}})
		c.Conn.Close()
	}
	err := srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := tracing.NewRequestContext(r.Context())
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = tracing.WithRequestID(ctx, id)
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Sessions.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	st, err := s.cfg.Sessions.Get(r.Context(), userID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorEvent{Error: "session not found"})
	case err != nil:
		s.writeError(w, fmt.Errorf("%w: %w", orchestrator.ErrSessionUnavailable, err))
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{}
	if s.cfg.Stats != nil {
		for k, v := range s.cfg.Stats() {
			stats[k] = v
		}
	}
	stats["gateway"] = map[string]any{
		"websocket_clients": s.clients.Count(),
		"clients":           s.clients.Infos(),
	}
	writeJSON(w, http.StatusOK, stats)
}

// decodeChat reads and validates a chat request body.
func decodeChat(data []byte) (ChatRequest, error) {
	var req ChatRequest
	if err := validateChatRequest(data); err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &SchemaError{Details: []string{err.Error()}}
	}
	return req, nil
}

// admit checks shutdown state and the per-user rate limit.
func (s *Server) admit(userID string) (func(), *ErrorEvent) {
	if s.shuttingDown.Load() {
		return nil, &ErrorEvent{Error: "server is shutting down", Retryable: true, RetryAfter: s.cfg.RetryAfter.Seconds()}
	}
	release, reason, retryAfter := s.limiter.Acquire(userID)
	if release == nil {
		return nil, &ErrorEvent{Error: reason, Retryable: true, RetryAfter: retryAfter.Seconds()}
	}
	s.inFlight.Add(1)
	return func() {
		release()
		s.inFlight.Done()
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorEvent{Error: "request body too large"})
		return
	}
	req, err := decodeChat(data)
	if err != nil {
		var se *SchemaError
		errors.As(err, &se)
		writeJSON(w, http.StatusBadRequest, ErrorEvent{Error: "invalid request", Details: se.Details})
		return
	}

	release, rejected := s.admit(req.UserID)
	if rejected != nil {
		status := http.StatusTooManyRequests
		if s.shuttingDown.Load() {
			status = http.StatusServiceUnavailable
		}
		setRetryAfter(w, rejected.RetryAfter)
		writeJSON(w, status, rejected)
		return
	}
	defer release()

	ctx := tracing.WithUserID(r.Context(), req.UserID)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	reply, err := s.cfg.Chat.HandleMessage(ctx, req.UserID, req.Message)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorEvent{Error: "streaming not supported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "meta", metaFor(reply)); err != nil {
		logger.Warn().Err(err).Msg("Failed to write SSE meta event")
		return
	}
	flusher.Flush()

	for tok := range reply.Tokens() {
		if err := writeSSE(w, "token", TokenEvent{Text: tok}); err != nil {
			logger.Debug().Err(err).Msg("Client stopped reading tokens")
			return
		}
		flusher.Flush()
	}
	if ctx.Err() != nil {
		return
	}

	text, err := reply.Wait()
	if err != nil {
		_, ev := s.classify(err)
		_ = writeSSE(w, "error", ev)
	} else {
		_ = writeSSE(w, "done", DoneEvent{TurnID: reply.TurnID, Text: text, BufferLen: reply.Outcome().BufferLen})
	}
	flusher.Flush()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		setRetryAfter(w, s.cfg.RetryAfter.Seconds())
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:          clientID,
		Conn:        conn,
		RemoteAddr:  r.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	s.clients.Add(client)
	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	defer func() {
		conn.Close()
		s.clients.Remove(clientID)
		s.logger.Info().Str("client_id", clientID).Msg("Client disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan ChatRequest)
	go func() {
		defer close(frames)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket read failed")
				}
				return
			}
			s.clients.Touch(clientID)

			req, err := decodeChat(data)
			if err != nil {
				var se *SchemaError
				errors.As(err, &se)
				_ = client.WriteJSON(WSMessage{Event: "error", Data: ErrorEvent{Error: "invalid request", Details: se.Details}})
				continue
			}
			select {
			case frames <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for req := range frames {
		s.streamWS(ctx, client, req)
	}
}

// streamWS answers one websocket chat frame.
func (s *Server) streamWS(ctx context.Context, client *Client, req ChatRequest) {
	send := func(event string, data any) bool {
		if err := client.WriteJSON(WSMessage{Event: event, ID: req.ID, Data: data}); err != nil {
			client.Conn.Close()
			return false
		}
		return true
	}

	release, rejected := s.admit(req.UserID)
	if rejected != nil {
		send("error", rejected)
		return
	}
	defer release()

	ctx = tracing.WithUserID(tracing.NewRequestContext(ctx), req.UserID)
	reply, err := s.cfg.Chat.HandleMessage(ctx, req.UserID, req.Message)
	if err != nil {
		if ctx.Err() == nil {
			_, ev := s.classify(err)
			send("error", ev)
		}
		return
	}

	if !send("meta", metaFor(reply)) {
		return
	}
	for tok := range reply.Tokens() {
		if !send("token", TokenEvent{Text: tok}) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	text, err := reply.Wait()
	if err != nil {
		_, ev := s.classify(err)
		send("error", ev)
		return
	}
	send("done", DoneEvent{TurnID: reply.TurnID, Text: text, BufferLen: reply.Outcome().BufferLen})
}

// classify maps an orchestrator error to an HTTP status and error body.
func (s *Server) classify(err error) (int, ErrorEvent) {
	retry := s.cfg.RetryAfter.Seconds()
	var genErr *orchestrator.GenerationError
	switch {
	case errors.Is(err, orchestrator.ErrSessionUnavailable):
		return http.StatusServiceUnavailable, ErrorEvent{Error: err.Error(), Retryable: true, RetryAfter: retry}
	case errors.As(err, &genErr):
		if genErr.Retryable() {
			return http.StatusServiceUnavailable, ErrorEvent{Error: err.Error(), Retryable: true, RetryAfter: retry}
		}
		return http.StatusBadGateway, ErrorEvent{Error: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorEvent{Error: err.Error(), Retryable: true, RetryAfter: retry}
	default:
		return http.StatusInternalServerError, ErrorEvent{Error: err.Error()}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, ev := s.classify(err)
	if ev.Retryable {
		setRetryAfter(w, ev.RetryAfter)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, ev)
}

func metaFor(r *orchestrator.Reply) MetaEvent {
	return MetaEvent{
		TurnID:     r.TurnID,
		Refused:    r.Refused,
		Degraded:   r.Degraded,
		HintUsed:   r.HintUsed,
		Strictness: string(r.Strictness),
		Documents:  len(r.Documents),
	}
}

func setRetryAfter(w http.ResponseWriter, seconds float64) {
	if seconds <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(seconds))))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

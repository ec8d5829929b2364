package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pushhub/internal/hub"
	"pushhub/internal/logging"
	"pushhub/internal/metrics"
	"pushhub/internal/router"
	"pushhub/pkg/interfaces"
	"pushhub/pkg/types"
)

// Config holds HTTP server settings
type Config struct {
	Addr           string        `yaml:"addr" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// NotifyKey, when set, must be sent as X-Notify-Key on the notification hooks
	NotifyKey string `yaml:"notify_key"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		AllowedOrigins: []string{"*"},
	}
}

// Notifier is the outbound push API of the hub
type Notifier interface {
	NotifyNewAssignment(ctx context.Context, technicianID int64, assignment types.Assignment) bool
	NotifyAssignmentExpired(ctx context.Context, technicianID, assignmentID int64) bool
	NotifyOrderStatusUpdate(ctx context.Context, orderID int64, status string) int
	SubscriptionStats() types.SubscriptionStats
	Stats() hub.Stats
}

// ChatPoster accepts chat messages sent over REST
type ChatPoster interface {
	PostChatMessage(ctx context.Context, actor types.ActorID, msg *types.ChatMessage) (int, error)
}

// StatusWriter records an order's new status before it is pushed
type StatusWriter interface {
	SetOrderStatus(ctx context.Context, orderID int64, status string) error
}

// ConnectionCounter is implemented by websocket handlers that track
// accepted connections
type ConnectionCounter interface {
	ActiveConnections() int
}

// Deps are the collaborators the server exposes over HTTP
type Deps struct {
	Hub       Notifier
	Chat      ChatPoster
	Identity  interfaces.IdentityResolver
	Store     interfaces.ChatStore
	Status    StatusWriter
	WebSocket http.Handler
}

// Server serves the websocket endpoint, the REST polling fallback and the
// notification hooks used by other services.
type Server struct {
	cfg    Config
	deps   Deps
	router *chi.Mux
	server *http.Server
	logger zerolog.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.Component("api"),
	}
	s.router = s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens until ctx is cancelled, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info().Msg("http server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Notify-Key"},
		MaxAge:         300,
	}))

	if s.deps.WebSocket != nil {
		r.Get("/ws", s.deps.WebSocket.ServeHTTP)
	}
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/api/stats", s.stats)
		r.Get("/api/stats/subscriptions", s.subscriptionStats)

		r.Get("/api/orders/{orderId}/messages", s.chatHistory)
		r.Post("/api/orders/{orderId}/messages", s.postChatMessage)

		r.Route("/api/notify", func(r chi.Router) {
			r.Use(s.requireNotifyKey)
			r.Post("/assignments", s.notifyAssignment)
			r.Post("/assignments/expired", s.notifyAssignmentExpired)
			r.Post("/orders/{orderId}/status", s.notifyOrderStatus)
		})
	})

	return r
}

// instrument records request counts and latency by route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m := metrics.GetMetrics()
		m.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

		s.logger.Debug().
			Str("method", r.Method).
			Str("route", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request completed")
	})
}

func (s *Server) requireNotifyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.NotifyKey != "" && r.Header.Get("X-Notify-Key") != s.cfg.NotifyKey {
			s.sendError(w, "Invalid notify key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	Hub       hub.Stats `json:"hub"`
	// Sockets counts upgraded connections, authenticated or not
	Sockets int `json:"sockets"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type ChatHistoryResponse struct {
	OrderID  int64                `json:"order_id"`
	Messages []*types.ChatMessage `json:"messages"`
}

type PostChatRequest struct {
	MessageType       string `json:"messageType"`
	Message           string `json:"message"`
	ImageURL          string `json:"imageUrl"`
	ImageThumbnailURL string `json:"imageThumbnailUrl"`
}

type PostChatResponse struct {
	Message   *types.ChatMessage `json:"message"`
	Delivered int                `json:"delivered"`
}

type NotifyAssignmentRequest struct {
	TechnicianID int64            `json:"technicianId"`
	Assignment   types.Assignment `json:"assignment"`
}

type NotifyExpiredRequest struct {
	TechnicianID int64 `json:"technicianId"`
	AssignmentID int64 `json:"assignmentId"`
}

type NotifyStatusRequest struct {
	Status string `json:"status"`
}

type DeliveredResponse struct {
	Delivered bool `json:"delivered"`
}

type DeliveredCountResponse struct {
	DeliveredCount int `json:"deliveredCount"`
}

// GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Hub:       s.deps.Hub.Stats(),
	}
	if c, ok := s.deps.WebSocket.(ConnectionCounter); ok {
		resp.Sockets = c.ActiveConnections()
	}
	code := http.StatusOK
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		s.logger.Error().Err(err).Msg("database health check failed")
		resp.Status = "unhealthy"
		resp.Database = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, resp)
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Hub.Stats())
}

// GET /api/stats/subscriptions
func (s *Server) subscriptionStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.deps.Hub.SubscriptionStats())
}

// GET /api/orders/{orderId}/messages?after=&limit=
func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	orderID, ok := s.orderIDParam(w, r)
	if !ok {
		return
	}

	after, err := optionalInt(r.URL.Query().Get("after"))
	if err != nil || after < 0 {
		s.sendError(w, "Invalid after parameter", http.StatusBadRequest)
		return
	}
	limit, err := optionalInt(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 || limit > 500 {
		s.sendError(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	participants, err := s.deps.Identity.OrderParticipants(r.Context(), orderID)
	if errors.Is(err, interfaces.ErrOrderNotFound) {
		s.sendError(w, router.ErrOrderNotFound.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("order_id", orderID).Msg("order lookup failed")
		s.sendError(w, router.ErrInternal.Error(), http.StatusInternalServerError)
		return
	}
	if !participants.HasAccess(actor) {
		s.sendError(w, router.ErrAccessDenied.Error(), http.StatusForbidden)
		return
	}

	messages, err := s.deps.Store.ChatHistory(r.Context(), orderID, after, int(limit))
	if err != nil {
		s.logger.Error().Err(err).Int64("order_id", orderID).Msg("chat history query failed")
		s.sendError(w, router.ErrInternal.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []*types.ChatMessage{}
	}
	s.sendJSON(w, http.StatusOK, ChatHistoryResponse{OrderID: orderID, Messages: messages})
}

// POST /api/orders/{orderId}/messages
func (s *Server) postChatMessage(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	orderID, ok := s.orderIDParam(w, r)
	if !ok {
		return
	}

	var req PostChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	msg := &types.ChatMessage{
		OrderID:           orderID,
		MessageType:       req.MessageType,
		Text:              req.Message,
		ImageURL:          req.ImageURL,
		ImageThumbnailURL: req.ImageThumbnailURL,
	}
	logger := s.logger.With().
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("actor_id", actor.String()).
		Logger()
	ctx := logging.WithContext(r.Context(), logger)
	delivered, err := s.deps.Chat.PostChatMessage(ctx, actor, msg)
	if err != nil {
		code := chatErrorStatus(err)
		if code == http.StatusInternalServerError {
			logger.Error().Err(err).Int64("order_id", orderID).Msg("chat message failed")
			s.sendError(w, router.ErrInternal.Error(), code)
			return
		}
		s.sendError(w, err.Error(), code)
		return
	}
	s.sendJSON(w, http.StatusCreated, PostChatResponse{Message: msg, Delivered: delivered})
}

// POST /api/notify/assignments
func (s *Server) notifyAssignment(w http.ResponseWriter, r *http.Request) {
	var req NotifyAssignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TechnicianID <= 0 || req.Assignment.ID <= 0 {
		s.sendError(w, "technicianId and assignment.id are required", http.StatusBadRequest)
		return
	}

	delivered := s.deps.Hub.NotifyNewAssignment(r.Context(), req.TechnicianID, req.Assignment)
	s.sendJSON(w, http.StatusOK, DeliveredResponse{Delivered: delivered})
}

// POST /api/notify/assignments/expired
func (s *Server) notifyAssignmentExpired(w http.ResponseWriter, r *http.Request) {
	var req NotifyExpiredRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TechnicianID <= 0 || req.AssignmentID <= 0 {
		s.sendError(w, "technicianId and assignmentId are required", http.StatusBadRequest)
		return
	}

	delivered := s.deps.Hub.NotifyAssignmentExpired(r.Context(), req.TechnicianID, req.AssignmentID)
	s.sendJSON(w, http.StatusOK, DeliveredResponse{Delivered: delivered})
}

// POST /api/notify/orders/{orderId}/status
func (s *Server) notifyOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.orderIDParam(w, r)
	if !ok {
		return
	}

	var req NotifyStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidOrderStatus(req.Status) {
		s.sendError(w, types.ErrInvalidOrderStatus.Error(), http.StatusBadRequest)
		return
	}

	if s.deps.Status != nil {
		err := s.deps.Status.SetOrderStatus(r.Context(), orderID, req.Status)
		if errors.Is(err, interfaces.ErrOrderNotFound) {
			s.sendError(w, router.ErrOrderNotFound.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Int64("order_id", orderID).Msg("order status write failed")
			s.sendError(w, router.ErrInternal.Error(), http.StatusInternalServerError)
			return
		}
	}

	n := s.deps.Hub.NotifyOrderStatusUpdate(r.Context(), orderID, req.Status)
	s.sendJSON(w, http.StatusOK, DeliveredCountResponse{DeliveredCount: n})
}

// authenticate resolves the bearer token to an actor or writes 401
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (types.ActorID, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if header == "" || token == "" || token == header {
		s.sendError(w, router.ErrAuthenticationRequired.Error(), http.StatusUnauthorized)
		return 0, false
	}

	actor, err := s.deps.Identity.ResolveToken(r.Context(), token)
	if err != nil {
		s.sendError(w, router.ErrInvalidToken.Error(), http.StatusUnauthorized)
		return 0, false
	}
	return actor, true
}

func (s *Server) orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderId"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, router.ErrOrderIDRequired.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func optionalInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, router.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, router.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, router.ErrOrderIDRequired),
		errors.Is(err, router.ErrMessageRequired),
		errors.Is(err, types.ErrInvalidMessageType),
		errors.Is(err, types.ErrMessageTooLong),
		errors.Is(err, types.ErrInvalidURL):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("response write failed")
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

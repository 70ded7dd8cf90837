// Package eventhook exposes the HTTP intake that turns forge webhook
// deliveries into trigger events and hands them to a run launcher. The
// wire surface is deliberately narrow: an event descriptor in, a run ID
// out; everything else belongs to the engine behind the Launcher.
package eventhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gantryci/gantry/internal/logging"
	"github.com/gantryci/gantry/internal/trigger"
)

// ServerStatus reports runtime lifecycle states for the intake server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// Launcher starts a run for an accepted event and returns its run ID.
type Launcher interface {
	Launch(ctx context.Context, ev trigger.Event) (string, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, ev trigger.Event) (string, error)

// Launch implements Launcher.
func (f LauncherFunc) Launch(ctx context.Context, ev trigger.Event) (string, error) {
	return f(ctx, ev)
}

// Delivery is the inbound wire payload for POST /events.
type Delivery struct {
	EventID     string `json:"event_id,omitempty"`
	Type        string `json:"type"`
	Ref         string `json:"ref,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Actor       string `json:"actor,omitempty"`
	PriorStatus string `json:"prior_status,omitempty"`
}

// Server wraps the HTTP listener and handlers backing the event intake.
type Server struct {
	settings Settings
	launcher Launcher
	logger   *logging.Logger
	clock    func() time.Time

	mu          sync.Mutex
	server      *http.Server
	listener    net.Listener
	status      ServerStatus
	startTime   time.Time
	recentIDs   map[string]struct{}
	recentOrder []string
}

// Option customizes server construction.
type Option func(*Server)

// WithLauncher sets the run launcher invoked for accepted events.
func WithLauncher(l Launcher) Option {
	return func(s *Server) {
		if l != nil {
			s.launcher = l
		}
	}
}

// WithLogger injects the engine log.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares an intake server using the provided settings.
func NewServer(settings Settings, opts ...Option) *Server {
	s := &Server{
		settings: settings.Normalized(),
		launcher: LauncherFunc(func(context.Context, trigger.Event) (string, error) {
			return "", fmt.Errorf("eventhook: no launcher configured")
		}),
		clock:     func() time.Time { return time.Now().UTC() },
		status:    StatusStarting,
		recentIDs: map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router builds the chi handler tree; exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Post("/events", s.handleEvent)
	return r
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventhook: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventhook: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventhook: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventhook: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight
// requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.status = StatusDraining
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Status reports the server lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	payload := map[string]any{
		"status":           string(s.status),
		"protocol_version": ProtocolVersion,
	}
	if !s.startTime.IsZero() {
		payload["uptime"] = s.clock().Sub(s.startTime).String()
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleEvent(w http.ResponseWriter, req *http.Request) {
	var delivery Delivery
	if err := json.NewDecoder(req.Body).Decode(&delivery); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": fmt.Sprintf("decode event: %v", err)})
		return
	}
	ev := trigger.Event{
		Type:        delivery.Type,
		Ref:         delivery.Ref,
		Branch:      delivery.Branch,
		Actor:       delivery.Actor,
		PriorStatus: delivery.PriorStatus,
		ReceivedAt:  s.clock(),
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	if delivery.EventID != "" && s.alreadySeen(delivery.EventID) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "event_id": delivery.EventID})
		return
	}
	runID, err := s.launcher.Launch(req.Context(), ev)
	if err != nil {
		s.logger.Printf("eventhook: launch failed for %s event: %v", ev.Type, err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error()})
		return
	}
	// Remember the delivery only once a run actually launched; a failed
	// launch must leave the ID retryable.
	if delivery.EventID != "" {
		s.remember(delivery.EventID)
	}
	s.logger.Printf("eventhook: accepted %s event, run %s", ev.Type, runID)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "run_id": runID})
}

// alreadySeen reports whether the event ID was delivered and launched
// within the dedupe window.
func (s *Server) alreadySeen(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recentIDs[eventID]
	return ok
}

// remember records a launched delivery, evicting the oldest ID once the
// window is full.
func (s *Server) remember(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recentIDs[eventID]; ok {
		return
	}
	s.recentIDs[eventID] = struct{}{}
	s.recentOrder = append(s.recentOrder, eventID)
	if len(s.recentOrder) > s.settings.DedupeWindow {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentIDs, oldest)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

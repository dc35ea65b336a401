// Package api is the local control plane: a chi REST surface for
// operating the assistant and a WebSocket hub streaming call events to
// observers.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shkvoice/shkvoice/internal/call"
	"github.com/shkvoice/shkvoice/internal/config"
	"github.com/shkvoice/shkvoice/internal/order"
	"github.com/shkvoice/shkvoice/internal/sip"
	"github.com/shkvoice/shkvoice/internal/store"
)

// knownExpertModels is the selectable model pool for GET /expert/models.
var knownExpertModels = []string{"gpt-5-mini", "gpt-5", "o3", "o4-mini"}

// CallController is the slice of the orchestrator the REST surface needs.
type CallController interface {
	Status() call.Status
	Accept() error
	Hangup(reason string) error
	Mute()
	Unmute()
	Muted() bool
	Instructions() string
	SetInstructions(string)
}

// Registrar exposes the SIP registration state.
type Registrar interface {
	Registration() sip.RegistrationState
}

// ExpertService is the expert-prompt slice used by /expert/instructions.
type ExpertService interface {
	Instructions() string
	SetInstructions(string)
}

// StatsStore backs /expert/stats and the call counters of /status.
type StatsStore interface {
	ExpertStats(ctx context.Context) (store.ExpertStats, error)
	CallCount(ctx context.Context) (int, error)
	RecentCalls(ctx context.Context, limit int) ([]store.CallRecord, error)
}

// OrderGetter is the order slice used by GET and DELETE /order.
type OrderGetter interface {
	Get() (order.Order, bool)
	Clear()
}

// Server mounts the REST routes and the /ws endpoint.
type Server struct {
	router     *chi.Mux
	logger     *slog.Logger
	hub        *Hub
	controller CallController
	registrar  Registrar
	admission  *sip.Admission
	settings   *config.SettingsStore
	expert     ExpertService
	stats      StatsStore
	orders     OrderGetter
	metrics    http.Handler
}

// Deps carries the server's collaborators. Expert, Stats, and Metrics may
// be nil; their endpoints then answer 503.
type Deps struct {
	Hub        *Hub
	Controller CallController
	Registrar  Registrar
	Admission  *sip.Admission
	Settings   *config.SettingsStore
	Expert     ExpertService
	Stats      StatsStore
	Orders     OrderGetter
	Metrics    http.Handler
}

// NewServer builds the handler with all routes mounted.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger.With("component", "api"),
		hub:        deps.Hub,
		controller: deps.Controller,
		registrar:  deps.Registrar,
		admission:  deps.Admission,
		settings:   deps.Settings,
		expert:     deps.Expert,
		stats:      deps.Stats,
		orders:     deps.Orders,
		metrics:    deps.Metrics,
	}
	s.hub.SetStatusFunc(s.statusPayload)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.hub.ServeWS)

	r.Post("/call/accept", s.handleCallAccept)
	r.Post("/call/hangup", s.handleCallHangup)

	r.Post("/ai/mute", s.handleMute)
	r.Post("/ai/unmute", s.handleUnmute)

	r.Get("/model", s.handleGetModel)
	r.Post("/model", s.handleSetModel)

	r.Get("/instructions", s.handleGetInstructions)
	r.Post("/instructions", s.handleSetInstructions)

	r.Get("/order", s.handleGetOrder)
	r.Delete("/order", s.handleDeleteOrder)

	r.Route("/expert", func(r chi.Router) {
		r.Get("/config", s.handleGetExpertConfig)
		r.Post("/config", s.handleSetExpertConfig)
		r.Get("/models", s.handleGetExpertModels)
		r.Post("/models", s.handleSetExpertModels)
		r.Get("/stats", s.handleExpertStats)
		r.Get("/instructions", s.handleGetExpertInstructions)
		r.Post("/instructions", s.handleSetExpertInstructions)
	})

	r.Get("/firewall", s.handleGetFirewall)
	r.Post("/firewall", s.handleSetFirewall)

	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sip_registered": s.registrar.Registration().Status == sip.StatusRegistered,
		"call_active":    s.controller.Status().Active,
	})
}

func (s *Server) statusPayload() map[string]any {
	set := s.settings.Get()
	payload := map[string]any{
		"sip": s.registrar.Registration(),
		"ai": map[string]any{
			"model": set.Model,
			"call":  s.controller.Status(),
		},
		"firewall": map[string]any{
			"enabled":  s.admission.Enabled(),
			"networks": s.admission.Networks(),
		},
	}
	if s.stats != nil {
		if n, err := s.stats.CallCount(context.Background()); err == nil {
			payload["calls_total"] = n
		}
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusPayload())
}

func (s *Server) handleCallAccept(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Accept(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCallHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.Hangup("operator"); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	s.controller.Mute()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "muted": true})
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	s.controller.Unmute()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "muted": false})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"model": s.settings.Get().Model})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Model == "" {
		writeError(w, http.StatusBadRequest, "model must not be empty")
		return
	}

	err := s.settings.Update(func(set *config.Settings) {
		set.Model = body.Model
	})
	s.respondPersisted(w, map[string]any{"model": body.Model}, err)
}

// respondPersisted reports the config-write outcome. The in-memory change
// always stands; a failed file write yields status="error" with the
// message, per the durability contract.
func (s *Server) respondPersisted(w http.ResponseWriter, fields map[string]any, err error) {
	resp := map[string]any{"status": "ok", "persisted": true}
	for k, v := range fields {
		resp[k] = v
	}
	if err != nil {
		s.logger.Error("persisting settings", "error", err)
		resp["status"] = "error"
		resp["persisted"] = false
		resp["message"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetInstructions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instructions": s.controller.Instructions(),
		"persisted":    false,
	})
}

func (s *Server) handleSetInstructions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instructions string `json:"instructions"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.controller.SetInstructions(body.Instructions)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"note":   "temporary: instructions reset to the built-in text on restart",
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, active := s.orders.Get()
	if !active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "order": ord})
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	s.orders.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetExpertConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get().ExpertConfig)
}

func (s *Server) handleSetExpertConfig(w http.ResponseWriter, r *http.Request) {
	var body config.ExpertConfig
	if !decodeBody(w, r, &body) {
		return
	}
	if body.MinConfidence < 0 || body.MinConfidence > 1 {
		writeError(w, http.StatusBadRequest, "min_confidence must be between 0 and 1")
		return
	}

	err := s.settings.Update(func(set *config.Settings) {
		if len(body.EnabledModels) > 0 {
			set.ExpertConfig.EnabledModels = body.EnabledModels
		}
		if body.DefaultModel != "" {
			set.ExpertConfig.DefaultModel = body.DefaultModel
		}
		if body.MinConfidence > 0 {
			set.ExpertConfig.MinConfidence = body.MinConfidence
		}
	})
	s.respondPersisted(w, map[string]any{"expert_config": s.settings.Get().ExpertConfig}, err)
}

func (s *Server) handleGetExpertModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"available": knownExpertModels,
		"enabled":   s.settings.Get().ExpertConfig.EnabledModels,
		"default":   s.settings.Get().ExpertConfig.DefaultModel,
	})
}

func (s *Server) handleSetExpertModels(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EnabledModels []string `json:"enabled_models"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.EnabledModels) == 0 {
		writeError(w, http.StatusBadRequest, "enabled_models must not be empty")
		return
	}

	err := s.settings.Update(func(set *config.Settings) {
		set.ExpertConfig.EnabledModels = body.EnabledModels
	})
	s.respondPersisted(w, map[string]any{"enabled": body.EnabledModels}, err)
}

func (s *Server) handleExpertStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics store unavailable")
		return
	}
	stats, err := s.stats.ExpertStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetExpertInstructions(w http.ResponseWriter, r *http.Request) {
	if s.expert == nil {
		writeError(w, http.StatusServiceUnavailable, "expert unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instructions": s.expert.Instructions(),
		"persisted":    false,
	})
}

func (s *Server) handleSetExpertInstructions(w http.ResponseWriter, r *http.Request) {
	if s.expert == nil {
		writeError(w, http.StatusServiceUnavailable, "expert unavailable")
		return
	}
	var body struct {
		Instructions string `json:"instructions"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.expert.SetInstructions(body.Instructions)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"note":   "temporary: instructions reset to the built-in text on restart",
	})
}

func (s *Server) handleGetFirewall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  s.admission.Enabled(),
		"networks": s.admission.Networks(),
	})
}

func (s *Server) handleSetFirewall(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	s.admission.SetEnabled(*body.Enabled)
	s.logger.Info("firewall toggled", "enabled", *body.Enabled)
	s.hub.Broadcast("firewall_status", map[string]any{"enabled": *body.Enabled})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": *body.Enabled})
}

package webhook

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// DefaultMaxBodyBytes caps webhook request bodies.
const DefaultMaxBodyBytes = 5 << 20

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// Handler serves provider webhook callbacks.
type Handler struct {
	svc *Service
	cfg HandlerConfig
}

func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Handler{svc: svc, cfg: cfg}
}

// Routes returns the router: POST /webhooks/{tenant}/{provider} and
// GET /health. HEAD on a webhook URL answers the reachability check
// Mailchimp runs when a webhook is registered.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httputil.NotFound(w, "route not found")
	})
	r.Get("/health", h.Health)
	r.Post("/webhooks/{tenant}/{provider}", h.Receive)
	r.Head("/webhooks/{tenant}/{provider}", h.Reachable)
	return r
}

// Reachable answers 200 for a supported provider and 404 otherwise.
func (h *Handler) Reachable(w http.ResponseWriter, r *http.Request) {
	if !Supported(domain.ProviderType(chi.URLParam(r, "provider"))) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

type receiveResponse struct {
	Received  int  `json:"received"`
	Applied   int  `json:"applied"`
	Confirmed bool `json:"confirmed,omitempty"`
}

// Receive ingests one callback. Once the body is read the provider always
// gets 200, so it does not retry payloads that will never apply. A failed
// subscription handshake is the exception: it answers 500 so SNS resends it.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	tenant := domain.TenantID(chi.URLParam(r, "tenant"))
	pt := domain.ProviderType(chi.URLParam(r, "provider"))
	if tenant == "" {
		httputil.BadRequest(w, "missing tenant")
		return
	}
	if !Supported(pt) {
		httputil.BadRequest(w, "unsupported provider")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.BadRequest(w, "failed to read body")
		return
	}
	if len(body) == 0 {
		httputil.BadRequest(w, "empty body")
		return
	}

	if pt == domain.ProviderSES {
		handled, err := h.svc.ConfirmSubscription(r.Context(), tenant, pt, body)
		switch {
		case handled && err != nil:
			httputil.InternalError(w, fmt.Errorf("confirm %s subscription for %s: %w", pt, tenant, err))
			return
		case handled:
			httputil.OK(w, receiveResponse{Confirmed: true})
			return
		case err != nil:
			logger.Error("webhook: subscription confirmation", "tenant", tenant, "provider", pt, "error", err)
		}
	}

	res := h.svc.Ingest(r.Context(), tenant, pt, body, r.Header)
	httputil.OK(w, receiveResponse{Received: res.Received, Applied: res.Applied})
}

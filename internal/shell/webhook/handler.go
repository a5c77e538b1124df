// Package webhook exposes the Deployment Runner over HTTP so a CI system can
// trigger deployments.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/hostctl/internal/core/deploy"
	"github.com/artpar/hostctl/internal/shell/store"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Hostctl-Secret"

// ErrEmptySecret is returned when the handler is created without a secret.
var ErrEmptySecret = errors.New("webhook secret must not be empty")

// Deployer runs one deployment.
type Deployer interface {
	Run(ctx context.Context) (*deploy.Attempt, error)
}

// History reads recorded attempts.
type History interface {
	GetAttempt(ctx context.Context, id string) (*deploy.Attempt, error)
	ListAttempts(ctx context.Context, opts store.ListOptions) ([]deploy.Attempt, error)
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides the webhook HTTP handlers.
type Handler struct {
	deployer Deployer
	history  History // optional
	secret   []byte
	running  sync.Mutex
	logger   *slog.Logger
}

// NewHandler creates a webhook handler. history may be nil when the journal
// is disabled.
func NewHandler(deployer Deployer, history History, secret string, logger *slog.Logger) (*Handler, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deployer: deployer,
		history:  history,
		secret:   []byte(secret),
		logger:   logger.With("component", "webhook"),
	}, nil
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSecret)
		r.Get("/deployments", h.handleListDeployments)
		r.Get("/deployments/{id}", h.handleGetDeployment)
		r.Post("/hooks/deploy", h.handleDeploy)
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(SecretHeader))
		if subtle.ConstantTimeCompare(got, h.secret) != 1 {
			h.logger.Warn("rejected webhook call", "remote_addr", r.RemoteAddr)
			h.writeError(w, http.StatusUnauthorized, "invalid or missing secret", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleDeploy runs the deployment synchronously. A client disconnect does
// not cancel a running deployment.
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if !h.running.TryLock() {
		h.writeError(w, http.StatusConflict, "a deployment is already running", "busy")
		return
	}
	defer h.running.Unlock()

	log := h.logger.With("request_id", middleware.GetReqID(r.Context()))
	log.Info("deployment requested", "remote_addr", r.RemoteAddr)

	attempt, err := h.deployer.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		log.Error("webhook deployment failed", "error", err)
		h.writeJSON(w, http.StatusBadGateway, DeployResponse{Attempt: attempt, Error: err.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, DeployResponse{Attempt: attempt})
}

func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "deployment journal is disabled", "journal_disabled")
		return
	}

	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	attempts, err := h.history.ListAttempts(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list deployments", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list deployments", "internal_error")
		return
	}
	if attempts == nil {
		attempts = []deploy.Attempt{}
	}

	h.writeJSON(w, http.StatusOK, ListDeploymentsResponse{
		Deployments: attempts,
		Limit:       opts.Limit,
		Offset:      opts.Offset,
	})
}

func (h *Handler) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "deployment journal is disabled", "journal_disabled")
		return
	}

	id := chi.URLParam(r, "id")
	attempt, err := h.history.GetAttempt(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("failed to get deployment", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get deployment", "internal_error")
		return
	}
	h.writeJSON(w, http.StatusOK, attempt)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

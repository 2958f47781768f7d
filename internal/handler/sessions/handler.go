package sessions

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nomeentregaron/medbot/internal/model/session"
	"github.com/nomeentregaron/medbot/internal/service/document"
	sessionService "github.com/nomeentregaron/medbot/internal/service/session"
	"github.com/nomeentregaron/medbot/internal/store"
	"github.com/nomeentregaron/medbot/pkg/utils"
)

// Handler exposes session inspection, the operator-triggered inactivity
// cleanup, and document generation over archived sessions.
type Handler struct {
	sessions  *sessionService.Service
	generator *document.Service
}

// New creates the session admin handler. generator may be nil when no LLM
// credentials are configured.
func New(sessions *sessionService.Service, generator *document.Service) *Handler {
	return &Handler{sessions: sessions, generator: generator}
}

// RegisterRoutes mounts the admin and inspection endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}", h.handleInfo)
	r.Post("/admin/cleanup", h.handleCleanup)
	r.Post("/documents/{sessionID}", h.handleGenerateDocument)
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Info(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusServiceUnavailable, "session lookup failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		HoursLimit int `json:"hours_limit"`
	}
	if r.Body != nil {
		// An empty body keeps the default limit.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}
	if payload.HoursLimit <= 0 {
		payload.HoursLimit = 6
	}

	closed, err := h.sessions.CleanupInactive(r.Context(), time.Duration(payload.HoursLimit)*time.Hour)
	if err != nil {
		log.Printf("[admin] cleanup failed: %v", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "cleanup failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (h *Handler) handleGenerateDocument(w http.ResponseWriter, r *http.Request) {
	if h.generator == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "document generation unavailable")
		return
	}

	var payload struct {
		RiskCategory string `json:"risk_category"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	id := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Info(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusServiceUnavailable, "session lookup failed")
		return
	}
	if sess.State != session.StateClosed {
		utils.RespondError(w, http.StatusConflict, "session is still open")
		return
	}
	if sess.RequiresConsent() {
		utils.RespondError(w, http.StatusUnprocessableEntity, "consent was never granted")
		return
	}

	text, err := h.generator.Generate(r.Context(), sess, payload.RiskCategory)
	if err != nil {
		if errors.Is(err, document.ErrNoPatientData) {
			utils.RespondError(w, http.StatusUnprocessableEntity, "session has no patient data")
			return
		}
		log.Printf("[admin] document generation failed for %s: %v", id, err)
		utils.RespondError(w, http.StatusBadGateway, "document generation failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"sessionId": id, "document": text})
}

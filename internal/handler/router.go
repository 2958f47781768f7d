package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nomeentregaron/medbot/internal/handler/sessions"
	"github.com/nomeentregaron/medbot/internal/handler/webhook"
	middlewarePkg "github.com/nomeentregaron/medbot/internal/middleware"
	"github.com/nomeentregaron/medbot/internal/service/document"
	sessionService "github.com/nomeentregaron/medbot/internal/service/session"
	"github.com/nomeentregaron/medbot/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(sessionSvc *sessionService.Service, generator *document.Service, verifyToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	webhookHandler := webhook.New(sessionSvc, verifyToken)
	sessionsHandler := sessions.New(sessionSvc, generator)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	webhookHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		sessionsHandler.RegisterRoutes(api)
	})

	return r
}

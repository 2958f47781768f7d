package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/nomeentregaron/medbot/internal/analysis/intent"
	"github.com/nomeentregaron/medbot/internal/config"
	"github.com/nomeentregaron/medbot/internal/handler"
	"github.com/nomeentregaron/medbot/internal/service/document"
	"github.com/nomeentregaron/medbot/internal/service/extraction"
	sessionService "github.com/nomeentregaron/medbot/internal/service/session"
	"github.com/nomeentregaron/medbot/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	sessionStore, cleanup, err := buildStore(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to initialize session store: %v", err)
	}
	defer cleanup()

	classifier := intent.NewClassifier(cfg.Intent.Affirmative, cfg.Intent.Negative, cfg.Intent.Termination)

	var extractor sessionService.Extractor
	var generator *document.Service
	if cfg.LLM.Enabled() {
		extractor = extraction.NewService(extraction.NewOpenAIVision(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.VisionModel))
		generator = document.NewService(document.NewOpenAICompleter(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.DocumentModel))
		log.Println("extraction and document services initialized")
	} else {
		extractor = extraction.Unavailable{}
		log.Println("OPENAI_API_KEY not set; image extraction will answer with a transient error")
	}

	sessionSvc := sessionService.NewService(sessionStore, classifier, extractor)
	router := handler.NewRouter(sessionSvc, generator, cfg.WhatsApp.VerifyToken)

	startServer(ctx, cfg.Server, router)
}

// buildStore selects Postgres when DATABASE_URL is configured, otherwise the
// in-memory store.
func buildStore(ctx context.Context, cfg config.StoreConfig) (store.SessionStore, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set; using in-memory session store")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := store.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Println("Postgres session store initialized")
	return store.NewPostgresStore(db), func() { db.Close() }, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("session manager listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

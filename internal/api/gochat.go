package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/residence-chat/internal/config"
	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/server"
)

// ChatApp is the HTTP front door: the websocket endpoint, the history and
// residence lookups used by clients, and health checks.
type ChatApp struct {
	log            *log.Logger
	srv            *http.Server
	sm             *server.SessionManager
	store          database.MessageStore
	directory      database.TenantDirectory
	signingKey     []byte
	allowedOrigins []string
}

func NewChatApp(
	mux *http.ServeMux,
	logger *log.Logger,
	sm *server.SessionManager,
	store database.MessageStore,
	directory database.TenantDirectory,
	cfg *config.Config,
) *ChatApp {
	s := &ChatApp{
		log:            logger,
		sm:             sm,
		store:          store,
		directory:      directory,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/residences/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/residents/me/residence", s.authMiddleware(s.getMyResidence))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: s.errorHandler(h),
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

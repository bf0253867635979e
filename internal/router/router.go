package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"gemini-chat-backend/internal/handlers"
	"gemini-chat-backend/internal/middleware"
	"gemini-chat-backend/internal/websocket"
)

// New builds the HTTP router. wsHub may be nil when live streaming is not
// configured.
func New(
	geminiHandler *handlers.GeminiHandler,
	limiter *middleware.RateLimiter,
	wsHub *websocket.Hub,
	allowedOrigin string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigin))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.With(limiter.Middleware).Get("/gemini", geminiHandler.Handle)

	// ──── Live fragments (Redis only) ────
	if wsHub != nil {
		r.Get("/gemini/ws", wsHub.HandleWebSocket)
	}

	return r
}

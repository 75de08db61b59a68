package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/dealroom/backend/internal/bus"
	"github.com/zhouzirui/dealroom/backend/internal/handler/cable"
	catalogHandler "github.com/zhouzirui/dealroom/backend/internal/handler/catalog"
	"github.com/zhouzirui/dealroom/backend/internal/handler/chat"
	"github.com/zhouzirui/dealroom/backend/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/dealroom/backend/internal/middleware"
	"github.com/zhouzirui/dealroom/backend/internal/model/catalog"
	chatService "github.com/zhouzirui/dealroom/backend/internal/service/chat"
	"github.com/zhouzirui/dealroom/backend/pkg/utils"
)

// Deps are the services the HTTP layer is built on.
type Deps struct {
	Models         catalog.Store
	Chats          *chatService.Service
	Events         bus.Subscriber
	AllowedOrigins []string
	// JWTSecret enables bearer auth on /api when set.
	JWTSecret string
	Logger    *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		if deps.JWTSecret != "" {
			api.Use(middlewarePkg.Auth(middlewarePkg.NewTokenVerifier(deps.JWTSecret)))
		}

		catalogHandler.New(deps.Models).RegisterRoutes(api)
		chat.New(deps.Chats, logger).RegisterRoutes(api)

		// live updates over WebSocket or SSE, whichever the client supports
		cable.New(deps.Chats, deps.Events, originChecker(deps.AllowedOrigins), logger).RegisterRoutes(api)
		stream.New(deps.Chats, deps.Events, logger).RegisterRoutes(api)
	})

	return r
}

// originChecker mirrors the CORS allow list for WebSocket handshakes.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return nil
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

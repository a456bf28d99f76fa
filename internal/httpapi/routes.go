package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/planpoker/poker-room-backend/internal/config"
	"github.com/planpoker/poker-room-backend/internal/registry"
	"github.com/planpoker/poker-room-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, cfg config.Config, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Post("/rooms", CreateRoom(reg))
	r.Get("/rooms/{roomID}", GetRoom(reg))
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, cfg, log))
	return r
}

package httpapi

import (
	"context"
	"net/http"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/hub"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/storage"
	"github.com/DoyleJ11/kart-lobby/internal/ws"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ResultLister is the read side of the result store.
type ResultLister interface {
	RecentResults(ctx context.Context, limit int) ([]storage.RaceResult, error)
}

// SessionFactory builds the machine for a new session started over HTTP.
type SessionFactory func() (*engine.Machine, lobby.Options)

type Deps struct {
	Hub        *hub.Hub
	Results    ResultLister // may be nil
	NewSession SessionFactory
	WS         ws.Options
	Log        *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(d.Hub, d.WS))

	r.Route("/session", func(r chi.Router) {
		r.Get("/", GetSession(d.Hub))
		r.Post("/", CreateSession(d.Hub, d.NewSession))
		r.Delete("/", EndSession(d.Hub))
		r.Get("/progress", GetProgress(d.Hub))
		r.Post("/start", StartSelection(d.Hub, d.Log))
		r.Post("/finish", FinishRace(d.Hub, d.Log))
		r.Post("/exit", ExitResults(d.Hub, d.Log))
	})
	r.Get("/results", ListResults(d.Results, d.Log))
	return r
}

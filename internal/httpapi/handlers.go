package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/hub"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/DoyleJ11/kart-lobby/internal/storage"
	"github.com/DoyleJ11/kart-lobby/internal/types"
	"go.uber.org/zap"
)

const (
	defaultResultLimit = 20
	maxResultLimit     = 100
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// current finds the running session whatever its role.
func current(h *hub.Hub) (*lobby.Lobby, bool) {
	if lb, ok := h.Lookup(engine.RoleAuthority); ok {
		return lb, true
	}
	return h.Lookup(engine.RoleParticipant)
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func GetSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lb, ok := current(h)
		if !ok {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		v, ok := lb.State(r.Context())
		if !ok {
			http.Error(w, "session ended", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, types.NewSessionView(v))
	}
}

// GetProgress reads the estimator directly and never waits on the session.
func GetProgress(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lb, ok := current(h)
		if !ok {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, types.NewProgressView(lb.Progress()))
	}
}

func CreateSession(h *hub.Hub, factory SessionFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if factory == nil {
			http.Error(w, "session creation disabled", http.StatusMethodNotAllowed)
			return
		}
		m, opts := factory()
		lb, ok := h.TryCreate(m, opts)
		if !ok {
			http.Error(w, "a session already exists", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusCreated, struct {
			SessionID string `json:"session_id"`
		}{SessionID: lb.ID()})
	}
}

func EndSession(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.End() {
			http.Error(w, "no session", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// StartSelection opens selection from the lobby, or closes it early when
// selection is already running.
func StartSelection(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		do(w, r, h, log, &protocol.RequestBegin{})
	}
}

type finishRequest struct {
	Ranking []string `json:"ranking"`
}

// FinishRace ends the running race. The optional body carries the finish
// order as participant ids.
func FinishRace(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req finishRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid body", http.StatusBadRequest)
				return
			}
		}
		do(w, r, h, log, &protocol.RaceFinished{Ranking: req.Ranking})
	}
}

// ExitResults ends the results screen without waiting for every
// acknowledgement. During selection it abandons the selection instead.
func ExitResults(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		do(w, r, h, log, &protocol.ExitResult{})
	}
}

func do(w http.ResponseWriter, r *http.Request, h *hub.Hub, log *zap.Logger, msg protocol.Payload) {
	lb, ok := h.Lookup(engine.RoleAuthority)
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	err := lb.Do(r.Context(), msg)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, lobby.ErrClosed):
		http.Error(w, "session ended", http.StatusNotFound)
	case errors.Is(err, engine.ErrStale),
		errors.Is(err, engine.ErrNotEnoughPlayers),
		errors.Is(err, roster.ErrUnbalancedTeams):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Warn("operator request rejected", zap.Stringer("event", msg.Type()), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

func ListResults(store ResultLister, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusOK, []types.ResultView{})
			return
		}
		limit := defaultResultLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, maxResultLimit)
		}

		results, err := store.RecentResults(r.Context(), limit)
		if err != nil {
			log.Error("listing results", zap.Error(err))
			http.Error(w, "failed to list results", http.StatusInternalServerError)
			return
		}
		out := make([]types.ResultView, 0, len(results))
		for _, res := range results {
			out = append(out, resultView(res))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func resultView(res storage.RaceResult) types.ResultView {
	v := types.ResultView{
		SessionID:  res.SessionID,
		Mode:       session.Mode(res.Mode).String(),
		Track:      res.Track,
		Laps:       res.Laps,
		Reverse:    res.Reverse,
		RedScore:   int(res.RedScore),
		BlueScore:  int(res.BlueScore),
		Winner:     roster.Team(res.Winner).String(),
		FinishedAt: res.FinishedAt,
		Entries:    make([]types.ResultEntryView, 0, len(res.Entries)),
	}
	for _, e := range res.Entries {
		v.Entries = append(v.Entries, types.ResultEntryView{
			Position:      e.Position,
			ParticipantID: e.ParticipantID,
			Name:          e.Name,
			Team:          roster.Team(e.Team).String(),
			Kart:          e.Kart,
		})
	}
	return v
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/hub"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/DoyleJ11/kart-lobby/internal/storage"
	"github.com/DoyleJ11/kart-lobby/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResults struct {
	mu      sync.Mutex
	results []storage.RaceResult
	err     error
	limit   int
}

func (f *fakeResults) RecentResults(_ context.Context, limit int) ([]storage.RaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
	return f.results, f.err
}

func (f *fakeResults) lastLimit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func newServer(t *testing.T, results ResultLister) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub(ctx)
	srv := httptest.NewServer(SetupRoutes(Deps{
		Hub:     h,
		Results: results,
		NewSession: func() (*engine.Machine, lobby.Options) {
			return engine.NewAuthority(session.Default().Normalize(), engine.Deps{}), lobby.Options{}
		},
	}))
	t.Cleanup(srv.Close)
	return srv, h
}

func call(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func admit(t *testing.T, h *hub.Hub, peers ...string) {
	t.Helper()
	lb, ok := h.Lookup(engine.RoleAuthority)
	require.True(t, ok)
	for _, p := range peers {
		lb.Inbox() <- lobby.Connect{PeerID: p, Outbox: make(chan lobby.Envelope, 32)}
		lb.Inbox() <- lobby.FromPeer{PeerID: p, Msg: &protocol.ConnectionRequested{Version: 4, Identity: p, Name: p}}
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t, nil)
	resp := call(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newServer(t, nil)

	resp := call(t, http.MethodGet, srv.URL+"/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = call(t, http.MethodPost, srv.URL+"/session", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		SessionID string `json:"session_id"`
	}](t, resp)
	assert.NotEmpty(t, created.SessionID)

	resp = call(t, http.MethodPost, srv.URL+"/session", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = call(t, http.MethodGet, srv.URL+"/session", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[types.SessionView](t, resp)
	assert.Equal(t, created.SessionID, view.SessionID)
	assert.Equal(t, "authority", view.Role)
	assert.Equal(t, "awaiting-connections", view.Phase)
	assert.Empty(t, view.Participants)

	resp = call(t, http.MethodDelete, srv.URL+"/session", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = call(t, http.MethodDelete, srv.URL+"/session", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSelection(t *testing.T) {
	srv, h := newServer(t, nil)

	resp := call(t, http.MethodPost, srv.URL+"/session/start", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/session", "").StatusCode)

	resp = call(t, http.MethodPost, srv.URL+"/session/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not enough players")

	admit(t, h, "p1", "p2")
	resp = call(t, http.MethodPost, srv.URL+"/session/start", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = call(t, http.MethodGet, srv.URL+"/session", "")
	view := decode[types.SessionView](t, resp)
	assert.Equal(t, "selection", view.Phase)
	assert.Len(t, view.Participants, 2)
	assert.Equal(t, "p1", view.Owner)
	assert.NotNil(t, view.Deadline)
}

func TestFinishRace_OutsideRaceIsConflict(t *testing.T) {
	srv, _ := newServer(t, nil)
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/session", "").StatusCode)

	resp := call(t, http.MethodPost, srv.URL+"/session/finish", `{"ranking":["p1"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = call(t, http.MethodPost, srv.URL+"/session/finish", `{"ranking":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetProgress_UnknownOutsideRace(t *testing.T) {
	srv, _ := newServer(t, nil)
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/session", "").StatusCode)

	resp := call(t, http.MethodGet, srv.URL+"/session/progress", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[types.ProgressView](t, resp)
	assert.Nil(t, p.RemainingTicks)
	assert.Nil(t, p.CompletionPercent)
}

func TestListResults(t *testing.T) {
	store := &fakeResults{results: []storage.RaceResult{{
		SessionID:  "s1",
		Mode:       uint8(session.ModeCaptureTheFlag),
		Track:      "islands",
		Laps:       1,
		RedScore:   3,
		BlueScore:  1,
		Winner:     uint8(roster.TeamRed),
		FinishedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Entries: []storage.ResultEntry{
			{Position: 1, ParticipantID: "p1", Name: "Tux", Team: uint8(roster.TeamRed)},
		},
	}}}
	srv, _ := newServer(t, store)

	resp := call(t, http.MethodGet, srv.URL+"/results?limit=500", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[[]types.ResultView](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, maxResultLimit, store.lastLimit())
	assert.Equal(t, session.ModeCaptureTheFlag.String(), got[0].Mode)
	assert.Equal(t, roster.TeamRed.String(), got[0].Winner)
	require.Len(t, got[0].Entries, 1)
	assert.Equal(t, "Tux", got[0].Entries[0].Name)

	resp = call(t, http.MethodGet, srv.URL+"/results?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	store.mu.Lock()
	store.err = errors.New("db down")
	store.mu.Unlock()
	resp = call(t, http.MethodGet, srv.URL+"/results", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, defaultResultLimit, store.lastLimit())
}

func TestExitResults(t *testing.T) {
	srv, h := newServer(t, nil)
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, srv.URL+"/session", "").StatusCode)

	resp := call(t, http.MethodPost, srv.URL+"/session/exit", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	admit(t, h, "p1", "p2")
	for range 2 {
		require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/session/start", "").StatusCode)
	}
	lb, ok := h.Lookup(engine.RoleAuthority)
	require.True(t, ok)
	for _, p := range []string{"p1", "p2"} {
		lb.Inbox() <- lobby.FromPeer{PeerID: p, Msg: &protocol.ClientLoadedWorld{}}
	}
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, srv.URL+"/session/finish", "").StatusCode)

	resp = call(t, http.MethodGet, srv.URL+"/session", "")
	require.Equal(t, "results", decode[types.SessionView](t, resp).Phase)

	resp = call(t, http.MethodPost, srv.URL+"/session/exit", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = call(t, http.MethodGet, srv.URL+"/session", "")
	view := decode[types.SessionView](t, resp)
	assert.Equal(t, "awaiting-connections", view.Phase)
	assert.Len(t, view.Participants, 2)
}

// Package hub owns the process-wide session context. At most one session
// exists at a time, in one role.
package hub

import (
	"context"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
)

type HubMsg interface{ isHubMsg() }

type CreateSession struct {
	Machine *engine.Machine
	Options lobby.Options
	Reply   chan *lobby.Lobby // nil reply means a session already exists
}

type GetSession struct {
	Role  engine.Role
	Reply chan *lobby.Lobby // May be nil
}

type EndSession struct {
	Reply chan bool
}

type ShutdownHub struct{}

func (CreateSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (EndSession) isHubMsg()    {}
func (ShutdownHub) isHubMsg()   {}

type Hub struct {
	inbox   chan HubMsg
	session *lobby.Lobby
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.end()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateSession:
				if h.live() {
					msg.Reply <- nil
					break
				}
				h.session = lobby.New(h.ctx, msg.Machine, msg.Options)
				msg.Reply <- h.session

			case GetSession:
				if h.live() && h.session.Role() == msg.Role {
					msg.Reply <- h.session
					break
				}
				msg.Reply <- nil

			case EndSession:
				ended := h.live()
				h.end()
				if msg.Reply != nil {
					msg.Reply <- ended
				}

			case ShutdownHub:
				h.end()
				h.cancel()
				return
			}
		}
	}
}

// live reports whether the current session is still running. A lobby that
// stopped on its own no longer blocks creation.
func (h *Hub) live() bool {
	if h.session == nil {
		return false
	}
	select {
	case <-h.session.Done():
		h.session = nil
		return false
	default:
		return true
	}
}

func (h *Hub) end() {
	if h.session == nil {
		return
	}
	select {
	case h.session.Inbox() <- lobby.Shutdown{}:
	case <-h.session.Done():
	}
	h.session = nil
}

// Create starts the session. It panics if one already exists: two
// sessions in one process is a programming error, not a runtime condition.
func (h *Hub) Create(m *engine.Machine, opts lobby.Options) *lobby.Lobby {
	lb, ok := h.TryCreate(m, opts)
	if !ok {
		panic("hub: a session context already exists")
	}
	return lb
}

// TryCreate is Create for callers that can report an existing session.
func (h *Hub) TryCreate(m *engine.Machine, opts lobby.Options) (*lobby.Lobby, bool) {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- CreateSession{Machine: m, Options: opts, Reply: reply}:
	case <-h.ctx.Done():
		return nil, false
	}
	select {
	case lb := <-reply:
		return lb, lb != nil
	case <-h.ctx.Done():
		return nil, false
	}
}

// Lookup returns the running session if it has the expected role.
func (h *Hub) Lookup(role engine.Role) (*lobby.Lobby, bool) {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- GetSession{Role: role, Reply: reply}:
	case <-h.ctx.Done():
		return nil, false
	}
	select {
	case lb := <-reply:
		return lb, lb != nil
	case <-h.ctx.Done():
		return nil, false
	}
}

// End stops the running session, reporting whether there was one.
func (h *Hub) End() bool {
	reply := make(chan bool, 1)
	select {
	case h.inbox <- EndSession{Reply: reply}:
	case <-h.ctx.Done():
		return false
	}
	select {
	case ended := <-reply:
		return ended
	case <-h.ctx.Done():
		return false
	}
}

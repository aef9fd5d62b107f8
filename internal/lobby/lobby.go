// Package lobby runs one engine.Machine on its own goroutine. Transport
// callbacks, timers and operator requests all arrive as messages on the
// inbox, so the machine only ever sees one event at a time.
package lobby

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("lobby closed")

type Msg interface{ isLobbyMsg() }

// Envelope is one event for a peer. Close asks the transport to hang up
// after writing it.
type Envelope struct {
	Msg   protocol.Payload
	Close bool
}

// Connect registers a transport connection. The peer is not a participant
// until its ConnectionRequested is accepted.
type Connect struct {
	PeerID string
	Outbox chan Envelope // where this peer wants to receive events
}

func (Connect) isLobbyMsg() {}

type FromPeer struct {
	PeerID string
	Msg    protocol.Payload
}

func (FromPeer) isLobbyMsg() {}

// Malformed reports a frame the transport could not turn into an event.
type Malformed struct {
	PeerID string
	Err    error
}

func (Malformed) isLobbyMsg() {}

type Disconnect struct{ PeerID string }

func (Disconnect) isLobbyMsg() {}

// Local is an event originated by this process (operator, menu, bot).
// Reply, if set, receives the machine's verdict.
type Local struct {
	Msg   protocol.Payload
	Reply chan error
}

func (Local) isLobbyMsg() {}

// UpdateTransforms replaces the world positions fed to the next tick. A
// local simulation uses it instead of replicated KartState events.
type UpdateTransforms struct {
	Transforms map[string]geom.Transform
}

func (UpdateTransforms) isLobbyMsg() {}

// Step advances the clock by Ticks without waiting for the ticker.
type Step struct {
	Ticks int
	Done  chan struct{}
}

func (Step) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type View struct {
	SessionID string
	Tick      uint64
	NumPeers  int
	Machine   engine.View
}

// ResultSink receives every finished race.
type ResultSink interface {
	RecordRace(sessionID string, race session.Race, result protocol.RaceFinished, participants []roster.Participant)
}

type Options struct {
	// TickInterval drives the clock. Zero disables the ticker; use Step.
	TickInterval time.Duration
	// Uplink carries a participant's requests to the authority.
	Uplink  chan<- protocol.Payload
	Results ResultSink
	Log     *zap.Logger
}

type world map[string]geom.Transform

func (w world) Transform(id string) (geom.Transform, bool) {
	t, ok := w[id]
	return t, ok
}

type Lobby struct {
	id       string
	inbox    chan Msg
	machine  *engine.Machine
	progress *progress.Estimator
	opts     Options
	log      *zap.Logger
	tick     uint64
	world    world
	peers    map[string]chan Envelope
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, m *engine.Machine, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	id := uuid.NewString()

	l := &Lobby{
		id:       id,
		inbox:    make(chan Msg, 64), // Small buffer
		machine:  m,
		progress: m.Progress(),
		opts:     opts,
		log:      opts.Log.Named("lobby").With(zap.String("session", id), zap.Stringer("role", m.Role())),
		world:    world{},
		peers:    make(map[string]chan Envelope),
		ctx:      ctx,
		cancel:   cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	var ticks <-chan time.Time
	if l.opts.TickInterval > 0 {
		t := time.NewTicker(l.opts.TickInterval)
		defer t.Stop()
		ticks = t.C
	}

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case <-ticks:
			l.step()

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Connect:
				l.peers[msg.PeerID] = msg.Outbox
				l.log.Debug("peer connected", zap.String("peer", msg.PeerID))

			case Disconnect:
				if _, ok := l.peers[msg.PeerID]; !ok {
					break
				}
				delete(l.peers, msg.PeerID)
				delete(l.world, msg.PeerID)
				l.route(l.machine.Disconnect(msg.PeerID))

			case FromPeer:
				if l.machine.Role() == engine.RoleAuthority {
					if _, ok := l.peers[msg.PeerID]; !ok {
						break // already dropped
					}
				}
				out, err := l.machine.Apply(engine.Inbound{From: msg.PeerID, Msg: msg.Msg})
				if err != nil {
					l.log.Debug("event rejected", zap.String("peer", msg.PeerID), zap.Stringer("event", msg.Msg.Type()), zap.Error(err))
				} else {
					l.observe(msg.PeerID, msg.Msg)
				}
				l.route(out)

			case Malformed:
				l.route(l.machine.Violation(msg.PeerID, msg.Err))

			case Local:
				out, err := l.machine.Apply(engine.Inbound{Msg: msg.Msg})
				if msg.Reply != nil {
					msg.Reply <- err
				}
				l.route(out)

			case UpdateTransforms:
				l.world = world{}
				maps.Copy(l.world, msg.Transforms)

			case Step:
				for range msg.Ticks {
					l.step()
				}
				if msg.Done != nil {
					close(msg.Done)
				}

			case GetState:
				msg.Reply <- View{
					SessionID: l.id,
					Tick:      l.tick,
					NumPeers:  len(l.peers),
					Machine:   l.machine.View(),
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) step() {
	l.tick++
	l.route(l.machine.Tick(l.tick, l.world))
}

// route hands machine output to the transport. Peers whose outbox is full
// are dropped and their departure is fed back into the machine.
func (l *Lobby) route(out []engine.Outgoing) {
	var slow []string
	for _, o := range out {
		switch o.Target {
		case engine.ToAll:
			for _, id := range l.machine.Members() {
				if !l.deliver(id, Envelope{Msg: o.Msg}) {
					slow = append(slow, id)
				}
			}
		case engine.ToPeer:
			if !l.deliver(o.Peer, Envelope{Msg: o.Msg, Close: o.Close}) {
				slow = append(slow, o.Peer)
			}
			if o.Close {
				l.drop(o.Peer)
			}
		case engine.ToOthers:
			for _, id := range l.machine.Members() {
				if id != o.Peer && !l.deliver(id, Envelope{Msg: o.Msg}) {
					slow = append(slow, id)
				}
			}
		case engine.ToAuthority:
			l.uplink(o.Msg)
		}
		l.observe("", o.Msg)

		if res, ok := o.Msg.(*protocol.RaceFinished); ok && l.machine.Role() == engine.RoleAuthority && l.opts.Results != nil {
			v := l.machine.View()
			l.opts.Results.RecordRace(l.id, v.Race, *res, v.Participants)
		}
	}

	for _, id := range slow {
		if _, ok := l.peers[id]; !ok {
			continue
		}
		l.log.Warn("dropping slow peer", zap.String("peer", id))
		l.drop(id)
		l.route(l.machine.Disconnect(id))
	}
}

// observe keeps the world in step with the race. Transforms are keyed by
// the sending peer on the authority and by the relayed id on a participant;
// a new race or the end of one forgets them all.
func (l *Lobby) observe(peer string, msg protocol.Payload) {
	switch msg := msg.(type) {
	case *protocol.KartState:
		id := msg.ID
		switch {
		case peer != "" && l.machine.Role() == engine.RoleAuthority:
			id = peer
		case id == "":
			id = l.machine.Self()
		}
		if id != "" {
			l.world[id] = msg.Transform
		}
	case *protocol.StartRace, *protocol.RaceFinished, *protocol.ExitResult:
		clear(l.world)
	}
}

func (l *Lobby) deliver(peer string, env Envelope) bool {
	ch, ok := l.peers[peer]
	if !ok {
		return true
	}
	select {
	case ch <- env:
		return true
	default:
		// Peer is slow/full.
		return false
	}
}

func (l *Lobby) drop(peer string) {
	if ch, ok := l.peers[peer]; ok {
		close(ch) // Tell the peer no more events
		delete(l.peers, peer)
	}
}

func (l *Lobby) uplink(msg protocol.Payload) {
	if l.opts.Uplink == nil {
		l.log.Warn("no uplink for participant request", zap.Stringer("event", msg.Type()))
		return
	}
	select {
	case l.opts.Uplink <- msg:
	default:
		l.log.Warn("uplink full, request dropped", zap.Stringer("event", msg.Type()))
	}
}

func (l *Lobby) shutdown() {
	for id := range l.peers {
		l.drop(id)
	}
	l.cancel()
}

// Inbox exposes the inbox so tests or the ws layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Send delivers msg unless ctx ends or the lobby has shut down first.
func (l *Lobby) Send(ctx context.Context, msg Msg) bool {
	select {
	case l.inbox <- msg:
		return true
	case <-ctx.Done():
		return false
	case <-l.ctx.Done():
		return false
	}
}

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

func (l *Lobby) ID() string        { return l.id }
func (l *Lobby) Role() engine.Role { return l.machine.Role() }

// Progress may be read from any goroutine without going through the inbox.
func (l *Lobby) Progress() progress.Snapshot { return l.progress.Read() }

// State asks the loop for a View.
func (l *Lobby) State(ctx context.Context) (View, bool) {
	reply := make(chan View, 1)
	if !l.Send(ctx, GetState{Reply: reply}) {
		return View{}, false
	}
	select {
	case v := <-reply:
		return v, true
	case <-ctx.Done():
		return View{}, false
	case <-l.ctx.Done():
		return View{}, false
	}
}

// Do applies a local event and waits for the verdict.
func (l *Lobby) Do(ctx context.Context, msg protocol.Payload) error {
	reply := make(chan error, 1)
	if !l.Send(ctx, Local{Msg: msg, Reply: reply}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Package engine is the lobby state machine. One Machine type serves both
// roles: the authority validates and drives the session, a participant
// mirrors it and forwards its own requests. Both share one transition table;
// the role decides which events a side may originate.
package engine

import (
	"errors"
	"math"

	"github.com/DoyleJ11/kart-lobby/internal/catalog"
	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"github.com/DoyleJ11/kart-lobby/internal/objective"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.uber.org/zap"
)

// Rejections that are dropped without penalty.
var ErrStale = errors.New("event not valid in current phase")
var ErrAborted = errors.New("session aborted")
var ErrNotEnoughPlayers = errors.New("not enough participants")
var ErrUnavailableKart = errors.New("kart not available")
var ErrInvalidVote = errors.New("invalid vote")
var ErrNotConfigurable = errors.New("session is not configurable")
var ErrInvalidChat = errors.New("invalid chat message")
var ErrNotConnected = errors.New("not connected to a session")

// Protocol violations, counted against the sending peer.
var ErrNotPermitted = errors.New("event may not be originated by this role")
var ErrUnknownPeer = errors.New("sender is not an admitted participant")
var ErrNotOwner = errors.New("sender does not own the session")
var ErrAlreadyAdmitted = errors.New("participant already admitted")
var ErrUnsupportedEvent = errors.New("unsupported event")

// IsViolation reports whether err should count against the sending peer.
func IsViolation(err error) bool {
	return errors.Is(err, ErrNotPermitted) ||
		errors.Is(err, ErrUnknownPeer) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrAlreadyAdmitted) ||
		errors.Is(err, ErrUnsupportedEvent) ||
		errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrUnknownType)
}

const noDeadline uint64 = math.MaxUint64

const maxChat = 256

var carryOffset = geom.At(geom.Vec3{Y: 1.2, Z: -0.8})

type Phase uint8

const (
	PhaseAwaitingConnections Phase = iota
	PhaseSelection
	PhaseLoadingBarrier
	PhaseRacing
	PhaseResults
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingConnections:
		return "awaiting-connections"
	case PhaseSelection:
		return "selection"
	case PhaseLoadingBarrier:
		return "loading-barrier"
	case PhaseRacing:
		return "racing"
	case PhaseResults:
		return "results"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type Role uint8

const (
	RoleAuthority Role = iota
	RoleParticipant
)

func (r Role) String() string {
	if r == RoleAuthority {
		return "authority"
	}
	return "participant"
}

// other is the role on the far side of the connection.
func (r Role) other() Role {
	if r == RoleAuthority {
		return RoleParticipant
	}
	return RoleAuthority
}

type phaseSet uint8

func phases(ps ...Phase) phaseSet {
	var s phaseSet
	for _, p := range ps {
		s |= 1 << p
	}
	return s
}

func (s phaseSet) has(p Phase) bool { return s&(1<<p) != 0 }

var live = phases(PhaseAwaitingConnections, PhaseSelection, PhaseLoadingBarrier, PhaseRacing, PhaseResults)

type roleSet uint8

const (
	byAuthority   roleSet = 1 << RoleAuthority
	byParticipant roleSet = 1 << RoleParticipant
	byEither              = byAuthority | byParticipant
)

func (s roleSet) has(r Role) bool { return s&(1<<r) != 0 }

type rule struct {
	phases  phaseSet
	origins roleSet
}

// transitions lists, per event, the phases it is valid in and the roles
// that may originate it.
var transitions = map[protocol.Type]rule{
	protocol.EvtConnectionRequested: {live, byParticipant},
	protocol.EvtConnectionRefused:   {live, byAuthority},
	protocol.EvtConnectionAccepted:  {phases(PhaseAwaitingConnections), byAuthority},
	protocol.EvtServerInfo:          {live, byAuthority},
	protocol.EvtRequestBegin:        {phases(PhaseAwaitingConnections, PhaseSelection), byEither},
	protocol.EvtUpdatePlayerList:    {live, byAuthority},
	protocol.EvtKartSelection:       {phases(PhaseSelection), byParticipant},
	protocol.EvtPlayerDisconnected:  {live, byAuthority},
	protocol.EvtClientLoadedWorld:   {phases(PhaseLoadingBarrier), byParticipant},
	protocol.EvtLoadWorld:           {phases(PhaseSelection), byAuthority},
	protocol.EvtStartRace:           {phases(PhaseLoadingBarrier), byAuthority},
	protocol.EvtStartSelection:      {phases(PhaseAwaitingConnections), byAuthority},
	protocol.EvtRaceFinished:        {phases(PhaseRacing), byAuthority},
	protocol.EvtRaceFinishedAck:     {phases(PhaseResults), byParticipant},
	protocol.EvtExitResult:          {phases(PhaseSelection, PhaseResults), byAuthority},
	protocol.EvtVote:                {phases(PhaseSelection), byParticipant},
	protocol.EvtChat:                {live, byEither},
	protocol.EvtServerOwnership:     {live, byAuthority},
	protocol.EvtKickHost:            {live, byEither},
	protocol.EvtChangeTeam:          {phases(PhaseSelection), byParticipant},
	protocol.EvtBadTeam:             {phases(PhaseAwaitingConnections, PhaseSelection), byAuthority},
	protocol.EvtBadConnection:       {live, byAuthority},
	protocol.EvtConfigServer:        {phases(PhaseAwaitingConnections), byEither},
	protocol.EvtChangeHandicap:      {phases(PhaseAwaitingConnections, PhaseSelection), byParticipant},
	protocol.EvtObjectiveUpdate:     {phases(PhaseRacing), byAuthority},
	protocol.EvtKartState:           {phases(PhaseRacing), byEither},
}

// Inbound is one delivered event. From is the sending peer; an empty From
// means the event was originated by this process.
type Inbound struct {
	From string
	Msg  protocol.Payload
}

type Target uint8

const (
	ToPeer Target = iota
	ToAll
	ToAuthority
	ToOthers // every participant except Peer
)

// Outgoing is an event for the transport. Close asks the transport to
// disconnect Peer once Msg has been written.
type Outgoing struct {
	Target Target
	Peer   string
	Msg    protocol.Payload
	Close  bool
}

func send(peer string, msg protocol.Payload) Outgoing {
	return Outgoing{Target: ToPeer, Peer: peer, Msg: msg}
}

func broadcast(msg protocol.Payload) Outgoing {
	return Outgoing{Target: ToAll, Msg: msg}
}

func relay(from string, msg protocol.Payload) Outgoing {
	return Outgoing{Target: ToOthers, Peer: from, Msg: msg}
}

func kick(peer string, msg protocol.Payload) Outgoing {
	return Outgoing{Target: ToPeer, Peer: peer, Msg: msg, Close: true}
}

// World is the physics collaborator: the latest transform per participant.
type World interface {
	Transform(id string) (geom.Transform, bool)
}

type NoWorld struct{}

func (NoWorld) Transform(string) (geom.Transform, bool) { return geom.Transform{}, false }

// Listener receives read-only notifications for rendering, audio and menus.
type Listener interface {
	objective.Listener
	Notice(msg protocol.Payload)
}

type nopListener struct{ objective.NopListener }

func (nopListener) Notice(protocol.Payload) {}

// Metrics records session counters.
type Metrics interface {
	Admitted()
	Rejected(reason protocol.RejectReason)
	Violation(event protocol.Type)
	ForcedDrop()
	RaceStarted(mode session.Mode)
	RaceFinished(mode session.Mode)
}

type nopMetrics struct{}

func (nopMetrics) Admitted()                      {}
func (nopMetrics) Rejected(protocol.RejectReason) {}
func (nopMetrics) Violation(protocol.Type)        {}
func (nopMetrics) ForcedDrop()                    {}
func (nopMetrics) RaceStarted(session.Mode)       {}
func (nopMetrics) RaceFinished(session.Mode)      {}

type Deps struct {
	Catalog  *catalog.Catalog
	Progress *progress.Estimator
	Listener Listener
	Metrics  Metrics
	Log      *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Catalog == nil {
		d.Catalog = catalog.Default()
	}
	if d.Progress == nil {
		d.Progress = progress.New()
	}
	if d.Listener == nil {
		d.Listener = nopListener{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return d
}

// Machine is single-threaded: the owning loop serialises Apply, Tick and
// Disconnect.
type Machine struct {
	role  Role
	phase Phase
	cfg   session.Config
	race  session.Race

	roster     *roster.Roster
	objectives *objective.Set
	progress   *progress.Estimator
	catalog    *catalog.Catalog
	listener   Listener
	metrics    Metrics
	log        *zap.Logger

	now        uint64
	local      uint64
	offset     int64
	deadline   uint64
	startTick  uint64
	owner      string
	self       string
	votes      map[string]protocol.Vote
	violations map[string]int
	result     *protocol.RaceFinished
	refusal    *protocol.RejectReason
}

// NewAuthority builds the authoritative machine. cfg must already be valid.
func NewAuthority(cfg session.Config, deps Deps) *Machine {
	return newMachine(RoleAuthority, cfg, deps)
}

// NewParticipant builds a mirror that learns its config from the authority.
func NewParticipant(deps Deps) *Machine {
	return newMachine(RoleParticipant, session.Default(), deps)
}

func newMachine(role Role, cfg session.Config, deps Deps) *Machine {
	deps = deps.withDefaults()
	return &Machine{
		role:       role,
		phase:      PhaseAwaitingConnections,
		cfg:        cfg,
		roster:     roster.New(),
		progress:   deps.Progress,
		catalog:    deps.Catalog,
		listener:   deps.Listener,
		metrics:    deps.Metrics,
		log:        deps.Log.With(zap.Stringer("role", role)),
		deadline:   noDeadline,
		votes:      map[string]protocol.Vote{},
		violations: map[string]int{},
	}
}

func (m *Machine) Role() Role   { return m.role }
func (m *Machine) Phase() Phase { return m.phase }

// Self is the participant id the authority assigned to this process. It is
// empty on the authority and before admission.
func (m *Machine) Self() string { return m.self }

// Progress is safe to read from any goroutine.
func (m *Machine) Progress() *progress.Estimator { return m.progress }

// Members lists admitted participant ids in join order.
func (m *Machine) Members() []string {
	ps := m.roster.Participants()
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	m.log.Debug("phase change", zap.Stringer("from", m.phase), zap.Stringer("to", p), zap.Uint64("tick", m.now))
	m.phase = p
}

// Apply validates in against the current phase and the originator's role,
// then applies it. A rejected event leaves the machine unchanged apart from
// violation bookkeeping.
func (m *Machine) Apply(in Inbound) ([]Outgoing, error) {
	if in.Msg == nil {
		return m.reject(in, ErrUnsupportedEvent)
	}
	if m.phase == PhaseAborted {
		return nil, ErrAborted
	}
	r, ok := transitions[in.Msg.Type()]
	if !ok {
		return m.reject(in, ErrUnsupportedEvent)
	}
	origin := m.role
	if in.From != "" {
		origin = m.role.other()
	}
	if !r.origins.has(origin) {
		return m.reject(in, ErrNotPermitted)
	}
	if !r.phases.has(m.phase) {
		return nil, ErrStale
	}

	var out []Outgoing
	var err error
	switch m.role {
	case RoleAuthority:
		out, err = m.applyAuthority(in)
	case RoleParticipant:
		out, err = m.applyParticipant(in)
	}
	if err != nil {
		return m.reject(in, err)
	}
	return out, nil
}

func (m *Machine) reject(in Inbound, err error) ([]Outgoing, error) {
	if !IsViolation(err) || in.From == "" {
		return nil, err
	}
	if m.role == RoleParticipant {
		// The authority broke protocol; nothing it says can be trusted.
		m.log.Warn("authority protocol violation", zap.Error(err))
		return m.Abort(), err
	}
	var t protocol.Type
	if in.Msg != nil {
		t = in.Msg.Type()
	}
	return m.violation(in.From, t, err), err
}

// Violation records a transport-level protocol violation such as an
// undecodable payload.
func (m *Machine) Violation(peer string, err error) []Outgoing {
	if m.role != RoleAuthority || m.phase == PhaseAborted {
		return nil
	}
	return m.violation(peer, 0, err)
}

func (m *Machine) violation(peer string, t protocol.Type, err error) []Outgoing {
	m.metrics.Violation(t)
	m.violations[peer]++
	n := m.violations[peer]
	m.log.Info("protocol violation", zap.String("peer", peer), zap.Stringer("event", t), zap.Int("count", n), zap.Error(err))
	if n < m.cfg.MaxViolations {
		return nil
	}
	m.log.Warn("disconnecting peer after repeated violations", zap.String("peer", peer))
	out := []Outgoing{kick(peer, &protocol.BadConnection{})}
	return append(out, m.Disconnect(peer)...)
}

// Abort moves to the terminal phase. On the authority every participant is
// told and disconnected.
func (m *Machine) Abort() []Outgoing {
	if m.phase == PhaseAborted {
		return nil
	}
	var out []Outgoing
	if m.role == RoleAuthority {
		for _, id := range m.Members() {
			out = append(out, kick(id, &protocol.BadConnection{}))
		}
	}
	if m.role == RoleParticipant {
		m.roster.Clear()
	}
	m.setPhase(PhaseAborted)
	m.deadline = noDeadline
	return out
}

// View is a copy of the machine's state for queries.
type View struct {
	Role         Role
	Phase        Phase
	Now          uint64
	Deadline     uint64
	StartTick    uint64
	Self         string
	Owner        string
	Config       session.Config
	Race         session.Race
	Participants []roster.Participant
	Objectives   []objective.Objective
	Scores       map[roster.Team]int
	Result       *protocol.RaceFinished
	Refusal      *protocol.RejectReason
}

// HasDeadline reports whether a phase timeout is pending.
func (v View) HasDeadline() bool { return v.Deadline != noDeadline }

func (m *Machine) View() View {
	v := View{
		Role:         m.role,
		Phase:        m.phase,
		Now:          m.now,
		Deadline:     m.deadline,
		StartTick:    m.startTick,
		Self:         m.self,
		Owner:        m.owner,
		Config:       m.cfg,
		Race:         m.race,
		Participants: m.roster.Participants(),
		Scores:       map[roster.Team]int{},
		Result:       m.result,
		Refusal:      m.refusal,
	}
	if m.objectives != nil {
		v.Objectives = m.objectives.All()
		v.Scores[roster.TeamRed] = m.objectives.Score(roster.TeamRed)
		v.Scores[roster.TeamBlue] = m.objectives.Score(roster.TeamBlue)
	}
	return v
}

func (m *Machine) playerList() *protocol.UpdatePlayerList {
	ps := m.roster.Participants()
	list := &protocol.UpdatePlayerList{Owner: m.owner, Players: make([]protocol.PlayerEntry, 0, len(ps))}
	for _, p := range ps {
		list.Players = append(list.Players, protocol.PlayerEntry{
			ID:       p.ID,
			Name:     p.Name,
			Team:     uint8(p.Team),
			Kart:     p.Kart,
			Handicap: p.Handicap,
			Loaded:   p.Loaded,
		})
	}
	return list
}

func (m *Machine) serverInfo() *protocol.ServerInfo {
	return &protocol.ServerInfo{
		Name:         m.cfg.Name,
		Phase:        uint8(m.phase),
		Mode:         uint8(m.cfg.Mode),
		Difficulty:   m.cfg.Difficulty,
		MaxPlayers:   uint8(min(m.cfg.MaxPlayers, math.MaxUint8)),
		OwnerLess:    m.cfg.OwnerLess,
		Configurable: m.cfg.Configurable,
		Track:        m.cfg.Track,
		Laps:         m.cfg.Laps,
	}
}

func (m *Machine) objectiveConfig() objective.Config {
	return objective.Config{
		PickupRange:  m.cfg.PickupRange,
		ReturnWindow: m.cfg.Ticks(m.cfg.Timing.FlagReturn),
		CarryOffset:  carryOffset,
	}
}

func toWire(u objective.Update) *protocol.ObjectiveUpdate {
	return &protocol.ObjectiveUpdate{
		Kind:      uint8(u.Kind),
		Objective: uint8(u.Objective),
		Holder:    u.Holder,
		Transform: u.Transform,
		Deadline:  u.Deadline,
		Team:      uint8(u.Team),
		Score:     uint16(min(u.Score, math.MaxUint16)),
	}
}

func fromWire(p *protocol.ObjectiveUpdate) objective.Update {
	return objective.Update{
		Kind:      objective.Kind(p.Kind),
		Objective: objective.ID(p.Objective),
		Holder:    p.Holder,
		Transform: p.Transform,
		Deadline:  p.Deadline,
		Team:      roster.Team(p.Team),
		Score:     int(p.Score),
	}
}

package engine

import (
	"errors"
	"unicode/utf8"

	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.uber.org/zap"
)

func (m *Machine) applyAuthority(in Inbound) ([]Outgoing, error) {
	if in.From != "" && in.Msg.Type() != protocol.EvtConnectionRequested && !m.roster.Has(in.From) {
		return nil, ErrUnknownPeer
	}

	switch msg := in.Msg.(type) {
	case *protocol.ConnectionRequested:
		return m.admit(in.From, msg)

	case *protocol.RequestBegin:
		if err := m.requireOwner(in.From); err != nil {
			return nil, err
		}
		if m.phase == PhaseAwaitingConnections {
			return m.beginSelection(in.From)
		}
		return m.closeSelection()

	case *protocol.KartSelection:
		return m.selectKart(in.From, msg)

	case *protocol.ChangeTeam:
		if out, rejected := m.changeTeam(in.From, roster.Team(msg.Team)); rejected {
			return out, nil
		}
		return append([]Outgoing{broadcast(m.playerList())}, m.maybeCloseSelection()...), nil

	case *protocol.Vote:
		return m.vote(in.From, msg)

	case *protocol.ClientLoadedWorld:
		if err := m.roster.MarkLoaded(in.From); err != nil {
			return nil, err
		}
		if m.roster.AllLoaded() {
			return m.startRace(), nil
		}
		return nil, nil

	case *protocol.RaceFinished:
		return m.finishRace(msg.Ranking), nil

	case *protocol.RaceFinishedAck:
		if err := m.roster.MarkReady(in.From); err != nil {
			return nil, err
		}
		if m.roster.AllReady() {
			return m.exitResults(), nil
		}
		return nil, nil

	case *protocol.Chat:
		if msg.Text == "" || len(msg.Text) > maxChat || !utf8.ValidString(msg.Text) {
			return nil, ErrInvalidChat
		}
		from := in.From
		if from == "" {
			from = m.cfg.Name
		}
		return []Outgoing{broadcast(&protocol.Chat{From: from, Text: msg.Text})}, nil

	case *protocol.KickHost:
		return m.kickHost(in.From, msg.ID)

	case *protocol.ConfigServer:
		return m.configure(in.From, msg)

	case *protocol.ExitResult:
		if m.phase == PhaseSelection {
			return m.cancelSelection(), nil
		}
		m.log.Info("results ended by host")
		return m.exitResults(), nil

	case *protocol.KartState:
		if in.From == "" {
			return nil, ErrNotPermitted
		}
		return []Outgoing{relay(in.From, &protocol.KartState{ID: in.From, Transform: msg.Transform})}, nil

	case *protocol.ChangeHandicap:
		if err := m.roster.SetHandicap(in.From, msg.On); err != nil {
			return nil, err
		}
		return []Outgoing{broadcast(m.playerList())}, nil

	default:
		return nil, ErrUnsupportedEvent
	}
}

// requireOwner lets the local process through and otherwise insists on the
// current owner. Owner-less sessions have no owner.
func (m *Machine) requireOwner(from string) error {
	if from == "" {
		return nil
	}
	if m.owner == "" || from != m.owner {
		return ErrNotOwner
	}
	return nil
}

func (m *Machine) admit(peer string, req *protocol.ConnectionRequested) ([]Outgoing, error) {
	if peer == "" {
		return nil, ErrNotPermitted
	}
	if m.roster.Has(peer) {
		return nil, ErrAlreadyAdmitted
	}

	refuse := func(reason protocol.RejectReason) ([]Outgoing, error) {
		m.metrics.Rejected(reason)
		m.log.Info("connection refused", zap.String("peer", peer), zap.Stringer("reason", reason))
		return []Outgoing{kick(peer, &protocol.ConnectionRefused{Reason: reason})}, nil
	}

	switch {
	case m.phase != PhaseAwaitingConnections:
		return refuse(protocol.RejectBusy)
	case m.cfg.IsBanned(req.Identity):
		return refuse(protocol.RejectBanned)
	case req.Version < m.cfg.MinVersion || req.Version > m.cfg.Version:
		return refuse(protocol.RejectIncompatibleData)
	case m.cfg.Password != "" && req.Password != m.cfg.Password:
		return refuse(protocol.RejectIncorrectPassword)
	case req.Name == "" || !utf8.ValidString(req.Name) || m.roster.HasIdentity(req.Identity):
		return refuse(protocol.RejectInvalidPlayer)
	case m.roster.Len()+1 > m.cfg.MaxPlayers:
		return refuse(protocol.RejectTooManyPlayers)
	}

	team := roster.TeamUnassigned
	if m.cfg.Mode.Teams() {
		team = m.roster.BalancedTeam()
	}
	if err := m.roster.Add(roster.Participant{ID: peer, Identity: req.Identity, Name: req.Name, Team: team}); err != nil {
		return nil, err
	}
	delete(m.violations, peer)
	m.metrics.Admitted()
	m.log.Info("participant admitted", zap.String("peer", peer), zap.String("name", req.Name), zap.Stringer("team", team))

	out := []Outgoing{
		send(peer, &protocol.ConnectionAccepted{ParticipantID: peer, Team: uint8(team)}),
		send(peer, m.serverInfo()),
	}
	if m.owner == "" && !m.cfg.OwnerLess {
		m.owner = peer
		out = append(out, broadcast(&protocol.ServerOwnership{ID: peer}))
	}
	out = append(out, broadcast(m.playerList()))
	m.armAutoStart()
	return out, nil
}

// armAutoStart starts the owner-less start countdown once enough
// participants are present.
func (m *Machine) armAutoStart() {
	if !m.cfg.OwnerLess || m.phase != PhaseAwaitingConnections || m.deadline != noDeadline {
		return
	}
	if m.roster.Len() >= m.cfg.MinStartPlayers {
		m.deadline = m.now + m.cfg.Ticks(m.cfg.Timing.AutoStart)
	}
}

func (m *Machine) beginSelection(requester string) ([]Outgoing, error) {
	if m.roster.Len() < m.cfg.MinStartPlayers {
		return nil, ErrNotEnoughPlayers
	}
	if m.cfg.Mode.Teams() {
		red, blue := m.roster.TeamCounts()
		if (red == 0 || blue == 0) && m.roster.Len() != 1 {
			if requester == "" {
				return nil, roster.ErrUnbalancedTeams
			}
			return []Outgoing{send(requester, &protocol.BadTeam{})}, nil
		}
	}

	clear(m.votes)
	m.setPhase(PhaseSelection)
	m.deadline = m.now + m.cfg.Ticks(m.cfg.Timing.Voting)
	return []Outgoing{broadcast(&protocol.StartSelection{DeadlineTick: m.deadline})}, nil
}

func (m *Machine) selectKart(peer string, msg *protocol.KartSelection) ([]Outgoing, error) {
	if !m.catalog.HasKart(msg.Kart) {
		return nil, ErrUnavailableKart
	}
	if msg.Team != uint8(roster.TeamUnassigned) {
		if out, rejected := m.changeTeam(peer, roster.Team(msg.Team)); rejected {
			return out, nil
		}
	}
	if err := m.roster.SetKart(peer, msg.Kart); err != nil {
		return nil, err
	}
	return append([]Outgoing{broadcast(m.playerList())}, m.maybeCloseSelection()...), nil
}

// changeTeam applies a team move or answers BadTeam to the requester.
func (m *Machine) changeTeam(peer string, team roster.Team) ([]Outgoing, bool) {
	badTeam := []Outgoing{send(peer, &protocol.BadTeam{})}
	if !m.cfg.Mode.Teams() || !m.cfg.TeamChoosing {
		return badTeam, true
	}
	if err := m.roster.SetTeam(peer, team); err != nil {
		m.log.Debug("team change refused", zap.String("peer", peer), zap.Stringer("team", team), zap.Error(err))
		return badTeam, true
	}
	return nil, false
}

func (m *Machine) vote(peer string, v *protocol.Vote) ([]Outgoing, error) {
	kind := m.cfg.Mode.TrackKind()
	if !m.catalog.HasTrack(v.Track, kind) {
		return nil, ErrInvalidVote
	}
	if kind == "race" && (v.Laps < 1 || v.Laps > 20) {
		return nil, ErrInvalidVote
	}
	m.votes[peer] = *v
	return m.maybeCloseSelection(), nil
}

// maybeCloseSelection ends selection early once everyone has a kart and a vote.
func (m *Machine) maybeCloseSelection() []Outgoing {
	if m.phase != PhaseSelection || m.roster.Len() < m.cfg.MinStartPlayers {
		return nil
	}
	for _, p := range m.roster.Participants() {
		if _, voted := m.votes[p.ID]; !voted || p.Kart == "" {
			return nil
		}
	}
	out, err := m.closeSelection()
	if err != nil {
		return nil
	}
	return out
}

// resolveVotes picks the most voted track and lap count, ties going to the
// earliest voter in join order, and reverse by strict majority.
func (m *Machine) resolveVotes() (string, uint8, bool) {
	tracks := map[string]int{}
	laps := map[uint8]int{}
	reverse, total := 0, 0
	var order []protocol.Vote
	for _, p := range m.roster.Participants() {
		v, ok := m.votes[p.ID]
		if !ok {
			continue
		}
		order = append(order, v)
		tracks[v.Track]++
		laps[v.Laps]++
		total++
		if v.Reverse {
			reverse++
		}
	}
	if total == 0 {
		track := m.cfg.Track
		if !m.catalog.HasTrack(track, m.cfg.Mode.TrackKind()) {
			track, _ = m.catalog.FirstTrack(m.cfg.Mode.TrackKind())
		}
		return track, m.cfg.Laps, m.cfg.Reverse
	}

	var track string
	var lap uint8
	bestTrack, bestLaps := 0, 0
	for _, v := range order {
		if tracks[v.Track] > bestTrack {
			track, bestTrack = v.Track, tracks[v.Track]
		}
		if laps[v.Laps] > bestLaps {
			lap, bestLaps = v.Laps, laps[v.Laps]
		}
	}
	return track, lap, reverse*2 > total
}

// closeSelection freezes the race parameters and opens the loading barrier.
func (m *Machine) closeSelection() ([]Outgoing, error) {
	if m.roster.Len() < m.cfg.MinStartPlayers {
		return nil, ErrNotEnoughPlayers
	}
	track, laps, reverse := m.resolveVotes()
	m.race = m.cfg.Freeze(track, laps, reverse, m.roster.Len())

	fallback := m.catalog.Karts[0]
	for _, p := range m.roster.Participants() {
		if p.Kart == "" {
			_ = m.roster.SetKart(p.ID, fallback)
		}
	}
	m.roster.ResetRaceFlags()
	m.progress.Reset()
	m.setPhase(PhaseLoadingBarrier)
	m.deadline = m.now + m.cfg.Ticks(m.cfg.Timing.Load)

	return []Outgoing{
		broadcast(m.playerList()),
		broadcast(&protocol.LoadWorld{
			Mode:         uint8(m.race.Mode),
			Difficulty:   m.race.Difficulty,
			Track:        m.race.Track,
			Laps:         m.race.Laps,
			Reverse:      m.race.Reverse,
			ScoreLimit:   uint16(m.race.Limits.Score),
			TimeLimitSec: uint32(m.race.Limits.TimeSec),
		}),
	}, nil
}

func (m *Machine) kickHost(from, target string) ([]Outgoing, error) {
	if err := m.requireOwner(from); err != nil {
		return nil, err
	}
	if !m.roster.Has(target) {
		return nil, roster.ErrUnknownParticipant
	}
	if target == m.owner && from != "" {
		return nil, ErrNotPermitted
	}
	m.log.Info("participant kicked", zap.String("peer", target), zap.String("by", from))
	out := []Outgoing{kick(target, &protocol.BadConnection{})}
	return append(out, m.Disconnect(target)...), nil
}

func (m *Machine) configure(from string, msg *protocol.ConfigServer) ([]Outgoing, error) {
	if err := m.requireOwner(from); err != nil {
		return nil, err
	}
	if !m.cfg.Configurable {
		return nil, ErrNotConfigurable
	}
	next := m.cfg
	next.Mode = session.Mode(msg.Mode)
	next.Difficulty = msg.Difficulty
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next = next.Normalize()

	wasTeams := m.cfg.Mode.Teams()
	m.cfg = next
	if next.Mode.Teams() != wasTeams {
		m.reassignTeams()
	}
	m.log.Info("session reconfigured", zap.Stringer("mode", next.Mode), zap.Uint8("difficulty", next.Difficulty))
	return []Outgoing{broadcast(m.serverInfo()), broadcast(m.playerList())}, nil
}

// reassignTeams re-deals teams in join order after a mode change.
func (m *Machine) reassignTeams() {
	ps := m.roster.Participants()
	for i := range ps {
		ps[i].Team = roster.TeamUnassigned
	}
	if m.cfg.Mode.Teams() {
		for i := range ps {
			if i%2 == 0 {
				ps[i].Team = roster.TeamRed
			} else {
				ps[i].Team = roster.TeamBlue
			}
		}
	}
	m.roster.Replace(ps)
}

// Disconnect removes peer from the session. It is valid in every live phase
// and never fails; an unknown peer only loses its violation record.
func (m *Machine) Disconnect(peer string) []Outgoing {
	delete(m.violations, peer)
	if m.role != RoleAuthority || m.phase == PhaseAborted {
		return nil
	}
	if _, ok := m.roster.Remove(peer); !ok {
		return nil
	}
	delete(m.votes, peer)
	m.log.Info("participant left", zap.String("peer", peer), zap.Stringer("phase", m.phase))

	out := []Outgoing{broadcast(&protocol.PlayerDisconnected{ID: peer})}
	if m.objectives != nil {
		if u, dropped := m.objectives.Drop(m.now, peer); dropped {
			out = append(out, broadcast(toWire(u)))
		}
	}

	if m.roster.Len() == 0 {
		m.resetToLobby()
		return out
	}

	if peer == m.owner {
		first, _ := m.roster.First()
		m.owner = first.ID
		out = append(out, broadcast(&protocol.ServerOwnership{ID: m.owner}))
	}
	out = append(out, broadcast(m.playerList()))

	switch m.phase {
	case PhaseSelection:
		out = append(out, m.maybeCloseSelection()...)
	case PhaseLoadingBarrier:
		if m.roster.AllLoaded() {
			out = append(out, m.startRace()...)
		}
	case PhaseResults:
		if m.roster.AllReady() {
			out = append(out, m.exitResults()...)
		}
	}
	return out
}

// resetToLobby clears everything tied to the previous group of participants.
func (m *Machine) resetToLobby() {
	m.setPhase(PhaseAwaitingConnections)
	m.owner = ""
	m.race = session.Race{}
	m.objectives = nil
	m.result = nil
	m.deadline = noDeadline
	clear(m.votes)
	m.progress.Reset()
}

// Tick advances the authority's clock to now and fires any phase timeout.
// Timeouts are checked here rather than on timers so the loop that owns the
// machine stays the only writer.
func (m *Machine) Tick(now uint64, world World) []Outgoing {
	if world == nil {
		world = NoWorld{}
	}
	if m.role == RoleParticipant {
		m.local = now
		m.now = m.authorityTick(now)
		m.tickObjectives(world)
		return nil
	}
	m.now = now

	expired := m.deadline != noDeadline && now >= m.deadline

	switch m.phase {
	case PhaseAwaitingConnections:
		if !expired {
			return nil
		}
		m.deadline = noDeadline
		out, err := m.beginSelection("")
		if err != nil {
			m.log.Debug("auto start skipped", zap.Error(err))
			m.armAutoStart()
		}
		return out

	case PhaseSelection:
		if !expired {
			return nil
		}
		out, err := m.closeSelection()
		if errors.Is(err, ErrNotEnoughPlayers) {
			m.log.Info("selection timed out without enough participants")
			return m.cancelSelection()
		}
		return out

	case PhaseLoadingBarrier:
		if !expired {
			return nil
		}
		return m.dropUnloaded()

	case PhaseRacing:
		return m.tickRace(world)

	case PhaseResults:
		if expired {
			return m.exitResults()
		}
	}
	return nil
}

// cancelSelection abandons selection and returns everyone to the lobby.
func (m *Machine) cancelSelection() []Outgoing {
	m.setPhase(PhaseAwaitingConnections)
	m.deadline = noDeadline
	clear(m.votes)
	m.armAutoStart()
	return []Outgoing{broadcast(&protocol.ExitResult{}), broadcast(m.playerList())}
}

// dropUnloaded disconnects everyone still loading when the barrier times out.
// The last drop either starts the race or, if nobody is left, resets.
func (m *Machine) dropUnloaded() []Outgoing {
	var out []Outgoing
	for _, id := range m.roster.Unloaded() {
		m.metrics.ForcedDrop()
		m.log.Warn("dropping participant at loading timeout", zap.String("peer", id))
		out = append(out, kick(id, &protocol.BadConnection{}))
		out = append(out, m.Disconnect(id)...)
	}
	return out
}

package engine

import (
	"fmt"

	"github.com/DoyleJ11/kart-lobby/internal/objective"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.uber.org/zap"
)

func (m *Machine) applyParticipant(in Inbound) ([]Outgoing, error) {
	if in.From == "" {
		return m.forward(in.Msg)
	}

	switch msg := in.Msg.(type) {
	case *protocol.ConnectionRefused:
		reason := msg.Reason
		m.refusal = &reason
		m.log.Info("connection refused", zap.Stringer("reason", reason))
		m.listener.Notice(msg)
		m.Abort()

	case *protocol.ConnectionAccepted:
		m.self = msg.ParticipantID
		m.log.Info("connected", zap.String("self", m.self), zap.Stringer("team", roster.Team(msg.Team)))

	case *protocol.ServerInfo:
		m.cfg.Name = msg.Name
		m.cfg.Mode = session.Mode(msg.Mode)
		m.cfg.Difficulty = msg.Difficulty
		m.cfg.MaxPlayers = int(msg.MaxPlayers)
		m.cfg.OwnerLess = msg.OwnerLess
		m.cfg.Configurable = msg.Configurable
		m.cfg.Track = msg.Track
		m.cfg.Laps = msg.Laps
		m.listener.Notice(msg)

	case *protocol.UpdatePlayerList:
		ps := make([]roster.Participant, len(msg.Players))
		for i, e := range msg.Players {
			ps[i] = roster.Participant{
				ID:       e.ID,
				Name:     e.Name,
				Team:     roster.Team(e.Team),
				Kart:     e.Kart,
				Handicap: e.Handicap,
				Loaded:   e.Loaded,
			}
		}
		m.roster.Replace(ps)
		m.owner = msg.Owner
		m.listener.Notice(msg)

	case *protocol.StartSelection:
		m.setPhase(PhaseSelection)
		m.deadline = msg.DeadlineTick
		m.listener.Notice(msg)

	case *protocol.LoadWorld:
		m.race = session.Race{
			Mode:       session.Mode(msg.Mode),
			Difficulty: msg.Difficulty,
			Track:      msg.Track,
			Laps:       msg.Laps,
			Reverse:    msg.Reverse,
			Limits:     session.Limits{Score: int(msg.ScoreLimit), TimeSec: int(msg.TimeLimitSec)},
		}
		m.objectives = nil
		if m.race.Mode == session.ModeCaptureTheFlag {
			m.objectives = objective.NewObserver(m.objectiveConfig(), m.catalog.Bases(m.race.Track), m.listener)
		}
		m.result = nil
		m.deadline = noDeadline
		m.setPhase(PhaseLoadingBarrier)
		m.listener.Notice(msg)

	case *protocol.StartRace:
		m.offset = int64(msg.Now) - int64(m.local)
		m.now = msg.Now
		m.startTick = msg.StartTick
		m.setPhase(PhaseRacing)
		m.listener.Notice(msg)

	case *protocol.ObjectiveUpdate:
		if m.objectives == nil {
			return nil, ErrStale
		}
		if err := m.objectives.Apply(fromWire(msg)); err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
		}

	case *protocol.RaceFinished:
		m.result = msg
		m.setPhase(PhaseResults)
		m.listener.Notice(msg)

	case *protocol.ExitResult:
		m.objectives = nil
		m.deadline = noDeadline
		m.setPhase(PhaseAwaitingConnections)
		m.listener.Notice(msg)

	case *protocol.ServerOwnership:
		m.owner = msg.ID
		m.listener.Notice(msg)

	case *protocol.PlayerDisconnected:
		m.roster.Remove(msg.ID)
		m.listener.Notice(msg)

	case *protocol.BadConnection:
		m.log.Warn("disconnected by authority")
		m.listener.Notice(msg)
		m.Abort()

	case *protocol.KartState:
		if msg.ID == m.self || !m.roster.Has(msg.ID) {
			return nil, ErrStale
		}

	case *protocol.BadTeam, *protocol.Chat:
		m.listener.Notice(msg)

	default:
		return nil, ErrUnsupportedEvent
	}
	return nil, nil
}

// forward checks a locally originated request against the mirrored state
// and sends it to the authority.
func (m *Machine) forward(msg protocol.Payload) ([]Outgoing, error) {
	if _, connecting := msg.(*protocol.ConnectionRequested); connecting {
		if m.self != "" {
			return nil, ErrAlreadyAdmitted
		}
	} else if m.self == "" {
		return nil, ErrNotConnected
	}

	switch msg := msg.(type) {
	case *protocol.KartSelection:
		if !m.catalog.HasKart(msg.Kart) {
			return nil, ErrUnavailableKart
		}
	case *protocol.Vote:
		if !m.catalog.HasTrack(msg.Track, m.cfg.Mode.TrackKind()) {
			return nil, ErrInvalidVote
		}
	case *protocol.RequestBegin, *protocol.KickHost, *protocol.ConfigServer:
		if m.owner != m.self {
			return nil, ErrNotOwner
		}
	}
	return []Outgoing{{Target: ToAuthority, Msg: msg}}, nil
}

// authorityTick converts a local tick to the authority's clock using the
// offset learned from the last StartRace.
func (m *Machine) authorityTick(local uint64) uint64 {
	t := int64(local) + m.offset
	if t < 0 {
		return 0
	}
	return uint64(t)
}

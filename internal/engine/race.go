package engine

import (
	"math"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/objective"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.uber.org/zap"
)

// startRace releases the loading barrier. Everyone starts at the same tick.
func (m *Machine) startRace() []Outgoing {
	m.setPhase(PhaseRacing)
	m.startTick = m.now + m.cfg.Ticks(m.cfg.Timing.StartDelay)
	m.deadline = noDeadline
	m.result = nil
	m.objectives = nil
	if m.race.Mode == session.ModeCaptureTheFlag {
		m.objectives = objective.NewAuthority(m.objectiveConfig(), m.catalog.Bases(m.race.Track), m.listener)
	}
	m.updateProgress()
	m.metrics.RaceStarted(m.race.Mode)
	m.log.Info("race started",
		zap.Stringer("mode", m.race.Mode),
		zap.String("track", m.race.Track),
		zap.Int("participants", m.roster.Len()),
		zap.Uint64("start_tick", m.startTick),
	)
	return []Outgoing{broadcast(&protocol.StartRace{StartTick: m.startTick, Now: m.now})}
}

func (m *Machine) tickRace(world World) []Outgoing {
	var out []Outgoing
	for _, u := range m.tickObjectives(world) {
		out = append(out, broadcast(toWire(u)))
	}
	m.updateProgress()
	if m.raceOver() {
		out = append(out, m.finishRace(nil)...)
	}
	return out
}

// tickObjectives feeds this tick's transforms, in roster order, to the
// objective set. Before the start tick nothing moves.
func (m *Machine) tickObjectives(world World) []objective.Update {
	if m.objectives == nil || m.now < m.startTick {
		return nil
	}
	ps := m.roster.Participants()
	carriers := make([]objective.Carrier, 0, len(ps))
	for _, p := range ps {
		at, ok := world.Transform(p.ID)
		if !ok {
			continue
		}
		carriers = append(carriers, objective.Carrier{ID: p.ID, Team: p.Team, At: at})
	}
	return m.objectives.Tick(m.now, carriers)
}

func (m *Machine) limitTicks() uint64 {
	if m.race.Limits.TimeSec <= 0 {
		return 0
	}
	return m.cfg.Ticks(time.Duration(m.race.Limits.TimeSec) * time.Second)
}

func (m *Machine) elapsed() uint64 {
	if m.now <= m.startTick {
		return 0
	}
	return m.now - m.startTick
}

func (m *Machine) leaderScore() int {
	if m.objectives == nil {
		return 0
	}
	return max(m.objectives.Score(roster.TeamRed), m.objectives.Score(roster.TeamBlue))
}

// updateProgress publishes the estimate. Remaining time comes from the time
// limit; completion follows the score leader when flag scores are tracked
// and the clock otherwise. Free-for-all hits are not seen here.
func (m *Machine) updateProgress() {
	remaining, percent := progress.Unknown, progress.Unknown

	if limit := m.limitTicks(); limit > 0 {
		elapsed := min(m.elapsed(), limit)
		remaining = uint32(min(limit-elapsed, math.MaxUint32-1))
		percent = uint32(elapsed * 100 / limit)
	}
	if m.objectives != nil && m.race.Limits.Score > 0 {
		percent = uint32(min(m.leaderScore()*100/m.race.Limits.Score, 100))
	}
	m.progress.Update(remaining, percent)
}

// raceOver checks the limits the session can observe: flag captures and the
// clock. Any other finish is reported by the simulation.
func (m *Machine) raceOver() bool {
	if m.objectives != nil && m.race.Limits.Score > 0 && m.leaderScore() >= m.race.Limits.Score {
		return true
	}
	limit := m.limitTicks()
	return limit > 0 && m.elapsed() >= limit
}

// finishRace records the result and opens the results screen. ranking is the
// finishing order reported by the simulation; nil falls back to join order.
func (m *Machine) finishRace(ranking []string) []Outgoing {
	res := &protocol.RaceFinished{}
	if m.objectives != nil {
		red, blue := m.objectives.Score(roster.TeamRed), m.objectives.Score(roster.TeamBlue)
		res.RedScore = uint16(min(red, math.MaxUint16))
		res.BlueScore = uint16(min(blue, math.MaxUint16))
		switch {
		case red > blue:
			res.Winner = uint8(roster.TeamRed)
		case blue > red:
			res.Winner = uint8(roster.TeamBlue)
		}
	}
	for _, id := range ranking {
		if m.roster.Has(id) {
			res.Ranking = append(res.Ranking, id)
		}
	}
	if len(res.Ranking) == 0 {
		res.Ranking = m.Members()
	}

	m.result = res
	m.roster.ResetRaceFlags()
	m.setPhase(PhaseResults)
	m.deadline = m.now + m.cfg.Ticks(m.cfg.Timing.Results)
	m.metrics.RaceFinished(m.race.Mode)
	m.log.Info("race finished",
		zap.Stringer("mode", m.race.Mode),
		zap.Uint16("red", res.RedScore),
		zap.Uint16("blue", res.BlueScore),
		zap.Strings("ranking", res.Ranking),
	)
	return []Outgoing{broadcast(res)}
}

// exitResults returns the remaining participants to the lobby.
func (m *Machine) exitResults() []Outgoing {
	m.setPhase(PhaseAwaitingConnections)
	m.deadline = noDeadline
	m.objectives = nil
	clear(m.votes)
	m.roster.ResetRaceFlags()
	m.progress.Reset()
	for _, p := range m.roster.Participants() {
		_ = m.roster.SetKart(p.ID, "")
	}
	m.armAutoStart()
	return []Outgoing{broadcast(&protocol.ExitResult{}), broadcast(m.playerList())}
}

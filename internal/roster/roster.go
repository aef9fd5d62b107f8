// Package roster holds the ordered set of admitted participants.
package roster

import (
	"errors"
	"slices"
)

var ErrDuplicateParticipant = errors.New("participant already in roster")
var ErrUnknownParticipant = errors.New("participant not in roster")
var ErrInvalidTeam = errors.New("invalid team")
var ErrUnbalancedTeams = errors.New("team change would unbalance teams")

type Team uint8

const (
	TeamUnassigned Team = iota
	TeamRed
	TeamBlue
)

func (t Team) String() string {
	switch t {
	case TeamRed:
		return "red"
	case TeamBlue:
		return "blue"
	default:
		return "unassigned"
	}
}

// Opponent returns the other team, or TeamUnassigned for TeamUnassigned.
func (t Team) Opponent() Team {
	switch t {
	case TeamRed:
		return TeamBlue
	case TeamBlue:
		return TeamRed
	default:
		return TeamUnassigned
	}
}

type Participant struct {
	ID       string
	Identity string
	Name     string
	Team     Team
	Kart     string
	Handicap bool
	Loaded   bool
	Ready    bool
}

// Roster keeps participants in join order. Not safe for concurrent use; the
// owning state machine serialises access.
type Roster struct {
	entries []Participant
}

func New() *Roster { return &Roster{} }

func (r *Roster) Len() int { return len(r.entries) }

func (r *Roster) index(id string) int {
	return slices.IndexFunc(r.entries, func(p Participant) bool { return p.ID == id })
}

func (r *Roster) Add(p Participant) error {
	if p.ID == "" {
		return ErrUnknownParticipant
	}
	if r.index(p.ID) >= 0 {
		return ErrDuplicateParticipant
	}
	r.entries = append(r.entries, p)
	return nil
}

func (r *Roster) Remove(id string) (Participant, bool) {
	i := r.index(id)
	if i < 0 {
		return Participant{}, false
	}
	p := r.entries[i]
	r.entries = slices.Delete(r.entries, i, i+1)
	return p, true
}

func (r *Roster) Get(id string) (Participant, bool) {
	i := r.index(id)
	if i < 0 {
		return Participant{}, false
	}
	return r.entries[i], true
}

func (r *Roster) Has(id string) bool { return r.index(id) >= 0 }

// HasIdentity reports whether a non-empty identity is already admitted.
func (r *Roster) HasIdentity(identity string) bool {
	if identity == "" {
		return false
	}
	return slices.ContainsFunc(r.entries, func(p Participant) bool { return p.Identity == identity })
}

// Participants returns a copy in join order.
func (r *Roster) Participants() []Participant {
	return slices.Clone(r.entries)
}

// First returns the earliest admitted participant.
func (r *Roster) First() (Participant, bool) {
	if len(r.entries) == 0 {
		return Participant{}, false
	}
	return r.entries[0], true
}

func (r *Roster) TeamCounts() (red, blue int) {
	for _, p := range r.entries {
		switch p.Team {
		case TeamRed:
			red++
		case TeamBlue:
			blue++
		}
	}
	return red, blue
}

// BalancedTeam is the team a newcomer joins: blue when red is ahead, red otherwise.
func (r *Roster) BalancedTeam() Team {
	red, blue := r.TeamCounts()
	if red > blue {
		return TeamBlue
	}
	return TeamRed
}

// SetTeam moves a participant to team. The move is refused if it leaves the
// team sizes further apart than max(1, current difference).
func (r *Roster) SetTeam(id string, team Team) error {
	if team != TeamRed && team != TeamBlue {
		return ErrInvalidTeam
	}
	i := r.index(id)
	if i < 0 {
		return ErrUnknownParticipant
	}
	if r.entries[i].Team == team {
		return nil
	}

	red, blue := r.TeamCounts()
	before := abs(red - blue)
	switch r.entries[i].Team {
	case TeamRed:
		red--
	case TeamBlue:
		blue--
	}
	if team == TeamRed {
		red++
	} else {
		blue++
	}
	if abs(red-blue) > max(1, before) {
		return ErrUnbalancedTeams
	}

	r.entries[i].Team = team
	return nil
}

func (r *Roster) update(id string, fn func(*Participant)) error {
	i := r.index(id)
	if i < 0 {
		return ErrUnknownParticipant
	}
	fn(&r.entries[i])
	return nil
}

func (r *Roster) SetKart(id, kart string) error {
	return r.update(id, func(p *Participant) { p.Kart = kart })
}

func (r *Roster) SetHandicap(id string, on bool) error {
	return r.update(id, func(p *Participant) { p.Handicap = on })
}

func (r *Roster) MarkLoaded(id string) error {
	return r.update(id, func(p *Participant) { p.Loaded = true })
}

func (r *Roster) MarkReady(id string) error {
	return r.update(id, func(p *Participant) { p.Ready = true })
}

// AllLoaded is the loading barrier condition, evaluated against the current
// members. An empty roster never satisfies it.
func (r *Roster) AllLoaded() bool {
	if len(r.entries) == 0 {
		return false
	}
	for _, p := range r.entries {
		if !p.Loaded {
			return false
		}
	}
	return true
}

func (r *Roster) AllReady() bool {
	if len(r.entries) == 0 {
		return false
	}
	for _, p := range r.entries {
		if !p.Ready {
			return false
		}
	}
	return true
}

// Unloaded lists participants still blocking the loading barrier.
func (r *Roster) Unloaded() []string {
	var ids []string
	for _, p := range r.entries {
		if !p.Loaded {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// ResetRaceFlags clears Loaded and Ready for the next race.
func (r *Roster) ResetRaceFlags() {
	for i := range r.entries {
		r.entries[i].Loaded = false
		r.entries[i].Ready = false
	}
}

// Replace overwrites the roster with a replicated copy from the authority.
func (r *Roster) Replace(ps []Participant) {
	r.entries = slices.Clone(ps)
}

func (r *Roster) Clear() { r.entries = nil }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

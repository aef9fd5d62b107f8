// Package objective replicates capturable team flags.
//
// While a flag is held its transform is not state of its own: it is the
// holder's transform composed with a fixed carry offset, so every peer derives
// it from the holder's already replicated transform. Only an unheld flag's
// transform is replicated verbatim.
package objective

import (
	"errors"
	"fmt"
	"math"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
)

var ErrNotAuthority = errors.New("only the authority may change objective ownership")
var ErrUnknownObjective = errors.New("unknown objective")
var ErrAlreadyHeld = errors.New("objective already held")
var ErrNotHeld = errors.New("objective not held")
var ErrOutOfRange = errors.New("holder out of pickup range")
var ErrAlreadyCarrying = errors.New("holder already carries an objective")
var ErrNoHolder = errors.New("missing holder")

// NoDeadline means no return is pending.
const NoDeadline uint64 = math.MaxUint64

type ID uint8

const (
	Red ID = iota
	Blue
)

const count = 2

func (id ID) String() string {
	switch id {
	case Red:
		return "red"
	case Blue:
		return "blue"
	default:
		return fmt.Sprintf("objective(%d)", uint8(id))
	}
}

// Team is the team that defends this objective.
func (id ID) Team() roster.Team {
	if id == Blue {
		return roster.TeamBlue
	}
	return roster.TeamRed
}

func ForTeam(t roster.Team) (ID, bool) {
	switch t {
	case roster.TeamRed:
		return Red, true
	case roster.TeamBlue:
		return Blue, true
	default:
		return 0, false
	}
}

type Objective struct {
	ID             ID
	Holder         string
	Current        geom.Transform
	Origin         geom.Transform
	ReturnDeadline uint64
}

func (o Objective) Held() bool { return o.Holder != "" }

func (o Objective) AtBase() bool { return !o.Held() && o.Current == o.Origin }

type Kind uint8

const (
	KindAttached Kind = iota + 1
	KindReleased
	KindScored
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindAttached:
		return "attached"
	case KindReleased:
		return "released"
	case KindScored:
		return "scored"
	case KindReset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Update is the replicated form of an ownership change. Score carries the
// absolute team score so applying an update twice is harmless.
type Update struct {
	Kind      Kind
	Objective ID
	Holder    string
	Transform geom.Transform
	Deadline  uint64
	Team      roster.Team
	Score     int
}

// Listener receives read-only notifications for rendering and audio.
type Listener interface {
	ObjectiveAttached(id ID, holder string)
	ObjectiveReset(id ID)
	ScoreChanged(team roster.Team, score int)
}

type NopListener struct{}

func (NopListener) ObjectiveAttached(ID, string)  {}
func (NopListener) ObjectiveReset(ID)             {}
func (NopListener) ScoreChanged(roster.Team, int) {}

type Config struct {
	PickupRange  float32
	ReturnWindow uint64 // ticks
	CarryOffset  geom.Transform
}

// Carrier is a participant's position for one tick, passed in roster order.
type Carrier struct {
	ID   string
	Team roster.Team
	At   geom.Transform
}

type Set struct {
	authority  bool
	cfg        Config
	objectives [count]Objective
	scores     map[roster.Team]int
	listener   Listener
}

// NewAuthority builds the canonical set; origins are indexed by ID.
func NewAuthority(cfg Config, origins [2]geom.Transform, l Listener) *Set {
	return newSet(true, cfg, origins, l)
}

// NewObserver builds a replica that only applies authority updates.
func NewObserver(cfg Config, origins [2]geom.Transform, l Listener) *Set {
	return newSet(false, cfg, origins, l)
}

func newSet(authority bool, cfg Config, origins [2]geom.Transform, l Listener) *Set {
	if l == nil {
		l = NopListener{}
	}
	s := &Set{
		authority: authority,
		cfg:       cfg,
		scores:    map[roster.Team]int{},
		listener:  l,
	}
	for i := range s.objectives {
		s.objectives[i] = Objective{
			ID:             ID(i),
			Current:        origins[i],
			Origin:         origins[i],
			ReturnDeadline: NoDeadline,
		}
	}
	return s
}

func (s *Set) Get(id ID) (Objective, bool) {
	if int(id) >= count {
		return Objective{}, false
	}
	return s.objectives[id], true
}

func (s *Set) All() []Objective {
	return []Objective{s.objectives[Red], s.objectives[Blue]}
}

func (s *Set) Score(t roster.Team) int { return s.scores[t] }

// HeldBy returns the objective a participant carries.
func (s *Set) HeldBy(holder string) (ID, bool) {
	for _, o := range s.objectives {
		if o.Holder != "" && o.Holder == holder {
			return o.ID, true
		}
	}
	return 0, false
}

// Derive returns where a held objective sits for the given holder transform.
func (s *Set) Derive(holderAt geom.Transform) geom.Transform {
	return holderAt.Compose(s.cfg.CarryOffset)
}

// Attach gives the objective to holder. Range is checked against the
// objective's current transform; only the authority validates pickups.
func (s *Set) Attach(id ID, holder string, holderAt geom.Transform) (Update, error) {
	if !s.authority {
		return Update{}, ErrNotAuthority
	}
	o, ok := s.Get(id)
	if !ok {
		return Update{}, ErrUnknownObjective
	}
	if holder == "" {
		return Update{}, ErrNoHolder
	}
	if o.Held() {
		return Update{}, ErrAlreadyHeld
	}
	if _, carrying := s.HeldBy(holder); carrying {
		return Update{}, ErrAlreadyCarrying
	}
	if holderAt.Origin.Dist(o.Current.Origin) > s.cfg.PickupRange {
		return Update{}, ErrOutOfRange
	}

	u := Update{
		Kind:      KindAttached,
		Objective: id,
		Holder:    holder,
		Transform: s.Derive(holderAt),
		Deadline:  NoDeadline,
	}
	s.apply(u)
	return u, nil
}

// Release drops a held objective. A scored release sends it home and adds one
// point for the capturing team; otherwise it floats at `at` until now plus the
// return window.
func (s *Set) Release(now uint64, id ID, at geom.Transform, scored bool) (Update, error) {
	if !s.authority {
		return Update{}, ErrNotAuthority
	}
	o, ok := s.Get(id)
	if !ok {
		return Update{}, ErrUnknownObjective
	}
	if !o.Held() {
		return Update{}, ErrNotHeld
	}

	var u Update
	if scored {
		team := id.Team().Opponent()
		u = Update{
			Kind:      KindScored,
			Objective: id,
			Transform: o.Origin,
			Deadline:  NoDeadline,
			Team:      team,
			Score:     s.scores[team] + 1,
		}
	} else {
		u = Update{
			Kind:      KindReleased,
			Objective: id,
			Transform: at,
			Deadline:  now + s.cfg.ReturnWindow,
		}
	}
	s.apply(u)
	return u, nil
}

// Apply replays an authority update on a replica.
func (s *Set) Apply(u Update) error {
	if _, ok := s.Get(u.Objective); !ok {
		return ErrUnknownObjective
	}
	if u.Kind < KindAttached || u.Kind > KindReset {
		return fmt.Errorf("objective update: unknown kind %d", u.Kind)
	}
	s.apply(u)
	return nil
}

func (s *Set) apply(u Update) {
	o := &s.objectives[u.Objective]
	before := *o

	switch u.Kind {
	case KindAttached:
		o.Holder = u.Holder
		o.Current = u.Transform
		o.ReturnDeadline = NoDeadline
		if before.Holder != u.Holder {
			s.listener.ObjectiveAttached(o.ID, u.Holder)
		}

	case KindReleased:
		o.Holder = ""
		o.Current = u.Transform
		o.ReturnDeadline = u.Deadline

	case KindScored:
		o.Holder = ""
		o.Current = o.Origin
		o.ReturnDeadline = NoDeadline
		if s.scores[u.Team] != u.Score {
			s.scores[u.Team] = u.Score
			s.listener.ScoreChanged(u.Team, u.Score)
		}
		if before.Current != o.Origin || before.Held() {
			s.listener.ObjectiveReset(o.ID)
		}

	case KindReset:
		o.Holder = ""
		o.Current = o.Origin
		o.ReturnDeadline = NoDeadline
		if before.Current != o.Origin || before.Held() {
			s.listener.ObjectiveReset(o.ID)
		}
	}
}

func (s *Set) reset(id ID) Update {
	u := Update{Kind: KindReset, Objective: id, Transform: s.objectives[id].Origin, Deadline: NoDeadline}
	s.apply(u)
	return u
}

// Tick advances held transforms from the carriers and, on the authority,
// runs return deadlines and the capture rules. Carriers must be in roster
// order so simultaneous pickups resolve deterministically.
func (s *Set) Tick(now uint64, carriers []Carrier) []Update {
	byID := make(map[string]Carrier, len(carriers))
	for _, c := range carriers {
		byID[c.ID] = c
	}

	for i := range s.objectives {
		o := &s.objectives[i]
		if c, ok := byID[o.Holder]; o.Held() && ok {
			o.Current = s.Derive(c.At)
		}
	}
	if !s.authority {
		return nil
	}

	var updates []Update

	for i := range s.objectives {
		o := s.objectives[i]
		if !o.Held() && o.ReturnDeadline != NoDeadline && now >= o.ReturnDeadline {
			updates = append(updates, s.reset(o.ID))
		}
	}

	// Captures: carrying the enemy objective onto your own objective at base.
	for i := range s.objectives {
		o := s.objectives[i]
		if !o.Held() {
			continue
		}
		c, ok := byID[o.Holder]
		if !ok {
			continue
		}
		home, ok := ForTeam(c.Team)
		if !ok || home == o.ID {
			continue
		}
		base := s.objectives[home]
		if base.AtBase() && c.At.Origin.Dist(base.Origin.Origin) <= s.cfg.PickupRange {
			if u, err := s.Release(now, o.ID, c.At, true); err == nil {
				updates = append(updates, u)
			}
		}
	}

	// Pickups and returns.
	for i := range s.objectives {
		for _, c := range carriers {
			o := s.objectives[i]
			if o.Held() {
				break
			}
			if c.Team == roster.TeamUnassigned {
				continue
			}
			if c.At.Origin.Dist(o.Current.Origin) > s.cfg.PickupRange {
				continue
			}
			if c.Team == o.ID.Team() {
				if !o.AtBase() {
					updates = append(updates, s.reset(o.ID))
				}
				continue
			}
			if u, err := s.Attach(o.ID, c.ID, c.At); err == nil {
				updates = append(updates, u)
			}
		}
	}

	return updates
}

// Drop releases whatever holder carries at its last derived transform.
func (s *Set) Drop(now uint64, holder string) (Update, bool) {
	id, ok := s.HeldBy(holder)
	if !ok {
		return Update{}, false
	}
	u, err := s.Release(now, id, s.objectives[id].Current, false)
	if err != nil {
		return Update{}, false
	}
	return u, true
}

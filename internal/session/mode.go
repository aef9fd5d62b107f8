package session

import "fmt"

type Mode uint8

const (
	ModeNormalRaceGP Mode = iota
	ModeTimeTrialGP
	ModeFollowLeaderGP
	ModeNormalRace
	ModeTimeTrial
	ModeFollowLeader
	ModeSoccer
	ModeFreeForAll
	ModeCaptureTheFlag
)

func (m Mode) String() string {
	switch m {
	case ModeNormalRaceGP:
		return "normal-race-gp"
	case ModeTimeTrialGP:
		return "time-trial-gp"
	case ModeFollowLeaderGP:
		return "follow-leader-gp"
	case ModeNormalRace:
		return "normal-race"
	case ModeTimeTrial:
		return "time-trial"
	case ModeFollowLeader:
		return "follow-leader"
	case ModeSoccer:
		return "soccer"
	case ModeFreeForAll:
		return "free-for-all"
	case ModeCaptureTheFlag:
		return "capture-the-flag"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func (m Mode) Supported() bool { return m <= ModeCaptureTheFlag }

func (m Mode) GrandPrix() bool { return m <= ModeFollowLeaderGP }

// Teams reports whether participants are split into red and blue.
func (m Mode) Teams() bool { return m == ModeSoccer || m == ModeCaptureTheFlag }

// Battle modes are played in arenas with score and time targets.
func (m Mode) Battle() bool { return m == ModeFreeForAll || m == ModeCaptureTheFlag }

// TrackKind is the kind of track a mode is played on.
func (m Mode) TrackKind() string {
	switch {
	case m == ModeSoccer:
		return "soccer"
	case m.Battle():
		return "arena"
	default:
		return "race"
	}
}

// Limits are the per-race targets. Zero means no target of that kind.
type Limits struct {
	Score   int
	TimeSec int
}

// DefaultLimits derives targets from the number of participants at race start:
// capture the flag plays to max(3, 0.7n) captures within max(3, 1.2333n)
// minutes, free-for-all to min(3n, 30) hits within max(3, 0.7n) minutes.
// Hits happen in the simulation, which counts them against Score and ends
// the race with a local RaceFinished; the session only enforces the clock.
func DefaultLimits(m Mode, players int) Limits {
	switch m {
	case ModeCaptureTheFlag:
		return Limits{
			Score:   max(3, players*7/10),
			TimeSec: max(180, players*74),
		}
	case ModeFreeForAll:
		return Limits{
			Score:   max(min(players*3, 30), 1),
			TimeSec: max(180, players*42),
		}
	default:
		return Limits{}
	}
}

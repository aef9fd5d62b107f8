// Package session describes the parameters a session runs with and the
// validation rules applied to them before the lobby ever sees them.
package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnsupportedMode = errors.New("unsupported game mode")
var ErrContradictoryLimits = errors.New("contradictory session limits")

type Timing struct {
	Voting     time.Duration
	Load       time.Duration
	Results    time.Duration
	StartDelay time.Duration
	AutoStart  time.Duration
	FlagReturn time.Duration
}

// Config is owned by the authority. Fields may change only while the lobby
// is waiting for connections; a race runs on a frozen Race copy.
type Config struct {
	Name            string
	Password        string
	Version         uint32
	MinVersion      uint32
	MaxPlayers      int
	MinStartPlayers int
	OwnerLess       bool
	Configurable    bool
	TeamChoosing    bool
	Banned          []string

	Mode       Mode
	Difficulty uint8
	Track      string
	Laps       uint8
	Reverse    bool
	Limits     Limits

	TickRate      int
	Timing        Timing
	PickupRange   float32
	MaxViolations int
}

func Default() Config {
	return Config{
		Name:            "kart-lobby",
		Version:         4,
		MinVersion:      4,
		MaxPlayers:      8,
		MinStartPlayers: 2,
		Configurable:    true,
		TeamChoosing:    true,
		Mode:            ModeNormalRace,
		Difficulty:      3,
		Laps:            3,
		TickRate:        60,
		Timing: Timing{
			Voting:     20 * time.Second,
			Load:       30 * time.Second,
			Results:    15 * time.Second,
			StartDelay: 2500 * time.Millisecond,
			AutoStart:  60 * time.Second,
			FlagReturn: 20 * time.Second,
		},
		PickupRange:   3,
		MaxViolations: 5,
	}
}

// Validate rejects configurations the lobby cannot run. Callers treat any
// error as fatal.
func (c Config) Validate() error {
	if !c.Mode.Supported() {
		return fmt.Errorf("%w: %d", ErrUnsupportedMode, c.Mode)
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("%w: max players %d", ErrContradictoryLimits, c.MaxPlayers)
	}
	if c.MinStartPlayers < 1 || c.MinStartPlayers > c.MaxPlayers {
		return fmt.Errorf("%w: min start players %d with max players %d", ErrContradictoryLimits, c.MinStartPlayers, c.MaxPlayers)
	}
	if c.MinVersion > c.Version {
		return fmt.Errorf("%w: min version %d above version %d", ErrContradictoryLimits, c.MinVersion, c.Version)
	}
	if c.Limits.Score < 0 || c.Limits.TimeSec < 0 {
		return fmt.Errorf("%w: negative race limits", ErrContradictoryLimits)
	}
	if c.TickRate < 1 {
		return fmt.Errorf("%w: tick rate %d", ErrContradictoryLimits, c.TickRate)
	}
	return nil
}

// Normalize applies the policy rules that tie fields to each other.
func (c Config) Normalize() Config {
	if c.OwnerLess {
		c.Configurable = false
		c.TeamChoosing = false
	}
	if c.Mode.GrandPrix() {
		c.Configurable = false
	}
	if c.MinStartPlayers > c.MaxPlayers {
		c.MinStartPlayers = c.MaxPlayers
	}
	if c.Laps == 0 {
		c.Laps = 1
	}
	c.Banned = append([]string(nil), c.Banned...)
	return c
}

func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// Ticks converts a duration to whole ticks, rounding up.
func (c Config) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	iv := c.TickInterval()
	return uint64((d + iv - 1) / iv)
}

func (c Config) IsBanned(identity string) bool {
	for _, b := range c.Banned {
		if b != "" && b == identity {
			return true
		}
	}
	return false
}

// Race is the frozen snapshot a single race runs with.
type Race struct {
	Mode       Mode
	Difficulty uint8
	Track      string
	Laps       uint8
	Reverse    bool
	Limits     Limits
}

// Freeze resolves the race parameters for players participants. Configured
// limits win over the derived defaults.
func (c Config) Freeze(track string, laps uint8, reverse bool, players int) Race {
	limits := DefaultLimits(c.Mode, players)
	if c.Limits.Score > 0 {
		limits.Score = c.Limits.Score
	}
	if c.Limits.TimeSec > 0 {
		limits.TimeSec = c.Limits.TimeSec
	}
	if track == "" {
		track = c.Track
	}
	if laps == 0 {
		laps = c.Laps
	}
	return Race{
		Mode:       c.Mode,
		Difficulty: c.Difficulty,
		Track:      track,
		Laps:       laps,
		Reverse:    reverse,
		Limits:     limits,
	}
}

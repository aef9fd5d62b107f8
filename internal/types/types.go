// Package types holds the JSON shapes served by the operator HTTP surface.
package types

import (
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
)

type ParticipantView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Team     string `json:"team"`
	Kart     string `json:"kart,omitempty"`
	Handicap bool   `json:"handicap,omitempty"`
	Loaded   bool   `json:"loaded,omitempty"`
	Ready    bool   `json:"ready,omitempty"`
}

type ObjectiveView struct {
	ID     uint8   `json:"id"`
	Holder string  `json:"holder,omitempty"`
	AtBase bool    `json:"at_base"`
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Z      float32 `json:"z"`
}

type RaceView struct {
	Mode       string `json:"mode"`
	Track      string `json:"track"`
	Laps       uint8  `json:"laps"`
	Reverse    bool   `json:"reverse,omitempty"`
	ScoreLimit int    `json:"score_limit,omitempty"`
	TimeLimit  int    `json:"time_limit_sec,omitempty"`
}

type SessionView struct {
	SessionID    string            `json:"session_id"`
	Role         string            `json:"role"`
	Phase        string            `json:"phase"`
	Tick         uint64            `json:"tick"`
	Deadline     *uint64           `json:"deadline,omitempty"`
	Owner        string            `json:"owner,omitempty"`
	Peers        int               `json:"peers"`
	Mode         string            `json:"mode"`
	Race         *RaceView         `json:"race,omitempty"`
	Participants []ParticipantView `json:"participants"`
	Objectives   []ObjectiveView   `json:"objectives,omitempty"`
	Scores       map[string]int    `json:"scores,omitempty"`
}

// ProgressView leaves a field out when the estimate is unknown.
type ProgressView struct {
	RemainingTicks    *uint32 `json:"remaining_ticks,omitempty"`
	CompletionPercent *uint32 `json:"completion_percent,omitempty"`
}

type ResultEntryView struct {
	Position      int    `json:"position"`
	ParticipantID string `json:"participant_id"`
	Name          string `json:"name"`
	Team          string `json:"team"`
	Kart          string `json:"kart,omitempty"`
}

type ResultView struct {
	SessionID  string            `json:"session_id"`
	Mode       string            `json:"mode"`
	Track      string            `json:"track"`
	Laps       uint8             `json:"laps"`
	Reverse    bool              `json:"reverse,omitempty"`
	RedScore   int               `json:"red_score"`
	BlueScore  int               `json:"blue_score"`
	Winner     string            `json:"winner"`
	FinishedAt time.Time         `json:"finished_at"`
	Entries    []ResultEntryView `json:"entries"`
}

func NewSessionView(v lobby.View) SessionView {
	m := v.Machine
	out := SessionView{
		SessionID:    v.SessionID,
		Role:         m.Role.String(),
		Phase:        m.Phase.String(),
		Tick:         v.Tick,
		Owner:        m.Owner,
		Peers:        v.NumPeers,
		Mode:         m.Config.Mode.String(),
		Participants: make([]ParticipantView, 0, len(m.Participants)),
	}
	if m.HasDeadline() {
		d := m.Deadline
		out.Deadline = &d
	}
	if m.Race.Track != "" {
		out.Race = &RaceView{
			Mode:       m.Race.Mode.String(),
			Track:      m.Race.Track,
			Laps:       m.Race.Laps,
			Reverse:    m.Race.Reverse,
			ScoreLimit: m.Race.Limits.Score,
			TimeLimit:  m.Race.Limits.TimeSec,
		}
	}
	for _, p := range m.Participants {
		out.Participants = append(out.Participants, newParticipantView(p))
	}
	for _, o := range m.Objectives {
		out.Objectives = append(out.Objectives, ObjectiveView{
			ID:     uint8(o.ID),
			Holder: o.Holder,
			AtBase: o.AtBase(),
			X:      o.Current.Origin.X,
			Y:      o.Current.Origin.Y,
			Z:      o.Current.Origin.Z,
		})
	}
	if len(m.Objectives) > 0 {
		out.Scores = make(map[string]int, len(m.Scores))
		for team, score := range m.Scores {
			out.Scores[team.String()] = score
		}
	}
	return out
}

func newParticipantView(p roster.Participant) ParticipantView {
	return ParticipantView{
		ID:       p.ID,
		Name:     p.Name,
		Team:     p.Team.String(),
		Kart:     p.Kart,
		Handicap: p.Handicap,
		Loaded:   p.Loaded,
		Ready:    p.Ready,
	}
}

func NewProgressView(s progress.Snapshot) ProgressView {
	var out ProgressView
	if s.RemainingKnown() {
		r := s.RemainingTicks
		out.RemainingTicks = &r
	}
	if s.CompletionKnown() {
		c := s.CompletionPercent
		out.CompletionPercent = &c
	}
	return out
}

package protocol

import (
	"fmt"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
)

type Type uint8

const (
	_ Type = iota
	EvtConnectionRequested
	EvtConnectionRefused
	EvtConnectionAccepted
	EvtServerInfo
	EvtRequestBegin
	EvtUpdatePlayerList
	EvtKartSelection
	EvtPlayerDisconnected
	EvtClientLoadedWorld
	EvtLoadWorld
	EvtStartRace
	EvtStartSelection
	EvtRaceFinished
	EvtRaceFinishedAck
	EvtExitResult
	EvtVote
	EvtChat
	EvtServerOwnership
	EvtKickHost
	EvtChangeTeam
	EvtBadTeam
	EvtBadConnection
	EvtConfigServer
	EvtChangeHandicap
	EvtObjectiveUpdate
	EvtKartState
)

var typeNames = map[Type]string{
	EvtConnectionRequested: "ConnectionRequested",
	EvtConnectionRefused:   "ConnectionRefused",
	EvtConnectionAccepted:  "ConnectionAccepted",
	EvtServerInfo:          "ServerInfo",
	EvtRequestBegin:        "RequestBegin",
	EvtUpdatePlayerList:    "UpdatePlayerList",
	EvtKartSelection:       "KartSelection",
	EvtPlayerDisconnected:  "PlayerDisconnected",
	EvtClientLoadedWorld:   "ClientLoadedWorld",
	EvtLoadWorld:           "LoadWorld",
	EvtStartRace:           "StartRace",
	EvtStartSelection:      "StartSelection",
	EvtRaceFinished:        "RaceFinished",
	EvtRaceFinishedAck:     "RaceFinishedAck",
	EvtExitResult:          "ExitResult",
	EvtVote:                "Vote",
	EvtChat:                "Chat",
	EvtServerOwnership:     "ServerOwnership",
	EvtKickHost:            "KickHost",
	EvtChangeTeam:          "ChangeTeam",
	EvtBadTeam:             "BadTeam",
	EvtBadConnection:       "BadConnection",
	EvtConfigServer:        "ConfigServer",
	EvtChangeHandicap:      "ChangeHandicap",
	EvtObjectiveUpdate:     "ObjectiveUpdate",
	EvtKartState:           "KartState",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

type RejectReason uint8

const (
	RejectBusy RejectReason = iota
	RejectBanned
	RejectIncorrectPassword
	RejectIncompatibleData
	RejectTooManyPlayers
	RejectInvalidPlayer
)

func (r RejectReason) String() string {
	switch r {
	case RejectBusy:
		return "Busy"
	case RejectBanned:
		return "Banned"
	case RejectIncorrectPassword:
		return "IncorrectPassword"
	case RejectIncompatibleData:
		return "IncompatibleData"
	case RejectTooManyPlayers:
		return "TooManyPlayers"
	case RejectInvalidPlayer:
		return "InvalidPlayer"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(r))
	}
}

// Payload is one tagged protocol event.
type Payload interface {
	Type() Type
	encode(w *writer)
	decode(r *reader)
}

func newPayload(t Type) Payload {
	switch t {
	case EvtConnectionRequested:
		return &ConnectionRequested{}
	case EvtConnectionRefused:
		return &ConnectionRefused{}
	case EvtConnectionAccepted:
		return &ConnectionAccepted{}
	case EvtServerInfo:
		return &ServerInfo{}
	case EvtRequestBegin:
		return &RequestBegin{}
	case EvtUpdatePlayerList:
		return &UpdatePlayerList{}
	case EvtKartSelection:
		return &KartSelection{}
	case EvtPlayerDisconnected:
		return &PlayerDisconnected{}
	case EvtClientLoadedWorld:
		return &ClientLoadedWorld{}
	case EvtLoadWorld:
		return &LoadWorld{}
	case EvtStartRace:
		return &StartRace{}
	case EvtStartSelection:
		return &StartSelection{}
	case EvtRaceFinished:
		return &RaceFinished{}
	case EvtRaceFinishedAck:
		return &RaceFinishedAck{}
	case EvtExitResult:
		return &ExitResult{}
	case EvtVote:
		return &Vote{}
	case EvtChat:
		return &Chat{}
	case EvtServerOwnership:
		return &ServerOwnership{}
	case EvtKickHost:
		return &KickHost{}
	case EvtChangeTeam:
		return &ChangeTeam{}
	case EvtBadTeam:
		return &BadTeam{}
	case EvtBadConnection:
		return &BadConnection{}
	case EvtConfigServer:
		return &ConfigServer{}
	case EvtChangeHandicap:
		return &ChangeHandicap{}
	case EvtObjectiveUpdate:
		return &ObjectiveUpdate{}
	case EvtKartState:
		return &KartState{}
	default:
		return nil
	}
}

// ConnectionRequested carries the two identity strings supplied by the
// profile service plus the client's data version and the server password.
type ConnectionRequested struct {
	Version  uint32
	Password string
	Identity string
	Name     string
}

func (*ConnectionRequested) Type() Type { return EvtConnectionRequested }
func (p *ConnectionRequested) encode(w *writer) {
	w.u32(p.Version)
	w.str(p.Password)
	w.str(p.Identity)
	w.str(p.Name)
}
func (p *ConnectionRequested) decode(r *reader) {
	p.Version = r.u32()
	p.Password = r.str()
	p.Identity = r.str()
	p.Name = r.str()
}

type ConnectionRefused struct {
	Reason RejectReason
}

func (*ConnectionRefused) Type() Type         { return EvtConnectionRefused }
func (p *ConnectionRefused) encode(w *writer) { w.u8(uint8(p.Reason)) }
func (p *ConnectionRefused) decode(r *reader) { p.Reason = RejectReason(r.u8()) }

type ConnectionAccepted struct {
	ParticipantID string
	Team          uint8
}

func (*ConnectionAccepted) Type() Type { return EvtConnectionAccepted }
func (p *ConnectionAccepted) encode(w *writer) {
	w.str(p.ParticipantID)
	w.u8(p.Team)
}
func (p *ConnectionAccepted) decode(r *reader) {
	p.ParticipantID = r.str()
	p.Team = r.u8()
}

type ServerInfo struct {
	Name         string
	Phase        uint8
	Mode         uint8
	Difficulty   uint8
	MaxPlayers   uint8
	OwnerLess    bool
	Configurable bool
	Track        string
	Laps         uint8
}

func (*ServerInfo) Type() Type { return EvtServerInfo }
func (p *ServerInfo) encode(w *writer) {
	w.str(p.Name)
	w.u8(p.Phase)
	w.u8(p.Mode)
	w.u8(p.Difficulty)
	w.u8(p.MaxPlayers)
	w.boolean(p.OwnerLess)
	w.boolean(p.Configurable)
	w.str(p.Track)
	w.u8(p.Laps)
}
func (p *ServerInfo) decode(r *reader) {
	p.Name = r.str()
	p.Phase = r.u8()
	p.Mode = r.u8()
	p.Difficulty = r.u8()
	p.MaxPlayers = r.u8()
	p.OwnerLess = r.boolean()
	p.Configurable = r.boolean()
	p.Track = r.str()
	p.Laps = r.u8()
}

type RequestBegin struct{}

func (*RequestBegin) Type() Type     { return EvtRequestBegin }
func (*RequestBegin) encode(*writer) {}
func (*RequestBegin) decode(*reader) {}

type PlayerEntry struct {
	ID       string
	Name     string
	Team     uint8
	Kart     string
	Handicap bool
	Loaded   bool
}

// UpdatePlayerList is the authoritative roster in join order.
type UpdatePlayerList struct {
	Owner   string
	Players []PlayerEntry
}

func (*UpdatePlayerList) Type() Type { return EvtUpdatePlayerList }
func (p *UpdatePlayerList) encode(w *writer) {
	w.str(p.Owner)
	w.count(len(p.Players))
	for _, e := range p.Players {
		w.str(e.ID)
		w.str(e.Name)
		w.u8(e.Team)
		w.str(e.Kart)
		w.boolean(e.Handicap)
		w.boolean(e.Loaded)
	}
}
func (p *UpdatePlayerList) decode(r *reader) {
	p.Owner = r.str()
	n := int(r.u8())
	p.Players = make([]PlayerEntry, 0, n)
	for range n {
		var e PlayerEntry
		e.ID = r.str()
		e.Name = r.str()
		e.Team = r.u8()
		e.Kart = r.str()
		e.Handicap = r.boolean()
		e.Loaded = r.boolean()
		if r.err != nil {
			return
		}
		p.Players = append(p.Players, e)
	}
}

// KartSelection picks a vehicle and, in team modes, a team. Team 0 keeps the
// current assignment.
type KartSelection struct {
	Kart string
	Team uint8
}

func (*KartSelection) Type() Type { return EvtKartSelection }
func (p *KartSelection) encode(w *writer) {
	w.str(p.Kart)
	w.u8(p.Team)
}
func (p *KartSelection) decode(r *reader) {
	p.Kart = r.str()
	p.Team = r.u8()
}

type PlayerDisconnected struct {
	ID string
}

func (*PlayerDisconnected) Type() Type         { return EvtPlayerDisconnected }
func (p *PlayerDisconnected) encode(w *writer) { w.str(p.ID) }
func (p *PlayerDisconnected) decode(r *reader) { p.ID = r.str() }

type ClientLoadedWorld struct{}

func (*ClientLoadedWorld) Type() Type     { return EvtClientLoadedWorld }
func (*ClientLoadedWorld) encode(*writer) {}
func (*ClientLoadedWorld) decode(*reader) {}

// LoadWorld replicates the frozen race parameters.
type LoadWorld struct {
	Mode         uint8
	Difficulty   uint8
	Track        string
	Laps         uint8
	Reverse      bool
	ScoreLimit   uint16
	TimeLimitSec uint32
}

func (*LoadWorld) Type() Type { return EvtLoadWorld }
func (p *LoadWorld) encode(w *writer) {
	w.u8(p.Mode)
	w.u8(p.Difficulty)
	w.str(p.Track)
	w.u8(p.Laps)
	w.boolean(p.Reverse)
	w.u16(p.ScoreLimit)
	w.u32(p.TimeLimitSec)
}
func (p *LoadWorld) decode(r *reader) {
	p.Mode = r.u8()
	p.Difficulty = r.u8()
	p.Track = r.str()
	p.Laps = r.u8()
	p.Reverse = r.boolean()
	p.ScoreLimit = r.u16()
	p.TimeLimitSec = r.u32()
}

// StartRace names the shared tick at which every peer begins simulating.
// Now is the authority's tick when the event was sent; participants align
// their clock to it.
type StartRace struct {
	StartTick uint64
	Now       uint64
}

func (*StartRace) Type() Type { return EvtStartRace }
func (p *StartRace) encode(w *writer) {
	w.u64(p.StartTick)
	w.u64(p.Now)
}
func (p *StartRace) decode(r *reader) {
	p.StartTick = r.u64()
	p.Now = r.u64()
}

type StartSelection struct {
	DeadlineTick uint64
}

func (*StartSelection) Type() Type         { return EvtStartSelection }
func (p *StartSelection) encode(w *writer) { w.u64(p.DeadlineTick) }
func (p *StartSelection) decode(r *reader) { p.DeadlineTick = r.u64() }

// RaceFinished is the final scoreboard. Winner 0 means no single winner.
type RaceFinished struct {
	RedScore  uint16
	BlueScore uint16
	Winner    uint8
	Ranking   []string
}

func (*RaceFinished) Type() Type { return EvtRaceFinished }
func (p *RaceFinished) encode(w *writer) {
	w.u16(p.RedScore)
	w.u16(p.BlueScore)
	w.u8(p.Winner)
	w.count(len(p.Ranking))
	for _, id := range p.Ranking {
		w.str(id)
	}
}
func (p *RaceFinished) decode(r *reader) {
	p.RedScore = r.u16()
	p.BlueScore = r.u16()
	p.Winner = r.u8()
	n := int(r.u8())
	p.Ranking = make([]string, 0, n)
	for range n {
		id := r.str()
		if r.err != nil {
			return
		}
		p.Ranking = append(p.Ranking, id)
	}
}

type RaceFinishedAck struct{}

func (*RaceFinishedAck) Type() Type     { return EvtRaceFinishedAck }
func (*RaceFinishedAck) encode(*writer) {}
func (*RaceFinishedAck) decode(*reader) {}

type ExitResult struct{}

func (*ExitResult) Type() Type     { return EvtExitResult }
func (*ExitResult) encode(*writer) {}
func (*ExitResult) decode(*reader) {}

type Vote struct {
	Track   string
	Laps    uint8
	Reverse bool
}

func (*Vote) Type() Type { return EvtVote }
func (p *Vote) encode(w *writer) {
	w.str(p.Track)
	w.u8(p.Laps)
	w.boolean(p.Reverse)
}
func (p *Vote) decode(r *reader) {
	p.Track = r.str()
	p.Laps = r.u8()
	p.Reverse = r.boolean()
}

type Chat struct {
	From string
	Text string
}

func (*Chat) Type() Type { return EvtChat }
func (p *Chat) encode(w *writer) {
	w.str(p.From)
	w.str(p.Text)
}
func (p *Chat) decode(r *reader) {
	p.From = r.str()
	p.Text = r.str()
}

// ServerOwnership names the participant that now configures the session.
type ServerOwnership struct {
	ID string
}

func (*ServerOwnership) Type() Type         { return EvtServerOwnership }
func (p *ServerOwnership) encode(w *writer) { w.str(p.ID) }
func (p *ServerOwnership) decode(r *reader) { p.ID = r.str() }

type KickHost struct {
	ID string
}

func (*KickHost) Type() Type         { return EvtKickHost }
func (p *KickHost) encode(w *writer) { w.str(p.ID) }
func (p *KickHost) decode(r *reader) { p.ID = r.str() }

type ChangeTeam struct {
	Team uint8
}

func (*ChangeTeam) Type() Type         { return EvtChangeTeam }
func (p *ChangeTeam) encode(w *writer) { w.u8(p.Team) }
func (p *ChangeTeam) decode(r *reader) { p.Team = r.u8() }

type BadTeam struct{}

func (*BadTeam) Type() Type     { return EvtBadTeam }
func (*BadTeam) encode(*writer) {}
func (*BadTeam) decode(*reader) {}

type BadConnection struct{}

func (*BadConnection) Type() Type     { return EvtBadConnection }
func (*BadConnection) encode(*writer) {}
func (*BadConnection) decode(*reader) {}

type ConfigServer struct {
	Mode       uint8
	Difficulty uint8
}

func (*ConfigServer) Type() Type { return EvtConfigServer }
func (p *ConfigServer) encode(w *writer) {
	w.u8(p.Mode)
	w.u8(p.Difficulty)
}
func (p *ConfigServer) decode(r *reader) {
	p.Mode = r.u8()
	p.Difficulty = r.u8()
}

type ChangeHandicap struct {
	On bool
}

func (*ChangeHandicap) Type() Type         { return EvtChangeHandicap }
func (p *ChangeHandicap) encode(w *writer) { w.boolean(p.On) }
func (p *ChangeHandicap) decode(r *reader) { p.On = r.boolean() }

// ObjectiveUpdate replicates an objective ownership change.
type ObjectiveUpdate struct {
	Kind      uint8
	Objective uint8
	Holder    string
	Transform geom.Transform
	Deadline  uint64
	Team      uint8
	Score     uint16
}

func (*ObjectiveUpdate) Type() Type { return EvtObjectiveUpdate }
func (p *ObjectiveUpdate) encode(w *writer) {
	w.u8(p.Kind)
	w.u8(p.Objective)
	w.str(p.Holder)
	w.transform(p.Transform)
	w.u64(p.Deadline)
	w.u8(p.Team)
	w.u16(p.Score)
}
func (p *ObjectiveUpdate) decode(r *reader) {
	p.Kind = r.u8()
	p.Objective = r.u8()
	p.Holder = r.str()
	p.Transform = r.transform()
	p.Deadline = r.u64()
	p.Team = r.u8()
	p.Score = r.u16()
}

// KartState is one participant's latest world transform. Participants send
// it with an empty ID; the authority fills in the sender before relaying.
type KartState struct {
	ID        string
	Transform geom.Transform
}

func (*KartState) Type() Type { return EvtKartState }
func (p *KartState) encode(w *writer) {
	w.str(p.ID)
	w.transform(p.Transform)
}
func (p *KartState) decode(r *reader) {
	p.ID = r.str()
	p.Transform = r.transform()
}

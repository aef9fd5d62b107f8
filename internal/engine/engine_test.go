package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"github.com/DoyleJ11/kart-lobby/internal/objective"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	objective.NopListener
	resets  map[objective.ID]int
	notices []protocol.Payload
}

func newRecorder() *recorder { return &recorder{resets: map[objective.ID]int{}} }

func (r *recorder) ObjectiveReset(id objective.ID) { r.resets[id]++ }
func (r *recorder) Notice(msg protocol.Payload)    { r.notices = append(r.notices, msg) }

type world map[string]geom.Transform

func (w world) Transform(id string) (geom.Transform, bool) {
	t, ok := w[id]
	return t, ok
}

func newHost(t *testing.T, mutate func(*session.Config), deps Deps) *Machine {
	t.Helper()
	cfg := session.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())
	return NewAuthority(cfg.Normalize(), deps)
}

func request(name string) *protocol.ConnectionRequested {
	return &protocol.ConnectionRequested{Version: 4, Identity: "id-" + name, Name: name}
}

func admit(t *testing.T, m *Machine, peers ...string) {
	t.Helper()
	for _, p := range peers {
		out, err := m.Apply(Inbound{From: p, Msg: request(p)})
		require.NoError(t, err)
		require.True(t, ContainsEvent(out, protocol.EvtConnectionAccepted), "peer %s not admitted", p)
	}
}

// toLoading admits peers and walks the owner through selection with no votes.
func toLoading(t *testing.T, m *Machine, peers ...string) {
	t.Helper()
	admit(t, m, peers...)
	_, err := m.Apply(Inbound{From: peers[0], Msg: &protocol.RequestBegin{}})
	require.NoError(t, err)
	require.Equal(t, PhaseSelection, m.Phase())
	out, err := m.Apply(Inbound{From: peers[0], Msg: &protocol.RequestBegin{}})
	require.NoError(t, err)
	require.True(t, ContainsEvent(out, protocol.EvtLoadWorld))
	require.Equal(t, PhaseLoadingBarrier, m.Phase())
}

func toRacing(t *testing.T, m *Machine, peers ...string) {
	t.Helper()
	toLoading(t, m, peers...)
	for _, p := range peers {
		_, err := m.Apply(Inbound{From: p, Msg: &protocol.ClientLoadedWorld{}})
		require.NoError(t, err)
	}
	require.Equal(t, PhaseRacing, m.Phase())
}

func TestAdmission_CapacityAndTeamBalance(t *testing.T) {
	m := newHost(t, func(c *session.Config) {
		c.MaxPlayers = 2
		c.Mode = session.ModeCaptureTheFlag
	}, Deps{})

	admit(t, m, "p1", "p2")

	out, err := m.Apply(Inbound{From: "p3", Msg: request("p3")})
	require.NoError(t, err)
	refused, ok := FindEvent(out, protocol.EvtConnectionRefused)
	require.True(t, ok)
	assert.Equal(t, "p3", refused.Peer)
	assert.True(t, refused.Close)
	assert.Equal(t, protocol.RejectTooManyPlayers, refused.Msg.(*protocol.ConnectionRefused).Reason)

	v := m.View()
	require.Len(t, v.Participants, 2)
	assert.Equal(t, []string{"p1", "p2"}, m.Members())
	assert.Equal(t, roster.TeamRed, v.Participants[0].Team)
	assert.Equal(t, roster.TeamBlue, v.Participants[1].Team)
	assert.Equal(t, "p1", v.Owner)
}

func TestAdmission_RejectReasons(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*session.Config)
		prior []string
		req   *protocol.ConnectionRequested
		want  protocol.RejectReason
	}{
		{
			name:  "banned identity",
			setup: func(c *session.Config) { c.Banned = []string{"id-eve"} },
			req:   request("eve"),
			want:  protocol.RejectBanned,
		},
		{
			name: "version too old",
			req:  &protocol.ConnectionRequested{Version: 3, Identity: "x", Name: "x"},
			want: protocol.RejectIncompatibleData,
		},
		{
			name:  "wrong password",
			setup: func(c *session.Config) { c.Password = "secret" },
			req:   &protocol.ConnectionRequested{Version: 4, Password: "guess", Identity: "x", Name: "x"},
			want:  protocol.RejectIncorrectPassword,
		},
		{
			name: "empty name",
			req:  &protocol.ConnectionRequested{Version: 4, Identity: "x"},
			want: protocol.RejectInvalidPlayer,
		},
		{
			name:  "duplicate identity",
			prior: []string{"p1"},
			req:   &protocol.ConnectionRequested{Version: 4, Identity: "id-p1", Name: "again"},
			want:  protocol.RejectInvalidPlayer,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newHost(t, tc.setup, Deps{})
			admit(t, m, tc.prior...)

			out, err := m.Apply(Inbound{From: "new", Msg: tc.req})
			require.NoError(t, err)
			refused, ok := FindEvent(out, protocol.EvtConnectionRefused)
			require.True(t, ok)
			assert.Equal(t, tc.want, refused.Msg.(*protocol.ConnectionRefused).Reason)
			assert.Len(t, m.Members(), len(tc.prior))
		})
	}
}

func TestAdmission_BusyOutsideLobby(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toLoading(t, m, "p1", "p2")

	out, err := m.Apply(Inbound{From: "late", Msg: request("late")})
	require.NoError(t, err)
	refused, ok := FindEvent(out, protocol.EvtConnectionRefused)
	require.True(t, ok)
	assert.Equal(t, protocol.RejectBusy, refused.Msg.(*protocol.ConnectionRefused).Reason)
}

func TestLoadingBarrier_ShrinksOnDisconnect(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toLoading(t, m, "a", "b")
	assert.Equal(t, "lighthouse", m.View().Race.Track)

	out := m.Disconnect("b")
	assert.True(t, ContainsEvent(out, protocol.EvtPlayerDisconnected))
	assert.Equal(t, PhaseLoadingBarrier, m.Phase())

	out, err := m.Apply(Inbound{From: "a", Msg: &protocol.ClientLoadedWorld{}})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(out, protocol.EvtStartRace))
	assert.Equal(t, PhaseRacing, m.Phase())
}

func TestLoadingBarrier_TimeoutDropsUnloaded(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toLoading(t, m, "a", "b")
	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.ClientLoadedWorld{}})
	require.NoError(t, err)

	deadline := m.View().Deadline
	assert.Empty(t, m.Tick(deadline-1, nil))

	out := m.Tick(deadline, nil)
	dropped, ok := FindEvent(out, protocol.EvtBadConnection)
	require.True(t, ok)
	assert.Equal(t, "b", dropped.Peer)
	assert.True(t, dropped.Close)
	assert.True(t, ContainsEvent(out, protocol.EvtStartRace))
	assert.Equal(t, []string{"a"}, m.Members())
}

func TestDisconnect_EmptyRosterResets(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toLoading(t, m, "a", "b")

	m.Disconnect("a")
	m.Disconnect("b")

	v := m.View()
	assert.Equal(t, PhaseAwaitingConnections, v.Phase)
	assert.Empty(t, v.Owner)
	assert.False(t, v.HasDeadline())
	assert.Empty(t, m.Disconnect("a"))
}

func TestObjective_HolderDisconnectReturnsOnce(t *testing.T) {
	rec := newRecorder()
	m := newHost(t, func(c *session.Config) { c.Mode = session.ModeCaptureTheFlag }, Deps{Listener: rec})
	toRacing(t, m, "p1", "p2")

	v := m.View()
	require.Len(t, v.Objectives, 2)
	blueBase := v.Objectives[objective.Blue].Origin

	// p1 is red and drives onto the blue flag.
	out := m.Tick(v.StartTick, world{"p1": blueBase})
	attached, ok := FindEvent(out, protocol.EvtObjectiveUpdate)
	require.True(t, ok)
	assert.Equal(t, uint8(objective.KindAttached), attached.Msg.(*protocol.ObjectiveUpdate).Kind)
	held := m.View().Objectives[objective.Blue]
	require.Equal(t, "p1", held.Holder)

	out = m.Disconnect("p1")
	released, ok := FindEvent(out, protocol.EvtObjectiveUpdate)
	require.True(t, ok)
	upd := released.Msg.(*protocol.ObjectiveUpdate)
	assert.Equal(t, uint8(objective.KindReleased), upd.Kind)
	assert.Empty(t, upd.Holder)
	assert.Equal(t, held.Current, upd.Transform)

	flag := m.View().Objectives[objective.Blue]
	assert.False(t, flag.Held())
	assert.Equal(t, held.Current, flag.Current)
	require.Equal(t, v.StartTick+m.View().Config.Ticks(m.View().Config.Timing.FlagReturn), flag.ReturnDeadline)

	assert.Empty(t, m.Tick(flag.ReturnDeadline-1, nil))
	assert.Zero(t, rec.resets[objective.Blue])

	out = m.Tick(flag.ReturnDeadline, nil)
	assert.True(t, ContainsEvent(out, protocol.EvtObjectiveUpdate))
	assert.Equal(t, blueBase, m.View().Objectives[objective.Blue].Current)
	assert.Equal(t, 1, rec.resets[objective.Blue])

	assert.Empty(t, m.Tick(flag.ReturnDeadline+1, nil))
	assert.Equal(t, 1, rec.resets[objective.Blue])
}

func TestObjective_CaptureReachesScoreLimit(t *testing.T) {
	est := progress.New()
	m := newHost(t, func(c *session.Config) {
		c.Mode = session.ModeCaptureTheFlag
		c.Limits.Score = 1
	}, Deps{Progress: est})
	assert.False(t, est.Read().CompletionKnown())
	assert.False(t, est.Read().RemainingKnown())

	toRacing(t, m, "p1", "p2")
	v := m.View()
	redBase := v.Objectives[objective.Red].Origin
	blueBase := v.Objectives[objective.Blue].Origin
	assert.True(t, est.Read().RemainingKnown())
	assert.Equal(t, uint32(0), est.CompletionPercent())

	m.Tick(v.StartTick, world{"p1": blueBase})
	before := est.RemainingTicks()
	out := m.Tick(v.StartTick+1, world{"p1": redBase})

	finished, ok := FindEvent(out, protocol.EvtRaceFinished)
	require.True(t, ok)
	res := finished.Msg.(*protocol.RaceFinished)
	assert.Equal(t, uint16(1), res.RedScore)
	assert.Equal(t, uint8(roster.TeamRed), res.Winner)
	assert.Equal(t, PhaseResults, m.Phase())
	assert.Equal(t, uint32(100), est.CompletionPercent())
	assert.Less(t, est.RemainingTicks(), before)
}

func TestResults_AckOrTimeoutReturnsToLobby(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toRacing(t, m, "a", "b")

	out, err := m.Apply(Inbound{Msg: &protocol.RaceFinished{Ranking: []string{"b", "ghost", "a"}}})
	require.NoError(t, err)
	finished, ok := FindEvent(out, protocol.EvtRaceFinished)
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, finished.Msg.(*protocol.RaceFinished).Ranking)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.RaceFinishedAck{}})
	require.NoError(t, err)
	assert.Equal(t, PhaseResults, m.Phase())

	out = m.Tick(m.View().Deadline, nil)
	assert.True(t, ContainsEvent(out, protocol.EvtExitResult))
	assert.Equal(t, PhaseAwaitingConnections, m.Phase())
	assert.Len(t, m.Members(), 2)
}

func TestSelection_VotesResolveInJoinOrder(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a", "b")
	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.RequestBegin{}})
	require.NoError(t, err)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.Vote{Track: "hacienda", Laps: 2, Reverse: true}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "b", Msg: &protocol.Vote{Track: "zengarden", Laps: 5}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "b", Msg: &protocol.Vote{Track: "moon", Laps: 5}})
	require.ErrorIs(t, err, ErrInvalidVote)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.KartSelection{Kart: "tux"}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "b", Msg: &protocol.KartSelection{Kart: "unicorn"}})
	require.ErrorIs(t, err, ErrUnavailableKart)
	out, err := m.Apply(Inbound{From: "b", Msg: &protocol.KartSelection{Kart: "gnu"}})
	require.NoError(t, err)

	require.True(t, ContainsEvent(out, protocol.EvtLoadWorld))
	race := m.View().Race
	assert.Equal(t, "hacienda", race.Track)
	assert.Equal(t, uint8(2), race.Laps)
	assert.False(t, race.Reverse)

	// A late kart change is stale and does not count against the sender.
	_, err = m.Apply(Inbound{From: "b", Msg: &protocol.KartSelection{Kart: "tux"}})
	require.ErrorIs(t, err, ErrStale)
}

func TestSelection_TeamChangeRejectedWhenUnbalancing(t *testing.T) {
	m := newHost(t, func(c *session.Config) {
		c.Mode = session.ModeCaptureTheFlag
		c.MinStartPlayers = 3
	}, Deps{})
	admit(t, m, "a", "b", "c")
	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.RequestBegin{}})
	require.NoError(t, err)

	// a and c are red, b is blue; moving b would leave blue empty.
	out, err := m.Apply(Inbound{From: "b", Msg: &protocol.ChangeTeam{Team: uint8(roster.TeamRed)}})
	require.NoError(t, err)
	bad, ok := FindEvent(out, protocol.EvtBadTeam)
	require.True(t, ok)
	assert.Equal(t, "b", bad.Peer)

	out, err = m.Apply(Inbound{From: "c", Msg: &protocol.ChangeTeam{Team: uint8(roster.TeamBlue)}})
	require.NoError(t, err)
	assert.False(t, ContainsEvent(out, protocol.EvtBadTeam))
	p, _ := m.roster.Get("c")
	assert.Equal(t, roster.TeamBlue, p.Team)
}

func TestOwnerLess_AutoStartAndSelectionTimeout(t *testing.T) {
	m := newHost(t, func(c *session.Config) { c.OwnerLess = true }, Deps{})
	admit(t, m, "a", "b")
	assert.Empty(t, m.View().Owner)

	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.RequestBegin{}})
	require.ErrorIs(t, err, ErrNotOwner)

	require.True(t, m.View().HasDeadline())
	out := m.Tick(m.View().Deadline, nil)
	require.True(t, ContainsEvent(out, protocol.EvtStartSelection))
	require.Equal(t, PhaseSelection, m.Phase())

	m.Disconnect("b")
	out = m.Tick(m.View().Deadline, nil)
	assert.True(t, ContainsEvent(out, protocol.EvtExitResult))
	assert.Equal(t, PhaseAwaitingConnections, m.Phase())
	assert.False(t, m.View().HasDeadline())
}

func TestViolations_EscalateToDisconnect(t *testing.T) {
	m := newHost(t, func(c *session.Config) { c.MaxViolations = 3 }, Deps{})
	admit(t, m, "a", "b")

	// Stale events are dropped without penalty.
	for range 10 {
		_, err := m.Apply(Inbound{From: "b", Msg: &protocol.ClientLoadedWorld{}})
		require.ErrorIs(t, err, ErrStale)
	}
	require.Len(t, m.Members(), 2)

	for i := range 3 {
		out, err := m.Apply(Inbound{From: "b", Msg: &protocol.StartRace{}})
		require.ErrorIs(t, err, ErrNotPermitted)
		if i < 2 {
			assert.Empty(t, out)
			continue
		}
		kicked, ok := FindEvent(out, protocol.EvtBadConnection)
		require.True(t, ok)
		assert.Equal(t, "b", kicked.Peer)
		assert.True(t, kicked.Close)
		assert.True(t, ContainsEvent(out, protocol.EvtPlayerDisconnected))
	}
	assert.Equal(t, []string{"a"}, m.Members())
}

func TestKickHost(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a", "b", "c")

	_, err := m.Apply(Inbound{From: "b", Msg: &protocol.KickHost{ID: "c"}})
	require.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, IsViolation(err))

	out, err := m.Apply(Inbound{From: "a", Msg: &protocol.KickHost{ID: "c"}})
	require.NoError(t, err)
	kicked, ok := FindEvent(out, protocol.EvtBadConnection)
	require.True(t, ok)
	assert.Equal(t, "c", kicked.Peer)
	assert.Equal(t, []string{"a", "b"}, m.Members())

	// The local operator may remove the owner, which hands ownership on.
	out, err = m.Apply(Inbound{Msg: &protocol.KickHost{ID: "a"}})
	require.NoError(t, err)
	owner, ok := FindEvent(out, protocol.EvtServerOwnership)
	require.True(t, ok)
	assert.Equal(t, "b", owner.Msg.(*protocol.ServerOwnership).ID)
}

func TestConfigServer(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a", "b")

	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.ConfigServer{Mode: 99}})
	require.ErrorIs(t, err, session.ErrUnsupportedMode)
	assert.False(t, IsViolation(err))

	out, err := m.Apply(Inbound{From: "a", Msg: &protocol.ConfigServer{Mode: uint8(session.ModeCaptureTheFlag), Difficulty: 2}})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(out, protocol.EvtServerInfo))
	v := m.View()
	assert.Equal(t, session.ModeCaptureTheFlag, v.Config.Mode)
	assert.Equal(t, roster.TeamRed, v.Participants[0].Team)
	assert.Equal(t, roster.TeamBlue, v.Participants[1].Team)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.ConfigServer{Mode: uint8(session.ModeNormalRaceGP)}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.ConfigServer{Mode: uint8(session.ModeNormalRace)}})
	require.ErrorIs(t, err, ErrNotConfigurable)
}

func TestChat(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a")

	out, err := m.Apply(Inbound{From: "a", Msg: &protocol.Chat{From: "spoofed", Text: "gg"}})
	require.NoError(t, err)
	chat, ok := FindEvent(out, protocol.EvtChat)
	require.True(t, ok)
	assert.Equal(t, ToAll, chat.Target)
	assert.Equal(t, "a", chat.Msg.(*protocol.Chat).From)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.Chat{}})
	require.ErrorIs(t, err, ErrInvalidChat)
}

// loopback wires one participant machine to an authority through the codec.
type loopback struct {
	t      *testing.T
	host   *Machine
	client *Machine
	peer   string
}

func (l *loopback) wire(msg protocol.Payload) protocol.Payload {
	data, err := protocol.Encode(msg)
	require.NoError(l.t, err)
	got, err := protocol.Decode(data)
	require.NoError(l.t, err)
	return got
}

func (l *loopback) local(msg protocol.Payload) {
	out, err := l.client.Apply(Inbound{Msg: msg})
	require.NoError(l.t, err)
	l.deliver(out)
}

func (l *loopback) hostLocal(msg protocol.Payload) {
	out, err := l.host.Apply(Inbound{Msg: msg})
	require.NoError(l.t, err)
	l.deliver(out)
}

func (l *loopback) deliver(out []Outgoing) {
	for len(out) > 0 {
		o := out[0]
		out = out[1:]
		switch {
		case o.Target == ToAuthority:
			res, err := l.host.Apply(Inbound{From: l.peer, Msg: l.wire(o.Msg)})
			require.NoError(l.t, err)
			out = append(out, res...)
		case o.Target == ToAll || (o.Target == ToPeer && o.Peer == l.peer):
			res, err := l.client.Apply(Inbound{From: "host", Msg: l.wire(o.Msg)})
			require.NoError(l.t, err)
			out = append(out, res...)
		}
	}
}

func TestParticipant_MirrorsAuthority(t *testing.T) {
	rec := newRecorder()
	host := newHost(t, func(c *session.Config) { c.MinStartPlayers = 1 }, Deps{})
	l := &loopback{t: t, host: host, client: NewParticipant(Deps{Listener: rec}), peer: "p1"}

	_, err := l.client.Apply(Inbound{Msg: &protocol.RequestBegin{}})
	require.ErrorIs(t, err, ErrNotConnected)

	l.local(request("p1"))
	v := l.client.View()
	assert.Equal(t, "p1", v.Self)
	assert.Equal(t, "p1", v.Owner)
	assert.Equal(t, host.View().Config.Name, v.Config.Name)
	require.Len(t, v.Participants, 1)

	l.local(&protocol.RequestBegin{})
	require.Equal(t, PhaseSelection, l.client.Phase())

	_, err = l.client.Apply(Inbound{Msg: &protocol.KartSelection{Kart: "unicorn"}})
	require.ErrorIs(t, err, ErrUnavailableKart)

	l.local(&protocol.KartSelection{Kart: "tux"})
	l.local(&protocol.Vote{Track: "zengarden", Laps: 2})
	require.Equal(t, PhaseLoadingBarrier, l.client.Phase())
	assert.Equal(t, "zengarden", l.client.View().Race.Track)
	assert.Equal(t, host.View().Race, l.client.View().Race)

	l.local(&protocol.ClientLoadedWorld{})
	require.Equal(t, PhaseRacing, l.client.Phase())
	assert.Equal(t, host.View().StartTick, l.client.View().StartTick)

	l.hostLocal(&protocol.RaceFinished{})
	require.Equal(t, PhaseResults, l.client.Phase())
	assert.Equal(t, []string{"p1"}, l.client.View().Result.Ranking)

	l.local(&protocol.RaceFinishedAck{})
	assert.Equal(t, PhaseAwaitingConnections, l.client.Phase())
	assert.Equal(t, PhaseAwaitingConnections, host.Phase())
	assert.NotEmpty(t, rec.notices)
}

func TestParticipant_RefusedAndAuthorityViolation(t *testing.T) {
	p := NewParticipant(Deps{})
	_, err := p.Apply(Inbound{From: "host", Msg: &protocol.ConnectionRefused{Reason: protocol.RejectBanned}})
	require.NoError(t, err)
	assert.Equal(t, PhaseAborted, p.Phase())
	require.NotNil(t, p.View().Refusal)
	assert.Equal(t, protocol.RejectBanned, *p.View().Refusal)

	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.ServerInfo{}})
	require.ErrorIs(t, err, ErrAborted)

	p = NewParticipant(Deps{})
	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.ClientLoadedWorld{}})
	require.True(t, errors.Is(err, ErrNotPermitted))
	assert.Equal(t, PhaseAborted, p.Phase())
}

func TestParticipant_ObjectiveUpdatesAreIdempotent(t *testing.T) {
	rec := newRecorder()
	p := NewParticipant(Deps{Listener: rec})
	for _, msg := range []protocol.Payload{
		&protocol.ServerInfo{Name: "h", Mode: uint8(session.ModeCaptureTheFlag)},
		&protocol.StartSelection{DeadlineTick: 100},
		&protocol.LoadWorld{Mode: uint8(session.ModeCaptureTheFlag), Track: "stadium", ScoreLimit: 3},
		&protocol.StartRace{StartTick: 10},
	} {
		_, err := p.Apply(Inbound{From: "host", Msg: msg})
		require.NoError(t, err)
	}
	require.Equal(t, PhaseRacing, p.Phase())

	reset := &protocol.ObjectiveUpdate{Kind: uint8(objective.KindScored), Objective: uint8(objective.Blue), Team: uint8(roster.TeamRed), Score: 1, Transform: p.View().Objectives[objective.Blue].Origin, Deadline: objective.NoDeadline}
	for range 2 {
		_, err := p.Apply(Inbound{From: "host", Msg: reset})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.View().Scores[roster.TeamRed])
	assert.Zero(t, rec.resets[objective.Blue])

	_, err := p.Apply(Inbound{From: "host", Msg: &protocol.ObjectiveUpdate{Kind: 9}})
	require.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, PhaseAborted, p.Phase())
}

func TestResults_HostForcedExit(t *testing.T) {
	m := newHost(t, nil, Deps{})
	toRacing(t, m, "a", "b")

	_, err := m.Apply(Inbound{Msg: &protocol.ExitResult{}})
	require.ErrorIs(t, err, ErrStale)

	_, err = m.Apply(Inbound{Msg: &protocol.RaceFinished{}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.RaceFinishedAck{}})
	require.NoError(t, err)

	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.ExitResult{}})
	require.ErrorIs(t, err, ErrNotPermitted)
	require.Equal(t, PhaseResults, m.Phase())

	out, err := m.Apply(Inbound{Msg: &protocol.ExitResult{}})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(out, protocol.EvtExitResult))
	assert.True(t, ContainsEvent(out, protocol.EvtUpdatePlayerList))
	assert.Equal(t, PhaseAwaitingConnections, m.Phase())
	assert.False(t, m.View().HasDeadline())
	assert.Equal(t, []string{"a", "b"}, m.Members())
}

func TestSelection_HostForcedExit(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a", "b")
	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.RequestBegin{}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.Vote{Track: "hacienda", Laps: 2}})
	require.NoError(t, err)

	out, err := m.Apply(Inbound{Msg: &protocol.ExitResult{}})
	require.NoError(t, err)
	assert.True(t, ContainsEvent(out, protocol.EvtExitResult))
	assert.Equal(t, PhaseAwaitingConnections, m.Phase())
	assert.Empty(t, m.votes)
}

func TestKartState_RelayedToOthers(t *testing.T) {
	m := newHost(t, nil, Deps{})
	admit(t, m, "a", "b")

	_, err := m.Apply(Inbound{From: "a", Msg: &protocol.KartState{}})
	require.ErrorIs(t, err, ErrStale)

	m = newHost(t, nil, Deps{})
	toRacing(t, m, "a", "b")

	at := geom.At(geom.Vec3{X: 3, Z: -7})
	out, err := m.Apply(Inbound{From: "a", Msg: &protocol.KartState{ID: "b", Transform: at}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ToOthers, out[0].Target)
	assert.Equal(t, "a", out[0].Peer)
	assert.Equal(t, &protocol.KartState{ID: "a", Transform: at}, out[0].Msg)

	_, err = m.Apply(Inbound{Msg: &protocol.KartState{Transform: at}})
	require.ErrorIs(t, err, ErrNotPermitted)

	_, err = m.Apply(Inbound{Msg: &protocol.RaceFinished{}})
	require.NoError(t, err)
	_, err = m.Apply(Inbound{From: "a", Msg: &protocol.KartState{Transform: at}})
	require.ErrorIs(t, err, ErrStale)
	assert.Len(t, m.Members(), 2)
}

func TestParticipant_AlignsClockToAuthority(t *testing.T) {
	p := NewParticipant(Deps{})
	p.Tick(40, nil)

	for _, msg := range []protocol.Payload{
		&protocol.ConnectionAccepted{ParticipantID: "me"},
		&protocol.ServerInfo{Name: "h", Mode: uint8(session.ModeCaptureTheFlag)},
		&protocol.UpdatePlayerList{Owner: "h1", Players: []protocol.PlayerEntry{
			{ID: "h1", Name: "h1", Team: uint8(roster.TeamRed)},
			{ID: "me", Name: "me", Team: uint8(roster.TeamBlue)},
		}},
		&protocol.StartSelection{DeadlineTick: 99_000},
		&protocol.LoadWorld{Mode: uint8(session.ModeCaptureTheFlag), Track: "stadium", ScoreLimit: 3},
		&protocol.StartRace{StartTick: 100_000, Now: 99_990},
	} {
		_, err := p.Apply(Inbound{From: "host", Msg: msg})
		require.NoError(t, err)
	}
	require.Equal(t, PhaseRacing, p.Phase())
	assert.Equal(t, uint64(99_990), p.View().Now)

	blue := p.View().Objectives[objective.Blue]
	_, err := p.Apply(Inbound{From: "host", Msg: &protocol.ObjectiveUpdate{
		Kind:      uint8(objective.KindAttached),
		Objective: uint8(objective.Blue),
		Holder:    "h1",
		Transform: blue.Origin,
		Deadline:  objective.NoDeadline,
	}})
	require.NoError(t, err)

	holder := geom.At(geom.Vec3{X: 10})
	p.Tick(45, world{"h1": holder})
	assert.Equal(t, uint64(99_995), p.View().Now)
	assert.Equal(t, blue.Origin, p.View().Objectives[objective.Blue].Current)

	p.Tick(50, world{"h1": holder})
	assert.Equal(t, uint64(100_000), p.View().Now)
	assert.Equal(t, holder.Compose(carryOffset), p.View().Objectives[objective.Blue].Current)

	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.KartState{ID: "h1", Transform: holder}})
	require.NoError(t, err)
	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.KartState{ID: "me", Transform: holder}})
	require.ErrorIs(t, err, ErrStale)
	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.KartState{ID: "ghost", Transform: holder}})
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, PhaseRacing, p.Phase())
}

func TestParticipant_AbortForgetsRoster(t *testing.T) {
	p := NewParticipant(Deps{})
	_, err := p.Apply(Inbound{From: "host", Msg: &protocol.UpdatePlayerList{Players: []protocol.PlayerEntry{{ID: "a", Name: "a"}}}})
	require.NoError(t, err)
	require.Len(t, p.View().Participants, 1)

	_, err = p.Apply(Inbound{From: "host", Msg: &protocol.BadConnection{}})
	require.NoError(t, err)
	assert.Equal(t, PhaseAborted, p.Phase())
	assert.Empty(t, p.View().Participants)
}

// runRace ticks m from its start tick until the race ends or limit ticks
// pass, checking that remaining time never grows and completion never
// shrinks.
func runRace(t *testing.T, m *Machine, est *progress.Estimator, limit uint64, at func(elapsed uint64) world) {
	t.Helper()
	start := m.View().StartTick
	lastRemaining, lastPercent := est.RemainingTicks(), est.CompletionPercent()
	for tick := start; tick <= start+limit && m.Phase() == PhaseRacing; tick++ {
		m.Tick(tick, at(tick-start))
		remaining, percent := est.RemainingTicks(), est.CompletionPercent()
		require.LessOrEqual(t, remaining, lastRemaining, "remaining grew at tick %d", tick)
		require.GreaterOrEqual(t, percent, lastPercent, "completion shrank at tick %d", tick)
		require.LessOrEqual(t, percent, uint32(100))
		lastRemaining, lastPercent = remaining, percent
	}
}

func TestProgress_MonotonicOverTimedRace(t *testing.T) {
	est := progress.New()
	m := newHost(t, func(c *session.Config) { c.Limits.TimeSec = 2 }, Deps{Progress: est})
	toRacing(t, m, "a", "b")
	require.True(t, est.Read().RemainingKnown())

	runRace(t, m, est, 200, func(uint64) world { return nil })

	assert.Equal(t, PhaseResults, m.Phase())
	assert.Equal(t, uint32(0), est.RemainingTicks())
	assert.Equal(t, uint32(100), est.CompletionPercent())
}

func TestProgress_MonotonicOverCaptureTheFlag(t *testing.T) {
	est := progress.New()
	m := newHost(t, func(c *session.Config) {
		c.Mode = session.ModeCaptureTheFlag
		c.Limits.Score = 3
		c.Limits.TimeSec = 10
	}, Deps{Progress: est})
	toRacing(t, m, "p1", "p2")
	v := m.View()
	redBase := v.Objectives[objective.Red].Origin
	blueBase := v.Objectives[objective.Blue].Origin

	// p1 fetches the blue flag every 20 ticks and brings it home 10 later.
	runRace(t, m, est, 600, func(elapsed uint64) world {
		switch elapsed % 20 {
		case 5:
			return world{"p1": blueBase}
		case 15:
			return world{"p1": redBase}
		}
		return nil
	})

	require.Equal(t, PhaseResults, m.Phase())
	res := m.View().Result
	require.NotNil(t, res)
	assert.Equal(t, uint16(3), res.RedScore)
	assert.Equal(t, uint32(100), est.CompletionPercent())
	assert.Greater(t, est.RemainingTicks(), uint32(0))
}

func TestFreeForAll_HitLimitLeftToSimulation(t *testing.T) {
	est := progress.New()
	m := newHost(t, func(c *session.Config) { c.Mode = session.ModeFreeForAll }, Deps{Progress: est})
	toRacing(t, m, "a", "b")

	v := m.View()
	assert.Equal(t, 6, v.Race.Limits.Score)
	assert.Empty(t, v.Objectives)
	limit := v.Config.Ticks(time.Duration(v.Race.Limits.TimeSec) * time.Second)

	assert.Empty(t, m.Tick(v.StartTick+limit-1, nil))
	require.Equal(t, PhaseRacing, m.Phase())
	assert.Less(t, est.CompletionPercent(), uint32(100))

	out, err := m.Apply(Inbound{Msg: &protocol.RaceFinished{Ranking: []string{"b", "a"}}})
	require.NoError(t, err)
	finished, ok := FindEvent(out, protocol.EvtRaceFinished)
	require.True(t, ok)
	assert.Equal(t, []string{"b", "a"}, finished.Msg.(*protocol.RaceFinished).Ranking)
}

package main

import (
	"context"
	"math"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/geom"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
)

// leg is how long the bot takes to drive from one end of its route to the
// other.
const leg = 4 * time.Second

// route gives the bot's position a given time into the race.
type route func(elapsed time.Duration) geom.Transform

// shuttle drives back and forth between two points.
func shuttle(from, to geom.Vec3) route {
	return func(elapsed time.Duration) geom.Transform {
		f := float32(elapsed%(2*leg)) / float32(leg)
		if f > 1 {
			f = 2 - f
		}
		return geom.At(from.Lerp(to, f))
	}
}

// circle laps the track origin.
func circle(radius float64) route {
	return func(elapsed time.Duration) geom.Transform {
		a := 2 * math.Pi * float64(elapsed%(2*leg)) / float64(2*leg)
		at := geom.At(geom.Vec3{X: float32(radius * math.Cos(a)), Z: float32(radius * math.Sin(a))})
		at.Rotation = geom.AxisAngle(geom.Vec3{Y: 1}, -a)
		return at
	}
}

// planRoute picks a route for the race that just started. In capture the
// flag the bot runs between its own base and the enemy's, which is enough to
// take and score flags when nobody defends.
func (b *bot) planRoute(ctx context.Context) route {
	v, ok := b.lb.State(ctx)
	if !ok || v.Machine.Race.Mode != session.ModeCaptureTheFlag {
		return circle(20)
	}
	team := roster.TeamUnassigned
	for _, p := range v.Machine.Participants {
		if p.ID == v.Machine.Self {
			team = p.Team
		}
	}
	bases := b.cat.Bases(v.Machine.Race.Track)
	home, away := bases[0].Origin, bases[1].Origin
	if team == roster.TeamBlue {
		home, away = away, home
	}
	return shuttle(home, away)
}

// drive reports the bot's kart to the authority until ctx ends. Rejections
// after the race has ended are expected and ignored.
func (b *bot) drive(ctx context.Context, r route) {
	t := time.NewTicker(b.opts.stateEvery)
	defer t.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			state := &protocol.KartState{Transform: r(now.Sub(start))}
			if !b.lb.Send(ctx, lobby.Local{Msg: state}) {
				return
			}
		}
	}
}

func (b *bot) startDriving(ctx context.Context) {
	b.stopDriving()
	dctx, cancel := context.WithCancel(ctx)
	b.stopDrive = cancel
	r := b.planRoute(dctx)
	go b.drive(dctx, r)
}

func (b *bot) stopDriving() {
	if b.stopDrive != nil {
		b.stopDrive()
		b.stopDrive = nil
	}
}

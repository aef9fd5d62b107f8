package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/catalog"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/objective"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"go.uber.org/zap"
)

// authorityPeer labels events arriving over the uplink connection.
const authorityPeer = "authority"

var errFinished = errors.New("finished requested races")
var errDisconnected = errors.New("disconnected by authority")

type botOptions struct {
	name       string
	identity   string
	password   string
	version    uint32
	kart       string
	track      string
	loadDelay  time.Duration
	stateEvery time.Duration
	races      int
}

// bot reacts to what its participant machine learns. Notices arrive on the
// lobby goroutine, so they are queued and handled in run.
type bot struct {
	objective.NopListener

	lb      *lobby.Lobby
	cat     *catalog.Catalog
	opts    botOptions
	log     *zap.Logger
	notices chan protocol.Payload
	races   int

	stopDrive context.CancelFunc
}

func newBot(cat *catalog.Catalog, opts botOptions, log *zap.Logger) *bot {
	if opts.stateEvery <= 0 {
		opts.stateEvery = 50 * time.Millisecond
	}
	return &bot{
		cat:     cat,
		opts:    opts,
		log:     log.Named("bot"),
		notices: make(chan protocol.Payload, 64),
	}
}

func (b *bot) Notice(p protocol.Payload) {
	select {
	case b.notices <- p:
	default:
		b.log.Warn("notice queue full", zap.Stringer("event", p.Type()))
	}
}

func (b *bot) ObjectiveAttached(id objective.ID, holder string) {
	b.log.Debug("flag taken", zap.Uint8("flag", uint8(id)), zap.String("holder", holder))
}

func (b *bot) run(ctx context.Context) error {
	err := b.lb.Do(ctx, &protocol.ConnectionRequested{
		Version:  b.opts.version,
		Password: b.opts.password,
		Identity: b.opts.identity,
		Name:     b.opts.name,
	})
	if err != nil {
		return fmt.Errorf("requesting connection: %w", err)
	}
	defer b.stopDriving()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-b.notices:
			if err := b.react(ctx, p); err != nil {
				return err
			}
		}
	}
}

func (b *bot) react(ctx context.Context, p protocol.Payload) error {
	switch msg := p.(type) {
	case *protocol.ConnectionRefused:
		return fmt.Errorf("connection refused: %s", msg.Reason)

	case *protocol.BadConnection:
		b.stopDriving()
		return errDisconnected

	case *protocol.StartSelection:
		b.do(ctx, &protocol.KartSelection{Kart: b.pickKart()})
		if vote, ok := b.pickVote(ctx); ok {
			b.do(ctx, vote)
		}

	case *protocol.LoadWorld:
		b.log.Info("loading world", zap.String("track", msg.Track), zap.Uint8("laps", msg.Laps))
		go func() {
			select {
			case <-time.After(b.opts.loadDelay):
				b.do(ctx, &protocol.ClientLoadedWorld{})
			case <-ctx.Done():
			}
		}()

	case *protocol.StartRace:
		b.log.Info("race started", zap.Uint64("startTick", msg.StartTick))
		b.startDriving(ctx)

	case *protocol.RaceFinished:
		b.stopDriving()
		b.log.Info("race finished",
			zap.Uint16("red", msg.RedScore),
			zap.Uint16("blue", msg.BlueScore),
			zap.Strings("ranking", msg.Ranking),
		)
		b.do(ctx, &protocol.RaceFinishedAck{})

	case *protocol.ExitResult:
		b.stopDriving()
		b.races++
		if b.opts.races > 0 && b.races >= b.opts.races {
			return errFinished
		}

	case *protocol.BadTeam:
		b.log.Warn("team change refused")

	case *protocol.Chat:
		b.log.Info("chat", zap.String("from", msg.From), zap.String("text", msg.Text))
	}
	return nil
}

func (b *bot) do(ctx context.Context, p protocol.Payload) {
	if err := b.lb.Do(ctx, p); err != nil {
		b.log.Warn("request rejected", zap.Stringer("event", p.Type()), zap.Error(err))
	}
}

func (b *bot) pickKart() string {
	if b.opts.kart != "" {
		return b.opts.kart
	}
	return b.cat.Karts[rand.IntN(len(b.cat.Karts))]
}

func (b *bot) pickVote(ctx context.Context) (*protocol.Vote, bool) {
	v, ok := b.lb.State(ctx)
	if !ok {
		return nil, false
	}
	cfg := v.Machine.Config
	kind := cfg.Mode.TrackKind()

	track := b.opts.track
	if !b.cat.HasTrack(track, kind) {
		if track, ok = b.cat.FirstTrack(kind); !ok {
			b.log.Warn("no track to vote for", zap.String("kind", kind))
			return nil, false
		}
	}
	return &protocol.Vote{Track: track, Laps: max(cfg.Laps, 1), Reverse: cfg.Reverse}, true
}

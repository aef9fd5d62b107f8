// Command kartbot joins a session as a headless participant. It picks a
// kart, votes, reports its world loaded, drives a fixed route during races
// and acknowledges results.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/catalog"
	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/logging"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/ws"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	var opts botOptions
	url := flag.String("url", "ws://localhost:8080/ws", "authority websocket endpoint")
	catalogPath := flag.String("catalog", "", "catalog file; empty uses the built-in one")
	logLevel := flag.String("log-level", "info", "log level")
	flag.StringVar(&opts.name, "name", "kartbot", "display name")
	flag.StringVar(&opts.identity, "identity", "", "profile identity; random when empty")
	flag.StringVar(&opts.password, "password", "", "server password")
	flag.StringVar(&opts.kart, "kart", "", "kart to select; random when empty")
	flag.StringVar(&opts.track, "track", "", "track to vote for; first fitting track when empty")
	flag.DurationVar(&opts.loadDelay, "load-delay", 2*time.Second, "simulated world loading time")
	flag.DurationVar(&opts.stateEvery, "state-every", 50*time.Millisecond, "how often to report the kart's position while racing")
	flag.IntVar(&opts.races, "races", 0, "leave after this many races; 0 stays until disconnected")
	version := flag.Uint("version", 4, "client data version")
	flag.Parse()
	opts.version = uint32(*version)
	if opts.identity == "" {
		opts.identity = uuid.NewString()
	}

	logger, err := logging.New(*logLevel, true)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cat := catalog.Default()
	if *catalogPath != "" {
		if cat, err = catalog.Load(*catalogPath); err != nil {
			logger.Fatal("loading catalog", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ws.Dial(ctx, *url)
	if err != nil {
		logger.Fatal("connecting", zap.Error(err))
	}
	defer client.Close()

	b := newBot(cat, opts, logger)
	uplink := make(chan protocol.Payload, 16)
	m := engine.NewParticipant(engine.Deps{Catalog: cat, Listener: b, Log: logger})
	lb := lobby.New(ctx, m, lobby.Options{TickInterval: time.Second / 60, Uplink: uplink, Log: logger})
	b.lb = lb

	g, gctx := errgroup.WithContext(ctx)

	// Reader
	g.Go(func() error {
		for {
			p, err := client.Receive(gctx)
			if err != nil {
				return err
			}
			if !lb.Send(gctx, lobby.FromPeer{PeerID: authorityPeer, Msg: p}) {
				return gctx.Err()
			}
		}
	})

	// Writer
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case p := <-uplink:
				if err := client.Send(gctx, p); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error { return b.run(gctx) })

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errFinished), errors.Is(err, context.Canceled):
		logger.Info("bye")
	default:
		logger.Error("session ended", zap.Error(err))
		os.Exit(1)
	}
}

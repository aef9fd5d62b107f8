package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/hub"
	"github.com/DoyleJ11/kart-lobby/internal/lobby"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("message rate exceeded")
var ErrTextFrame = errors.New("text frames are not part of the protocol")

type Options struct {
	MessageRate  float64 // per second
	MessageBurst int
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxSize   int
	Log          *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MessageRate <= 0 {
		o.MessageRate = 50
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 100
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = 64
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return o
}

// Handler accepts participant connections for the authority session held
// by h. Every binary frame is one tagged event.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	opts = opts.withDefaults()
	log := opts.Log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		lb, ok := h.Lookup(engine.RoleAuthority)
		if !ok {
			http.Error(w, "no session", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		peerID := uuid.NewString()
		plog := log.With(zap.String("peer", peerID))
		out := make(chan lobby.Envelope, opts.OutboxSize)

		if !lb.Send(r.Context(), lobby.Connect{PeerID: peerID, Outbox: out}) {
			return
		}
		defer lb.Send(context.Background(), lobby.Disconnect{PeerID: peerID})
		plog.Info("peer connected", zap.String("remote", r.RemoteAddr))

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			defer writeCancel()
			for env := range out {
				payload, err := protocol.Encode(env.Msg)
				if err != nil {
					plog.Error("encoding event", zap.Stringer("event", env.Msg.Type()), zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, opts.WriteTimeout)
				err = conn.Write(ctx, websocket.MessageBinary, payload)
				cancel()
				if err != nil {
					return
				}
				if env.Close {
					conn.Close(websocket.StatusPolicyViolation, "disconnected by authority")
					return
				}
			}
			// The lobby dropped us.
			conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		limiter := rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst)

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(writeCtx, opts.IdleTimeout)
			typ, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					plog.Info("peer left")
				default:
					plog.Info("peer connection ended", zap.Error(err))
				}
				return // lobby.Disconnect in defer
			}

			var msg lobby.Msg
			switch {
			case !limiter.Allow():
				msg = lobby.Malformed{PeerID: peerID, Err: ErrRateLimited}
			case typ != websocket.MessageBinary:
				msg = lobby.Malformed{PeerID: peerID, Err: ErrTextFrame}
			default:
				p, err := protocol.Decode(data)
				if err != nil {
					msg = lobby.Malformed{PeerID: peerID, Err: err}
				} else {
					msg = lobby.FromPeer{PeerID: peerID, Msg: p}
				}
			}
			if !lb.Send(writeCtx, msg) {
				return
			}
		}
	}
}

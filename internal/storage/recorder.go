package storage

import (
	"context"
	"sync"
	"time"

	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/roster"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.uber.org/zap"
)

// Recorder writes results off the lobby goroutine. RecordRace never blocks;
// results arriving while the queue is full or after Close are dropped.
type Recorder struct {
	store *Store
	queue chan *RaceResult
	log   *zap.Logger
	now   func() time.Time

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store: store,
		queue: make(chan *RaceResult, 32),
		log:   log.Named("recorder"),
		now:   time.Now,
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for res := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.SaveResult(ctx, res)
		cancel()
		if err != nil {
			r.log.Error("saving race result", zap.String("session", res.SessionID), zap.Error(err))
			continue
		}
		r.log.Debug("race result saved", zap.String("session", res.SessionID), zap.Uint("id", res.ID))
	}
}

func (r *Recorder) RecordRace(sessionID string, race session.Race, result protocol.RaceFinished, participants []roster.Participant) {
	res := NewRaceResult(sessionID, race, result, participants)
	res.FinishedAt = r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warn("recorder closed, dropping result", zap.String("session", sessionID))
		return
	}
	select {
	case r.queue <- res:
	default:
		r.log.Warn("result queue full, dropping", zap.String("session", sessionID))
	}
}

// Close flushes queued results.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

// NewRaceResult lays out the scoreboard in finish order.
func NewRaceResult(sessionID string, race session.Race, result protocol.RaceFinished, participants []roster.Participant) *RaceResult {
	res := &RaceResult{
		SessionID: sessionID,
		Mode:      uint8(race.Mode),
		Track:     race.Track,
		Laps:      race.Laps,
		Reverse:   race.Reverse,
		RedScore:  result.RedScore,
		BlueScore: result.BlueScore,
		Winner:    result.Winner,
	}

	byID := make(map[string]roster.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}
	placed := make(map[string]bool, len(participants))
	add := func(p roster.Participant) {
		placed[p.ID] = true
		res.Entries = append(res.Entries, ResultEntry{
			Position:      len(res.Entries) + 1,
			ParticipantID: p.ID,
			Name:          p.Name,
			Team:          uint8(p.Team),
			Kart:          p.Kart,
		})
	}
	for _, id := range result.Ranking {
		if p, ok := byID[id]; ok && !placed[id] {
			add(p)
		}
	}
	for _, p := range participants {
		if !placed[p.ID] {
			add(p)
		}
	}
	return res
}

// Package metrics exports session counters through the global OpenTelemetry
// meter provider. Without a configured provider every instrument is a no-op.
package metrics

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/DoyleJ11/kart-lobby/internal/metrics"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// ProgressSource returns the running race's estimate, or false when no
// session is live.
type ProgressSource func() (progress.Snapshot, bool)

type Metrics struct {
	admitted      metric.Int64Counter
	rejected      metric.Int64Counter
	violations    metric.Int64Counter
	forcedDrops   metric.Int64Counter
	racesStarted  metric.Int64Counter
	racesFinished metric.Int64Counter
	remaining     metric.Int64ObservableGauge
	completion    metric.Int64ObservableGauge
}

func New(source ProgressSource) (*Metrics, error) {
	m := meter()
	s := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&s.admitted, "session.participants.admitted", "Connection requests accepted"},
		{&s.rejected, "session.participants.rejected", "Connection requests refused, by reason"},
		{&s.violations, "session.protocol.violations", "Protocol violations, by event"},
		{&s.forcedDrops, "session.participants.dropped", "Participants dropped for missing the loading deadline"},
		{&s.racesStarted, "session.races.started", "Races started, by mode"},
		{&s.racesFinished, "session.races.finished", "Races finished, by mode"},
	}
	var err error
	for _, c := range counters {
		*c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
	}

	s.remaining, err = m.Int64ObservableGauge(
		"session.race.remaining_ticks",
		metric.WithDescription("Estimated ticks until the race ends"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating remaining gauge: %w", err)
	}
	s.completion, err = m.Int64ObservableGauge(
		"session.race.completion",
		metric.WithDescription("Estimated race completion in percent"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion gauge: %w", err)
	}

	if source != nil {
		_, err = m.RegisterCallback(
			func(ctx context.Context, o metric.Observer) error {
				snap, ok := source()
				if !ok {
					return nil
				}
				if snap.RemainingKnown() {
					o.ObserveInt64(s.remaining, int64(snap.RemainingTicks))
				}
				if snap.CompletionKnown() {
					o.ObserveInt64(s.completion, int64(snap.CompletionPercent))
				}
				return nil
			},
			s.remaining, s.completion,
		)
		if err != nil {
			return nil, fmt.Errorf("registering progress callback: %w", err)
		}
	}
	return s, nil
}

func (s *Metrics) Admitted() {
	s.admitted.Add(context.Background(), 1)
}

func (s *Metrics) Rejected(reason protocol.RejectReason) {
	s.rejected.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason.String())))
}

func (s *Metrics) Violation(event protocol.Type) {
	s.violations.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event", event.String())))
}

func (s *Metrics) ForcedDrop() {
	s.forcedDrops.Add(context.Background(), 1)
}

func (s *Metrics) RaceStarted(mode session.Mode) {
	s.racesStarted.Add(context.Background(), 1, modeAttr(mode))
}

func (s *Metrics) RaceFinished(mode session.Mode) {
	s.racesFinished.Add(context.Background(), 1, modeAttr(mode))
}

func modeAttr(mode session.Mode) metric.AddOption {
	return metric.WithAttributes(attribute.String("mode", mode.String()))
}

package metrics

import (
	"testing"

	"github.com/DoyleJ11/kart-lobby/internal/engine"
	"github.com/DoyleJ11/kart-lobby/internal/progress"
	"github.com/DoyleJ11/kart-lobby/internal/protocol"
	"github.com/DoyleJ11/kart-lobby/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ engine.Metrics = (*Metrics)(nil)

func TestNew_WithoutProvider(t *testing.T) {
	calls := 0
	m, err := New(func() (progress.Snapshot, bool) {
		calls++
		return progress.Snapshot{}, false
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.Admitted()
		m.Rejected(protocol.RejectBusy)
		m.Violation(protocol.EvtVote)
		m.ForcedDrop()
		m.RaceStarted(session.ModeCaptureTheFlag)
		m.RaceFinished(session.ModeCaptureTheFlag)
	})
	// The global no-op provider never collects.
	assert.Zero(t, calls)
}

func TestNew_NilSource(t *testing.T) {
	_, err := New(nil)
	require.NoError(t, err)
}

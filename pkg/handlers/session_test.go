package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/types"
)

func ignEvent(state string) *types.Event {
	ev := types.NewEvent("1.0", types.EventIgnStatus)
	ev.AddField("state", state)
	return ev
}

func TestSessionGateDropsOutOfSession(t *testing.T) {
	cfg, err := config.FromJSON(`{}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	ev := types.NewEvent("1.0", "Speed")
	h.Handle(ev)
	assert.Empty(t, sink.events, "no session yet, event dropped")
}

func TestSessionStartupAndShutdownMarkers(t *testing.T) {
	cfg, err := config.FromJSON(`{}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	h.Handle(ignEvent("on"))
	require.True(t, h.SessionInProgress())

	// the ignition event is forwarded, then the synthetic startup marker
	require.Len(t, sink.events, 2)
	assert.Equal(t, types.EventIgnStatus, sink.events[0].EventID)
	assert.Equal(t, types.EventSessionStatus, sink.events[1].EventID)
	assert.Equal(t, "startup", sink.events[1].StringField("status"))

	// in-session events flow
	h.Handle(types.NewEvent("1.0", "Speed"))
	assert.Len(t, sink.events, 3)

	h.Handle(ignEvent("off"))
	assert.False(t, h.SessionInProgress())
	assert.Equal(t, "shutdown", sink.events[len(sink.events)-1].StringField("status"))
}

func TestSessionDuplicateIgnitionNoMarker(t *testing.T) {
	cfg, err := config.FromJSON(`{}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	h.Handle(ignEvent("on"))
	h.Handle(ignEvent("on"))
	// the repeated "on" is dropped outright: neither the event nor a
	// marker reaches the next handler
	require.Len(t, sink.events, 2)
	markers := 0
	for _, ev := range sink.events {
		if ev.EventID == types.EventSessionStatus {
			markers++
		}
	}
	assert.Equal(t, 1, markers)
}

func TestOutOfSessionRPMDropped(t *testing.T) {
	// no RPM-derived ignition configured: the reading is an ordinary
	// event and faces the session gate
	cfg, err := config.FromJSON(`{}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	rpm := types.NewEvent("1.0", types.EventRPM)
	rpm.AddField("value", float64(900))
	h.Handle(rpm)
	assert.Empty(t, sink.events, "out-of-session RPM reading dropped")

	// with a session open the reading flows
	h.Handle(ignEvent("on"))
	h.Handle(rpm)
	assert.Equal(t, types.EventRPM, sink.events[len(sink.events)-1].EventID)
}

func TestRepeatedRPMReadingsSingleIgnition(t *testing.T) {
	cfg, err := config.FromJSON(`{"DAM": {"UseRpmForIgnition": true}}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	for i := 0; i < 3; i++ {
		rpm := types.NewEvent("1.0", types.EventRPM)
		rpm.AddField("value", float64(900))
		h.Handle(rpm)
	}

	ignitions, markers, readings := 0, 0, 0
	for _, ev := range sink.events {
		switch ev.EventID {
		case types.EventIgnStatus:
			ignitions++
		case types.EventSessionStatus:
			markers++
		case types.EventRPM:
			readings++
		}
	}
	assert.Equal(t, 1, ignitions, "only the first reading opens the session")
	assert.Equal(t, 1, markers)
	assert.Equal(t, 3, readings, "in-session readings all flow")
}

func TestSessionExceptionsBypassGate(t *testing.T) {
	cfg, err := config.FromJSON(`{
		"DAM": {"SessionStatusExceptionEvent": ["ActivationEvent"]},
		"MQTT": {"directAlerts": ["Activation"]}
	}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	h.Handle(types.NewEvent("1.0", "ActivationEvent"))
	h.Handle(types.NewEvent("1.0", "Activation"))
	h.Handle(types.NewEvent("1.0", "Speed"))

	require.Len(t, sink.events, 2)
	assert.Equal(t, "ActivationEvent", sink.events[0].EventID)
	assert.Equal(t, "Activation", sink.events[1].EventID)
}

func TestRPMDerivedIgnition(t *testing.T) {
	cfg, err := config.FromJSON(`{"DAM": {"UseRpmForIgnition": true}}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	rpm := types.NewEvent("1.0", types.EventRPM)
	rpm.AddField("value", float64(900))
	h.Handle(rpm)
	assert.True(t, h.SessionInProgress())

	idle := types.NewEvent("1.0", types.EventRPM)
	idle.AddField("value", float64(0))
	h.Handle(idle)
	assert.False(t, h.SessionInProgress())
}

func TestRPMIgnitionEdgeToggles(t *testing.T) {
	// only the on-edge is inferred from RPM
	cfg, err := config.FromJSON(`{"DAM": {"UseRpmForIgnition": {"IgnON": true, "IgnOFF": false}}}`)
	require.NoError(t, err)
	sink := &recorder{}
	h := NewSessionHandler(cfg, sink)

	rpm := types.NewEvent("1.0", types.EventRPM)
	rpm.AddField("value", float64(900))
	h.Handle(rpm)
	require.True(t, h.SessionInProgress())

	idle := types.NewEvent("1.0", types.EventRPM)
	idle.AddField("value", float64(0))
	h.Handle(idle)
	assert.True(t, h.SessionInProgress(), "off-edge disabled, session stays open")
}

package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/types"
)

// recorder is a chain terminal capturing forwarded events
type recorder struct {
	events []*types.Event
}

func (r *recorder) Handle(ev *types.Event) {
	r.events = append(r.events, ev)
}

func intervalCfg(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.FromJSON(doc)
	require.NoError(t, err)
	return cfg
}

func TestIntervalThrottling(t *testing.T) {
	cfg := intervalCfg(t, `{
		"DAM": {"Database": {"validateInterval": true, "IntervalList": {"Speed": 3000}}}
	}`)
	v := NewIntervalValidator(cfg, &recorder{})

	assert.True(t, v.IsValidInterval("Speed", 0), "first instance admits")
	assert.False(t, v.IsValidInterval("Speed", 1000), "inside interval rejects")
	assert.True(t, v.IsValidInterval("Speed", 3000), "at interval admits")
	assert.True(t, v.IsValidInterval("DTCStored", 1), "unconfigured id always admits")
}

func TestIntervalAdmissionUpdatesBaseline(t *testing.T) {
	cfg := intervalCfg(t, `{
		"DAM": {"Database": {"validateInterval": true, "IntervalList": {"Speed": 1000}}}
	}`)
	v := NewIntervalValidator(cfg, &recorder{})

	require.True(t, v.IsValidInterval("Speed", 100))
	require.True(t, v.IsValidInterval("Speed", 1100))
	// baseline moved to 1100, so 2000 is inside the window again
	assert.False(t, v.IsValidInterval("Speed", 2000))
	assert.True(t, v.IsValidInterval("Speed", 2100))
}

func TestIntervalMinusOneDropsAll(t *testing.T) {
	cfg := intervalCfg(t, `{
		"DAM": {"Database": {"validateInterval": true, "IntervalList": {"GpsFix": -1}}}
	}`)
	v := NewIntervalValidator(cfg, &recorder{})

	assert.False(t, v.IsValidInterval("GpsFix", 0))
	assert.False(t, v.IsValidInterval("GpsFix", 99999))
}

func TestIntervalDisabledPassesAll(t *testing.T) {
	cfg := intervalCfg(t, `{
		"DAM": {"Database": {"validateInterval": false, "IntervalList": {"Speed": 3000}}}
	}`)
	v := NewIntervalValidator(cfg, &recorder{})

	assert.True(t, v.IsValidInterval("Speed", 0))
	assert.True(t, v.IsValidInterval("Speed", 1))
}

func TestIntervalHandlerDrops(t *testing.T) {
	cfg := intervalCfg(t, `{
		"DAM": {"Database": {"validateInterval": true, "IntervalList": {"Speed": 3000}}}
	}`)
	sink := &recorder{}
	v := NewIntervalValidator(cfg, sink)

	ev := types.NewEvent("1.0", "Speed")
	ev.Timestamp = 0
	v.Handle(ev)
	ev2 := types.NewEvent("1.0", "Speed")
	ev2.Timestamp = 1000
	v.Handle(ev2)

	require.Len(t, sink.events, 1)
	assert.Equal(t, int64(0), sink.events[0].Timestamp)
}

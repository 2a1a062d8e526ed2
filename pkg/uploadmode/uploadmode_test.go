package uploadmode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
)

func policyFromJSON(t *testing.T, doc string) *Policy {
	t.Helper()
	cfg, err := config.FromJSON(doc)
	require.NoError(t, err)
	return New(cfg)
}

func TestDefaultsToStreamOnly(t *testing.T) {
	p := policyFromJSON(t, `{}`)
	assert.True(t, p.IsStreamModeSupported())
	assert.False(t, p.IsBatchModeSupported())
	assert.True(t, p.IsEventSupportedForStream("Speed"))
	assert.False(t, p.IsEventSupportedForBatch("Speed"))
}

func TestPerEventOverrides(t *testing.T) {
	p := policyFromJSON(t, `{
		"uploadMode": {
			"supported": ["stream", "batch"],
			"default": "stream",
			"events": {
				"batch": ["CrashVideoAFT", "TripSummary"],
				"stream": ["Speed"]
			}
		}
	}`)

	assert.True(t, p.IsEventSupportedForStream("Speed"))
	assert.False(t, p.IsEventSupportedForBatch("Speed"))

	assert.True(t, p.IsEventSupportedForBatch("TripSummary"))
	assert.False(t, p.IsEventSupportedForStream("TripSummary"))

	// unlisted ids take the default mode
	assert.True(t, p.IsEventSupportedForStream("DTCStored"))
	assert.False(t, p.IsEventSupportedForBatch("DTCStored"))
}

func TestModeEventLists(t *testing.T) {
	p := policyFromJSON(t, `{
		"uploadMode": {
			"supported": ["stream", "batch"],
			"default": "batch",
			"events": {"stream": ["Speed", "RPM"], "batch": ["TripSummary"]}
		}
	}`)

	stream := p.StreamModeEventList()
	assert.ElementsMatch(t, []string{"Speed", "RPM"}, stream)
	assert.ElementsMatch(t, []string{"TripSummary"}, p.BatchModeEventList())
}

func TestUnsupportedModeNeverGranted(t *testing.T) {
	// batch listed per event but globally unsupported
	p := policyFromJSON(t, `{
		"uploadMode": {
			"supported": ["stream"],
			"events": {"batch": ["TripSummary"]}
		}
	}`)
	assert.False(t, p.IsEventSupportedForBatch("TripSummary"))
}

func TestCapabilityFlags(t *testing.T) {
	p := policyFromJSON(t, `{
		"uploadMode": {
			"supported": ["stream", "batch"],
			"anonymousUpload": true,
			"storeAndForward": false
		}
	}`)
	assert.True(t, p.IsAnonymousUploadSupported())
	assert.False(t, p.IsStoreAndForwardSupported())
}

func TestReloadSwapsTables(t *testing.T) {
	cfg, err := config.FromJSON(`{"uploadMode": {"supported": ["stream"]}}`)
	require.NoError(t, err)
	p := New(cfg)
	assert.False(t, p.IsBatchModeSupported())

	require.NoError(t, cfg.Set("uploadMode.supported", `["stream","batch"]`))
	p.Reload()
	assert.True(t, p.IsBatchModeSupported())
}

package handlers

import (
	"sync"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

// IntervalValidator throttles configured event ids to a minimum
// inter-event interval. An interval of -1 drops every instance of the id.
// Unconfigured ids always pass.
type IntervalValidator struct {
	next Handler

	mu       sync.Mutex
	enabled  bool
	interval map[string]int64 // event id -> minimum interval ms
	lastSeen map[string]int64 // event id -> last admitted timestamp
}

// NewIntervalValidator builds the throttle from
// DAM.Database.validateInterval and DAM.Database.IntervalList.
func NewIntervalValidator(cfg *config.Config, next Handler) *IntervalValidator {
	v := &IntervalValidator{
		next:     next,
		enabled:  cfg.GetBool("DAM.Database.validateInterval", false),
		interval: make(map[string]int64),
		lastSeen: make(map[string]int64),
	}
	list := cfg.GetJSON("DAM.Database.IntervalList")
	if list.IsObject() {
		for id, val := range list.Map() {
			v.interval[id] = val.Int()
		}
	}
	log.WithComponent("interval").Debug().
		Bool("enabled", v.enabled).Int("configured", len(v.interval)).
		Msg("interval validator configured")
	return v
}

// IsValidInterval reports whether an event with the given id and timestamp
// passes the throttle, updating the last-admitted timestamp on success.
func (v *IntervalValidator) IsValidInterval(eventID string, ts int64) bool {
	if !v.enabled {
		return true
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	interval, ok := v.interval[eventID]
	if !ok {
		return true
	}
	if interval == -1 {
		return false
	}
	last, seen := v.lastSeen[eventID]
	if !seen {
		v.lastSeen[eventID] = ts
		return true
	}
	if ts-last < interval {
		return false
	}
	v.lastSeen[eventID] = ts
	return true
}

// Handle drops events that arrive faster than their configured interval
func (v *IntervalValidator) Handle(ev *types.Event) {
	if !v.IsValidInterval(ev.EventID, ev.Timestamp) {
		log.WithComponent("interval").Debug().Str("event_id", ev.EventID).Msg("throttled")
		return
	}
	v.next.Handle(ev)
}

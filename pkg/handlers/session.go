package handlers

import (
	"sync"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/types"
)

// ignition states tracked by the session gate
type ignitionState int

const (
	ignitionUnknown ignitionState = iota
	ignitionOn
	ignitionOff
)

// SessionHandler gates events on an active driving session. Sessions are
// delimited by ignition transitions, taken either from explicit IgnStatus
// events or inferred from RPM readings when configured. Out-of-session
// events are dropped unless they are alerts or whitelisted.
type SessionHandler struct {
	next Handler

	mu                sync.Mutex
	lastIgnition      ignitionState
	sessionInProgress bool

	genIgnOn   bool // infer ignition-on from RPM > 0
	genIgnOff  bool // infer ignition-off from RPM == 0
	exceptions map[string]struct{}
	alertIDs   map[string]struct{}
}

// NewSessionHandler builds the session gate from configuration
func NewSessionHandler(cfg *config.Config, next Handler) *SessionHandler {
	h := &SessionHandler{
		next:         next,
		lastIgnition: ignitionUnknown,
		exceptions:   make(map[string]struct{}),
		alertIDs:     make(map[string]struct{}),
	}

	rpm := cfg.GetJSON("DAM.UseRpmForIgnition")
	switch {
	case rpm.IsObject():
		h.genIgnOn = rpm.Get("IgnON").Bool()
		h.genIgnOff = rpm.Get("IgnOFF").Bool()
	case rpm.IsBool():
		h.genIgnOn = rpm.Bool()
		h.genIgnOff = rpm.Bool()
	}

	for _, id := range cfg.GetJSON("DAM.SessionStatusExceptionEvent").Array() {
		h.exceptions[id.String()] = struct{}{}
	}
	for _, id := range cfg.GetJSON("MQTT.directAlerts").Array() {
		h.alertIDs[id.String()] = struct{}{}
	}

	log.WithComponent("session").Debug().
		Bool("rpm_ign_on", h.genIgnOn).Bool("rpm_ign_off", h.genIgnOff).
		Int("exceptions", len(h.exceptions)).Msg("session gate configured")
	return h
}

// SessionInProgress reports whether a driving session is active
func (h *SessionHandler) SessionInProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionInProgress
}

// Handle applies the session gate
func (h *SessionHandler) Handle(ev *types.Event) {
	switch ev.EventID {
	case types.EventIgnStatus:
		h.onIgnition(ev.StringField("state"), ev)
		return
	case types.EventRPM, types.EventEngineRPM:
		// ignition inference is a side effect; the reading itself still
		// faces the session gate like any other event
		h.inferIgnitionFromRPM(ev)
	case types.EventClientLaunched:
		// launch markers delimit sessions in the store and must always
		// land, session or not
		h.next.Handle(ev)
		return
	}

	h.forwardGated(ev)
}

// forwardGated forwards ev only when a session is active or the id is an
// alert or whitelisted exception.
func (h *SessionHandler) forwardGated(ev *types.Event) {
	h.mu.Lock()
	inSession := h.sessionInProgress
	h.mu.Unlock()

	if !inSession {
		if _, ok := h.alertIDs[ev.EventID]; ok {
			h.next.Handle(ev)
			return
		}
		if _, ok := h.exceptions[ev.EventID]; ok {
			h.next.Handle(ev)
			return
		}
		log.WithComponent("session").Debug().Str("event_id", ev.EventID).Msg("dropped out-of-session event")
		return
	}
	h.next.Handle(ev)
}

// onIgnition tracks explicit ignition transitions and synthesizes
// SessionStatus startup/shutdown markers. An event repeating the current
// ignition state is dropped outright; only state-changing events reach
// the next handler.
func (h *SessionHandler) onIgnition(state string, ev *types.Event) {
	h.mu.Lock()
	var transition string
	switch state {
	case "on":
		if h.lastIgnition != ignitionOn {
			h.lastIgnition = ignitionOn
			h.sessionInProgress = true
			transition = "startup"
		}
	case "off":
		if h.lastIgnition != ignitionOff {
			h.lastIgnition = ignitionOff
			h.sessionInProgress = false
			transition = "shutdown"
		}
	}
	h.mu.Unlock()

	if transition == "" {
		log.WithComponent("session").Debug().Str("state", state).Msg("repeated ignition state dropped")
		return
	}

	// forward the ignition event itself, then the session marker
	h.next.Handle(ev)
	session := types.NewEvent("1.0", types.EventSessionStatus)
	session.AddField("status", transition)
	session.AddField("startupType", types.EventIgnStatus)
	session.Timestamp = ev.Timestamp
	session.Timezone = ev.Timezone
	h.next.Handle(session)
	log.WithComponent("session").Info().Str("status", transition).Msg("session transition")
}

// inferIgnitionFromRPM derives ignition edges from engine speed when
// configured. The RPM event itself is not forwarded here.
func (h *SessionHandler) inferIgnitionFromRPM(ev *types.Event) {
	rpm, ok := ev.Field("value").(float64)
	if !ok {
		return
	}
	if rpm > 0 && h.genIgnOn {
		ign := types.NewEvent("1.0", types.EventIgnStatus)
		ign.AddField("state", "on")
		ign.Timestamp = ev.Timestamp
		ign.Timezone = ev.Timezone
		h.onIgnition("on", ign)
	} else if rpm <= 0 && h.genIgnOff {
		ign := types.NewEvent("1.0", types.EventIgnStatus)
		ign.AddField("state", "off")
		ign.Timestamp = ev.Timestamp
		ign.Timezone = ev.Timezone
		h.onIgnition("off", ign)
	}
}

package uploadmode

import (
	"sync"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
)

// Config paths read by the policy
const (
	keySupported       = "uploadMode.supported"
	keyDefault         = "uploadMode.default"
	keyEvents          = "uploadMode.events"
	keyAnonymous       = "uploadMode.anonymousUpload"
	keyStoreAndForward = "uploadMode.storeAndForward"
)

const (
	modeStream = "stream"
	modeBatch  = "batch"
)

// modeSet is a pair of booleans: stream eligibility and batch eligibility
type modeSet struct {
	stream bool
	batch  bool
}

// Policy classifies events as stream, batch or both from configuration.
// All predicates are pure reads over tables swapped atomically on reload.
type Policy struct {
	mu sync.RWMutex

	cfg        *config.Config
	supported  modeSet
	defaults   modeSet
	eventModes map[string]modeSet
	anonymous  bool
	storeFwd   bool
}

// New builds the policy from the current configuration
func New(cfg *config.Config) *Policy {
	p := &Policy{cfg: cfg}
	p.Reload()
	return p
}

// Reload atomically swaps the policy tables from configuration
func (p *Policy) Reload() {
	supported := modeSet{}
	sup := p.cfg.GetJSON(keySupported)
	if !sup.Exists() {
		// with nothing configured, stream is the only capability
		supported.stream = true
	} else {
		for _, v := range sup.Array() {
			switch v.String() {
			case modeStream:
				supported.stream = true
			case modeBatch:
				supported.batch = true
			}
		}
	}

	defaults := modeSet{}
	switch p.cfg.GetString(keyDefault, "") {
	case modeStream:
		defaults.stream = true
	case modeBatch:
		defaults.batch = true
	default:
		defaults = supported
	}
	// the default mode must be a supported mode
	defaults.stream = defaults.stream && supported.stream
	defaults.batch = defaults.batch && supported.batch

	eventModes := make(map[string]modeSet)
	events := p.cfg.GetJSON(keyEvents)
	for _, mode := range []string{modeStream, modeBatch} {
		for _, id := range events.Get(mode).Array() {
			m := eventModes[id.String()]
			if mode == modeStream {
				m.stream = supported.stream
			} else {
				m.batch = supported.batch
			}
			eventModes[id.String()] = m
		}
	}

	p.mu.Lock()
	p.supported = supported
	p.defaults = defaults
	p.eventModes = eventModes
	p.anonymous = p.cfg.GetBool(keyAnonymous, false)
	p.storeFwd = p.cfg.GetBool(keyStoreAndForward, true)
	p.mu.Unlock()

	log.WithComponent("uploadmode").Debug().
		Bool("stream", supported.stream).Bool("batch", supported.batch).
		Int("overrides", len(eventModes)).Msg("upload mode policy loaded")
}

// IsEventSupportedForStream reports stream eligibility for an event id
func (p *Policy) IsEventSupportedForStream(eventID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.eventModes[eventID]; ok {
		return m.stream
	}
	return p.defaults.stream
}

// IsEventSupportedForBatch reports batch eligibility for an event id
func (p *Policy) IsEventSupportedForBatch(eventID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.eventModes[eventID]; ok {
		return m.batch
	}
	return p.defaults.batch
}

// IsStreamModeSupported reports the global stream capability
func (p *Policy) IsStreamModeSupported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.supported.stream
}

// IsBatchModeSupported reports the global batch capability
func (p *Policy) IsBatchModeSupported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.supported.batch
}

// IsAnonymousUploadSupported reports whether uploads may run unactivated
func (p *Policy) IsAnonymousUploadSupported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anonymous
}

// IsStoreAndForwardSupported reports whether events persist across outages
func (p *Policy) IsStoreAndForwardSupported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.storeFwd
}

// StreamModeEventList returns the ids explicitly configured for stream
// mode. The granularity reducer treats these as mandatory exemptions.
func (p *Policy) StreamModeEventList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, m := range p.eventModes {
		if m.stream {
			ids = append(ids, id)
		}
	}
	return ids
}

// BatchModeEventList returns the ids explicitly configured for batch mode
func (p *Policy) BatchModeEventList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, m := range p.eventModes {
		if m.batch {
			ids = append(ids, id)
		}
	}
	return ids
}

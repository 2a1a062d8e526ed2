package auth

import (
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/storage"
)

// ActivationBackoff gates activation attempts behind an exponential retry
// schedule with jitter. State survives restarts through local config, so a
// crash loop cannot hammer the activation endpoint.
type ActivationBackoff struct {
	local *storage.LocalConfig
	exp   *backoff.ExponentialBackOff

	attempts    int
	nextAllowed time.Time
}

type backoffState struct {
	Attempts    int   `json:"attempts"`
	NextAllowed int64 `json:"nextAllowedMs"` // wall clock, ms
}

// NewActivationBackoff restores persisted backoff state
func NewActivationBackoff(local *storage.LocalConfig) *ActivationBackoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 30 * time.Second
	exp.MaxInterval = 6 * time.Hour
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.25
	exp.MaxElapsedTime = 0 // never give up, only space out
	exp.Reset()

	b := &ActivationBackoff{local: local, exp: exp}
	if raw := local.Get(storage.KeyBackoffState); raw != "" {
		var st backoffState
		if err := json.Unmarshal([]byte(raw), &st); err == nil {
			b.attempts = st.Attempts
			b.nextAllowed = time.UnixMilli(st.NextAllowed)
			// rebuild the interval ladder to where it was
			for i := 0; i < st.Attempts; i++ {
				_ = exp.NextBackOff()
			}
		}
	}
	return b
}

// Proceed reports whether an activation attempt is allowed now
func (b *ActivationBackoff) Proceed() bool {
	if b.nextAllowed.IsZero() {
		return true
	}
	return time.Now().After(b.nextAllowed)
}

// Reset clears the schedule after a successful activation
func (b *ActivationBackoff) Reset() {
	b.attempts = 0
	b.nextAllowed = time.Time{}
	b.exp.Reset()
	_ = b.local.Remove(storage.KeyBackoffState)
}

// CalculateNextRetry advances the schedule after a failed attempt
func (b *ActivationBackoff) CalculateNextRetry(cause error) {
	b.attempts++
	wait := b.exp.NextBackOff()
	if wait == backoff.Stop {
		wait = b.exp.MaxInterval
	}
	b.nextAllowed = time.Now().Add(wait)
	b.persist()
	log.WithComponent("backoff").Warn().Err(cause).
		Int("attempts", b.attempts).Dur("wait", wait).Msg("activation retry deferred")
}

func (b *ActivationBackoff) persist() {
	raw, err := json.Marshal(backoffState{
		Attempts:    b.attempts,
		NextAllowed: b.nextAllowed.UnixMilli(),
	})
	if err != nil {
		return
	}
	_ = b.local.Set(storage.KeyBackoffState, string(raw))
}

package handlers

import (
	"strconv"
	"sync"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
	"github.com/hcp-ignite/agent/pkg/uploadmode"
)

// DBWriter is the terminal stage of the chain. It computes upload flags
// from the mode policy, encrypts the payload, and stages the row for the
// per-batch transaction. Alerts take a dedicated path straight into the
// alert table with an immediate uploader notification.
type DBWriter struct {
	cfg      *config.Config
	policy   *uploadmode.Policy
	envelope *security.Envelope
	engine   *storage.Engine
	events   *storage.EventStore
	alerts   *storage.EventStore
	invalid  *storage.InvalidEventStore
	files    *storage.UploadFileStore
	local    *storage.LocalConfig
	notifier Notifier

	alertIDs     map[string]struct{}
	forceUpload  map[string]struct{}
	gateUploads  bool
	gateExcepted map[string]struct{}

	mu          sync.Mutex
	pending     []types.StoredEvent
	launchSent  bool
	invalidSeen int64
}

// DBWriterDeps collects the collaborators of the writer stage
type DBWriterDeps struct {
	Config   *config.Config
	Policy   *uploadmode.Policy
	Envelope *security.Envelope
	Engine   *storage.Engine
	Events   *storage.EventStore
	Alerts   *storage.EventStore
	Invalid  *storage.InvalidEventStore
	Files    *storage.UploadFileStore
	Local    *storage.LocalConfig
	Notifier Notifier
}

// NewDBWriter builds the writer stage
func NewDBWriter(deps DBWriterDeps) *DBWriter {
	w := &DBWriter{
		cfg:          deps.Config,
		policy:       deps.Policy,
		envelope:     deps.Envelope,
		engine:       deps.Engine,
		events:       deps.Events,
		alerts:       deps.Alerts,
		invalid:      deps.Invalid,
		files:        deps.Files,
		local:        deps.Local,
		notifier:     deps.Notifier,
		alertIDs:     make(map[string]struct{}),
		forceUpload:  make(map[string]struct{}),
		gateExcepted: make(map[string]struct{}),
	}
	if w.notifier == nil {
		w.notifier = NopNotifier{}
	}
	for _, id := range deps.Config.GetJSON("MQTT.directAlerts").Array() {
		w.alertIDs[id.String()] = struct{}{}
	}
	for _, id := range deps.Config.GetJSON("MQTT.ForceUploadEvents").Array() {
		w.forceUpload[id.String()] = struct{}{}
	}
	w.gateUploads = deps.Config.GetBool("DAM.UploadAfterActivation", false)
	for _, id := range deps.Config.GetJSON("DAM.ActivationValidatorExceptions").Array() {
		w.gateExcepted[id.String()] = struct{}{}
	}
	return w
}

func (w *DBWriter) activated() bool {
	return w.local.Get(storage.KeyLogin) != "" && w.local.Get(storage.KeyPasscode) != ""
}

// Handle validates, encrypts and stages one event
func (w *DBWriter) Handle(ev *types.Event) {
	logger := log.WithComponent("dbwriter")

	if ev.EventID == types.EventClientLaunched {
		w.mu.Lock()
		first := !w.launchSent
		w.launchSent = true
		w.mu.Unlock()
		if first {
			w.notifier.IgniteStarted()
		}
	}

	// activation gate
	if w.gateUploads && !w.activated() {
		if _, ok := w.gateExcepted[ev.EventID]; !ok {
			logger.Debug().Str("event_id", ev.EventID).Msg("dropped, device not activated")
			metrics.EventsDropped.WithLabelValues("not_activated").Inc()
			return
		}
	}

	// plausibility: events stamped before the device was activated are
	// quarantined for later inspection
	if actTS := w.local.Get(storage.KeyActivationTS); actTS != "" {
		if ts, err := strconv.ParseInt(actTS, 10, 64); err == nil && ev.Timestamp > 0 && ev.Timestamp < ts {
			if err := w.invalid.Insert(ev); err != nil {
				logger.Warn().Err(err).Msg("failed to quarantine event")
			}
			metrics.EventsDropped.WithLabelValues("invalid_timestamp").Inc()
			return
		}
	}

	if _, isAlert := w.alertIDs[ev.EventID]; isAlert {
		w.HandleAlert(ev)
		return
	}

	row, ok := w.buildRow(ev)
	if !ok {
		return
	}

	w.mu.Lock()
	w.pending = append(w.pending, row)
	w.mu.Unlock()

	if _, force := w.forceUpload[ev.EventID]; force {
		w.notifier.ForceUpload()
	}
}

// buildRow computes flags, applies attachment rules and encrypts
func (w *DBWriter) buildRow(ev *types.Event) (types.StoredEvent, bool) {
	logger := log.WithComponent("dbwriter")

	stream := w.policy.IsEventSupportedForStream(ev.EventID)
	batch := w.policy.IsEventSupportedForBatch(ev.EventID)

	// topiced events force stream when available, batch otherwise
	if ev.Topic != "" {
		if w.policy.IsStreamModeSupported() {
			stream, batch = true, false
		} else if w.policy.IsBatchModeSupported() {
			stream, batch = false, true
		}
	}

	if ev.HasAttachments() {
		if w.policy.IsBatchModeSupported() {
			// stream cannot carry files
			stream, batch = false, true
			for i, path := range ev.Attachments {
				if _, err := w.files.Add(types.UploadFile{FilePath: path, SplitIndex: i, IsFinalChunk: i == len(ev.Attachments)-1}); err != nil {
					logger.Warn().Err(err).Str("file", path).Msg("failed to stage attachment")
				}
			}
		} else {
			ev.Attachments = nil
			ev.AddField("attachmentFailureReason", "batchModeUnsupported")
		}
	}

	if !stream && !batch {
		logger.Warn().Str("event_id", ev.EventID).Msg("event supports no upload mode, discarded")
		metrics.EventsDropped.WithLabelValues("no_mode").Inc()
		return types.StoredEvent{}, false
	}

	raw, err := ev.Serialize()
	if err != nil {
		logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("serialize failed")
		metrics.EventsDropped.WithLabelValues("serialize").Inc()
		return types.StoredEvent{}, false
	}
	payload, err := w.envelope.Encrypt(raw)
	if err != nil {
		logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("encrypt failed")
		metrics.EventsDropped.WithLabelValues("encrypt").Inc()
		return types.StoredEvent{}, false
	}

	return types.StoredEvent{
		EventID:   ev.EventID,
		Timestamp: ev.Timestamp,
		Timezone:  ev.Timezone,
		Size:      len(raw),
		HasAttach: ev.HasAttachments(),
		Priority:  ev.Priority,
		Payload:   payload,
		AppID:     ev.AppID,
		Topic:     ev.Topic,
		Stream:    stream,
		Batch:     batch,
	}, true
}

// HandleAlert writes straight to the alert table and wakes the uploader.
// The token manager uses this path directly for activation alerts.
func (w *DBWriter) HandleAlert(ev *types.Event) {
	logger := log.WithComponent("dbwriter")
	raw, err := ev.Serialize()
	if err != nil {
		logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("alert serialize failed")
		return
	}
	payload, err := w.envelope.Encrypt(raw)
	if err != nil {
		logger.Warn().Err(err).Str("event_id", ev.EventID).Msg("alert encrypt failed")
		return
	}
	row := types.StoredEvent{
		EventID:   ev.EventID,
		Timestamp: ev.Timestamp,
		Timezone:  ev.Timezone,
		Size:      len(raw),
		Priority:  1,
		Payload:   payload,
		AppID:     ev.AppID,
		Stream:    true,
	}
	if _, err := w.alerts.Insert(row); err != nil {
		logger.Error().Err(err).Str("event_id", ev.EventID).Msg("alert insert failed")
		return
	}
	metrics.AlertsStored.Inc()
	w.notifier.AlertInserted()
}

// Flush commits the staged rows in one transaction per batch and reports
// storage pressure. Called by the writer thread after each drained batch.
func (w *DBWriter) Flush() (int, error) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	// quarantine overflow summaries ride along with the next batch
	if overflow := w.invalid.TakeOverflowEvent(); overflow != nil {
		if row, ok := w.buildRow(overflow); ok {
			batch = append(batch, row)
		}
	}

	if len(batch) == 0 {
		return 0, nil
	}
	n, err := w.events.InsertBatch(batch)
	if err != nil {
		return n, err
	}
	metrics.EventsStored.Add(float64(n))

	limit := w.cfg.GetInt("DAM.Database.dbSizeLimit", 0)
	if limit > 0 && w.engine != nil && w.engine.SizeBytes() >= limit {
		w.notifier.StorageOverLimit()
	}
	return n, nil
}

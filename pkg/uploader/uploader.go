package uploader

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
)

const (
	alertBatchCount = 20
	alertRetryCount = 10
	alertRetryWait  = time.Second

	// wait while suspended before rechecking
	suspendWait = 10 * time.Second

	minUploadEventCount  = 20
	maxUploadEventCount  = 175
	defaultEventPeriodS  = 5
	defaultAlertPeriodS  = 0 // alerts are notification driven unless configured
	defaultLogIterations = 20
)

// failure categories reported per retry
const (
	failNoConnection     = "no_connection"
	failPublishError     = "publish_error"
	failDataNotAvailable = "data_not_available"
)

// TokenSource supplies upload credentials; "not activated" gates uploads
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// Uploader runs two workers over one MQTT connection: the alert worker
// wakes on inserts, the event worker on a fixed period. Published rows are
// stamped with the broker message id and deleted when the ack arrives.
type Uploader struct {
	cfg      *config.Config
	events   *storage.EventStore
	alerts   *storage.EventStore
	envelope *security.Envelope
	tokens   TokenSource
	pub      Publisher
	registry *midRegistry

	deviceID    func() string
	compression bool
	topicPrefix string
	eventTopic  string
	alertTopic  string
	maxUpload   int
	eventPeriod time.Duration

	alertNotify chan struct{}
	forceNotify chan struct{}
	suspended   atomic.Bool
	suspendWake chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	logIter        throttle
	summaryLogIter throttle
}

// throttle suppresses all but every n-th log line
type throttle struct {
	n     int
	count atomic.Int64
}

func (t *throttle) allow() bool {
	if t.n <= 1 {
		return true
	}
	return t.count.Add(1)%int64(t.n) == 1
}

// Deps collects the uploader's collaborators
type Deps struct {
	Config   *config.Config
	Events   *storage.EventStore
	Alerts   *storage.EventStore
	Envelope *security.Envelope
	Tokens   TokenSource
	Pub      Publisher
	DeviceID func() string
}

// New builds the uploader from configuration
func New(deps Deps) *Uploader {
	cfg := deps.Config
	u := &Uploader{
		cfg:         cfg,
		events:      deps.Events,
		alerts:      deps.Alerts,
		envelope:    deps.Envelope,
		tokens:      deps.Tokens,
		pub:         deps.Pub,
		registry:    newMIDRegistry(),
		deviceID:    deps.DeviceID,
		compression: cfg.GetBool("MQTT.compression", true),
		topicPrefix: cfg.GetString("MQTT.topicprefix", ""),
		eventTopic:  cfg.GetString("MQTT.pub_topics.events.topic", "2c/events"),
		alertTopic:  cfg.GetString("MQTT.pub_topics.alerts.topic", "2c/alerts"),
		alertNotify: make(chan struct{}, 1),
		forceNotify: make(chan struct{}, 1),
		suspendWake: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	maxUpload := int(cfg.GetInt("MQTT.pub_topics.events.uploadEventCount", minUploadEventCount))
	switch {
	case maxUpload < minUploadEventCount:
		maxUpload = minUploadEventCount
	case maxUpload > maxUploadEventCount:
		maxUpload = maxUploadEventCount
	}
	u.maxUpload = maxUpload

	period := cfg.GetInt("MQTT.pub_topics.events.periodicity", defaultEventPeriodS)
	if period <= 0 {
		period = defaultEventPeriodS
	}
	u.eventPeriod = time.Duration(period) * time.Second

	u.logIter.n = int(cfg.GetInt("MQTT.logIterCount", defaultLogIterations))
	u.summaryLogIter.n = int(cfg.GetInt("MQTT.summaryLogIterCount", defaultLogIterations))
	return u
}

// Start launches the workers. Rows still marked published from a previous
// run are reset first: an ack that never arrived means re-publish.
func (u *Uploader) Start() {
	if n, err := u.events.ResetMIDs(); err == nil && n > 0 {
		log.WithComponent("uploader").Info().Int64("rows", n).Msg("unacked event rows re-queued")
	}
	if n, err := u.alerts.ResetMIDs(); err == nil && n > 0 {
		log.WithComponent("uploader").Info().Int64("rows", n).Msg("unacked alert rows re-queued")
	}
	u.wg.Add(2)
	go u.alertWorker()
	go u.eventWorker()
}

// Stop signals shutdown and waits for in-flight batches to finish
func (u *Uploader) Stop() {
	close(u.stopCh)
	u.wg.Wait()
}

// NotifyAlert wakes the alert worker after an alert insert
func (u *Uploader) NotifyAlert() {
	select {
	case u.alertNotify <- struct{}{}:
	default:
	}
}

// NotifyForceUpload triggers an immediate event cycle
func (u *Uploader) NotifyForceUpload() {
	select {
	case u.forceNotify <- struct{}{}:
	default:
	}
}

// Suspend parks both workers between batches; the granularity reducer
// holds this while it deletes rows.
func (u *Uploader) Suspend() {
	u.suspended.Store(true)
}

// Resume releases a suspension
func (u *Uploader) Resume() {
	u.suspended.Store(false)
	select {
	case u.suspendWake <- struct{}{}:
	default:
	}
}

// HandleAck deletes the rows registered under an acknowledged message id
func (u *Uploader) HandleAck(mid int) {
	table, ok := u.registry.take(mid)
	if !ok {
		return
	}
	store := u.events
	if table == storage.TableAlertStore {
		store = u.alerts
	}
	deleted, err := store.DeleteByMID(mid)
	if err != nil {
		log.WithComponent("uploader").Warn().Err(err).Int("mid", mid).Msg("ack deletion failed")
		return
	}
	if u.summaryLogIter.allow() {
		log.WithComponent("uploader").Debug().Int("mid", mid).Int64("rows", deleted).Msg("rows acknowledged")
	}
}

// InFlight reports the number of unacknowledged publishes
func (u *Uploader) InFlight() int {
	return u.registry.size()
}

// Status is a diagnostics snapshot of the upload loop
type Status struct {
	UploadSuspended  bool          `json:"UploadSuspended"`
	EventPeriodicity time.Duration `json:"EventPeriodicity"`
	MaxUploadCount   int           `json:"MaxUploadCount"`
	Compression      bool          `json:"Compression"`
	InFlight         int           `json:"InFlight"`
	Connected        bool          `json:"Connected"`
}

// Status returns the current diagnostics snapshot
func (u *Uploader) Status() Status {
	return Status{
		UploadSuspended:  u.suspended.Load(),
		EventPeriodicity: u.eventPeriod,
		MaxUploadCount:   u.maxUpload,
		Compression:      u.compression,
		InFlight:         u.registry.size(),
		Connected:        u.pub != nil && u.pub.IsConnected(),
	}
}

// waitWhileSuspended parks until resumed, shutdown, or the periodic wake
func (u *Uploader) waitWhileSuspended() {
	for u.suspended.Load() {
		select {
		case <-u.stopCh:
			return
		case <-u.suspendWake:
		case <-time.After(suspendWait):
		}
	}
}

// ready gates a cycle on activation and a valid token
func (u *Uploader) ready() bool {
	if u.tokens == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := u.tokens.GetToken(ctx); err != nil {
		if u.logIter.allow() {
			log.WithComponent("uploader").Debug().Err(err).Msg("upload gated, no token")
		}
		return false
	}
	return true
}

// --- alert worker ---

func (u *Uploader) alertWorker() {
	defer u.wg.Done()
	logger := log.WithComponent("uploader")

	period := u.cfg.GetInt("MQTT.pub_topics.alerts.periodicity", defaultAlertPeriodS)
	var tick <-chan time.Time
	if period > 0 {
		ticker := time.NewTicker(time.Duration(period) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-u.stopCh:
			return
		case <-u.alertNotify:
		case <-tick:
		}
		u.waitWhileSuspended()
		select {
		case <-u.stopCh:
			return
		default:
		}
		if !u.ready() {
			continue
		}

		for attempt := 0; attempt < alertRetryCount; attempt++ {
			category, done := u.uploadAlertBatch()
			if done {
				break
			}
			metrics.PublishFailures.WithLabelValues(category).Inc()
			if u.logIter.allow() {
				logger.Warn().Str("category", category).Int("attempt", attempt+1).Msg("alert upload retry")
			}
			select {
			case <-u.stopCh:
				return
			case <-time.After(alertRetryWait):
			}
		}
	}
}

// uploadAlertBatch publishes up to 20 pending alerts as one JSON array.
// Returns done=true when nothing is pending or the batch was handed to
// the broker.
func (u *Uploader) uploadAlertBatch() (string, bool) {
	rows, err := u.alerts.Pending(alertBatchCount)
	if err != nil || len(rows) == 0 {
		return failDataNotAvailable, true
	}
	if !u.pub.IsConnected() {
		return failNoConnection, false
	}

	payload, ids, ok := u.buildArrayPayload(u.alerts, rows)
	if !ok {
		return failDataNotAvailable, false
	}

	topic := u.topicPrefix + u.deviceID() + "/" + u.alertTopic
	mid, err := u.pub.Publish(topic, payload)
	if err != nil {
		return failPublishError, false
	}
	if mid <= 0 {
		u.pub.Disconnect()
		return failDataNotAvailable, false
	}

	if err := u.alerts.MarkPublished(ids, mid); err != nil {
		log.WithComponent("uploader").Error().Err(err).Msg("failed to stamp alert mids")
		return failDataNotAvailable, false
	}
	u.registry.register(mid, storage.TableAlertStore)
	metrics.EventsPublished.WithLabelValues(storage.TableAlertStore).Add(float64(len(ids)))
	return "", true
}

// --- event worker ---

func (u *Uploader) eventWorker() {
	defer u.wg.Done()
	ticker := time.NewTicker(u.eventPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
		case <-u.forceNotify:
		}
		u.waitWhileSuspended()
		select {
		case <-u.stopCh:
			return
		default:
		}
		if !u.ready() {
			continue
		}

		u.uploadTopiced()
		u.uploadBulk()
	}
}

// uploadTopiced publishes topiced rows one at a time, each to its own
// reconstructed topic. Malformed topics stay in the table.
func (u *Uploader) uploadTopiced() {
	logger := log.WithComponent("uploader")
	rows, err := u.events.PendingTopiced(u.maxUpload)
	if err != nil || len(rows) == 0 {
		return
	}
	if !u.pub.IsConnected() {
		metrics.PublishFailures.WithLabelValues(failNoConnection).Inc()
		return
	}
	device := u.deviceID()

	for _, row := range rows {
		topic, err := reconstructTopic(u.topicPrefix, device, row.Topic)
		if err != nil {
			if u.logIter.allow() {
				logger.Warn().Err(err).Int64("row", row.ID).Msg("malformed topic, row retained")
			}
			continue
		}
		raw, err := u.envelope.Decrypt(row.Payload)
		if err != nil {
			_ = u.events.DeleteRows([]int64{row.ID})
			continue
		}
		payload, err := u.encode(raw)
		if err != nil {
			// retry next cycle
			logger.Warn().Err(err).Msg("compression failed, publish aborted")
			return
		}
		mid, err := u.pub.Publish(topic, payload)
		if err != nil {
			metrics.PublishFailures.WithLabelValues(failPublishError).Inc()
			return
		}
		if mid <= 0 {
			u.pub.Disconnect()
			metrics.PublishFailures.WithLabelValues(failDataNotAvailable).Inc()
			return
		}
		if err := u.events.MarkPublished([]int64{row.ID}, mid); err != nil {
			logger.Error().Err(err).Msg("failed to stamp topiced mid")
			return
		}
		u.registry.register(mid, storage.TableEventStore)
		metrics.EventsPublished.WithLabelValues(storage.TableEventStore).Inc()
	}
}

// uploadBulk publishes pending non-topiced stream rows as one JSON array
func (u *Uploader) uploadBulk() {
	logger := log.WithComponent("uploader")
	rows, err := u.events.PendingStream(u.maxUpload)
	if err != nil || len(rows) == 0 {
		return
	}
	if !u.pub.IsConnected() {
		metrics.PublishFailures.WithLabelValues(failNoConnection).Inc()
		return
	}

	payload, ids, ok := u.buildArrayPayload(u.events, rows)
	if !ok {
		return
	}

	topic := u.topicPrefix + u.deviceID() + "/" + u.eventTopic
	mid, err := u.pub.Publish(topic, payload)
	if err != nil {
		metrics.PublishFailures.WithLabelValues(failPublishError).Inc()
		return
	}
	if mid <= 0 {
		u.pub.Disconnect()
		metrics.PublishFailures.WithLabelValues(failDataNotAvailable).Inc()
		return
	}
	if err := u.events.MarkPublished(ids, mid); err != nil {
		logger.Error().Err(err).Msg("failed to stamp event mids")
		return
	}
	u.registry.register(mid, storage.TableEventStore)
	metrics.EventsPublished.WithLabelValues(storage.TableEventStore).Add(float64(len(ids)))
	if u.summaryLogIter.allow() {
		logger.Info().Int("count", len(ids)).Int("mid", mid).Msg("event batch published")
	}
}

// buildArrayPayload decrypts rows into one JSON array, sorted upstream by
// (timestamp, rowid). Rows that fail to decrypt or parse are corrupt and
// deleted on the spot.
func (u *Uploader) buildArrayPayload(store *storage.EventStore, rows []types.StoredEvent) ([]byte, []int64, bool) {
	var items []json.RawMessage
	var ids []int64
	var corrupt []int64
	for _, row := range rows {
		raw, err := u.envelope.Decrypt(row.Payload)
		if err != nil || !json.Valid(raw) {
			corrupt = append(corrupt, row.ID)
			continue
		}
		items = append(items, json.RawMessage(raw))
		ids = append(ids, row.ID)
	}
	if len(corrupt) > 0 {
		log.WithComponent("uploader").Warn().Int("rows", len(corrupt)).Msg("corrupt rows dropped")
		_ = store.DeleteRows(corrupt)
	}
	if len(items) == 0 {
		return nil, nil, false
	}
	body, err := json.Marshal(items)
	if err != nil {
		return nil, nil, false
	}
	payload, err := u.encode(body)
	if err != nil {
		log.WithComponent("uploader").Warn().Err(err).Msg("compression failed, publish aborted")
		return nil, nil, false
	}
	return payload, ids, true
}

// encode gzips the payload when compression is enabled
func (u *Uploader) encode(payload []byte) ([]byte, error) {
	if !u.compression {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

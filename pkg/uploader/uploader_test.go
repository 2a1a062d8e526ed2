package uploader

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
)

// fakePub records publishes and hands out sequential message ids
type fakePub struct {
	mu          sync.Mutex
	published   []publishedMsg
	nextMID     int
	failMID     bool // return mid 0 to simulate a broker failure
	connected   bool
	disconnects int
}

type publishedMsg struct {
	topic   string
	payload []byte
	mid     int
}

func newFakePub() *fakePub {
	return &fakePub{nextMID: 41, connected: true}
}

func (p *fakePub) Publish(topic string, payload []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failMID {
		return 0, nil
	}
	p.nextMID++
	p.published = append(p.published, publishedMsg{topic: topic, payload: payload, mid: p.nextMID})
	return p.nextMID, nil
}

func (p *fakePub) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePub) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
}

type uploaderFixture struct {
	uploader *Uploader
	events   *storage.EventStore
	alerts   *storage.EventStore
	envelope *security.Envelope
	pub      *fakePub
}

func newUploaderFixture(t *testing.T, doc string) *uploaderFixture {
	t.Helper()
	cfg, err := config.FromJSON(doc)
	require.NoError(t, err)

	engine, err := storage.Open(filepath.Join(t.TempDir(), "ignite.db"), storage.Options{DefaultStream: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	envelope, err := security.NewEnvelope("key", "seed")
	require.NoError(t, err)

	pub := newFakePub()
	f := &uploaderFixture{
		events:   storage.NewEventStore(engine),
		alerts:   storage.NewAlertStore(engine),
		envelope: envelope,
		pub:      pub,
	}
	f.uploader = New(Deps{
		Config:   cfg,
		Events:   f.events,
		Alerts:   f.alerts,
		Envelope: envelope,
		Pub:      pub,
		DeviceID: func() string { return "HUV481" },
	})
	return f
}

func (f *uploaderFixture) storeEvent(t *testing.T, store *storage.EventStore, id string, ts int64, topic string) int64 {
	t.Helper()
	ev := types.NewEvent("1.0", id)
	ev.Timestamp = ts
	raw, err := ev.Serialize()
	require.NoError(t, err)
	payload, err := f.envelope.Encrypt(raw)
	require.NoError(t, err)
	rowID, err := store.Insert(types.StoredEvent{
		EventID: id, Timestamp: ts, Payload: payload, Topic: topic, Stream: true,
	})
	require.NoError(t, err)
	return rowID
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	out, err := io.ReadAll(zr)
	require.NoError(t, err)
	return out
}

func TestBulkPublishAndAck(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false, "topicprefix": "ignite/"}}`)

	f.storeEvent(t, f.events, "Speed", 100, "")
	f.storeEvent(t, f.events, "RPM", 200, "")

	f.uploader.uploadBulk()

	require.Len(t, f.pub.published, 1)
	msg := f.pub.published[0]
	assert.Equal(t, "ignite/HUV481/2c/events", msg.topic)

	var items []map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "Speed", items[0]["EventID"], "timestamp order preserved")
	assert.Equal(t, "RPM", items[1]["EventID"])

	// rows are stamped and in flight
	pending, err := f.events.PendingStream(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, f.uploader.InFlight())

	// broker ack deletes rows and clears the registration
	f.uploader.HandleAck(msg.mid)
	n, err := f.events.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.uploader.InFlight())
}

func TestTopicedPublishReconstruction(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false, "topicprefix": "ignite/"}}`)

	f.storeEvent(t, f.events, "GeoFix", 100, "anything/2c/foo/bar")
	f.uploader.uploadTopiced()

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, "ignite/HUV481/2c/foo/bar", f.pub.published[0].topic)
}

func TestMalformedTopicRowRetained(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)

	f.storeEvent(t, f.events, "GeoFix", 100, "no-marker-here")
	f.uploader.uploadTopiced()

	assert.Empty(t, f.pub.published)
	rows, err := f.events.PendingTopiced(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "malformed rows stay for inspection")
}

func TestBrokerFailureDisconnects(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)
	f.pub.failMID = true

	f.storeEvent(t, f.events, "Speed", 100, "")
	f.uploader.uploadBulk()

	assert.Equal(t, 1, f.pub.disconnects, "mid <= 0 drops the connection")
	rows, err := f.events.PendingStream(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "rows remain pending for the next cycle")
}

func TestAlertBatchPublish(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false, "topicprefix": "ignite/"}}`)

	f.storeEvent(t, f.alerts, "CrashDetected", 100, "")
	category, done := f.uploader.uploadAlertBatch()
	assert.True(t, done)
	assert.Empty(t, category)

	require.Len(t, f.pub.published, 1)
	assert.Equal(t, "ignite/HUV481/2c/alerts", f.pub.published[0].topic)

	f.uploader.HandleAck(f.pub.published[0].mid)
	n, err := f.alerts.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAlertNoConnectionCategory(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)
	f.pub.connected = false

	f.storeEvent(t, f.alerts, "CrashDetected", 100, "")
	category, done := f.uploader.uploadAlertBatch()
	assert.False(t, done)
	assert.Equal(t, failNoConnection, category)
}

func TestCompressedPayload(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": true, "topicprefix": "ignite/"}}`)

	f.storeEvent(t, f.events, "Speed", 100, "")
	f.uploader.uploadBulk()

	require.Len(t, f.pub.published, 1)
	raw := gunzip(t, f.pub.published[0].payload)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "Speed", items[0]["EventID"])
}

func TestCorruptRowsDeletedOnUpload(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)

	// a row whose payload does not decrypt
	_, err := f.events.Insert(types.StoredEvent{
		EventID: "Broken", Timestamp: 50, Payload: []byte("garbage"), Stream: true,
	})
	require.NoError(t, err)
	f.storeEvent(t, f.events, "Speed", 100, "")

	f.uploader.uploadBulk()

	require.Len(t, f.pub.published, 1)
	n, err := f.events.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "corrupt row removed, healthy row in flight")
}

func TestUploadCountClamped(t *testing.T) {
	low := newUploaderFixture(t, `{"MQTT": {"pub_topics": {"events": {"uploadEventCount": 3}}}}`)
	assert.Equal(t, minUploadEventCount, low.uploader.maxUpload)

	high := newUploaderFixture(t, `{"MQTT": {"pub_topics": {"events": {"uploadEventCount": 9999}}}}`)
	assert.Equal(t, maxUploadEventCount, high.uploader.maxUpload)
}

func TestReconstructTopic(t *testing.T) {
	topic, err := reconstructTopic("ignite/", "HUV481", "anything/2c/foo/bar")
	require.NoError(t, err)
	assert.Equal(t, "ignite/HUV481/2c/foo/bar", topic)

	_, err = reconstructTopic("ignite/", "HUV481", "missing/marker")
	assert.Error(t, err)
}

func TestSuspendParksWorkers(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)
	f.uploader.Suspend()
	assert.True(t, f.uploader.suspended.Load())
	f.uploader.Resume()
	assert.False(t, f.uploader.suspended.Load())
}

func TestResetPendingOnStart(t *testing.T) {
	f := newUploaderFixture(t, `{"MQTT": {"compression": false}}`)

	id := f.storeEvent(t, f.events, "Speed", 100, "")
	require.NoError(t, f.events.MarkPublished([]int64{id}, 77))

	f.uploader.Start()
	defer f.uploader.Stop()

	rows, err := f.events.PendingStream(10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "unacked rows re-enter the upload loop on restart")
}

package handlers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
	"github.com/hcp-ignite/agent/pkg/uploadmode"
)

// testNotifier counts notifications from the writer stage
type testNotifier struct {
	alerts  int
	force   int
	ignite  int
	pressed int
}

func (n *testNotifier) AlertInserted()    { n.alerts++ }
func (n *testNotifier) ForceUpload()      { n.force++ }
func (n *testNotifier) IgniteStarted()    { n.ignite++ }
func (n *testNotifier) StorageOverLimit() { n.pressed++ }

type writerFixture struct {
	writer   *DBWriter
	events   *storage.EventStore
	alerts   *storage.EventStore
	invalid  *storage.InvalidEventStore
	local    *storage.LocalConfig
	envelope *security.Envelope
	notifier *testNotifier
}

func newWriterFixture(t *testing.T, doc string) *writerFixture {
	t.Helper()
	cfg, err := config.FromJSON(doc)
	require.NoError(t, err)

	engine, err := storage.Open(filepath.Join(t.TempDir(), "ignite.db"), storage.Options{DefaultStream: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	envelope, err := security.NewEnvelope("test-key", "seed")
	require.NoError(t, err)

	eventStore := storage.NewEventStore(engine)
	alertStore := storage.NewAlertStore(engine)
	invalidStore := storage.NewInvalidEventStore(engine, envelope, 0)
	local := storage.NewLocalConfig(engine)
	notifier := &testNotifier{}

	w := NewDBWriter(DBWriterDeps{
		Config:   cfg,
		Policy:   uploadmode.New(cfg),
		Envelope: envelope,
		Engine:   engine,
		Events:   eventStore,
		Alerts:   alertStore,
		Invalid:  invalidStore,
		Files:    storage.NewUploadFileStore(engine),
		Local:    local,
		Notifier: notifier,
	})
	return &writerFixture{
		writer: w, events: eventStore, alerts: alertStore,
		invalid: invalidStore, local: local, envelope: envelope, notifier: notifier,
	}
}

func TestWriterPersistsWithFlags(t *testing.T) {
	f := newWriterFixture(t, `{"uploadMode": {"supported": ["stream"]}}`)

	ev := types.NewEvent("1.0", "Speed")
	ev.Timestamp = 100
	f.writer.Handle(ev)
	n, err := f.writer.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := f.events.Pending(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Stream)
	assert.False(t, rows[0].Batch)
	assert.Equal(t, 0, rows[0].MID)

	// payload round-trips through the envelope
	raw, err := f.envelope.Decrypt(rows[0].Payload)
	require.NoError(t, err)
	parsed, err := types.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "Speed", parsed.EventID)
	assert.Equal(t, int64(100), parsed.Timestamp)
}

func TestWriterEveryRowHasAMode(t *testing.T) {
	f := newWriterFixture(t, `{"uploadMode": {"supported": ["stream", "batch"], "default": "stream"}}`)

	for _, id := range []string{"Speed", "DTCStored", "TripSummary"} {
		ev := types.NewEvent("1.0", id)
		f.writer.Handle(ev)
	}
	_, err := f.writer.Flush()
	require.NoError(t, err)

	rows, err := f.events.Pending(10)
	require.NoError(t, err)
	for _, row := range rows {
		assert.True(t, row.Stream || row.Batch, "row %s must carry at least one mode", row.EventID)
	}
}

func TestWriterAlertPath(t *testing.T) {
	f := newWriterFixture(t, `{
		"uploadMode": {"supported": ["stream"]},
		"MQTT": {"directAlerts": ["CrashDetected"]}
	}`)

	f.writer.Handle(types.NewEvent("1.0", "CrashDetected"))

	// alerts land immediately, not on flush
	rows, err := f.alerts.Pending(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Stream)
	assert.Equal(t, 1, f.notifier.alerts, "alert worker woken on insert")

	n, err := f.writer.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "alert does not ride the event batch")
}

func TestWriterActivationGate(t *testing.T) {
	f := newWriterFixture(t, `{
		"uploadMode": {"supported": ["stream"]},
		"DAM": {"UploadAfterActivation": true, "ActivationValidatorExceptions": ["IgniteClientLaunched"]}
	}`)

	f.writer.Handle(types.NewEvent("1.0", "Speed"))
	f.writer.Handle(types.NewEvent("1.0", "IgniteClientLaunched"))
	n, err := f.writer.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the whitelisted event survives the gate")

	// once credentials exist the gate opens
	require.NoError(t, f.local.SetAll(map[string]string{
		storage.KeyLogin: "HUV481", storage.KeyPasscode: "enc",
	}))
	f.writer.Handle(types.NewEvent("1.0", "Speed"))
	n, err = f.writer.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriterQuarantinesStaleTimestamps(t *testing.T) {
	f := newWriterFixture(t, `{"uploadMode": {"supported": ["stream"]}}`)
	require.NoError(t, f.local.Set(storage.KeyActivationTS, "5000"))

	stale := types.NewEvent("1.0", "Speed")
	stale.Timestamp = 100
	f.writer.Handle(stale)

	n, err := f.writer.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	quarantined, err := f.invalid.Retrieve(10)
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, "Speed", quarantined[0].EventID)
}

func TestWriterDiscardsAttachmentsWithoutBatch(t *testing.T) {
	f := newWriterFixture(t, `{"uploadMode": {"supported": ["stream"]}}`)

	ev := types.NewEvent("1.0", "CrashVideo")
	ev.Attachments = []string{"/tmp/clip.mp4"}
	f.writer.Handle(ev)
	_, err := f.writer.Flush()
	require.NoError(t, err)

	rows, err := f.events.Pending(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].HasAttach)

	raw, err := f.envelope.Decrypt(rows[0].Payload)
	require.NoError(t, err)
	parsed, err := types.ParseEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "batchModeUnsupported", parsed.StringField("attachmentFailureReason"))
}

func TestWriterForceUploadNotify(t *testing.T) {
	f := newWriterFixture(t, `{
		"uploadMode": {"supported": ["stream"]},
		"MQTT": {"ForceUploadEvents": ["PanicButton"]}
	}`)

	f.writer.Handle(types.NewEvent("1.0", "PanicButton"))
	assert.Equal(t, 1, f.notifier.force)
}

func TestWriterIgniteStartOneShot(t *testing.T) {
	f := newWriterFixture(t, `{"uploadMode": {"supported": ["stream"]}}`)

	f.writer.Handle(types.NewEvent("1.0", types.EventClientLaunched))
	f.writer.Handle(types.NewEvent("1.0", types.EventClientLaunched))
	assert.Equal(t, 1, f.notifier.ignite, "ignite-start fires once")
}

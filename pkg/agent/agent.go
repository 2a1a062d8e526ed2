package agent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hcp-ignite/agent/pkg/auth"
	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/events"
	"github.com/hcp-ignite/agent/pkg/handlers"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/queue"
	"github.com/hcp-ignite/agent/pkg/reducer"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
	"github.com/hcp-ignite/agent/pkg/uploader"
	"github.com/hcp-ignite/agent/pkg/uploadmode"
)

// shutdownGrace is how long shutdown waits for the queue to flush to disk
// before the MQTT connection drops.
const shutdownGrace = 10 * time.Second

// PublisherFactory builds the MQTT publisher once the ack path exists.
// Returning nil (with nil error) runs the agent without an upload link —
// events accumulate in the store until connectivity is configured.
type PublisherFactory func(onAck uploader.AckHandler) (uploader.Publisher, error)

// Agent is the coordinator: the unique owner of every component, started
// and stopped as one unit. No component is a global singleton; shared
// state (config tree, logger sink) is injected by reference.
type Agent struct {
	cfg      *config.Config
	identity types.DeviceIdentity

	engine   *storage.Engine
	local    *storage.LocalConfig
	events   *storage.EventStore
	alerts   *storage.EventStore
	invalid  *storage.InvalidEventStore
	files    *storage.UploadFileStore
	settings *storage.ServiceSettingsStore

	policy   *uploadmode.Policy
	envelope *security.Envelope
	queue    *queue.Queue
	dbwriter *handlers.DBWriter
	chain    handlers.Handler
	writer   *handlers.Writer
	tokens   *auth.Manager
	uploader *uploader.Uploader
	reducer  *reducer.Reducer
	broker   *events.Broker
	cron     *cron.Cron

	pub        uploader.Publisher
	metricsSrv *http.Server
}

// New wires the agent from configuration and device identity
func New(cfg *config.Config, identity types.DeviceIdentity, pubFactory PublisherFactory) (*Agent, error) {
	a := &Agent{cfg: cfg, identity: identity}

	a.policy = uploadmode.New(cfg)

	dbPath := cfg.GetString("DAM.Database.dbStore", "ignite.db")
	engine, err := storage.Open(dbPath, storage.Options{
		DefaultStream: a.policy.IsStreamModeSupported(),
		DefaultBatch:  a.policy.IsBatchModeSupported(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.engine = engine
	a.local = storage.NewLocalConfig(engine)

	seed, err := a.local.IVSeed()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize crypto seed: %w", err)
	}
	a.envelope, err = security.NewEnvelope(
		security.ActivationKey(identity.VIN, identity.SerialNumber), seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope: %w", err)
	}

	a.events = storage.NewEventStore(engine)
	a.alerts = storage.NewAlertStore(engine)
	sizeLimit := cfg.GetInt("DAM.Database.dbSizeLimit", 0)
	a.invalid = storage.NewInvalidEventStore(engine, a.envelope, sizeLimit)
	a.files = storage.NewUploadFileStore(engine)
	a.settings = storage.NewServiceSettingsStore(engine, cfg)

	// replay cloud overlays persisted by previous runs
	if err := a.settings.Replay(); err != nil {
		log.WithComponent("agent").Warn().Err(err).Msg("settings replay failed")
	}
	cfg.Subscribe(func([]string) { a.policy.Reload() })

	maxQueue := cfg.GetInt("DAM.CpuProcessesLog.eventQueueMaxSize", 1<<20)
	window := cfg.GetInt("DAM.CpuProcessesLog.eventInsertWindowSize", maxQueue/10)
	a.queue = queue.New(maxQueue, window)

	a.dbwriter = handlers.NewDBWriter(handlers.DBWriterDeps{
		Config:   cfg,
		Policy:   a.policy,
		Envelope: a.envelope,
		Engine:   engine,
		Events:   a.events,
		Alerts:   a.alerts,
		Invalid:  a.invalid,
		Files:    a.files,
		Local:    a.local,
		Notifier: a,
	})
	interval := handlers.NewIntervalValidator(cfg, a.dbwriter)
	a.chain = handlers.NewSessionHandler(cfg, interval)
	a.writer = handlers.NewWriter(cfg, a.queue, a.chain, a.dbwriter)

	a.broker = events.NewBroker()

	backoff := auth.NewActivationBackoff(a.local)
	api := auth.NewAPI(nil,
		cfg.GetString("HCPAuth.activate_url", ""),
		cfg.GetString("HCPAuth.auth_url", ""))
	a.tokens = auth.NewManager(auth.ManagerDeps{
		Config:    cfg,
		Local:     a.local,
		API:       api,
		Backoff:   backoff,
		Identity:  identity,
		Engine:    engine,
		EmitEvent: func(ev *types.Event) { a.EnqueueEvent(ev) },
		EmitAlert: func(ev *types.Event) { a.dbwriter.HandleAlert(ev) },
		OnDisassociate: func() {
			a.broker.Publish(&events.Notification{Type: events.TypeDeviceReassigned})
		},
	})

	if pubFactory != nil {
		pub, err := pubFactory(func(mid int) {
			if a.uploader != nil {
				a.uploader.HandleAck(mid)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build publisher: %w", err)
		}
		a.pub = pub
	}
	if a.pub != nil {
		a.uploader = uploader.New(uploader.Deps{
			Config:   cfg,
			Events:   a.events,
			Alerts:   a.alerts,
			Envelope: a.envelope,
			Tokens:   a.tokens,
			Pub:      a.pub,
			DeviceID: a.tokens.DeviceID,
		})
	}

	a.reducer = reducer.New(cfg, engine, a.events, a.files, a.local,
		a.envelope, a.policy, a.uploaderControl(), func(ev *types.Event) { a.EnqueueEvent(ev) })

	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@every 1m", a.sampleStorage); err != nil {
		return nil, fmt.Errorf("failed to schedule storage sampling: %w", err)
	}
	if _, err := a.cron.AddFunc("@daily", func() {
		if err := a.engine.Vacuum(); err != nil {
			log.WithComponent("agent").Warn().Err(err).Msg("scheduled vacuum failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule vacuum: %w", err)
	}

	return a, nil
}

// uploaderControl returns the suspend/resume control the reducer holds;
// without an upload link reduction runs unsuspended.
func (a *Agent) uploaderControl() reducer.UploadControl {
	if a.uploader == nil {
		return nopControl{}
	}
	return a.uploader
}

type nopControl struct{}

func (nopControl) Suspend() {}
func (nopControl) Resume()  {}

// Start brings every component up in dependency order
func (a *Agent) Start() error {
	logger := log.WithComponent("agent")
	metrics.Register()

	a.broker.Start()
	a.writer.Start()
	if a.uploader != nil {
		a.uploader.Start()
	}
	a.cron.Start()

	if addr := a.cfg.GetString("Metrics.listenAddr", ""); addr != "" {
		a.metricsSrv = &http.Server{Addr: addr, Handler: metrics.Handler()}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	// announce the launch; downstream this also triggers the one-shot
	// ignite-start notification
	launched := types.NewEvent("1.0", types.EventClientLaunched)
	a.EnqueueEvent(launched)

	logger.Info().Msg("ignite agent started")
	return nil
}

// Stop shuts the agent down: ingress closes first, the queue gets a grace
// period to flush to disk, then the upload link drops. A shutdown never
// interrupts a transaction.
func (a *Agent) Stop() {
	logger := log.WithComponent("agent")
	logger.Info().Msg("shutting down")

	a.broker.Publish(&events.Notification{Type: events.TypeShutdown})
	a.cron.Stop()
	a.queue.Close()

	// drain grace: give the writer a chance to land queued events
	deadline := time.Now().Add(shutdownGrace)
	for a.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	a.writer.Stop()

	if a.uploader != nil {
		a.uploader.Stop()
	}
	if a.pub != nil {
		a.pub.Disconnect()
	}
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Close()
	}
	a.broker.Stop()
	if err := a.engine.Close(); err != nil {
		logger.Warn().Err(err).Msg("store close failed")
	}
	logger.Info().Msg("shutdown complete")
}

// EnqueueEvent offers an event to the ingress queue. Safe for concurrent
// producers; rejected events surface as an EventCacheOverflow summary.
func (a *Agent) EnqueueEvent(ev *types.Event) bool {
	raw, err := ev.Serialize()
	if err != nil {
		log.WithComponent("agent").Warn().Err(err).Str("event_id", ev.EventID).Msg("unserializable event")
		return false
	}
	if !a.queue.Enqueue(raw) {
		metrics.EventsRejected.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	return true
}

// Tokens exposes the token manager to collaborators needing credentials
func (a *Agent) Tokens() *auth.Manager {
	return a.tokens
}

// Settings exposes the service settings store to the cloud-config channel
func (a *Agent) Settings() *storage.ServiceSettingsStore {
	return a.settings
}

// Invalid exposes the quarantine store for diagnostics and replay
func (a *Agent) Invalid() *storage.InvalidEventStore {
	return a.invalid
}

// Subscribe returns a channel of internal lifecycle notifications
func (a *Agent) Subscribe() events.Subscriber {
	return a.broker.Subscribe()
}

// Status is the component status surface reachable by diagnostics
type Status struct {
	AuthState   auth.State
	Activated   bool
	DeviceID    string
	DBSizeBytes int64
	QueueDepth  int
	Uploader    *uploader.Status
}

// Status returns a point-in-time snapshot of the agent's health
func (a *Agent) Status() Status {
	s := Status{
		AuthState:   a.tokens.State(),
		Activated:   a.tokens.IsActivated(),
		DeviceID:    a.tokens.DeviceID(),
		DBSizeBytes: a.engine.SizeBytes(),
		QueueDepth:  a.queue.Len(),
	}
	if a.uploader != nil {
		us := a.uploader.Status()
		s.Uploader = &us
	}
	return s
}

// sampleStorage updates the size gauge and triggers reduction when the
// ceiling is crossed between writes.
func (a *Agent) sampleStorage() {
	size := a.engine.SizeBytes()
	metrics.DBSizeBytes.Set(float64(size))
	limit := a.cfg.GetInt("DAM.Database.dbSizeLimit", 0)
	if limit > 0 && size >= limit {
		go a.reducer.Run()
	}
}

// --- handlers.Notifier ---

// AlertInserted wakes the alert uploader
func (a *Agent) AlertInserted() {
	if a.uploader != nil {
		a.uploader.NotifyAlert()
	}
}

// ForceUpload triggers an immediate event upload cycle
func (a *Agent) ForceUpload() {
	if a.uploader != nil {
		a.uploader.NotifyForceUpload()
	}
}

// IgniteStarted dispatches the one-shot launch notification
func (a *Agent) IgniteStarted() {
	a.broker.Publish(&events.Notification{Type: events.TypeIgniteStarted})
}

// StorageOverLimit runs a reduction pass off the writer thread
func (a *Agent) StorageOverLimit() {
	go a.reducer.Run()
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/log"
	"github.com/hcp-ignite/agent/pkg/metrics"
	"github.com/hcp-ignite/agent/pkg/security"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
)

var (
	errInvalidCredential = errors.New("auth: invalid credential")
	errInvalidScope      = errors.New("auth: invalid scope")
)

// Manager owns the activation and login state machine. One instance lives
// for the process lifetime; every caller of GetToken serializes on its
// mutex because many components race for a fresh token during network
// recovery — the first performs the I/O, the rest observe the result.
type Manager struct {
	mu sync.Mutex

	cfg      *config.Config
	local    *storage.LocalConfig
	api      *API
	backoff  *ActivationBackoff
	identity types.DeviceIdentity
	engine   *storage.Engine

	emitEvent func(*types.Event)
	emitAlert func(*types.Event)
	// onDisassociate is called when the device is issued a different id
	// than it previously held; the collaborator wipes application state.
	onDisassociate func()

	token          string
	issuedMono     time.Time
	ttl            time.Duration
	activationMono time.Time
	marginPercent  int64
	state          State
}

// ManagerDeps collects the manager's collaborators
type ManagerDeps struct {
	Config         *config.Config
	Local          *storage.LocalConfig
	API            *API
	Backoff        *ActivationBackoff
	Identity       types.DeviceIdentity
	Engine         *storage.Engine
	EmitEvent      func(*types.Event)
	EmitAlert      func(*types.Event)
	OnDisassociate func()
}

// NewManager builds the token manager
func NewManager(deps ManagerDeps) *Manager {
	m := &Manager{
		cfg:            deps.Config,
		local:          deps.Local,
		api:            deps.API,
		backoff:        deps.Backoff,
		identity:       deps.Identity,
		engine:         deps.Engine,
		emitEvent:      deps.EmitEvent,
		emitAlert:      deps.EmitAlert,
		onDisassociate: deps.OnDisassociate,
		marginPercent:  deps.Config.GetInt("HCPAuth.token_marginPercent", 0),
		state:          StateNotActivated,
	}
	if m.emitEvent == nil {
		m.emitEvent = func(*types.Event) {}
	}
	if m.emitAlert == nil {
		m.emitAlert = func(*types.Event) {}
	}
	if m.IsActivated() {
		m.state = StateTokenExpired
	}
	return m
}

// State returns the externally observable auth state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsActivated reports whether device credentials exist. Activation state
// is atomic: login and passcode are both present or both cleared.
func (m *Manager) IsActivated() bool {
	return m.local.Get(storage.KeyLogin) != "" && m.local.Get(storage.KeyPasscode) != ""
}

// DeviceID returns the activated device id, empty when not activated
func (m *Manager) DeviceID() string {
	return m.local.Get(storage.KeyLogin)
}

// GetToken returns the current valid access token, activating and logging
// in as needed. Concurrent callers block until the first finishes.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" {
		if time.Since(m.issuedMono) < m.ttl {
			m.state = StateTokenValid
			return m.token, nil
		}
		m.state = StateTokenExpired
		log.WithComponent("auth").Info().Msg("token expired, refreshing")
	}

	if !m.IsActivated() {
		if err := m.activate(ctx); err != nil {
			return "", err
		}
	}

	err := m.login(ctx)
	if errors.Is(err, errInvalidCredential) || errors.Is(err, errInvalidScope) {
		// the credential was rejected: rotate it inside this same call
		m.token = ""
		if rmErr := m.local.RemoveAll(storage.KeyLogin, storage.KeyPasscode); rmErr != nil {
			log.WithComponent("auth").Error().Err(rmErr).Msg("failed to clear credentials")
		}
		if err = m.activate(ctx); err != nil {
			return "", err
		}
		err = m.login(ctx)
	}
	if err != nil {
		if errors.Is(err, errInvalidCredential) || errors.Is(err, errInvalidScope) {
			return "", fmt.Errorf("%w: login rejected after re-activation", ErrResponseData)
		}
		return "", err
	}
	return m.token, nil
}

// activate runs the activation handshake and persists the credentials
func (m *Manager) activate(ctx context.Context) error {
	logger := log.WithComponent("auth")
	m.state = StateActivationInProgress

	if !m.backoff.Proceed() {
		m.state = StateBackoff
		metrics.ActivationAttempts.WithLabelValues("backoff").Inc()
		return ErrBackoff
	}

	qualifier := m.identity.QualifierID()
	if qualifier == "" || qualifier == "NOT_AVAILABLE" {
		m.state = StateBackoff
		return fmt.Errorf("%w: activation qualifier unavailable", ErrBackoff)
	}

	resp, code, err := m.api.Activate(ctx, ActivationRequest{
		QualifierID:   qualifier,
		VIN:           m.identity.VIN,
		SerialNumber:  m.identity.SerialNumber,
		IMEI:          m.identity.IMEI,
		HWVersion:     m.identity.HWVersion,
		SWVersion:     m.identity.SWVersion,
		ProductType:   m.identity.ProductType,
		UseDeviceType: m.identity.UseDeviceType,
	})
	if err != nil {
		m.state = StateNetworkError
		m.backoff.CalculateNextRetry(err)
		metrics.ActivationAttempts.WithLabelValues("network_error").Inc()
		return err
	}
	if code != http.StatusOK {
		m.state = StateNotActivated
		err := fmt.Errorf("%w: activation returned %d", ErrResponseData, code)
		m.backoff.CalculateNextRetry(err)
		metrics.ActivationAttempts.WithLabelValues("rejected").Inc()
		return err
	}

	// record monotonic activation time; drift against the login wall
	// clock later yields the persisted activation timestamp
	m.activationMono = time.Now()
	_ = m.local.Remove(storage.KeyActivationTS)

	newDeviceID := resp.DeviceID
	if oldID := m.local.Get(storage.KeyLogin); oldID != newDeviceID {
		ev := types.NewEvent("1.0", types.EventDeviceID)
		ev.AddField("value", newDeviceID)
		m.emitEvent(ev)
	}

	if lastID := m.local.Get(storage.KeyLastDeviceID); lastID != newDeviceID {
		if err := m.local.Set(storage.KeyLastDeviceID, newDeviceID); err != nil {
			logger.Error().Err(err).Msg("failed to persist device id")
		}

		alert := types.NewEvent("1.0", types.EventActivationAlert)
		alert.AddField("id", newDeviceID)
		alert.AddField("imei", m.identity.IMEI)
		alert.AddField("serialNumber", m.identity.SerialNumber)
		m.emitAlert(alert)

		ev := types.NewEvent("1.0", types.EventActivation)
		ev.AddField("id", newDeviceID)
		m.emitEvent(ev)

		if lastID != "" {
			logger.Warn().Str("device_id", newDeviceID).Msg("device re-associated")
			// stored payloads are unreadable under the rotated key
			if m.engine != nil {
				if err := m.engine.ClearEventStore(); err != nil {
					logger.Error().Err(err).Msg("failed to clear event store on rotation")
				}
			}
			if m.onDisassociate != nil {
				m.onDisassociate()
			}
		}
	}

	// encrypt the passcode under the device-derived key and persist the
	// pair atomically: both land or neither does
	passKey := security.PasscodeKey(newDeviceID, m.identity.SerialNumber)
	envelope, err := security.NewEnvelope(passKey, "")
	if err != nil {
		return fmt.Errorf("failed to derive passcode envelope: %w", err)
	}
	encrypted, err := envelope.EncryptString(resp.PassCode)
	if err != nil {
		return fmt.Errorf("failed to encrypt passcode: %w", err)
	}
	if err := m.local.SetAll(map[string]string{
		storage.KeyLogin:    newDeviceID,
		storage.KeyPasscode: encrypted,
	}); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}

	m.backoff.Reset()
	metrics.ActivationAttempts.WithLabelValues("success").Inc()
	logger.Info().Str("device_id", newDeviceID).Msg("activation successful")
	return nil
}

// login exchanges the stored credential for a fresh token
func (m *Manager) login(ctx context.Context) error {
	logger := log.WithComponent("auth")

	deviceID := m.local.Get(storage.KeyLogin)
	encrypted := m.local.Get(storage.KeyPasscode)
	passKey := security.PasscodeKey(deviceID, m.identity.SerialNumber)
	envelope, err := security.NewEnvelope(passKey, "")
	if err != nil {
		return fmt.Errorf("failed to derive passcode envelope: %w", err)
	}
	passcode, err := envelope.DecryptString(encrypted)
	if err != nil {
		// an undecryptable passcode is as good as a rejected one
		logger.Warn().Err(err).Msg("stored passcode unreadable")
		return errInvalidCredential
	}

	scope := m.identity.ProductType
	if scope == "" {
		scope = "GenDevice"
	}
	result, code, err := m.api.Login(ctx, deviceID, passcode, scope)
	if err != nil {
		if errors.Is(err, ErrResponseData) {
			return err
		}
		m.state = StateNetworkError
		return err
	}
	switch code {
	case http.StatusOK:
	case http.StatusUnauthorized:
		m.state = StateLoginRejected
		return errInvalidCredential
	case http.StatusBadRequest:
		m.state = StateLoginRejected
		return errInvalidScope
	default:
		return fmt.Errorf("%w: login returned %d", ErrResponseData, code)
	}

	ttl := result.ExpiresAt.Sub(result.IssuedAt)
	if m.marginPercent > 0 && m.marginPercent < 100 {
		ttl -= ttl * time.Duration(m.marginPercent) / 100
	}

	m.token = result.AccessToken
	m.issuedMono = time.Now()
	m.ttl = ttl
	m.state = StateTokenValid
	metrics.TokenRefreshes.Inc()

	_ = m.local.Set(storage.KeyIssueTime, result.IssuedAt.UTC().Format("2006-01-02T15:04:05"))
	_ = m.local.Set(storage.KeyExpirationTime, result.ExpiresAt.UTC().Format("2006-01-02T15:04:05"))

	// first login after activation: reconstruct the wall-clock activation
	// time from the monotonic distance between the two moments
	if m.local.Get(storage.KeyActivationTS) == "" && !m.activationMono.IsZero() {
		elapsed := time.Since(m.activationMono).Milliseconds()
		actTS := result.IssuedAt.UnixMilli() - elapsed
		_ = m.local.Set(storage.KeyActivationTS, strconv.FormatInt(actTS, 10))
		logger.Info().Int64("activation_ts", actTS).Msg("activation timestamp persisted")
	}

	logger.Info().Dur("ttl", ttl).Msg("login successful")
	return nil
}

// InvalidateToken drops the in-memory token, forcing a refresh on the
// next GetToken call.
func (m *Manager) InvalidateToken() {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
}

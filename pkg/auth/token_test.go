package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcp-ignite/agent/pkg/config"
	"github.com/hcp-ignite/agent/pkg/storage"
	"github.com/hcp-ignite/agent/pkg/types"
)

func signedToken(t *testing.T, iat, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": iat.Unix(),
		"exp": exp.Unix(),
	})
	s, err := token.SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return s
}

type authServer struct {
	*httptest.Server
	activations atomic.Int64
	logins      atomic.Int64
	deviceID    atomic.Value // string
	reject401   atomic.Int64 // number of logins to reject with 401
}

func newAuthServer(t *testing.T) *authServer {
	t.Helper()
	s := &authServer{}
	s.deviceID.Store("HUV481")

	mux := http.NewServeMux()
	mux.HandleFunc("/activate", func(w http.ResponseWriter, r *http.Request) {
		s.activations.Add(1)
		var req ActivationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.QualifierID)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"deviceId": s.deviceID.Load().(string),
			"passCode": "pass-" + req.SerialNumber,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		s.logins.Add(1)
		if s.reject401.Load() > 0 {
			s.reject401.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NotEmpty(t, r.Header.Get("Authorization"))
		now := time.Now()
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": signedToken(t, now, now.Add(time.Hour)),
		})
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

type managerFixture struct {
	manager *Manager
	local   *storage.LocalConfig
	server  *authServer
	events  []*types.Event
	alerts  []*types.Event
	wiped   int
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	server := newAuthServer(t)

	cfg, err := config.FromJSON(`{"HCPAuth": {"token_marginPercent": 10}}`)
	require.NoError(t, err)

	engine, err := storage.Open(filepath.Join(t.TempDir(), "ignite.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	local := storage.NewLocalConfig(engine)

	f := &managerFixture{local: local, server: server}
	f.manager = NewManager(ManagerDeps{
		Config:  cfg,
		Local:   local,
		API:     NewAPI(server.Client(), server.URL+"/activate", server.URL+"/token"),
		Backoff: NewActivationBackoff(local),
		Identity: types.DeviceIdentity{
			VIN:          "1HGBH41JXMN109186",
			SerialNumber: "SER123",
			IMEI:         "351756051523999",
			ProductType:  "GenDevice",
		},
		Engine:         engine,
		EmitEvent:      func(ev *types.Event) { f.events = append(f.events, ev) },
		EmitAlert:      func(ev *types.Event) { f.alerts = append(f.alerts, ev) },
		OnDisassociate: func() { f.wiped++ },
	})
	return f
}

func TestColdActivationThenLogin(t *testing.T) {
	f := newManagerFixture(t)
	require.False(t, f.manager.IsActivated())

	token, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, StateTokenValid, f.manager.State())

	// credentials persisted atomically
	assert.Equal(t, "HUV481", f.local.Get(storage.KeyLogin))
	assert.NotEmpty(t, f.local.Get(storage.KeyPasscode))
	assert.NotEqual(t, "pass-SER123", f.local.Get(storage.KeyPasscode), "passcode is encrypted at rest")

	// first login pins the reconstructed activation timestamp
	assert.NotEmpty(t, f.local.Get(storage.KeyActivationTS))

	assert.EqualValues(t, 1, f.server.activations.Load())
	assert.EqualValues(t, 1, f.server.logins.Load())
}

func TestActivationEmitsAlertAndEvent(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)

	var alertIDs, eventIDs []string
	for _, a := range f.alerts {
		alertIDs = append(alertIDs, a.EventID)
	}
	for _, e := range f.events {
		eventIDs = append(eventIDs, e.EventID)
	}
	assert.Contains(t, alertIDs, types.EventActivationAlert)
	assert.Contains(t, eventIDs, types.EventActivation)
	assert.Contains(t, eventIDs, types.EventDeviceID)

	require.Len(t, f.alerts, 1)
	assert.Equal(t, "HUV481", f.alerts[0].StringField("id"))
	assert.Equal(t, "351756051523999", f.alerts[0].StringField("imei"))
	assert.Equal(t, "SER123", f.alerts[0].StringField("serialNumber"))

	// first association, nothing to wipe
	assert.Zero(t, f.wiped)
}

func TestTokenCachedUntilExpiry(t *testing.T) {
	f := newManagerFixture(t)

	t1, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)
	t2, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t1, t2)
	assert.EqualValues(t, 1, f.server.logins.Load(), "valid token served from memory")
}

func TestRotationOn401(t *testing.T) {
	f := newManagerFixture(t)

	// establish credentials first
	_, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)

	// expire the in-memory token and make the next login fail once
	f.manager.InvalidateToken()
	f.server.reject401.Store(1)
	f.server.deviceID.Store("HUV999")

	token, err := f.manager.GetToken(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	// one rejected login, a fresh activation, then a successful login
	assert.EqualValues(t, 2, f.server.activations.Load())
	assert.EqualValues(t, 3, f.server.logins.Load())
	assert.Equal(t, "HUV999", f.local.Get(storage.KeyLogin))

	// the device id changed against a non-empty predecessor
	assert.Equal(t, 1, f.wiped, "re-association wipes application state")
}

func TestBackoffGateBlocksActivation(t *testing.T) {
	f := newManagerFixture(t)
	f.server.Close() // network down

	_, err := f.manager.GetToken(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)

	// next attempt is gated without network traffic
	activations := f.server.activations.Load()
	_, err = f.manager.GetToken(context.Background())
	assert.ErrorIs(t, err, ErrBackoff)
	assert.Equal(t, StateBackoff, f.manager.State())
	assert.Equal(t, activations, f.server.activations.Load())
}

func TestBackoffStateSurvivesRestart(t *testing.T) {
	engine, err := storage.Open(filepath.Join(t.TempDir(), "ignite.db"), storage.Options{})
	require.NoError(t, err)
	defer engine.Close()
	local := storage.NewLocalConfig(engine)

	b := NewActivationBackoff(local)
	require.True(t, b.Proceed())
	b.CalculateNextRetry(ErrNetwork)
	require.False(t, b.Proceed())

	// a fresh instance over the same store keeps the gate closed
	b2 := NewActivationBackoff(local)
	assert.False(t, b2.Proceed())

	b2.Reset()
	assert.True(t, b2.Proceed())
	b3 := NewActivationBackoff(local)
	assert.True(t, b3.Proceed())
}

func TestJWTClaimsPreferred(t *testing.T) {
	iat := time.Now().Truncate(time.Second)
	exp := iat.Add(2 * time.Hour)
	token := signedToken(t, iat, exp)

	gotIat, gotExp, ok := tokenClaims(token)
	require.True(t, ok)
	assert.Equal(t, iat.Unix(), gotIat.Unix())
	assert.Equal(t, exp.Unix(), gotExp.Unix())
}

func TestLoginFallsBackToDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// a token with no parseable claims forces the Date fallback
		w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "opaque-token"})
	}))
	defer srv.Close()

	api := NewAPI(srv.Client(), srv.URL, srv.URL)
	result, code, err := api.Login(context.Background(), "dev", "pass", "GenDevice")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, result.IssuedAt.IsZero())
	assert.True(t, result.ExpiresAt.After(result.IssuedAt))
}

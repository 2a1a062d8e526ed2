package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ActivationRequest is the POST body of the activation handshake
type ActivationRequest struct {
	QualifierID   string `json:"qualifierId"`
	VIN           string `json:"vin"`
	SerialNumber  string `json:"serialNumber"`
	IMEI          string `json:"imei"`
	HWVersion     string `json:"hwVersion"`
	SWVersion     string `json:"swVersion"`
	ProductType   string `json:"productType"`
	UseDeviceType bool   `json:"useDeviceType"`
}

// ActivationResponse carries the issued device credentials
type ActivationResponse struct {
	DeviceID string `json:"deviceId"`
	PassCode string `json:"passCode"`
}

// LoginResult is the parsed outcome of a successful login
type LoginResult struct {
	AccessToken string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// API performs the activation and login HTTP exchanges. The transport
// itself (TLS, proxies) belongs to the injected http.Client.
type API struct {
	client      *http.Client
	activateURL string
	authURL     string
}

// NewAPI builds the auth API against the configured endpoints
func NewAPI(client *http.Client, activateURL, authURL string) *API {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{client: client, activateURL: activateURL, authURL: authURL}
}

// Activate posts the activation request. Returns the parsed credentials,
// the HTTP status code, and an error for transport failures.
func (a *API) Activate(ctx context.Context, req ActivationRequest) (*ActivationResponse, int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrResponseData, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.activateURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	var parsed ActivationResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrResponseData, err)
	}
	if parsed.DeviceID == "" || parsed.PassCode == "" {
		return nil, resp.StatusCode, fmt.Errorf("%w: missing credentials in activation response", ErrResponseData)
	}
	return &parsed, resp.StatusCode, nil
}

// Login exchanges the device credential for an access token. The token
// validity window is taken from the JWT payload claims when present, and
// from the Date response header otherwise.
func (a *API) Login(ctx context.Context, deviceID, passcode, scope string) (*LoginResult, int, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", scope)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(deviceID + ":" + passcode))
	httpReq.Header.Set("Authorization", "Basic "+basic)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil || parsed.AccessToken == "" {
		return nil, resp.StatusCode, fmt.Errorf("%w: missing access_token", ErrResponseData)
	}

	result := &LoginResult{AccessToken: parsed.AccessToken}
	iat, exp, ok := tokenClaims(parsed.AccessToken)
	if ok {
		result.IssuedAt = iat
		result.ExpiresAt = exp
	} else if date := resp.Header.Get("Date"); date != "" {
		// fall back to the server clock; assume a default one-hour window
		if t, err := http.ParseTime(date); err == nil {
			result.IssuedAt = t
			result.ExpiresAt = t.Add(time.Hour)
		}
	}
	if result.IssuedAt.IsZero() {
		return nil, resp.StatusCode, fmt.Errorf("%w: token carries no validity window", ErrResponseData)
	}
	return result, resp.StatusCode, nil
}

// tokenClaims extracts iat and exp from the JWT payload without verifying
// the signature; the transport already authenticated the server.
func tokenClaims(token string) (iat, exp time.Time, ok bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, time.Time{}, false
	}
	issued, err := claims.GetIssuedAt()
	if err != nil || issued == nil {
		return time.Time{}, time.Time{}, false
	}
	expires, err := claims.GetExpirationTime()
	if err != nil || expires == nil {
		return time.Time{}, time.Time{}, false
	}
	return issued.Time, expires.Time, true
}

package auth

import "errors"

// Sentinel errors surfaced by the token manager. Callers match with
// errors.Is; anything transient self-heals on the next GetToken call.
var (
	// ErrBackoff means the activation backoff gate refused the attempt;
	// no network traffic happened.
	ErrBackoff = errors.New("auth: activation backoff active")

	// ErrNetwork wraps transport-level failures
	ErrNetwork = errors.New("auth: network error")

	// ErrResponseData means the server response could not be used
	ErrResponseData = errors.New("auth: malformed response")

	// ErrNotActivated means no credentials exist and activation failed
	ErrNotActivated = errors.New("auth: device not activated")
)

// State is the externally observable activation/login state
type State string

const (
	StateNotActivated         State = "not_activated"
	StateActivationInProgress State = "activation_in_progress"
	StateTokenValid           State = "activated_token_valid"
	StateTokenExpired         State = "activated_token_expired"
	StateLoginRejected        State = "activated_login_rejected"
	StateBackoff              State = "backoff"
	StateNetworkError         State = "network_error"
)

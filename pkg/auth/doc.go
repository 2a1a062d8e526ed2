/*
Package auth implements the device activation and login state machine.

Activation is a one-time handshake exchanging the device identity for a
{deviceId, passCode} credential; login exchanges that credential for a
short-lived JWT access token. Both run inside a single mutex so concurrent
callers during network recovery produce one network round-trip, not many.

Token expiry is tracked on the monotonic clock; the only wall-clock value
persisted is the reconstructed activation timestamp. A rejected login
(401 invalid credential, 400 invalid scope) clears the credential pair and
re-runs activation plus login within the same GetToken call. Activation
attempts are gated by an exponential backoff whose state survives
restarts.
*/
package auth

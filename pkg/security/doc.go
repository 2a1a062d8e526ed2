/*
Package security implements the crypto envelope protecting data at rest.

Two deterministic keys are derived from device identity: the activation key
(from VIN and serial) encrypts event payloads stored in the database, and
the passcode key (from device id and serial) encrypts the activation
passcode held in local config. Payloads are sealed with AES-256-GCM, nonce
prepended, optionally bound to associated data.

Key rotation (a new activation) makes existing ciphertexts unreadable, so
the event store is cleared when it happens. Decryption failures on read are
never fatal; affected rows are marked corrupt and removed.
*/
package security

/*
Package handlers implements the event validation chain between the ingress
queue and the store.

Events traverse three stages in order: the session gate drops events that
arrive outside a driving session (ignition transitions delimit sessions and
synthesize SessionStatus markers), the interval validator throttles noisy
event ids to a configured minimum spacing, and the DB writer computes
stream/batch eligibility, encrypts the payload, and stages the row. The
Writer drain loop owns all event-table writes: one goroutine, one
transaction per drained batch.

Alerts bypass the session gate, land in their own table, and wake the alert
uploader immediately. Events whose timestamps predate activation are
quarantined rather than stored.
*/
package handlers

/*
Package agent is the coordinator: it owns the storage engine, the ingress
queue and writer, the handler chain, the token manager, the MQTT uploader
and the granularity reducer, wiring them with explicit references instead
of global singletons.

Startup order is storage first, upload link last; shutdown is the reverse
with a ten-second grace period for the writer to flush queued events to
disk before the broker connection drops. The reducer suspends the
uploaders through a control handle rather than a callback ring, and
internal lifecycle signals fan out through a channel broker.
*/
package agent

// Package uploadmode classifies events into stream and batch transport
// classes from configuration: global capabilities, a default mode, and
// per-event overrides. Predicates are pure; Reload swaps the tables
// atomically when configuration changes.
package uploadmode

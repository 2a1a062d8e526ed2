// Package types defines the shared data model of the ignite agent: the
// wire-level Event, the persisted row shapes, and the device identity
// attributes used during activation.
package types

// Package events provides the in-process notification broker the
// coordinator uses for subscription fan-out over buffered channels. The
// coordinator publishes the ignite-started, device-reassigned and shutdown
// notifications; the other declared types are not published by the agent.
package events

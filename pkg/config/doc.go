/*
Package config implements the agent's configuration tree.

Configuration is a JSON document read from disk at startup. Components read
typed values at dotted paths (for example "DAM.Database.dbSizeLimit").
Cloud-pushed service settings are merged on top of the file-defined defaults
through Overlay; observers registered with Subscribe are notified after each
merge so that components holding cached values can refresh them.

Reads take a shared lock and return value copies, so a getter result never
mutates under the caller.
*/
package config

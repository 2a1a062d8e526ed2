/*
Package log provides structured logging for the ignite agent built on zerolog.

A single global logger is initialized at startup from the command-line
flags, re-initialized with the FileLogger.path sink when the configuration
sets one, and shared by every component. Child loggers carry a
component field so that the writer thread, the uploaders and the token
manager can be told apart in one interleaved stream.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, FilePath: "/var/log/ignite.log"})
	logger := log.WithComponent("uploader")
	logger.Info().Int("count", n).Msg("events published")
*/
package log

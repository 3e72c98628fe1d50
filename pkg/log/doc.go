/*
Package log provides structured logging for the data path using zerolog.

It wraps zerolog with a single global logger, configurable level and
output format (JSON when Config.JSONOutput is true, console otherwise),
and component-scoped child loggers. pkg/write, pkg/read, and pkg/move
call WithComponent at each log site and log through the returned
zerolog.Logger, rather than going through the global Logger directly.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("move")
	logger.Info().Str("job", jobID).Msg("pass started")
*/
package log

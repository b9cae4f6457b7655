/*
Package log configures jmapd's structured logger, a thin wrapper around
zerolog.

# Configuration

Init sets the global Logger from a Config: Level selects the minimum
severity (debug/info/warn/error), JSONOutput switches between a
machine-readable JSON encoder and a human-readable console writer, and
Output defaults to os.Stdout when nil.

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

# Scoped loggers

WithComponent tags a logger with the subsystem emitting it ("jmapd",
"transport", "raftlog"). WithAccount and WithCollection tag a logger with
the JMAP account and collection an operation concerns. WithRaft tags a
logger with the Raft term and log index a Command is being applied
under, for FSM.Apply's own error logging:

	log.WithRaft(l.Term, l.Index).Error().Err(err).Msg("fsm: apply failed")
	log.WithAccount(uint32(account)).Error().Err(err).Msg("set: apply failed")

# Package-level helpers

Info, Debug, Warn, Error, Errorf, and Fatal write directly to the
global Logger for call sites that don't need a scoped child logger.

# See also

  - pkg/raftlog's FSM for WithRaft's call site.
  - pkg/jmap's Coordinator for WithAccount's call site.
*/
package log

package daemon

import (
	"slices"

	"github.com/harun/bamboo/internal/config"
	"github.com/harun/bamboo/pkg/toolexecutor"
)

// applyConfig takes the hot reloadable settings from next: the log level and
// the tool deny list. Other changes need a restart and are only logged.
func (d *Daemon) applyConfig(next *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.config

	if next.Logging.Level != prev.Logging.Level {
		if err := d.logger.SetLevel(next.Logging.Level); err != nil {
			d.log.Warn().Err(err).Str("level", next.Logging.Level).Msg("Ignoring invalid log level")
		} else {
			d.log.Info().Str("level", next.Logging.Level).Msg("Log level changed")
		}
	}

	if !slices.Equal(next.Tools.Deny, prev.Tools.Deny) {
		d.tools.SetPolicy(&toolexecutor.ToolPolicy{Deny: slices.Clone(next.Tools.Deny)})
		d.log.Info().Strs("deny", next.Tools.Deny).Msg("Tool deny list changed")
	}

	if next.Gateway != prev.Gateway || next.Storage != prev.Storage || next.Agent != prev.Agent {
		d.log.Warn().Msg("Gateway, storage and agent settings apply after a restart")
	}

	updated := *prev
	updated.Logging.Level = next.Logging.Level
	updated.Tools.Deny = slices.Clone(next.Tools.Deny)
	d.config = &updated
}

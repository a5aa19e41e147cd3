// Package cli implements the grimoire commands: running and validating spell
// files, serving an agent and queueing jobs for it.
package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/petal-labs/grimoire/config"
	"github.com/petal-labs/grimoire/internal/logging"
	"github.com/petal-labs/grimoire/plugins/coreplugin"
	"github.com/petal-labs/grimoire/plugins/timer"
	"github.com/petal-labs/grimoire/registry"
)

// extraProviders are the plugins every CLI agent loads next to the standard
// value types and the core plugin.
func extraProviders() []registry.Provider {
	return []registry.Provider{timer.New()}
}

// nodeRegistry assembles the node types a spell file may use. Action nodes
// are registered without an action service.
func nodeRegistry() (*registry.Registry, error) {
	providers := append([]registry.Provider{registry.StandardProvider, coreplugin.New(nil)}, extraProviders()...)
	return registry.Assemble(providers)
}

// loadConfig resolves and loads the config file named by --config, falling
// back to discovery and then to the defaults.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, found, err := config.DiscoverPath(explicit)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "%v", err)
	}
	if !found {
		cfg, err := config.Parse(nil, nil)
		if err != nil {
			return config.Config{}, exitError(exitConfig, "%v", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, exitError(exitConfig, "%v", err)
	}
	return cfg, nil
}

// newLogger builds the process logger on w. The root --verbose and --quiet
// flags override the configured level.
func newLogger(cmd *cobra.Command, w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, exitError(exitConfig, "log.level: %v", err)
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return logging.NewWriter(w, level, lc.Format), nil
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}

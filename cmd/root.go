package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/attribution-cli/internal/config"
)

var (
	cfg *config.Config

	logLevelOverride string
)

var rootCmd = &cobra.Command{
	Use:   "attribution-cli",
	Short: "Multi-touch donation attribution engine",
	Long: `Links donations to the ad clicks, emails and campaigns that preceded them,
resolves donor identities across channels, and writes weighted attribution records.

Jobs run one organization at a time (attribute, recompute-timing, identity, refcodes)
or are triggered over HTTP by serve. Every job is recorded in the run log (runs).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = applyOverrides(c)

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.CommandPath()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.Int("lookback_days", cfg.Attribution.LookbackDays),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "override log.level (debug, info, warn, error)")
}

// applyOverrides layers persistent flags over the loaded config.
func applyOverrides(c *config.Config) *config.Config {
	if logLevelOverride != "" {
		c.Log.Level = logLevelOverride
	}
	return c
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

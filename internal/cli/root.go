// Package cli holds the whonext commands.
package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"whonext/internal/config"
)

// Version is set at build time.
var Version = "dev"

type rootFlags struct {
	configPath string
	dataDir    string
	logLevel   string
}

// NewRootCmd builds the command tree. The App is filled in before any
// subcommand runs and closed after it.
func NewRootCmd(app *App) *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "whonext",
		Short:         "Live speaker diarization and voice recognition for meetings",
		Long:          "whonext records meetings, tracks who is speaking while two people talk at once, recognizes known voices and learns new ones after a short review.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", defaultConfigPath(), "config file")
	pf.StringVar(&flags.dataDir, "data", "", "data directory (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newServeCmd(app),
		newRecordCmd(app),
		newReplayCmd(app),
		newMeetingsCmd(app),
		newReviewCmd(app),
		newSummarizeCmd(app),
		newVoicePrintsCmd(app),
		newModelsCmd(app),
		newConfigCmd(app),
	)
	return rootCmd
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "whonext.yaml"
	}
	return filepath.Join(home, ".whonext", "config.yaml")
}

func (a *App) init(flags rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
		cfg.ModelsDir = filepath.Join(flags.dataDir, "models")
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = cfg.NewLogger(os.Stderr)
	a.configPath = flags.configPath
	return nil
}

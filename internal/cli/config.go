package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"whonext/internal/config"
	"whonext/internal/output"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.NewFormatter(os.Stdout)
			if _, err := os.Stat(app.configPath); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", app.configPath)
			}
			cfg := config.Default()
			cfg.DataDir = app.Config.DataDir
			cfg.ModelsDir = app.Config.ModelsDir
			if err := cfg.Save(app.configPath); err != nil {
				return err
			}
			out.Success("Wrote " + app.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(app.Config)
			if err != nil {
				return err
			}
			output.NewFormatter(os.Stdout).Muted("# " + app.configPath)
			_, err = os.Stdout.Write(data)
			return err
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nixos-tools/refind-builder/internal/config"
	"github.com/nixos-tools/refind-builder/internal/installer"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "refind-builder [toplevel]",
	Short:        "Generate and install the rEFInd boot menu for this host's generations",
	Long: `refind-builder renders a rEFInd configuration from the host's system
generations, installs it together with the referenced kernels onto the
EFI system partition and registers the firmware boot entry. The install
configuration document is read from --config or $` + config.PathEnv + `;
the optional toplevel argument names the system being installed.`,
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}

		path := configPath
		if path == "" {
			path = os.Getenv(config.PathEnv)
		}
		if path == "" {
			return fmt.Errorf("no install configuration: pass --config or set $%s", config.PathEnv)
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		toplevel := ""
		if len(args) == 1 {
			toplevel = args[0]
		}

		inst := &installer.Installer{Config: cfg}
		report, err := inst.Run(toplevel)
		if err != nil {
			return err
		}

		if len(report.Issues) > 0 {
			fmt.Fprintln(os.Stderr, "boot configuration installed, with issues:")
			for _, issue := range report.Issues {
				fmt.Fprintf(os.Stderr, "  - %s\n", issue.Error())
			}
		}
		return nil
	},
}

func main() {
	logrus.SetOutput(os.Stderr)
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path of the install configuration document")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// StatusFlags holds flags for the status command.
type StatusFlags struct {
	Service    string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	statusFlags := &StatusFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createLaunchCommand(globalFlags),
		createInstallCommand(globalFlags),
		createStatusCommand(globalFlags, statusFlags),
		createStopCommand(globalFlags, statusFlags),
		createVersionCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "raux-launcher",
		Short: "Install, launch and supervise the RAUX desktop services",
		Long: `raux-launcher provisions a local Python runtime, installs the RAUX
application package, and supervises the application backend plus the
optional lemonade-server inference sidecar.

Examples:
  raux-launcher launch                  # Install if needed, then run everything
  raux-launcher install                 # Run only the installation pipeline
  raux-launcher status                  # Query a running launcher's services
  raux-launcher install --version=v0.6.5`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createLaunchCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "launch",
		Short: "Install if needed, then start and supervise all services",
		Long: `Launch runs the full startup sequence: installation pipeline when the
application is not yet installed, then the backend and sidecar services
with health monitoring, plus the local status API.

Examples:
  raux-launcher launch
  raux-launcher launch --config=launcher.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(globalFlags.ConfigPath)
		},
	}
}

func createInstallCommand(globalFlags *GlobalFlags) *cobra.Command {
	installFlags := &InstallFlags{}
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run the installation pipeline",
		Long: `Install provisions the Python runtime and the application package
without starting any service. Already-complete installations are
skipped.

Examples:
  raux-launcher install
  raux-launcher install --version=v0.6.5
  raux-launcher install --download-url=https://mirror.internal/raux.whl
  raux-launcher install --local-release=./raux-0.6.5-py3-none-any.whl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(globalFlags.ConfigPath, *installFlags)
		},
	}
	cmd.Flags().StringVar(&installFlags.Version, "version", "", "pinned application version tag (default: latest release)")
	cmd.Flags().StringVar(&installFlags.DownloadURL, "download-url", "", "explicit wheel URL, skips release lookup")
	cmd.Flags().StringVar(&installFlags.LocalRelease, "local-release", "", "path to a local wheel, skips download")
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status from a running launcher",
		Long: `Status queries the local status API of a running launcher.

Examples:
  raux-launcher status
  raux-launcher status --service=lemonade
  raux-launcher status --api-url=http://127.0.0.1:18377/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(globalFlags.ConfigPath, *statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.Service, "service", "", "service name (optional)")
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "status API URL (default from config)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop all supervised services of a running launcher",
		Long: `Stop asks a running launcher to shut its supervised services down.
The launcher itself keeps serving the status API.

Examples:
  raux-launcher stop
  raux-launcher stop --api-url=http://127.0.0.1:18377/api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(globalFlags.ConfigPath, *statusFlags)
		},
	}
	cmd.Flags().StringVar(&statusFlags.APIUrl, "api-url", "", "status API URL (default from config)")
	cmd.Flags().DurationVar(&statusFlags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the launcher version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("raux-launcher %s\n", buildVersion)
		},
	}
}

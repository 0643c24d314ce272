package orchestrator

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/aigdat/raux-launcher/internal/config"
	"github.com/aigdat/raux-launcher/internal/installer"
)

// BackendCommand picks how the application backend is started: a launcher
// script for development runs, the installed executable's serve subcommand
// when present, or a direct module invocation through the provisioned
// interpreter.
func BackendCommand(cfg config.Config, paths installer.Paths) (string, []string) {
	return backendCommand(runtime.GOOS, cfg, paths)
}

func backendCommand(goos string, cfg config.Config, paths installer.Paths) (string, []string) {
	if cfg.Dev {
		script := "launch_raux.sh"
		if goos == "windows" {
			script = "launch_raux.bat"
		}
		return filepath.Join(paths.Root, script), nil
	}
	if _, err := os.Stat(paths.AppExe); err == nil {
		return paths.AppExe, []string{"serve", "--port", cfg.Backend.Port}
	}
	return paths.Python, []string{"-m", "raux", "serve", "--port", cfg.Backend.Port}
}

package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aigdat/raux-launcher/internal/execx"
)

// Application package stages.

func (p *Pipeline) wheelPath() string {
	return filepath.Join(p.paths.CacheDir, "raux.whl")
}

func (p *Pipeline) stageWheelDownload(ctx context.Context) (string, error) {
	if p.opts.LocalRelease != "" {
		if err := copyFile(p.opts.LocalRelease, p.wheelPath()); err != nil {
			return "", fmt.Errorf("copy local release: %w", err)
		}
		return "using local release " + filepath.Base(p.opts.LocalRelease), nil
	}
	url, err := p.resolveWheelURL(ctx)
	if err != nil {
		return "", err
	}
	if err := p.http.Download(ctx, url, p.wheelPath()); err != nil {
		return "", err
	}
	return "application package downloaded", nil
}

func (p *Pipeline) stageWheelInstall(ctx context.Context) (string, error) {
	args := []string{"-m", "pip", "install", "--no-deps", "--cache-dir", p.paths.CacheDir, p.wheelPath()}
	res := execx.Run(ctx, p.paths.Python, args, execx.Options{Timeout: 15 * time.Minute})
	if res.Err != nil {
		return "", fmt.Errorf("run pip install: %w", res.Err)
	}
	if res.ExitCode != 0 {
		// Verbatim stderr is the only useful diagnostic here.
		return "", fmt.Errorf("pip install exited %d: %s", res.ExitCode, res.Stderr)
	}
	return "application package installed", nil
}

func (p *Pipeline) stageWheelEnv(_ context.Context) (string, error) {
	src := p.opts.EnvSource
	if src == "" {
		for _, candidate := range []string{
			filepath.Join(p.paths.Root, ".env.example"),
			filepath.Join(p.paths.Root, "resources", ".env.example"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				src = candidate
				break
			}
		}
	}
	if src == "" {
		return "", fmt.Errorf("no environment file source found under %s", p.paths.Root)
	}
	if _, err := os.Stat(src); err != nil {
		return "", fmt.Errorf("environment file source %s: %w", src, err)
	}
	if err := copyFile(src, p.paths.EnvFile); err != nil {
		return "", fmt.Errorf("place environment file: %w", err)
	}
	return "environment file placed at " + p.paths.EnvFile, nil
}

// placeLaunchScripts copies launch_raux scripts bundled with the release
// into the install root. Releases without scripts are fine; a present
// script that cannot be copied is not.
func (p *Pipeline) placeLaunchScripts() error {
	srcDirs := []string{filepath.Join(p.paths.Root, "resources")}
	if p.opts.LocalRelease != "" {
		srcDirs = append(srcDirs, filepath.Dir(p.opts.LocalRelease))
	}
	for _, script := range []string{"launch_raux.sh", "launch_raux.bat"} {
		for _, dir := range srcDirs {
			src := filepath.Join(dir, script)
			if _, err := os.Stat(src); err != nil {
				continue
			}
			dest := filepath.Join(p.paths.Root, script)
			if err := copyFile(src, dest); err != nil {
				return fmt.Errorf("place %s: %w", script, err)
			}
			if err := os.Chmod(dest, 0o755); err != nil { // #nosec G302 -- launch script must be executable
				return err
			}
			break
		}
	}
	return nil
}

func (p *Pipeline) stageWheelComplete(_ context.Context) (string, error) {
	if err := p.placeLaunchScripts(); err != nil {
		return "", err
	}
	v := p.opts.Version
	if v == "" {
		v = "latest"
	}
	content := fmt.Sprintf("version=%s\ninstalled_at=%s\n", v, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(p.paths.Marker, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("write completion marker: %w", err)
	}
	return "installation complete", nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src) // #nosec G304 -- paths are launcher-controlled
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	out, err := os.Create(dest) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

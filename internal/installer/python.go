package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aigdat/raux-launcher/internal/execx"
)

// Runtime provisioning stages.

func (p *Pipeline) archivePath() string {
	ext := ".tar.gz"
	if p.platform.ArchiveFormat() == "zip" {
		ext = ".zip"
	}
	return filepath.Join(p.paths.Root, "python-runtime"+ext)
}

func (p *Pipeline) stagePythonDownload(ctx context.Context) (string, error) {
	url := p.opts.RuntimeURL
	if url == "" {
		url = p.platform.RuntimeURL()
	}
	if err := p.http.Download(ctx, url, p.archivePath()); err != nil {
		return "", err
	}
	return fmt.Sprintf("downloaded Python %s runtime", PythonVersion), nil
}

func (p *Pipeline) stagePythonExtract(_ context.Context) (string, error) {
	archive := p.archivePath()
	// The archive is deleted whatever happens next; a failed extraction
	// re-downloads rather than reusing a possibly truncated file.
	defer func() { _ = os.Remove(archive) }()

	if err := os.MkdirAll(p.paths.RuntimeDir, 0o750); err != nil {
		return "", err
	}
	if err := extractArchive(archive, p.paths.RuntimeDir, p.platform.ArchiveFormat()); err != nil {
		return "", err
	}
	if p.platform.OS != "windows" {
		if err := os.Chmod(p.paths.Python, 0o755); err != nil { // #nosec G302 -- interpreter must be executable
			return "", fmt.Errorf("mark interpreter executable: %w", err)
		}
	}
	return "runtime extracted", nil
}

func (p *Pipeline) stagePipInstall(ctx context.Context) (string, error) {
	if p.platform.NeedsPthPatch() {
		if err := patchPth(p.paths.RuntimeDir); err != nil {
			return "", err
		}
	}
	// Already have a working pip? The standalone builds ship one.
	res := execx.Run(ctx, p.paths.Python, []string{"-m", "pip", "--version"}, execx.Options{Timeout: time.Minute})
	if res.Success() {
		return "pip already available", nil
	}
	if err := p.bootstrapPip(ctx); err != nil {
		return "", err
	}
	return "pip installed", nil
}

func (p *Pipeline) bootstrapPip(ctx context.Context) error {
	if p.platform.OS != "windows" {
		res := execx.Run(ctx, p.paths.Python, []string{"-m", "ensurepip", "--upgrade"}, execx.Options{Timeout: 5 * time.Minute})
		if res.Success() {
			return nil
		}
		// Embeddable-style builds lack ensurepip; fall through to get-pip.
	}
	getPip := filepath.Join(p.paths.CacheDir, "get-pip.py")
	if err := p.http.Download(ctx, "https://bootstrap.pypa.io/get-pip.py", getPip); err != nil {
		return fmt.Errorf("fetch get-pip: %w", err)
	}
	res := execx.Run(ctx, p.paths.Python, []string{getPip, "--no-warn-script-location"}, execx.Options{Timeout: 10 * time.Minute})
	if res.Err != nil {
		return fmt.Errorf("bootstrap pip: %w", res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap pip exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *Pipeline) stagePythonComplete(_ context.Context) (string, error) {
	receipt := filepath.Join(p.paths.RuntimeDir, ".runtime-version")
	if err := os.WriteFile(receipt, []byte(PythonVersion+"\n"), 0o600); err != nil {
		return "", err
	}
	return "Python runtime ready", nil
}

// patchPth ensures the embeddable runtime's module-search configuration
// sees the package directories. Without this the minimal distribution
// cannot import anything pip installs.
func patchPth(runtimeDir string) error {
	matches, err := filepath.Glob(filepath.Join(runtimeDir, "python*._pth"))
	if err != nil || len(matches) == 0 {
		return fmt.Errorf("no _pth file found in %s", runtimeDir)
	}
	path := matches[0]
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	hasSite := false
	hasImportSite := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == `Lib\site-packages` {
			hasSite = true
		}
		if trimmed == "#import site" {
			lines[i] = "import site"
			hasImportSite = true
		}
		if trimmed == "import site" {
			hasImportSite = true
		}
	}
	if !hasSite {
		lines = append(lines, `Lib\site-packages`)
	}
	if !hasImportSite {
		lines = append(lines, "import site")
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

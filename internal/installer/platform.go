package installer

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// PythonVersion is the standalone runtime provisioned for the application.
const PythonVersion = "3.11.8"

// pythonStandaloneRelease pins the python-build-standalone release used for
// the non-Windows runtime archives.
const pythonStandaloneRelease = "20240224"

// Platform carries everything that differs between operating systems:
// archive source and format, interpreter layout, and pip bootstrap needs.
type Platform struct {
	OS   string
	Arch string
}

// Detect resolves the current platform. An unsupported architecture is a
// hard, immediate failure; there is no fallback runtime to offer.
func Detect() (Platform, error) {
	return detectFrom(runtime.GOOS, runtime.GOARCH)
}

func detectFrom(goos, goarch string) (Platform, error) {
	switch goos {
	case "windows", "linux", "darwin":
	default:
		return Platform{}, fmt.Errorf("unsupported operating system %q", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return Platform{}, fmt.Errorf("unsupported architecture %q: no runtime archive available", goarch)
	}
	return Platform{OS: goos, Arch: goarch}, nil
}

// RuntimeURL is the platform/architecture-specific runtime archive.
// Windows uses the python.org embeddable distribution; everything else the
// python-build-standalone install_only builds.
func (p Platform) RuntimeURL() string {
	if p.OS == "windows" {
		arch := map[string]string{"amd64": "amd64", "arm64": "arm64"}[p.Arch]
		return fmt.Sprintf("https://www.python.org/ftp/python/%s/python-%s-embed-%s.zip",
			PythonVersion, PythonVersion, arch)
	}
	triple := map[[2]string]string{
		{"linux", "amd64"}:  "x86_64-unknown-linux-gnu",
		{"linux", "arm64"}:  "aarch64-unknown-linux-gnu",
		{"darwin", "amd64"}: "x86_64-apple-darwin",
		{"darwin", "arm64"}: "aarch64-apple-darwin",
	}[[2]string{p.OS, p.Arch}]
	return fmt.Sprintf(
		"https://github.com/indygreg/python-build-standalone/releases/download/%s/cpython-%s+%s-%s-install_only.tar.gz",
		pythonStandaloneRelease, PythonVersion, pythonStandaloneRelease, triple)
}

// ArchiveFormat is "zip" on Windows, "tar.gz" elsewhere. Tarballs wrap the
// runtime in a top-level "python/" directory that extraction strips.
func (p Platform) ArchiveFormat() string {
	if p.OS == "windows" {
		return "zip"
	}
	return "tar.gz"
}

// NeedsPthPatch reports whether the runtime's module-search configuration
// must be patched before installed packages are importable. The embeddable
// Windows distribution ships a _pth file that hides site-packages.
func (p Platform) NeedsPthPatch() bool { return p.OS == "windows" }

// Paths derives the per-platform installation layout from the install root.
func (p Platform) Paths(root string) Paths {
	runtimeDir := filepath.Join(root, "python")
	paths := Paths{
		Root:       root,
		RuntimeDir: runtimeDir,
		CacheDir:   filepath.Join(root, "pip-cache"),
		Marker:     filepath.Join(root, ".install-complete"),
	}
	if p.OS == "windows" {
		paths.Python = filepath.Join(runtimeDir, "python.exe")
		paths.Pip = filepath.Join(runtimeDir, "Scripts", "pip.exe")
		paths.AppExe = filepath.Join(runtimeDir, "Scripts", "raux.exe")
		paths.EnvFile = filepath.Join(runtimeDir, "Lib", ".env")
	} else {
		paths.Python = filepath.Join(runtimeDir, "bin", "python3")
		paths.Pip = filepath.Join(runtimeDir, "bin", "pip3")
		paths.AppExe = filepath.Join(runtimeDir, "bin", "raux")
		paths.EnvFile = filepath.Join(runtimeDir, "lib", ".env")
	}
	return paths
}

// Paths is the per-platform value object locating everything the pipeline
// touches. Computed, never persisted.
type Paths struct {
	Root       string // app install directory
	RuntimeDir string // provisioned interpreter
	Python     string // interpreter executable
	Pip        string // package manager executable
	AppExe     string // installed application executable
	EnvFile    string // environment file inside the runtime library tree
	CacheDir   string // package download/cache directory
	Marker     string // completion marker, written only after the final stage
}

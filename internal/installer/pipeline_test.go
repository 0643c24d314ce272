package installer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aigdat/raux-launcher/internal/events"
	"github.com/aigdat/raux-launcher/internal/httpx"
)

func testPipeline(t *testing.T, platform Platform, opts Options) (*Pipeline, *[]Progress) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := httpx.NewFactory(httpx.Config{}, logger)
	fanout := events.NewFanout[Progress]()
	var got []Progress
	fanout.Register("test", events.FuncSink[Progress](func(ev Progress) error {
		got = append(got, ev)
		return nil
	}))
	paths := platform.Paths(t.TempDir())
	return New(platform, paths, opts, client, fanout, logger), &got
}

func TestInstalledMarkerAndLegacyDir(t *testing.T) {
	p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{})
	require.False(t, p.Installed())

	// A runtime directory left by an older install counts as complete.
	require.NoError(t, os.MkdirAll(p.paths.RuntimeDir, 0o750))
	require.True(t, p.Installed())
	require.NoError(t, os.Remove(p.paths.RuntimeDir))
	require.False(t, p.Installed())

	// The marker is the authoritative signal.
	require.NoError(t, os.WriteFile(p.paths.Marker, []byte("version=latest\n"), 0o600))
	require.True(t, p.Installed())
}

func TestInstallSkipsWhenAlreadyComplete(t *testing.T) {
	p, got := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{})
	require.NoError(t, os.MkdirAll(p.paths.Root, 0o750))
	require.NoError(t, os.WriteFile(p.paths.Marker, []byte("version=latest\n"), 0o600))

	require.NoError(t, p.Install(context.Background()))

	require.Len(t, *got, 1)
	require.Equal(t, EventSuccess, (*got)[0].Type)
	require.Equal(t, StepPythonCheck, (*got)[0].Step)
}

func TestInstallAbortsOnFirstFailedStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, got := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{RuntimeURL: srv.URL + "/runtime.tar.gz"})
	err := p.Install(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "stage "+StepPythonDownload)

	var sawError bool
	for _, ev := range *got {
		if ev.Type == EventError {
			sawError = true
			require.Equal(t, StepPythonDownload, ev.Step)
		}
		// No stage after the failed one may have run.
		require.NotEqual(t, StepPythonExtract, ev.Step)
		require.NotEqual(t, StepWheelDownload, ev.Step)
	}
	require.True(t, sawError)
}

// runtimeTarGz builds an archive shaped like a python-build-standalone
// release: one top-level python/ directory with a shell script standing in
// for the interpreter.
func runtimeTarGz(t *testing.T) []byte {
	t.Helper()
	script := "#!/bin/sh\nexit 0\n"
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "python/bin/python3", Mode: 0o755, Size: int64(len(script))}))
	_, err := tw.Write([]byte(script))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestInstallEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	archive := runtimeTarGz(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	dir := t.TempDir()
	wheel := filepath.Join(dir, "raux-0.6.5-py3-none-any.whl")
	require.NoError(t, os.WriteFile(wheel, []byte("wheel bytes"), 0o600))
	envSrc := filepath.Join(dir, ".env.example")
	require.NoError(t, os.WriteFile(envSrc, []byte("PORT=8080\n"), 0o600))

	p, got := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{
		RuntimeURL:   srv.URL + "/runtime.tar.gz",
		LocalRelease: wheel,
		EnvSource:    envSrc,
	})
	require.NoError(t, p.Install(context.Background()))

	require.True(t, p.Installed())
	require.FileExists(t, p.paths.Marker)
	env, err := os.ReadFile(p.paths.EnvFile)
	require.NoError(t, err)
	require.Equal(t, "PORT=8080\n", string(env))

	// The archive must not linger after extraction.
	require.NoFileExists(t, p.archivePath())

	last := (*got)[len(*got)-1]
	require.Equal(t, EventSuccess, last.Type)
	require.Equal(t, StepWheelComplete, last.Step)

	// A second run is a no-op gated by the marker.
	*got = nil
	require.NoError(t, p.Install(context.Background()))
	require.Len(t, *got, 1)
}

func TestWheelInstallFailureCarriesStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{})
	require.NoError(t, os.MkdirAll(filepath.Dir(p.paths.Python), 0o750))
	script := "#!/bin/sh\necho 'boom: wheel is corrupt' >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(p.paths.Python, []byte(script), 0o755)) // #nosec G306

	_, err := p.stageWheelInstall(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "exited 3")
	require.Contains(t, err.Error(), "boom: wheel is corrupt")
}

func TestWheelEnvRequiresASource(t *testing.T) {
	p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{})
	require.NoError(t, os.MkdirAll(p.paths.Root, 0o750))

	_, err := p.stageWheelEnv(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no environment file source")

	// A bundled example next to the install root is picked up.
	require.NoError(t, os.WriteFile(filepath.Join(p.paths.Root, ".env.example"), []byte("A=1\n"), 0o600))
	_, err = p.stageWheelEnv(context.Background())
	require.NoError(t, err)
	require.FileExists(t, p.paths.EnvFile)
}

func TestPlaceLaunchScripts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable-bit assertion needs a Unix filesystem")
	}
	p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(p.paths.Root, "resources"), 0o750))

	// No bundled scripts: nothing placed, no error.
	require.NoError(t, p.placeLaunchScripts())
	require.NoFileExists(t, filepath.Join(p.paths.Root, "launch_raux.sh"))

	src := filepath.Join(p.paths.Root, "resources", "launch_raux.sh")
	require.NoError(t, os.WriteFile(src, []byte("#!/bin/sh\nexec true\n"), 0o600))
	require.NoError(t, p.placeLaunchScripts())

	dest := filepath.Join(p.paths.Root, "launch_raux.sh")
	require.FileExists(t, dest)
	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.NotZero(t, info.Mode()&0o100, "placed script must be executable")
}

func TestPatchPth(t *testing.T) {
	dir := t.TempDir()
	pth := filepath.Join(dir, "python311._pth")
	require.NoError(t, os.WriteFile(pth, []byte("python311.zip\n.\n#import site\n"), 0o600))

	require.NoError(t, patchPth(dir))

	b, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Contains(t, string(b), `Lib\site-packages`)
	require.Contains(t, string(b), "\nimport site")
	require.NotContains(t, string(b), "#import site")

	// Idempotent: patching twice must not duplicate lines.
	require.NoError(t, patchPth(dir))
	b2, err := os.ReadFile(pth)
	require.NoError(t, err)
	require.Equal(t, string(b), string(b2))

	require.Error(t, patchPth(t.TempDir()))
}

func TestResolveWheelURL(t *testing.T) {
	var lastPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		rel := releaseInfo{
			TagName: "v0.6.5",
			Assets: []releaseAsset{
				{Name: "raux-0.6.5.tar.gz", BrowserDownloadURL: "https://example.com/raux.tar.gz"},
				{Name: "raux-0.6.5-py3-none-any.whl", BrowserDownloadURL: "https://example.com/raux.whl"},
			},
		}
		_ = json.NewEncoder(w).Encode(rel)
	}))
	defer srv.Close()

	t.Run("latest picks the wheel asset", func(t *testing.T) {
		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{APIBase: srv.URL})
		url, err := p.resolveWheelURL(context.Background())
		require.NoError(t, err)
		require.Equal(t, "https://example.com/raux.whl", url)
		require.Equal(t, "/repos/aigdat/raux/releases/latest", lastPath)
	})

	t.Run("pinned version queries the tag", func(t *testing.T) {
		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{APIBase: srv.URL, Version: "0.6.5"})
		_, err := p.resolveWheelURL(context.Background())
		require.NoError(t, err)
		require.Equal(t, "/repos/aigdat/raux/releases/tags/v0.6.5", lastPath)
	})

	t.Run("explicit URL skips the API", func(t *testing.T) {
		lastPath = ""
		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{DownloadURL: "https://mirror.internal/raux.whl"})
		url, err := p.resolveWheelURL(context.Background())
		require.NoError(t, err)
		require.Equal(t, "https://mirror.internal/raux.whl", url)
		require.Empty(t, lastPath)
	})
}

func TestResolveWheelURLFallbacks(t *testing.T) {
	serve := func(rel releaseInfo) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(rel)
		}))
	}

	t.Run("named asset when no wheel", func(t *testing.T) {
		srv := serve(releaseInfo{TagName: "v0.6.5", Assets: []releaseAsset{
			{Name: "source.zip", BrowserDownloadURL: "https://example.com/source.zip"},
			{Name: "raux-0.6.5-setup.zip", BrowserDownloadURL: "https://example.com/setup.zip"},
		}})
		defer srv.Close()

		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{APIBase: srv.URL})
		url, err := p.resolveWheelURL(context.Background())
		require.NoError(t, err)
		require.Equal(t, "https://example.com/setup.zip", url)
	})

	t.Run("zipball when no matching asset", func(t *testing.T) {
		srv := serve(releaseInfo{
			TagName:    "v0.6.5",
			ZipballURL: "https://example.com/zipball/v0.6.5",
			Assets:     []releaseAsset{{Name: "source.zip"}},
		})
		defer srv.Close()

		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{APIBase: srv.URL})
		url, err := p.resolveWheelURL(context.Background())
		require.NoError(t, err)
		require.Equal(t, "https://example.com/zipball/v0.6.5", url)
	})

	t.Run("bare release is an error", func(t *testing.T) {
		srv := serve(releaseInfo{TagName: "v0.6.5"})
		defer srv.Close()

		p, _ := testPipeline(t, Platform{OS: "linux", Arch: "amd64"}, Options{APIBase: srv.URL})
		_, err := p.resolveWheelURL(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "no usable asset")
	})
}

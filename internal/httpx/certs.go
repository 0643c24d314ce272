package httpx

import (
	"crypto/x509"
	"os"
	"os/exec"
	"runtime"
	"sync"
)

// Certificate bundle assembly. Sources are merged in priority order: the
// explicit environment override, the application-shipped bundle, the
// OS-native store extraction, then well-known system bundle files. The
// merged PEM set is cached for the process lifetime and invalidated when a
// request hits a TLS trust failure.

var bundleCache struct {
	mu    sync.Mutex
	valid bool
	pems  [][]byte
}

func invalidateBundleCache() {
	bundleCache.mu.Lock()
	bundleCache.valid = false
	bundleCache.pems = nil
	bundleCache.mu.Unlock()
}

// bundleFileLocked reports a discoverable custom bundle file, if any.
// Caller holds f.mu.
func (f *Factory) bundleFileLocked() string {
	if f.cfg.CABundle != "" {
		if _, err := os.Stat(f.cfg.CABundle); err == nil {
			return f.cfg.CABundle
		}
	}
	if f.cfg.AppBundlePath != "" {
		if _, err := os.Stat(f.cfg.AppBundlePath); err == nil {
			return f.cfg.AppBundlePath
		}
	}
	return ""
}

// certPool builds the augmented root pool: system roots plus every
// discovered PEM source.
func (f *Factory) certPool() *x509.CertPool {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	for _, pem := range f.bundlePEMs() {
		if ok := pool.AppendCertsFromPEM(pem); !ok {
			f.logger.Debug("skipping PEM source with no parsable certificates")
		}
	}
	return pool
}

func (f *Factory) bundlePEMs() [][]byte {
	bundleCache.mu.Lock()
	defer bundleCache.mu.Unlock()
	if bundleCache.valid {
		return bundleCache.pems
	}
	var pems [][]byte
	appendFile := func(path string) {
		if path == "" {
			return
		}
		b, err := os.ReadFile(path) // #nosec G304 -- trust source paths come from config/env
		if err != nil {
			return
		}
		pems = append(pems, b)
	}
	appendFile(f.cfg.ExtraCACerts)
	appendFile(f.cfg.CABundle)
	appendFile(f.cfg.AppBundlePath)
	if b := nativeStorePEM(); len(b) > 0 {
		pems = append(pems, b)
	}
	for _, path := range wellKnownBundles() {
		appendFile(path)
	}
	bundleCache.pems = pems
	bundleCache.valid = true
	return pems
}

// nativeStorePEM extracts trusted roots from the OS certificate store. On
// macOS the security utility emits PEM directly; on Windows crypto/x509
// already consults the platform verifier, so there is nothing to extract.
func nativeStorePEM() []byte {
	if runtime.GOOS != "darwin" {
		return nil
	}
	var out []byte
	for _, keychain := range []string{
		"/System/Library/Keychains/SystemRootCertificates.keychain",
		"/Library/Keychains/System.keychain",
	} {
		// #nosec G204 -- fixed utility and keychain paths
		b, err := exec.Command("security", "find-certificate", "-a", "-p", keychain).Output()
		if err == nil {
			out = append(out, b...)
		}
	}
	return out
}

// wellKnownBundles is a var so tests can point it at a fixture bundle.
var wellKnownBundles = func() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{
			"/etc/ssl/certs/ca-certificates.crt",
			"/etc/pki/tls/certs/ca-bundle.crt",
			"/etc/ssl/ca-bundle.pem",
		}
	case "darwin":
		return []string{"/usr/local/etc/openssl/cert.pem", "/opt/homebrew/etc/openssl@3/cert.pem"}
	default:
		return nil
	}
}

// corporateNetworkLikely applies the secure-client heuristics: an outbound
// proxy configured in the environment, an Active Directory style DNS
// domain, or a TLS-inspecting security suite installed on disk.
func corporateNetworkLikely() bool {
	for _, k := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if os.Getenv(k) != "" {
			return true
		}
	}
	if d := os.Getenv("USERDNSDOMAIN"); d != "" {
		return true
	}
	for _, path := range securitySuitePaths() {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

func securitySuitePaths() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\Zscaler`,
			`C:\Program Files (x86)\Netskope`,
		}
	case "darwin":
		return []string{
			"/Applications/Zscaler/Zscaler.app",
			"/Library/Application Support/Netskope",
		}
	default:
		return []string{"/opt/zscaler"}
	}
}

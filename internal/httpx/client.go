// Package httpx performs the launcher's outbound HTTP requests and
// escalates TLS trust strategy when a download hits an unverifiable
// certificate, as happens behind corporate TLS-inspection proxies.
package httpx

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aigdat/raux-launcher/internal/metrics"
)

// Config controls client selection and trust sources.
type Config struct {
	ExtraCACerts  string // PEM file appended to the trust store (env override)
	CABundle      string // explicit custom bundle file
	AppBundlePath string // application-shipped bundle, discovered if present
	ForceSecure   bool   // always use the certificate-augmented client
	Insecure      bool   // disable verification; explicit, logged opt-out
	Timeout       time.Duration
}

// Factory hands out the right client variant per request: a plain client
// until something indicates an intercepting proxy, then a
// certificate-augmented one for the rest of the run.
type Factory struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	tlsFailed bool
	plain     *http.Client
	secure    *http.Client
}

func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Insecure {
		logger.Warn("TLS certificate verification disabled by explicit opt-out")
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Client selects the variant for the next request. Decision order: a prior
// TLS trust failure this run, the extra-CA override, the force-secure flag,
// a discoverable custom bundle, then corporate-network heuristics. Plain
// otherwise.
func (f *Factory) Client() *http.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tlsFailed || f.cfg.ExtraCACerts != "" || f.cfg.ForceSecure ||
		f.bundleFileLocked() != "" || corporateNetworkLikely() {
		return f.secureLocked()
	}
	return f.plainLocked()
}

func (f *Factory) plainLocked() *http.Client {
	if f.plain == nil {
		tr := &http.Transport{Proxy: http.ProxyFromEnvironment}
		if f.cfg.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit opt-out, logged at construction
		}
		f.plain = &http.Client{Timeout: f.cfg.Timeout, Transport: tr}
	}
	return f.plain
}

func (f *Factory) secureLocked() *http.Client {
	if f.secure == nil {
		pool := f.certPool()
		tlsCfg := &tls.Config{RootCAs: pool}
		if f.cfg.Insecure {
			tlsCfg.InsecureSkipVerify = true // #nosec G402 -- explicit opt-out, logged at construction
		}
		f.secure = &http.Client{
			Timeout: f.cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsCfg,
			},
		}
	}
	return f.secure
}

// NoteTLSFailure records a trust failure, drops the cached bundle and the
// augmented client so the pool is rebuilt from current sources.
func (f *Factory) NoteTLSFailure() {
	f.mu.Lock()
	f.tlsFailed = true
	f.secure = nil
	f.mu.Unlock()
	invalidateBundleCache()
}

// Do issues the request, retrying exactly once on the certificate-augmented
// client when the failure matches a TLS trust pattern. A successful retry
// hides the first failure from the caller.
func (f *Factory) Do(req *http.Request) (*http.Response, error) {
	c := f.Client()
	resp, err := c.Do(req)
	if err == nil || !IsTLSTrustError(err) {
		return resp, err
	}
	f.logger.Warn("TLS trust failure, retrying with certificate-augmented client",
		"url", req.URL.Redacted(), "error", err)
	f.NoteTLSFailure()
	metrics.IncTLSRetry()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, berr := req.GetBody()
		if berr != nil {
			return nil, fmt.Errorf("replay request body: %w", berr)
		}
		retry.Body = body
	}
	f.mu.Lock()
	c = f.secureLocked()
	f.mu.Unlock()
	return c.Do(retry)
}

// Get issues a GET with context through Do.
func (f *Factory) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return f.Do(req)
}

// GetJSON fetches url and decodes the 2xx response body into v.
func (f *Factory) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET %s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Download streams url into dest, creating parent directories as needed.
func (f *Factory) Download(ctx context.Context, url, dest string) error {
	resp, err := f.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	tmp := dest + ".partial"
	out, err := os.Create(tmp) // #nosec G304 -- dest is launcher-controlled
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("download %s: %w", url, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// tlsTrustPatterns are matched against lowercased error text. They cover
// Go's crypto/tls and x509 phrasing plus the wording of common intercepting
// proxies' upstream failures.
var tlsTrustPatterns = []string{
	"certificate signed by unknown authority",
	"failed to verify certificate",
	"unable to verify the first certificate",
	"unable to get local issuer certificate",
	"self signed certificate",
	"self-signed certificate",
	"certificate verify failed",
	"x509: certificate",
}

// IsTLSTrustError classifies an outbound request error as a certificate
// trust failure (as opposed to timeouts, refused connections, and so on).
func IsTLSTrustError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range tlsTrustPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

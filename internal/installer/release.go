package installer

import (
	"context"
	"fmt"
	"strings"
)

// Application release resolution against the GitHub releases API. The wheel
// asset is preferred; for pinned versions the tagged release is queried
// instead of latest.

const defaultAPIBase = "https://api.github.com"
const releaseRepo = "aigdat/raux"

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	TagName    string         `json:"tag_name"`
	ZipballURL string         `json:"zipball_url"`
	Assets     []releaseAsset `json:"assets"`
}

// resolveWheelURL determines where the application package comes from:
// an explicit download-URL override, a pinned version tag, or the latest
// release.
func (p *Pipeline) resolveWheelURL(ctx context.Context) (string, error) {
	if p.opts.DownloadURL != "" {
		return p.opts.DownloadURL, nil
	}
	apiURL := p.apiBase() + "/repos/" + releaseRepo + "/releases/latest"
	if v := p.opts.Version; v != "" {
		if !strings.HasPrefix(v, "v") {
			v = "v" + v
		}
		apiURL = p.apiBase() + "/repos/" + releaseRepo + "/releases/tags/" + v
	}

	var rel releaseInfo
	if err := p.http.GetJSON(ctx, apiURL, &rel); err != nil {
		return "", fmt.Errorf("fetch release info: %w", err)
	}
	// Preference order: the wheel asset, then any application-named asset,
	// then the release source zipball.
	for _, a := range rel.Assets {
		if strings.HasSuffix(a.Name, ".whl") {
			return a.BrowserDownloadURL, nil
		}
	}
	for _, a := range rel.Assets {
		if strings.Contains(strings.ToLower(a.Name), "raux") {
			return a.BrowserDownloadURL, nil
		}
	}
	if rel.ZipballURL != "" {
		return rel.ZipballURL, nil
	}
	return "", fmt.Errorf("release %s has no usable asset", rel.TagName)
}

func (p *Pipeline) apiBase() string {
	if p.opts.APIBase != "" {
		return strings.TrimSuffix(p.opts.APIBase, "/")
	}
	return defaultAPIBase
}

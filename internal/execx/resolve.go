package execx

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ResolveCommand tries each candidate command name with probeArgs and returns
// the first one that runs successfully. The binary behind a service may be
// registered under different names across installs (e.g. "lemonade-server"
// vs "lemonade-server-dev"), so callers resolve once up front and pass the
// working name around explicitly instead of mutating shared configuration.
func ResolveCommand(ctx context.Context, candidates []string, probeArgs []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidate commands given")
	}
	var lastErr error
	for _, name := range candidates {
		res := Run(ctx, name, probeArgs, Options{Timeout: 10 * time.Second})
		if res.Success() {
			return name, nil
		}
		if res.Err != nil {
			lastErr = res.Err
		} else {
			lastErr = fmt.Errorf("%q %s exited %d", name, strings.Join(probeArgs, " "), res.ExitCode)
		}
	}
	return "", fmt.Errorf("no working command among %v: %w", candidates, lastErr)
}

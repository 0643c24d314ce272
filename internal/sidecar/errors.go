package sidecar

import "errors"

// ErrUnreachable means the service binary could not be located or executed
// at all, distinct from a process that exists but is down.
var ErrUnreachable = errors.New("service binary unreachable")

// ErrPortInUse means the configured port was occupied before spawn. Failing
// here avoids spawning into a collision that would read like a crash.
var ErrPortInUse = errors.New("service port already in use")

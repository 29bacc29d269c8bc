//go:build linux

package diskio

import "golang.org/x/sys/unix"

// directIOFlag is OR'd into the open() flags when direct I/O is requested
// and the platform supports it.
const directIOFlag = unix.O_DIRECT

// platformSupportsDirectIO reports whether this build target can ask for
// O_DIRECT at all (the actual open() call may still fall back at runtime,
// e.g. on filesystems that reject it).
const platformSupportsDirectIO = true

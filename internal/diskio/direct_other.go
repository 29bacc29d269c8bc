//go:build !linux

package diskio

// directIOFlag is zero on platforms without an O_DIRECT-equivalent open()
// flag; AlignedFile falls back to buffered I/O and reports Capabilities.
// DirectIO == false, per spec.md §4.1.
const directIOFlag = 0

const platformSupportsDirectIO = false

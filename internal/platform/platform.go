package platform

import (
	"errors"
	"fmt"
	"strings"
)

// Platform identifies a (OS, architecture) build target.
type Platform string

const (
	DarwinARM64 Platform = "darwin-arm64"
	DarwinX64   Platform = "darwin-x64"
	LinuxX64    Platform = "linux-x64"
	LinuxARM64  Platform = "linux-arm64"
)

// ErrUnsupported is returned for platform identifiers outside the
// supported set. It is a configuration error, caught before any
// network or filesystem work starts.
var ErrUnsupported = errors.New("unsupported platform")

// runtimeTokens maps each platform to the target triple used in
// python-build-standalone release filenames.
var runtimeTokens = map[Platform]string{
	DarwinARM64: "aarch64-apple-darwin",
	DarwinX64:   "x86_64-apple-darwin",
	LinuxX64:    "x86_64-unknown-linux-gnu",
	LinuxARM64:  "aarch64-unknown-linux-gnu",
}

// All returns the supported platforms in stable order.
func All() []Platform {
	return []Platform{DarwinARM64, DarwinX64, LinuxX64, LinuxARM64}
}

// Parse validates a platform identifier from the command line.
func Parse(s string) (Platform, error) {
	p := Platform(s)
	if _, ok := runtimeTokens[p]; !ok {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupported, s, joinAll())
	}
	return p, nil
}

// OS returns the operating system half of the identifier, e.g. "darwin".
func (p Platform) OS() string {
	os, _, _ := strings.Cut(string(p), "-")
	return os
}

// Arch returns the architecture half of the identifier, e.g. "arm64".
func (p Platform) Arch() string {
	_, arch, _ := strings.Cut(string(p), "-")
	return arch
}

// RuntimeToken returns the upstream target triple for this platform.
func (p Platform) RuntimeToken() string {
	return runtimeTokens[p]
}

func joinAll() string {
	all := All()
	names := make([]string, len(all))
	for i, p := range all {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

package router

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// versionTimeout is the maximum time to wait for a `--version` probe.
const versionTimeout = 5 * time.Second

// defaultProbeTTL is how long a binary lookup result is cached.
const defaultProbeTTL = time.Minute

// BinaryProbe reports whether a backend CLI is on PATH. Results are cached
// for a TTL so routing does not stat the filesystem on every turn.
type BinaryProbe struct {
	checked time.Time
	binary  string
	path    string
	version string
	ttl     time.Duration
	mu      sync.Mutex
	found   bool
}

// NewBinaryProbe creates a probe for binary.
func NewBinaryProbe(binary string) *BinaryProbe {
	return &BinaryProbe{binary: binary, ttl: defaultProbeTTL}
}

// Available implements Descriptor.Available.
func (p *BinaryProbe) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.checked.IsZero() || time.Since(p.checked) > p.ttl {
		p.refreshLocked()
	}
	return p.found
}

// Version returns the first line of `<binary> --version`, probed once per
// successful lookup. Empty if unknown. It implements Descriptor.Version.
func (p *BinaryProbe) Version() string {
	p.mu.Lock()
	if p.checked.IsZero() || time.Since(p.checked) > p.ttl {
		p.refreshLocked()
	}
	path, version, found := p.path, p.version, p.found
	p.mu.Unlock()
	if !found || version != "" {
		return version
	}
	version = getVersion(path)
	p.mu.Lock()
	p.version = version
	p.mu.Unlock()
	return version
}

func (p *BinaryProbe) refreshLocked() {
	p.checked = time.Now()
	path, err := exec.LookPath(p.binary)
	if err != nil {
		p.found, p.path, p.version = false, "", ""
		return
	}
	if path != p.path {
		p.version = ""
	}
	p.found, p.path = true, path
}

// getVersion runs `<binary> --version` and returns the first line of stdout.
// Stderr is discarded; some CLIs print runtime warnings there.
func getVersion(binaryPath string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, binaryPath, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	firstLine := strings.SplitN(strings.TrimSpace(out.String()), "\n", 2)[0]
	return strings.TrimSpace(firstLine)
}

// KeyAvailable returns an availability predicate for an HTTP backend that is
// usable iff key is non-empty.
func KeyAvailable(key string) func() bool {
	return func() bool { return key != "" }
}

//go:build !linux || (!arm && !arm64)

package gpio

import "fmt"

// Stub implementation for non-Linux and/or non-ARM platforms.
func openEdge(cfg Config, onEdge func()) (func() error, error) {
	return nil, fmt.Errorf("gpio: edge detection unsupported on this platform")
}

var openEdgeFn = openEdge

//go:build linux && (arm || arm64)

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// openEdge requests the line as an input with rising-edge detection. The
// handler runs on gpiocdev's event goroutine.
func openEdge(cfg Config, onEdge func()) (func() error, error) {
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) { onEdge() }),
		gpiocdev.WithConsumer(cfg.Consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("gpio: request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	return line.Close, nil
}

var openEdgeFn = openEdge

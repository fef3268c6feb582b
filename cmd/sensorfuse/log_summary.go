package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"sensorfuse/internal/replay"
	"sensorfuse/internal/sensors"
)

type logSummary struct {
	Segments    int
	Readings    int
	Samples     [3]int // indexed by sensors.Kind
	MaxDuration time.Duration

	// Total is the summed duration of all segments.
	Total time.Duration
}

func summarizeSampleLog(records []replay.Record) logSummary {
	var s logSummary
	if len(records) == 0 {
		return s
	}

	segments := 0
	hasReadings := false
	var segEnd time.Duration

	for _, r := range records {
		if r.Start {
			segments++
			s.Total += segEnd
			segEnd = 0
			continue
		}
		hasReadings = true
		s.Readings++
		for k := sensors.Accelerometer; k <= sensors.Magnetometer; k++ {
			if r.Reading.Present.Has(k) {
				s.Samples[k]++
			}
		}
		at := r.At
		if at < 0 {
			at = 0
		}
		if at > segEnd {
			segEnd = at
		}
		if at > s.MaxDuration {
			s.MaxDuration = at
		}
	}
	s.Total += segEnd
	if segments == 0 && hasReadings {
		segments = 1
	}
	s.Segments = segments
	return s
}

// Rate is the mean sample rate of one sensor over the whole log in Hz.
func (s logSummary) Rate(k sensors.Kind) float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Samples[k]) / s.Total.Seconds()
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.NewReader(f).ReadAll()
	if err != nil {
		return err
	}

	s := summarizeSampleLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "readings: %d\n", s.Readings)
	fmt.Fprintf(w, "max_segment_duration: %s\n", s.MaxDuration)
	fmt.Fprintf(w, "total_duration: %s\n", s.Total)
	fmt.Fprintf(w, "samples:\n")
	for k := sensors.Accelerometer; k <= sensors.Magnetometer; k++ {
		fmt.Fprintf(w, "  %s: %d (%.1f Hz)\n", k, s.Samples[k], s.Rate(k))
	}
	return nil
}

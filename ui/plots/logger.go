// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Logger is the sink of the metrics logged during training: each record is appended as points to the
// TrainingPlotFileName file of the run directory, and echoed to the console.
//
// Points are written by a background goroutine, so a slow disk doesn't stall the training.
type Logger struct {
	prefix string
	echo   bool
	points chan Point
	done   chan error
	closed bool
}

// NewLogger creates a Logger writing to the run directory dir (created if needed).
// Records echoed to the console are prefixed with prefix.
//
// If enabled is false, the Logger is a no-op: used for processes other than the lead worker.
func NewLogger(dir, prefix string, enabled bool) (*Logger, error) {
	l := &Logger{prefix: prefix, echo: enabled}
	if !enabled {
		return l, nil
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.Wrapf(err, "failed to create run directory %q", dir)
	}
	filePath := filepath.Join(dir, TrainingPlotFileName)
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open points file for append")
	}
	l.points = make(chan Point, 100)
	l.done = make(chan error, 1)
	go l.write(f)
	return l, nil
}

// write encodes the points until the channel is closed. After the first error the remaining points are
// discarded, and the error is reported on Close.
func (l *Logger) write(f *os.File) {
	enc := json.NewEncoder(f)
	var err error
	for point := range l.points {
		if err != nil {
			continue
		}
		if err = enc.Encode(point); err != nil {
			err = errors.Wrapf(err, "failed to write point to %q", f.Name())
			klog.Errorf("%v", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close %q", f.Name())
	}
	l.done <- err
}

// Log the metrics of step.
func (l *Logger) Log(step int, metrics map[string]float64) error {
	if l.closed {
		return errors.New("plots.Logger used after Close")
	}
	if l.echo {
		klog.Info(l.prefix + FormatMetrics(step, metrics))
	}
	if l.points == nil {
		return nil
	}
	points, incomplete := PointsFromMetrics(step, metrics)
	if incomplete {
		klog.Warningf("step %d: NaN or infinite metrics not saved for plotting", step)
	}
	for _, point := range points {
		l.points <- point
	}
	return nil
}

// Close flushes the points file and returns any error that happened while writing it.
func (l *Logger) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.points == nil {
		return nil
	}
	close(l.points)
	return <-l.done
}

// FormatMetrics formats the metrics in one line, sorted by name.
func FormatMetrics(step int, metrics map[string]float64) string {
	names := maps.Keys(metrics)
	slices.Sort(names)
	parts := make([]string, 0, len(names)+1)
	parts = append(parts, fmt.Sprintf("step=%d", step))
	for _, name := range names {
		if name == "step" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%.6g", name, metrics[name]))
	}
	return strings.Join(parts, " ")
}

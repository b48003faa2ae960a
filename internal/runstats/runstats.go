// Package runstats implements an optional live progress display for a task
// run: a periodic-ticker display over running counters (hosts, commands,
// retries, bytes transferred). A byte count can come from either a put/get
// transfer or nothing at all, since not every task moves files.
package runstats

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Tracker accumulates counters for one task run and, when enabled, redraws a
// single status line on writer roughly once a second until Stop.
type Tracker struct {
	mu sync.Mutex

	startTime        time.Time
	totalHosts       int
	completedHosts   int
	failedHosts      int
	activeHosts      int
	totalCommands    int
	totalRetries     int
	bytesTransferred int64

	writer  io.Writer
	enabled bool
	ticker  *time.Ticker
	done    chan struct{}
}

// New creates a Tracker for a run across totalHosts hosts. Live redraws only
// happen when enabled is true; the final Summary is always available.
func New(totalHosts int, writer io.Writer, enabled bool) *Tracker {
	return &Tracker{
		startTime:  time.Now(),
		totalHosts: totalHosts,
		writer:     writer,
		enabled:    enabled,
		done:       make(chan struct{}),
	}
}

// Start begins the periodic redraw, if enabled. A no-op otherwise, including
// on a nil Tracker, so callers that never opted into stats need not guard
// every call site.
func (t *Tracker) Start() {
	if t == nil || !t.enabled {
		return
	}
	t.ticker = time.NewTicker(time.Second)
	go func() {
		for {
			select {
			case <-t.ticker.C:
				t.draw()
			case <-t.done:
				return
			}
		}
	}()
}

// Stop halts the redraw loop and prints the final summary line to writer, if
// enabled. A no-op on a nil Tracker.
func (t *Tracker) Stop() {
	if t == nil {
		return
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
	}
	if t.enabled {
		fmt.Fprint(t.writer, "\r\033[K")
		fmt.Fprintln(t.writer, t.Summary())
	}
}

// HostStarted marks one more host as actively running. A no-op on a nil
// Tracker.
func (t *Tracker) HostStarted() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeHosts++
}

// HostCompleted records one host's outcome and any retries it needed. A
// no-op on a nil Tracker.
func (t *Tracker) HostCompleted(success bool, retries int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeHosts--
	t.totalCommands++
	t.totalRetries += retries
	if success {
		t.completedHosts++
	} else {
		t.failedHosts++
	}
}

// AddBytes accumulates bytes moved by a put/get transfer. A no-op on a nil
// Tracker, so ops.Executor need not check whether a tracker was ever set.
func (t *Tracker) AddBytes(n int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesTransferred += n
}

func (t *Tracker) draw() {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	completed := t.completedHosts + t.failedHosts
	var hostsPerSec float64
	if elapsed.Seconds() > 0 {
		hostsPerSec = float64(completed) / elapsed.Seconds()
	}
	eta := "ETA: calculating..."
	if hostsPerSec > 0 {
		remaining := t.totalHosts - completed
		eta = fmt.Sprintf("ETA: %v", time.Duration(float64(remaining)/hostsPerSec)*time.Second)
	}

	fmt.Fprintf(t.writer, "\r\033[K")
	fmt.Fprintf(t.writer, "hosts: %d/%d (ok %d, failed %d, active %d) | rate: %.1f h/s | commands: %d | retries: %d | data: %s | %s | %v",
		completed, t.totalHosts, t.completedHosts, t.failedHosts, t.activeHosts,
		hostsPerSec, t.totalCommands, t.totalRetries, formatBytes(t.bytesTransferred), eta, elapsed.Round(time.Second))
}

// Summary renders the final, one-shot report line, independent of whether
// live redraws were ever enabled.
func (t *Tracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startTime)
	var rate float64
	if elapsed.Seconds() > 0 {
		rate = float64(t.totalHosts) / elapsed.Seconds()
	}
	return fmt.Sprintf("completed %d/%d hosts (%d failed) in %v, %d commands, %d retries, %s transferred, %.2f hosts/s",
		t.completedHosts, t.totalHosts, t.failedHosts, elapsed.Round(time.Second), t.totalCommands, t.totalRetries,
		formatBytes(t.bytesTransferred), rate)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

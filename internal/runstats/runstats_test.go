package runstats

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummaryReflectsCompletedAndFailedHosts(t *testing.T) {
	tr := New(3, io.Discard, false)
	tr.HostStarted()
	tr.HostCompleted(true, 0)
	tr.HostStarted()
	tr.HostCompleted(true, 1)
	tr.HostStarted()
	tr.HostCompleted(false, 0)

	summary := tr.Summary()
	assert.Contains(t, summary, "completed 2/3 hosts")
	assert.Contains(t, summary, "1 failed")
	assert.Contains(t, summary, "3 commands")
	assert.Contains(t, summary, "1 retries")
}

func TestAddBytesAccumulates(t *testing.T) {
	tr := New(1, io.Discard, false)
	tr.AddBytes(1024)
	tr.AddBytes(1024)
	assert.Contains(t, tr.Summary(), "2.0 KB")
}

func TestNilTrackerMethodsAreNoOps(t *testing.T) {
	var tr *Tracker
	assert.NotPanics(t, func() {
		tr.Start()
		tr.HostStarted()
		tr.HostCompleted(true, 0)
		tr.AddBytes(10)
		tr.Stop()
	})
}

func TestDisabledTrackerNeverWritesToWriter(t *testing.T) {
	var buf writeRecorder
	tr := New(1, &buf, false)
	tr.Start()
	tr.HostStarted()
	tr.HostCompleted(true, 0)
	tr.Stop()
	assert.False(t, buf.wrote)
}

type writeRecorder struct{ wrote bool }

func (w *writeRecorder) Write(p []byte) (int, error) {
	w.wrote = true
	return len(p), nil
}

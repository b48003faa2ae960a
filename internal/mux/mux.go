// Package mux serializes writes to stdout/stderr behind a single
// process-wide lock so concurrent per-host output stays line-atomic even
// under the parallel task executor, with "[host] stream:" prefixing and
// hide/show group suppression.
package mux

import (
	"fmt"
	"io"
	"sync"

	"github.com/relaypath/fleetssh/internal/env"
)

// Stream names one of the output categories a line can belong to.
type Stream string

const (
	StreamRun      Stream = "run"
	StreamSudo     Stream = "sudo"
	StreamOut      Stream = "out"
	StreamErr      Stream = "err"
	StreamLocal    Stream = "local"
	StreamDownload Stream = "download"
	StreamUpload   Stream = "upload"
	StreamWarning  Stream = "warning"
)

// group maps a Stream to the env.OutputGroup that hide()/show() toggle.
func (s Stream) group() env.OutputGroup {
	switch s {
	case StreamRun, StreamSudo, StreamLocal:
		return env.GroupRunning
	case StreamOut:
		return env.GroupStdout
	case StreamErr:
		return env.GroupStderr
	case StreamWarning:
		return env.GroupWarnings
	default:
		return env.GroupRunning
	}
}

// Multiplexer serializes writes from many concurrent per-host workers onto
// one underlying writer, one full line at a time.
type Multiplexer struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a Multiplexer writing to w.
func New(w io.Writer) *Multiplexer {
	return &Multiplexer{w: w}
}

// Line emits one already-newline-split line for hostString/stream, prefixed
// per env.output_prefix, unless the stream's output group is hidden on e.
// Every call takes the lock for the full write, so two concurrent Line calls
// can never interleave their bytes within one printed line.
func (m *Multiplexer) Line(e *env.Env, hostString string, stream Stream, line string) {
	if e.Hidden(stream.group()) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.GetBool("output_prefix") && hostString != "" {
		fmt.Fprintf(m.w, "[%s] %s: %s\n", hostString, stream, line)
	} else {
		fmt.Fprintln(m.w, line)
	}
}

// Status prints a host-scoped or global status line (connect/disconnect,
// "Done.") gated on the "status" group rather than a specific stream.
func (m *Multiplexer) Status(e *env.Env, format string, args ...any) {
	if e.Hidden(env.GroupStatus) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.w, format+"\n", args...)
}

// Warning prints a "[host] warning: message" line gated on the "warnings"
// group, used for skip_bad_hosts / skip_unreachable notices.
func (m *Multiplexer) Warning(e *env.Env, hostString string, format string, args ...any) {
	m.Line(e, hostString, StreamWarning, fmt.Sprintf(format, args...))
}

// Abort prints a red-flagged abort line gated on the "aborts" group.
func (m *Multiplexer) Abort(e *env.Env, hostString string, message string) {
	if e.Hidden(env.GroupAborts) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hostString != "" {
		fmt.Fprintf(m.w, "[%s] Fatal error: %s\n", hostString, message)
	} else {
		fmt.Fprintf(m.w, "Fatal error: %s\n", message)
	}
}

// Lock exposes the multiplexer's mutex for callers (the prompt path) that
// need to interleave a raw terminal read with otherwise-buffered output
// without a second, independent lock racing this one.
func (m *Multiplexer) Lock()   { m.mu.Lock() }
func (m *Multiplexer) Unlock() { m.mu.Unlock() }

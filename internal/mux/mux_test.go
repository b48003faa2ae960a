package mux

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaypath/fleetssh/internal/env"
)

func TestLineWritesPrefixedOutput(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	e.Set("output_prefix", true)
	m := New(&buf)

	m.Line(e, "root@h1:22", StreamOut, "hello")

	assert.Equal(t, "[root@h1:22] out: hello\n", buf.String())
}

func TestLineOmitsPrefixWhenDisabled(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	e.Set("output_prefix", false)
	m := New(&buf)

	m.Line(e, "root@h1:22", StreamOut, "hello")

	assert.Equal(t, "hello\n", buf.String())
}

func TestLineSuppressedWhenGroupHidden(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	e.Hide(env.GroupStdout)
	m := New(&buf)

	m.Line(e, "h1", StreamOut, "hello")

	assert.Empty(t, buf.String())
}

func TestAbortIgnoresHiddenStdout(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	e.Hide(env.GroupStdout)
	m := New(&buf)

	m.Abort(e, "h1", "connection refused")

	assert.Contains(t, buf.String(), "Fatal error: connection refused")
}

func TestAbortSuppressedWhenAbortsHidden(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	e.Hide(env.GroupAborts)
	m := New(&buf)

	m.Abort(e, "h1", "connection refused")

	assert.Empty(t, buf.String())
}

func TestConcurrentLinesNeverInterleave(t *testing.T) {
	var buf strings.Builder
	e := env.New()
	m := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Line(e, "h1", StreamOut, "aaaaaaaaaaaaaaaaaaaa")
		}()
	}
	wg.Wait()

	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		assert.Equal(t, "[h1] out: aaaaaaaaaaaaaaaaaaaa", line)
	}
}

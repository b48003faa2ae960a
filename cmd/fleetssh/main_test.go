package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTaskSpecPositionalAndKeyword(t *testing.T) {
	name, positional, kv := parseTaskSpec("deploy:release.tar.gz,restart=true,timeout=30")
	assert.Equal(t, "deploy", name)
	assert.Equal(t, []string{"release.tar.gz"}, positional)
	assert.Equal(t, true, kv["restart"])
	assert.Equal(t, 30, kv["timeout"])
}

func TestParseTaskSpecNoArgs(t *testing.T) {
	name, positional, kv := parseTaskSpec("uptime")
	assert.Equal(t, "uptime", name)
	assert.Empty(t, positional)
	assert.Empty(t, kv)
}

func TestParseTaskSpecEscapedCommaAndEquals(t *testing.T) {
	name, positional, kv := parseTaskSpec(`restart_service:service=my\,app`)
	assert.Equal(t, "restart_service", name)
	assert.Empty(t, positional)
	assert.Equal(t, "my,app", kv["service"])
}

func TestParseTaskSpecEscapedEqualsStaysPositional(t *testing.T) {
	name, positional, kv := parseTaskSpec(`run:a\=b`)
	assert.Equal(t, "run", name)
	assert.Equal(t, []string{"a=b"}, positional)
	assert.Empty(t, kv)
}

func TestCoerceRecognizesBoolAndInt(t *testing.T) {
	assert.Equal(t, true, coerce("true"))
	assert.Equal(t, 42, coerce("42"))
	assert.Equal(t, "nginx", coerce("nginx"))
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"web1", "web2"}, splitCSV(" web1, web2 ,"))
	assert.Nil(t, splitCSV(""))
}

func TestExitCodeMapsErrorTypes(t *testing.T) {
	assert.Equal(t, 2, exitCode(&SetupError{Message: "bad config"}))
	assert.Equal(t, 1, exitCode(&ExecutionError{Message: "host failed"}))
}

package ops

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/mux"
)

func TestResolveRemoteTargetAppliesBasenameForDirectoryTarget(t *testing.T) {
	assert.Equal(t, "/etc/app/config.yml", resolveRemoteTarget("/etc/app/", "local/config.yml"))
}

func TestResolveRemoteTargetKeepsExplicitFilename(t *testing.T) {
	assert.Equal(t, "/etc/app/config.yml", resolveRemoteTarget("/etc/app/config.yml", "local/other.yml"))
}

func TestShellQuoteArgEscapesMetacharacters(t *testing.T) {
	assert.Equal(t, `"a \"quoted\" \$value"`, shellQuoteArg(`a "quoted" $value`))
}

func TestLocalRunsCommandThroughConfiguredShell(t *testing.T) {
	e := env.New()
	e.SetOutput(io.Discard)
	e.Set("shell", "/bin/sh -c")

	x := NewExecutor(nil, mux.New(io.Discard), nil)
	result, err := x.Local(context.Background(), e, "echo hello")

	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Failed)
}

func TestAppendTransferResultContinuesPastFailureWhenWarnOnly(t *testing.T) {
	var results []TransferResult
	var abort bool

	results, abort = appendTransferResult(results, TransferResult{LocalPath: "a"}, nil, true)
	assert.False(t, abort)

	fileErr := assert.AnError
	results, abort = appendTransferResult(results, TransferResult{LocalPath: "b", Failed: true, Err: fileErr}, fileErr, true)
	assert.False(t, abort, "warn_only must not stop the batch on a per-file failure")

	results, abort = appendTransferResult(results, TransferResult{LocalPath: "c"}, nil, true)
	assert.False(t, abort)

	require.Len(t, results, 3)
	assert.True(t, results[1].Failed)
	assert.Equal(t, fileErr, results[1].Err)
}

func TestAppendTransferResultAbortsOnFirstFailureWithoutWarnOnly(t *testing.T) {
	var results []TransferResult

	results, abort := appendTransferResult(results, TransferResult{LocalPath: "a"}, nil, false)
	require.False(t, abort)

	results, abort = appendTransferResult(results, TransferResult{LocalPath: "b", Failed: true}, assert.AnError, false)
	assert.True(t, abort, "without warn_only the first per-file failure must abort the batch")
	assert.Len(t, results, 2, "the failing match itself is still recorded before aborting")
}

func TestLocalReportsNonZeroExit(t *testing.T) {
	e := env.New()
	e.SetOutput(io.Discard)
	e.Set("shell", "/bin/sh -c")

	x := NewExecutor(nil, mux.New(io.Discard), nil)
	result, err := x.Local(context.Background(), e, "exit 3")

	require.Error(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.True(t, result.Failed)
}

package task

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/mux"
	"github.com/relaypath/fleetssh/internal/ops"
)

func testEnv(hosts []string) *env.Env {
	e := env.New()
	e.SetOutput(io.Discard)
	e.Set("hosts", hosts)
	return e
}

func TestRunSerialVisitsEveryHost(t *testing.T) {
	var visited []string
	var mu sync.Mutex

	tk := Task{
		Name: "touch",
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			mu.Lock()
			visited = append(visited, hs.Host)
			mu.Unlock()
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	result, err := runner.Run(context.Background(), tk, testEnv([]string{"h1", "h2", "h3"}), failure.Policy{})

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2", "h3"}, visited)
	assert.Len(t, result.Results, 3)
	assert.Empty(t, result.Failed())
}

func TestRunParallelVisitsEveryHost(t *testing.T) {
	var count int32
	tk := Task{
		Name:     "touch",
		Parallel: true,
		PoolSize: 3,
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	result, err := runner.Run(context.Background(), tk, testEnv([]string{"h1", "h2", "h3", "h4"}), failure.Policy{})

	require.NoError(t, err)
	assert.Equal(t, int32(4), count)
	assert.Len(t, result.Results, 4)
}

func TestRunAbortsOnPolicyDecision(t *testing.T) {
	tk := Task{
		Name: "fail-on-h2",
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			if hs.Host == "h2" {
				return failure.New(failure.CommandFailed, hs.String(), "boom", nil)
			}
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	_, err := runner.Run(context.Background(), tk, testEnv([]string{"h1", "h2", "h3"}), failure.Policy{})

	require.Error(t, err)
	var aborted *Aborted
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, failure.CommandFailed, aborted.Cause.Kind)
}

func TestRunParallelAbortStillRecordsEveryHost(t *testing.T) {
	tk := Task{
		Name:     "fail-on-h2",
		Parallel: true,
		PoolSize: 2,
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			if hs.Host == "h2" {
				return failure.New(failure.CommandFailed, hs.String(), "boom", nil)
			}
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	result, err := runner.Run(context.Background(), tk, testEnv([]string{"h1", "h2", "h3", "h4"}), failure.Policy{})

	require.Error(t, err)
	var aborted *Aborted
	require.ErrorAs(t, err, &aborted)
	assert.Len(t, result.Results, 4, "every dispatched host must contribute a result even when one aborts the run")
	assert.Len(t, result.Failed(), 1)
}

func TestRunWarnOnlyContinuesPastFailure(t *testing.T) {
	tk := Task{
		Name: "fail-on-h2",
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			if hs.Host == "h2" {
				return failure.New(failure.CommandFailed, hs.String(), "boom", nil)
			}
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	result, err := runner.Run(context.Background(), tk, testEnv([]string{"h1", "h2", "h3"}), failure.Policy{WarnOnly: true})

	require.NoError(t, err)
	assert.Len(t, result.Results, 3)
	assert.Len(t, result.Failed(), 1)
}

func TestRunWithNoHostsRunsOnce(t *testing.T) {
	var calls int32
	tk := Task{
		Name: "local-only",
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			atomic.AddInt32(&calls, 1)
			assert.Empty(t, hs.Host)
			return nil
		},
	}

	runner := NewRunner(mux.New(io.Discard), nil)
	_, err := runner.Run(context.Background(), tk, testEnv(nil), failure.Policy{})

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)
}

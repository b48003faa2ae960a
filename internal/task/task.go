// Package task runs a named unit of work once per resolved host, serially
// or through a bounded parallel pool, with each host isolated by its own
// forked Env and its own connection cache. A host's failure can be judged
// abort-worthy by policy, but every already-dispatched host still finishes
// and contributes a result before the run reports the abort.
package task

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hosts"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/logging"
	"github.com/relaypath/fleetssh/internal/mux"
	"github.com/relaypath/fleetssh/internal/ops"
	"github.com/relaypath/fleetssh/internal/runstats"
	"github.com/relaypath/fleetssh/internal/sshconn"
)

// Body is a task's per-host callback. x is scoped to exactly one host's
// worker: its underlying connection cache is never shared with another
// concurrently running host.
type Body func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error

// Task is one named, invokable unit of work.
type Task struct {
	Name     string
	Hosts    []string
	Roles    []string
	Parallel bool
	PoolSize int
	Default  bool
	Body     Body
}

// HostResult is one host's outcome within a task run.
type HostResult struct {
	HostString string
	Err        error
	Duration   time.Duration
}

// Result aggregates every host's outcome for one task invocation.
type Result struct {
	Task     string
	Results  []HostResult
	Duration time.Duration
}

// Failed returns the subset of Results with a non-nil Err.
func (r Result) Failed() []HostResult {
	var out []HostResult
	for _, hr := range r.Results {
		if hr.Err != nil {
			out = append(out, hr)
		}
	}
	return out
}

// Aborted is returned by Run when a host's failure was severe enough, per
// policy, to stop the whole task rather than being recorded and skipped.
type Aborted struct {
	Result Result
	Cause  *failure.Error
}

func (a *Aborted) Error() string { return a.Cause.Error() }
func (a *Aborted) Unwrap() error { return a.Cause }

// Runner drives Task invocations against a shared multiplexer and logger.
// It never owns a connection cache itself: each host worker creates and
// closes its own.
type Runner struct {
	mux    *mux.Multiplexer
	logger *logging.Logger
}

// NewRunner builds a Runner.
func NewRunner(m *mux.Multiplexer, logger *logging.Logger) *Runner {
	return &Runner{mux: m, logger: logger}
}

// Run resolves t's host list against e, then invokes t.Body once per host,
// serially or with a bounded worker pool per t.Parallel/e's own parallel
// override. In serial mode it stops at the first host whose failure is
// judged abort-worthy by policy, and hosts already completed remain in the
// returned Result; in parallel mode every dispatched host runs to
// completion before the abort is reported.
func (r *Runner) Run(ctx context.Context, t Task, e *env.Env, policy failure.Policy) (Result, error) {
	start := time.Now()

	resolved, err := hosts.Resolve(mergeUnique(e.GetStringSlice("hosts"), t.Hosts), mergeUnique(e.GetStringSlice("roles"), t.Roles), roleDefsFromEnv(e), e.GetStringSlice("exclude_hosts"))
	if err != nil {
		if r.logger != nil {
			r.logger.LogHostResolutionError(err)
		}
		return Result{Task: t.Name}, failure.New(failure.BadHostString, "", err.Error(), err)
	}
	if r.logger != nil {
		r.logger.LogHostResolution(len(resolved))
	}

	if len(resolved) == 0 {
		resolved = []string{""}
	}

	parallel := t.Parallel || e.GetBool("parallel")
	poolSize := t.PoolSize
	if poolSize <= 0 {
		poolSize = e.GetInt("pool_size")
	}
	if poolSize <= 0 {
		poolSize = len(resolved)
	}

	if r.logger != nil {
		r.logger.LogTaskStart(t.Name, len(resolved), parallel, poolSize)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := runstats.New(len(resolved), os.Stdout, e.GetBool("show_stats"))
	stats.Start()

	var result Result
	var abortErr *failure.Error

	if parallel {
		result, abortErr = r.runParallel(runCtx, t, e, resolved, poolSize, policy, stats)
	} else {
		result, abortErr = r.runSerial(runCtx, cancel, t, e, resolved, policy, stats)
	}

	stats.Stop()

	result.Task = t.Name
	result.Duration = time.Since(start)
	if r.logger != nil {
		r.logger.LogTaskComplete(t.Name, len(result.Results)-len(result.Failed()), len(result.Failed()), result.Duration)
	}
	if abortErr != nil {
		return result, &Aborted{Result: result, Cause: abortErr}
	}
	return result, nil
}

func (r *Runner) runSerial(ctx context.Context, cancel context.CancelFunc, t Task, e *env.Env, hostList []string, policy failure.Policy, stats *runstats.Tracker) (Result, *failure.Error) {
	var result Result
	for _, hostSpec := range hostList {
		if ctx.Err() != nil {
			break
		}
		stats.HostStarted()
		hr, abort := r.runHost(ctx, t, e, hostSpec, policy, stats)
		stats.HostCompleted(hr.Err == nil, 0)
		result.Results = append(result.Results, hr)
		if abort != nil {
			cancel()
			return result, abort
		}
	}
	return result, nil
}

// runParallel dispatches hostList across a bounded pool of poolSize workers.
// A policy-decided abort from one host never stops another: every dispatched
// job runs to completion and contributes a HostResult, and ctx is never
// canceled on account of it. Only ctx's own cancellation (the caller's
// interrupt handling) short-circuits dispatch and in-flight jobs early.
func (r *Runner) runParallel(ctx context.Context, t Task, e *env.Env, hostList []string, poolSize int, policy failure.Policy, stats *runstats.Tracker) (Result, *failure.Error) {
	jobs := make(chan string)
	resultsCh := make(chan HostResult, len(hostList))

	var workers sync.WaitGroup
	for i := 0; i < poolSize; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for hostSpec := range jobs {
				if ctx.Err() != nil {
					continue
				}
				stats.HostStarted()
				hr, _ := r.runHost(ctx, t, e, hostSpec, policy, stats)
				stats.HostCompleted(hr.Err == nil, 0)
				resultsCh <- hr
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, hostSpec := range hostList {
			select {
			case jobs <- hostSpec:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		workers.Wait()
		close(resultsCh)
	}()

	var result Result
	var abortErr *failure.Error
	for hr := range resultsCh {
		result.Results = append(result.Results, hr)
		if hr.Err == nil {
			continue
		}
		ferr, ok := hr.Err.(*failure.Error)
		if !ok {
			continue
		}
		if abort := abortIfPolicy(policy, ferr); abort != nil && abortErr == nil {
			abortErr = abort
		}
	}

	return result, abortErr
}

func (r *Runner) runHost(ctx context.Context, t Task, parentEnv *env.Env, hostSpec string, policy failure.Policy, stats *runstats.Tracker) (HostResult, *failure.Error) {
	start := time.Now()
	workerEnv := parentEnv.Fork()

	var hs hoststring.HostString
	if hostSpec != "" {
		parsed, err := hoststring.Parse(hostSpec, workerEnv.GetString("user"), workerEnv.GetInt("port"))
		if err != nil {
			ferr := failure.New(failure.BadHostString, hostSpec, err.Error(), err)
			return HostResult{HostString: hostSpec, Err: ferr, Duration: time.Since(start)}, abortIfPolicy(policy, ferr)
		}
		hs = parsed
		if hs.Password != "" {
			workerEnv.SetPassword(hs.String(), hs.Password)
		}
	}

	cache := sshconn.NewCache(r.logger)
	defer cache.CloseAll()
	executor := ops.NewExecutor(cache, r.mux, r.logger)
	executor.SetStats(stats)

	err := t.Body(ctx, hs, workerEnv, executor)
	if err == nil {
		return HostResult{HostString: hs.String(), Duration: time.Since(start)}, nil
	}

	if skip, ok := err.(*failure.SkipHost); ok {
		r.mux.Warning(workerEnv, skip.HostString, "skipping: %s", skip.Reason.Error())
		return HostResult{HostString: hs.String(), Err: skip, Duration: time.Since(start)}, nil
	}

	ferr, ok := err.(*failure.Error)
	if !ok {
		ferr = failure.New(failure.CommandFailed, hs.String(), err.Error(), err)
	}
	r.mux.Abort(workerEnv, ferr.HostString, ferr.Error())
	if r.logger != nil {
		r.logger.LogAbort(ferr.HostString, ferr.Kind.String(), ferr.Message)
	}
	return HostResult{HostString: hs.String(), Err: ferr, Duration: time.Since(start)}, abortIfPolicy(policy, ferr)
}

func abortIfPolicy(policy failure.Policy, ferr *failure.Error) *failure.Error {
	if policy.Decide(ferr.Kind) {
		return ferr
	}
	return nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func roleDefsFromEnv(e *env.Env) hosts.RoleDefs {
	v, ok := e.Get("roledefs")
	if !ok {
		return hosts.RoleDefs{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return hosts.RoleDefs{}
	}
	return hosts.RoleDefs(m)
}

// Package taskfile is the consumer-facing surface a task file registers
// against. Discovering and loading a user's task file from disk (the
// fabfile.py-equivalent lookup) is explicitly out of scope; this package
// only defines the Registry a loader would populate, plus a small set of
// demo tasks that cmd/fleetssh uses as its task registry.
package taskfile

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/ops"
	"github.com/relaypath/fleetssh/internal/task"
)

// Registry holds the named tasks available to one invocation.
type Registry struct {
	tasks map[string]task.Task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: map[string]task.Task{}}
}

// Register adds t, keyed by t.Name. A later Register with the same name
// replaces the earlier one, matching how re-sourcing a task file works.
func (r *Registry) Register(t task.Task) {
	r.tasks[t.Name] = t
}

// Get looks up a task by name.
func (r *Registry) Get(name string) (task.Task, bool) {
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns every registered task name, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the task marked Default, if any task file designates one.
func (r *Registry) Default() (task.Task, bool) {
	for _, t := range r.tasks {
		if t.Default {
			return t, true
		}
	}
	return task.Task{}, false
}

// kwargsOf reads the keyword arguments stashed by the task-spec parser
// (cmd/fleetssh's "task:key=val" syntax) as a fresh map a task body can
// safely mutate without affecting the shared Env frame.
func kwargsOf(e *env.Env) map[string]any {
	out := map[string]any{}
	if v, ok := e.Get("kwargs"); ok {
		if m, ok := v.(map[string]any); ok {
			for k, val := range m {
				out[k] = val
			}
		}
	}
	return out
}

// Demo returns a small, self-contained registry exercising run, sudo, and
// put without requiring a real user task file. cmd/fleetssh uses it as its
// only registry for -l, -d, and task runs; no external task file is loaded.
func Demo() *Registry {
	r := NewRegistry()

	r.Register(task.Task{
		Name:    "uptime",
		Default: true,
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			_, err := x.Run(ctx, hs, e, "uptime")
			return err
		},
	})

	r.Register(task.Task{
		Name: "disk_usage",
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			_, err := x.Run(ctx, hs, e, "df -h")
			return err
		},
	})

	r.Register(task.Task{
		Name:     "restart_service",
		Parallel: true,
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			kwargs := kwargsOf(e)
			if _, ok := kwargs["service"]; !ok {
				kwargs["service"] = "nginx"
			}
			command, err := RenderCommand("systemctl restart {{.Args.service}}", hs, kwargs)
			if err != nil {
				return err
			}
			_, err = x.Sudo(ctx, hs, e, command)
			return err
		},
	})

	r.Register(task.Task{
		Name:     "deploy",
		Parallel: true,
		PoolSize: 5,
		Body: func(ctx context.Context, hs hoststring.HostString, e *env.Env, x *ops.Executor) error {
			archive := e.GetString("archive")
			if archive == "" {
				archive = "./release.tar.gz"
			}
			remote := e.GetString("deploy_path")
			if remote == "" {
				remote = "/opt/app/release.tar.gz"
			}
			if _, err := x.Put(ctx, hs, e, archive, remote, true); err != nil {
				return err
			}
			_, err := x.Sudo(ctx, hs, e, fmt.Sprintf("tar -xzf %s -C %s", remote, "/opt/app"))
			return err
		},
	})

	return r
}

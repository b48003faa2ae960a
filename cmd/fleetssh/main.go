// Command fleetssh runs a named task, once per resolved host, over SSH.
// Config loads at the start of the run and is overridden by explicit flags. A
// SetupError/ExecutionError distinction maps to exit codes 2/1, and a
// signal-driven context cancels the run on interrupt.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaypath/fleetssh/internal/config"
	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hosts"
	"github.com/relaypath/fleetssh/internal/logging"
	"github.com/relaypath/fleetssh/internal/mux"
	"github.com/relaypath/fleetssh/internal/task"
	"github.com/relaypath/fleetssh/internal/taskfile"
)

var (
	version = "dev"
	commit  = "unknown"

	flagHosts        string
	flagRoles        string
	flagExcludeHosts string
	flagUser         string
	flagPassword     string
	flagIdentity     string
	flagParallel     bool
	flagPoolSize     int
	flagTimeout      int
	flagCmdTimeout   int
	flagWarnOnly     bool
	flagShell        string
	flagGateway      string
	flagNoKeys       bool
	flagNoAgent      bool
	flagHide         string
	flagShow         string
	flagList         bool
	flagDisplay      string
	flagLogLevel     string
	flagLogFormat    string
	flagQuiet        bool
	flagSet          []string
	flagRoleDefs     string
	flagInventory    string
	flagInvGroups    string
	flagShowStats    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetssh [flags] <task>[:arg1,arg2,key=val,...] [<task2> ...]",
	Short: "Run named tasks over SSH across a resolved host list",
	Long: `fleetssh runs a named task once per resolved host: an explicit --hosts
list, a --roles expansion via configured roledefs, or both, minus any
--exclude-hosts. Each host gets its own SSH connection, its own scoped
copy of the environment, and (with --parallel) runs concurrently with the
others in a bounded worker pool.

Examples:
  fleetssh --hosts web1,web2 uptime
  fleetssh --roles web --parallel --pool-size 5 deploy:archive=./release.tar.gz
  fleetssh --hosts root@db1 --gateway jump.example.com restart_service:service=postgresql`,
	Args: cobra.ArbitraryArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if flagList || flagDisplay != "" {
			return nil
		}
		if len(args) == 0 {
			return &SetupError{Message: "at least one task is required"}
		}
		return nil
	},
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&flagHosts, "hosts", "H", "", "comma-separated explicit host list")
	flags.StringVarP(&flagRoles, "roles", "R", "", "comma-separated roles to expand via roledefs")
	flags.StringVarP(&flagExcludeHosts, "exclude-hosts", "x", "", "comma-separated hosts to exclude after resolution")
	flags.StringVarP(&flagUser, "user", "u", "", "default connection user")
	flags.StringVarP(&flagPassword, "password", "p", "", "default connection/sudo password")
	flags.StringVarP(&flagIdentity, "identity", "i", "", "SSH private key file")
	flags.BoolVarP(&flagParallel, "parallel", "P", false, "run the task across hosts in parallel")
	flags.IntVarP(&flagPoolSize, "pool-size", "z", 0, "parallel worker pool size (0 = one worker per host)")
	flags.IntVarP(&flagTimeout, "timeout", "t", 0, "connection timeout in seconds")
	flags.IntVarP(&flagCmdTimeout, "command-timeout", "T", 0, "per-command timeout in seconds (0 = none)")
	flags.BoolVarP(&flagWarnOnly, "warn-only", "w", false, "record command/transfer failures and continue instead of aborting")
	flags.StringVarP(&flagShell, "shell", "s", "", "shell used to wrap remote commands")
	flags.StringVarP(&flagGateway, "gateway", "g", "", "SSH gateway (bastion) host string")
	flags.BoolVarP(&flagNoKeys, "no-keys", "k", false, "don't try default identity files (~/.ssh/id_*)")
	flags.BoolVarP(&flagNoAgent, "no-agent", "a", false, "don't try ssh-agent for authentication")
	flags.StringVar(&flagHide, "hide", "", "comma-separated output groups to hide (status,running,stdout,stderr,warnings,aborts)")
	flags.StringVar(&flagShow, "show", "", "comma-separated output groups to re-enable")
	flags.BoolVarP(&flagList, "list", "l", false, "list available tasks and exit")
	flags.StringVarP(&flagDisplay, "display", "d", "", "show details for one task and exit")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level: info, error, debug")
	flags.StringVar(&flagLogFormat, "log-format", "", "log format: text, json")
	flags.BoolVar(&flagQuiet, "quiet", false, "suppress non-error informational logging")
	flags.StringSliceVar(&flagSet, "set", nil, "key=value env override, may be repeated")
	flags.StringVar(&flagRoleDefs, "roledefs", "", "path to a YAML file defining roles: {role: [hosts...]}")
	flags.StringVar(&flagInventory, "inventory", "", "path to an Ansible-style YAML static inventory")
	flags.StringVar(&flagInvGroups, "inventory-groups", "", "comma-separated inventory groups to include (default: all)")
	flags.BoolVar(&flagShowStats, "stats", false, "show a live per-host progress line while a task runs")
	rootCmd.Flags().BoolP("version", "V", false, "print version and exit")
}

func run(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetBool("version"); v {
		fmt.Printf("fleetssh %s (%s)\n", version, commit)
		return nil
	}

	registry := taskfile.Demo()

	if flagList {
		for _, name := range registry.Names() {
			fmt.Println(name)
		}
		return nil
	}
	if flagDisplay != "" {
		t, ok := registry.Get(flagDisplay)
		if !ok {
			return &SetupError{Message: fmt.Sprintf("no such task: %s", flagDisplay)}
		}
		fmt.Printf("%s\n  parallel: %v\n  pool_size: %d\n  default: %v\n", t.Name, t.Parallel, t.PoolSize, t.Default)
		return nil
	}

	rootEnv := env.New()

	manager := config.NewManager()
	overrides, err := manager.Load()
	if err != nil {
		return &SetupError{Message: err.Error()}
	}
	config.Apply(rootEnv, overrides)

	if err := applyFlags(rootEnv); err != nil {
		return &SetupError{Message: err.Error()}
	}

	if flagRoleDefs != "" {
		defs, err := hosts.LoadRoleDefsYAML(flagRoleDefs)
		if err != nil {
			return &SetupError{Message: err.Error()}
		}
		rootEnv.Set("roledefs", map[string]any(defs))
	}
	if flagInventory != "" {
		extra, err := hosts.LoadInventoryYAML(flagInventory, splitCSV(flagInvGroups))
		if err != nil {
			return &SetupError{Message: err.Error()}
		}
		rootEnv.Set("hosts", append(append([]string{}, rootEnv.GetStringSlice("hosts")...), extra...))
	}

	logger := logging.NewLoggerFromConfig(rootEnv.GetString("log_level"), rootEnv.GetString("log_format"), rootEnv.GetBool("quiet"))
	multiplexer := mux.New(os.Stdout)
	applyOutputGroups(rootEnv)

	policy := failure.Policy{
		WarnOnly:        rootEnv.GetBool("warn_only"),
		AbortOnPrompts:  rootEnv.GetBool("abort_on_prompts"),
		SkipBadHosts:    rootEnv.GetBool("skip_bad_hosts"),
		SkipUnreachable: rootEnv.GetBool("skip_unreachable"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := task.NewRunner(multiplexer, logger)

	anyFailed := false
	for _, spec := range args {
		name, taskArgs, kv := parseTaskSpec(spec)
		t, ok := registry.Get(name)
		if !ok {
			return &SetupError{Message: fmt.Sprintf("no such task: %s", name)}
		}

		taskEnv := rootEnv.Fork()
		taskEnv.Set("args", taskArgs)
		taskEnv.Set("kwargs", kv)
		for k, v := range kv {
			taskEnv.Set(k, v)
		}

		multiplexer.Status(taskEnv, "Running task %q ...", t.Name)
		result, runErr := runner.Run(ctx, t, taskEnv, policy)
		for _, hr := range result.Failed() {
			anyFailed = true
			multiplexer.Warning(taskEnv, hr.HostString, "%s", hr.Err.Error())
		}
		if runErr != nil {
			var aborted *task.Aborted
			if errors.As(runErr, &aborted) {
				return &ExecutionError{Message: aborted.Cause.Error()}
			}
			return &ExecutionError{Message: runErr.Error()}
		}
	}

	if anyFailed && !policy.WarnOnly {
		return &ExecutionError{Message: "one or more hosts failed"}
	}
	return nil
}

func applyFlags(e *env.Env) error {
	if flagHosts != "" {
		e.Set("hosts", splitCSV(flagHosts))
	}
	if flagRoles != "" {
		e.Set("roles", splitCSV(flagRoles))
	}
	if flagExcludeHosts != "" {
		e.Set("exclude_hosts", splitCSV(flagExcludeHosts))
	}
	if flagUser != "" {
		e.Set("user", flagUser)
	}
	if flagPassword != "" {
		e.Set("password", flagPassword)
	}
	if flagIdentity != "" {
		e.Set("key_filename", flagIdentity)
	}
	if flagParallel {
		e.Set("parallel", true)
	}
	if flagPoolSize > 0 {
		e.Set("pool_size", flagPoolSize)
	}
	if flagTimeout > 0 {
		e.Set("timeout", flagTimeout)
	}
	if flagCmdTimeout > 0 {
		e.Set("command_timeout", flagCmdTimeout)
	}
	if flagWarnOnly {
		e.Set("warn_only", true)
	}
	if flagShell != "" {
		e.Set("shell", flagShell)
	}
	if flagGateway != "" {
		e.Set("gateway", flagGateway)
	}
	if flagNoKeys {
		e.Set("no_keys", true)
	}
	if flagNoAgent {
		e.Set("no_agent", true)
	}
	if flagLogLevel != "" {
		e.Set("log_level", flagLogLevel)
	}
	if flagLogFormat != "" {
		e.Set("log_format", flagLogFormat)
	}
	if flagQuiet {
		e.Set("quiet", true)
	}
	if flagShowStats {
		e.Set("show_stats", true)
	}

	for _, kv := range flagSet {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--set value %q must be key=value", kv)
		}
		e.Set(key, coerce(value))
	}
	return nil
}

func applyOutputGroups(e *env.Env) {
	for _, g := range splitCSV(flagHide) {
		e.Hide(env.OutputGroup(g))
	}
	for _, g := range splitCSV(flagShow) {
		e.Show(env.OutputGroup(g))
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// coerce turns a --set string value into a bool or int when it unambiguously
// looks like one, and leaves it as a string otherwise, matching how a
// task's own key=val arguments are coerced in parseTaskSpec.
func coerce(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

// parseTaskSpec parses "name:arg1,arg2,key=val" into a task name, its
// positional arguments, and its keyword overrides. A backslash escapes a
// literal comma or equals sign within an argument.
func parseTaskSpec(spec string) (name string, positional []string, kv map[string]any) {
	kv = map[string]any{}
	name, rest, hasArgs := strings.Cut(spec, ":")
	if !hasArgs {
		return name, nil, kv
	}

	for _, field := range splitUnescaped(rest, ',') {
		if key, value, isKV := cutUnescaped(field, '='); isKV {
			kv[key] = coerce(unescape(value))
		} else {
			positional = append(positional, unescape(field))
		}
	}
	return name, positional, kv
}

func splitUnescaped(s string, sep byte) []string {
	var out []string
	var current strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			current.WriteByte(s[i])
			current.WriteByte(s[i+1])
			i++
			continue
		}
		if s[i] == sep {
			out = append(out, current.String())
			current.Reset()
			continue
		}
		current.WriteByte(s[i])
	}
	out = append(out, current.String())
	return out
}

func cutUnescaped(s string, sep byte) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			continue
		}
		if s[i] == sep {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ExecutionError represents an error during task execution (exit code 1).
type ExecutionError struct{ Message string }

func (e *ExecutionError) Error() string { return e.Message }

// SetupError represents an error during setup/configuration (exit code 2).
type SetupError struct{ Message string }

func (e *SetupError) Error() string { return e.Message }

func exitCode(err error) int {
	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		return 1
	}
}

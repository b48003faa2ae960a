// Package env implements the process-wide configuration bag described by
// fleetssh's data model: a mapping from string keys to typed values, with a
// stack of scoped overlays entered via With and automatically discarded when
// the callback returns, including on panic or error.
package env

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// OutputGroup names one of the categories of output that hide/show toggles.
type OutputGroup string

const (
	GroupStatus   OutputGroup = "status"
	GroupRunning  OutputGroup = "running"
	GroupStdout   OutputGroup = "stdout"
	GroupStderr   OutputGroup = "stderr"
	GroupWarnings OutputGroup = "warnings"
	GroupUser     OutputGroup = "user"
	GroupDebug    OutputGroup = "debug"
	GroupAborts   OutputGroup = "aborts"
)

// Env is one frame of the scoped overlay stack. The zero value is not
// usable; construct one with New. Frames are immutable snapshots chained to
// a parent: entering a scope with With never mutates the caller's frame, so
// exiting a scope (by any path) restores every overridden key automatically.
type Env struct {
	parent *Env
	values map[string]any
	hidden map[OutputGroup]bool

	// promptMu serializes reads from the controlling terminal across every
	// frame descended from the same root; it is shared by pointer so
	// concurrent worker-scoped copies still contend on one lock.
	promptMu *sync.Mutex
	stdin    *bufio.Reader
	out      io.Writer
}

// New creates a root Env populated with fleetssh's documented defaults.
func New() *Env {
	e := &Env{
		values:   defaultValues(),
		hidden:   map[OutputGroup]bool{},
		promptMu: &sync.Mutex{},
		stdin:    bufio.NewReader(os.Stdin),
		out:      os.Stderr,
	}
	return e
}

func defaultValues() map[string]any {
	return map[string]any{
		"user":                 currentUser(),
		"port":                 22,
		"password":             "",
		"passwords":            map[string]string{},
		"key_filename":         "",
		"no_agent":             false,
		"no_keys":              false,
		"gateway":              "",
		"timeout":              10,
		"command_timeout":      0,
		"connection_attempts":  1,
		"keepalive":            0,
		"parallel":             false,
		"pool_size":            0,
		"warn_only":            false,
		"abort_on_prompts":     false,
		"use_sudo_password":    false,
		"sudo_prompt":          "[sudo] password: ",
		"sudo_user":            "",
		"sudo_group":           "",
		"shell":                "/bin/bash -l -c",
		"shell_env":            map[string]string{},
		"always_use_pty":       true,
		"combine_stderr":       false,
		"linewise":             false,
		"output_prefix":        true,
		"hosts":                []string{},
		"roles":                []string{},
		"exclude_hosts":        []string{},
		"roledefs":             map[string]any{},
		"skip_bad_hosts":       false,
		"skip_unreachable":     false,
		"remote_interrupt":     false,
		"reject_unknown_hosts": true,
		"disable_known_hosts":  false,
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// Get returns the value stored for key, checking this frame then each
// ancestor in turn, and whether it was found at all.
func (e *Env) Get(key string) (any, bool) {
	for f := e; f != nil; f = f.parent {
		if v, ok := f.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetString, GetBool, GetInt and GetStringSlice are typed convenience
// accessors that return the zero value when the key is absent or of a
// different type.
func (e *Env) GetString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

func (e *Env) GetBool(key string) bool {
	v, _ := e.Get(key)
	b, _ := v.(bool)
	return b
}

func (e *Env) GetInt(key string) int {
	v, _ := e.Get(key)
	i, _ := v.(int)
	return i
}

func (e *Env) GetStringSlice(key string) []string {
	v, _ := e.Get(key)
	s, _ := v.([]string)
	return s
}

func (e *Env) GetStringMap(key string) map[string]string {
	v, _ := e.Get(key)
	m, _ := v.(map[string]string)
	return m
}

// Set overwrites key in this frame only. Callers holding a child frame from
// With never affect the parent's value for key.
func (e *Env) Set(key string, value any) {
	if e.values == nil {
		e.values = map[string]any{}
	}
	e.values[key] = value
}

// With pushes a new scope overlaying kv on top of e, invokes fn with the
// child frame, and returns fn's error. The child is discarded when With
// returns by any path, so e is never mutated — by construction rather
// than by explicit restore-on-exit bookkeeping.
func (e *Env) With(kv map[string]any, fn func(*Env) error) error {
	child := &Env{
		parent:   e,
		values:   map[string]any{},
		hidden:   copyHidden(e.hidden),
		promptMu: e.promptMu,
		stdin:    e.stdin,
		out:      e.out,
	}
	for k, v := range kv {
		child.values[k] = v
	}
	return fn(child)
}

// Fork returns an independent child frame for a parallel worker: later
// mutations via Set on the fork, or scopes entered on it, never leak back
// to e or to sibling forks.
func (e *Env) Fork() *Env {
	return &Env{
		parent:   e,
		values:   map[string]any{},
		hidden:   copyHidden(e.hidden),
		promptMu: e.promptMu,
		stdin:    e.stdin,
		out:      e.out,
	}
}

func copyHidden(in map[OutputGroup]bool) map[OutputGroup]bool {
	out := make(map[OutputGroup]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Hide suppresses output for the named groups on this frame, and on frames
// later derived from it with With or Fork, until a matching Show.
func (e *Env) Hide(groups ...OutputGroup) {
	if e.hidden == nil {
		e.hidden = map[OutputGroup]bool{}
	}
	for _, g := range groups {
		e.hidden[g] = true
	}
}

// Show re-enables output for the named groups.
func (e *Env) Show(groups ...OutputGroup) {
	for _, g := range groups {
		delete(e.hidden, g)
	}
}

// Hidden reports whether group g is currently suppressed.
func (e *Env) Hidden(g OutputGroup) bool {
	return e.hidden[g]
}

// SetOutput redirects where Prompt writes its prompt text; tests use this to
// avoid touching the real terminal.
func (e *Env) SetOutput(w io.Writer) { e.out = w }

// SetInput redirects Prompt's input source; tests use this to script answers.
func (e *Env) SetInput(r io.Reader) { e.stdin = bufio.NewReader(r) }

// Validator decides whether a prompted value is acceptable; a nil Validator
// accepts anything except (for password/passphrase-shaped keys) the empty
// string, mirroring network.py's prompt_for_password re-prompt loop.
type Validator func(string) bool

// RegexValidator builds a Validator that requires the input to match pattern.
func RegexValidator(pattern string) Validator {
	re := regexp.MustCompile(pattern)
	return func(s string) bool { return re.MatchString(s) }
}

// Prompt reads one line from the controlling terminal, serialized by the
// shared prompt lock so concurrent workers never interleave prompts on one
// terminal. If key is non-empty the accepted value is also stored into the
// env under that key and returned as it was stored.
func (e *Env) Prompt(text string, key string, def string, validate Validator) (string, error) {
	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	prompt := text
	if def != "" {
		prompt = fmt.Sprintf("%s [%s] ", strings.TrimRight(text, " "), def)
	} else if !strings.HasSuffix(text, " ") {
		prompt = text + " "
	}

	requireNonEmpty := validate == nil && looksLikeSecretKey(key)

	for {
		fmt.Fprint(e.out, prompt)
		line, err := e.stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		value := strings.TrimRight(line, "\r\n")
		if value == "" && def != "" {
			value = def
		}
		if validate != nil && !validate(value) {
			fmt.Fprintln(e.out, "invalid value, please try again")
			continue
		}
		if requireNonEmpty && value == "" {
			fmt.Fprintln(e.out, "Sorry, you can't enter an empty password. Please try again.")
			continue
		}
		if key != "" {
			e.Set(key, value)
		}
		return value, nil
	}
}

func looksLikeSecretKey(key string) bool {
	k := strings.ToLower(key)
	return strings.HasSuffix(k, "password") || strings.HasSuffix(k, "passphrase")
}

// Passwords returns the host_string -> password map, keyed exactly as
// stashed by the host-string parser when a password is embedded inline.
func (e *Env) Passwords() map[string]string {
	m := e.GetStringMap("passwords")
	if m == nil {
		return map[string]string{}
	}
	return m
}

// SetPassword stashes a per-host password, copy-on-write so sibling frames
// (and the parent) are unaffected.
func (e *Env) SetPassword(hostString, password string) {
	current := e.Passwords()
	next := make(map[string]string, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[hostString] = password
	e.Set("passwords", next)
}

// Dump returns a snapshot of all visible keys, merged from the root frame
// down; Keys builds on it. Passwords are included, so callers must redact
// before printing to a user.
func (e *Env) Dump() map[string]any {
	out := map[string]any{}
	frames := []*Env{}
	for f := e; f != nil; f = f.parent {
		frames = append(frames, f)
	}
	for i := len(frames) - 1; i >= 0; i-- {
		for k, v := range frames[i].values {
			out[k] = v
		}
	}
	return out
}

// Keys returns the sorted set of keys visible from this frame.
func (e *Env) Keys() []string {
	dump := e.Dump()
	keys := make([]string, 0, len(dump))
	for k := range dump {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package chanio drives one SSH session end to end: PTY allocation, command
// construction, concurrent stdout/stderr line scanning with password/sudo
// prompt detection, command-timeout enforcement, and exit-status capture.
// With always_use_pty (the default) a command runs under a PTY so a remote
// sudo prompt is visible on the same stream as the command's own output
// rather than lost on stderr; without it no PTY is requested.
package chanio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/logging"
	"github.com/relaypath/fleetssh/internal/mux"
)

// Result is one command's outcome, independent of the failure classification
// wrapping it (a non-zero ExitCode still returns a Result alongside a
// CommandFailed *failure.Error, so callers can inspect captured output even
// on failure).
type Result struct {
	Command     string
	RealCommand string
	Stdout      string
	Stderr      string
	ExitCode    int
	Failed      bool
	Duration    time.Duration
}

// Succeeded reports whether the command exited zero. It is the positive
// counterpart of Failed, kept as its own accessor so callers reading for
// success don't have to negate.
func (r Result) Succeeded() bool {
	return !r.Failed
}

// Run opens one session on client, executes command (wrapped for sudo when
// sudo is true), and pumps its output through m until the command exits,
// command_timeout elapses, or ctx is canceled. The PTY is fixed at 80x24 and
// its size is never renegotiated: fleetssh drives commands non-interactively
// and only needs a PTY so a remote prompt is visible on the same stream as
// command output, not a full interactive terminal passthrough.
func Run(ctx context.Context, client *ssh.Client, hs hoststring.HostString, command string, sudo bool, e *env.Env, m *mux.Multiplexer, logger *logging.Logger) (Result, error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, failure.New(failure.CommandFailed, hs.String(), "open session", err)
	}
	defer session.Close()

	usePTY := e.GetBool("always_use_pty")
	if usePTY {
		modes := ssh.TerminalModes{ssh.ECHO: 0, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := session.RequestPty("xterm", 80, 24, modes); err != nil {
			return Result{}, failure.New(failure.CommandFailed, hs.String(), "pty request failed", err)
		}
	}
	// With a PTY, the remote shell's stdout and stderr share one pty device
	// and arrive interleaved on the session's stdout regardless of
	// combine_stderr; without a PTY the two channels are genuinely separate.
	combineStderr := usePTY || e.GetBool("combine_stderr")

	rawStdin, err := session.StdinPipe()
	if err != nil {
		return Result{}, failure.New(failure.CommandFailed, hs.String(), "open stdin", err)
	}
	stdin := &syncWriter{w: rawStdin}

	stdout, err := session.StdoutPipe()
	if err != nil {
		return Result{}, failure.New(failure.CommandFailed, hs.String(), "open stdout", err)
	}
	var stderr io.Reader
	if !combineStderr {
		stderr, err = session.StderrPipe()
		if err != nil {
			return Result{}, failure.New(failure.CommandFailed, hs.String(), "open stderr", err)
		}
	}

	real := buildCommand(command, sudo, e)
	if err := session.Start(real); err != nil {
		return Result{}, failure.New(failure.CommandFailed, hs.String(), "start command", err)
	}

	var outBuf, errBuf strings.Builder
	abortCh := make(chan *failure.Error, 2)
	var pumps sync.WaitGroup

	pumps.Add(1)
	go func() {
		defer pumps.Done()
		pump(hs, stdout, mux.StreamOut, e, m, logger, stdin, &outBuf, abortCh)
	}()
	if !combineStderr {
		pumps.Add(1)
		go func() {
			defer pumps.Done()
			pump(hs, stderr, mux.StreamErr, e, m, logger, stdin, &errBuf, abortCh)
		}()
	}

	waitDone := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitDone <- session.Wait()
	}()

	var timeoutCh <-chan time.Time
	if cmdTimeout := e.GetInt("command_timeout"); cmdTimeout > 0 {
		timer := time.NewTimer(time.Duration(cmdTimeout) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case ferr := <-abortCh:
		interruptOrClose(session, e)
		return Result{Command: command, RealCommand: real, Stdout: outBuf.String(), Stderr: errBuf.String(), Duration: time.Since(start)}, ferr

	case <-timeoutCh:
		interruptOrClose(session, e)
		return Result{Command: command, RealCommand: real, Stdout: outBuf.String(), Stderr: errBuf.String(), Duration: time.Since(start)},
			failure.New(failure.CommandTimeout, hs.String(), "command exceeded command_timeout", nil)

	case <-ctx.Done():
		interruptOrClose(session, e)
		return Result{Command: command, RealCommand: real, Stdout: outBuf.String(), Stderr: errBuf.String(), Duration: time.Since(start)},
			failure.New(failure.UserAbort, hs.String(), "canceled", ctx.Err())

	case werr := <-waitDone:
		exitCode := 0
		if werr != nil {
			var exitErr *ssh.ExitError
			if errors.As(werr, &exitErr) {
				exitCode = exitErr.ExitStatus()
			} else {
				return Result{Command: command, RealCommand: real, Stdout: outBuf.String(), Stderr: errBuf.String(), Duration: time.Since(start)},
					failure.New(failure.CommandFailed, hs.String(), werr.Error(), werr)
			}
		}

		result := Result{
			Command:     command,
			RealCommand: real,
			Stdout:      outBuf.String(),
			Stderr:      errBuf.String(),
			ExitCode:    exitCode,
			Failed:      exitCode != 0,
			Duration:    time.Since(start),
		}
		if logger != nil {
			logger.LogExecution(hs.String(), exitCode, result.Duration)
		}
		if exitCode != 0 {
			return result, failure.New(failure.CommandFailed, hs.String(), fmt.Sprintf("exit status %d", exitCode), nil)
		}
		return result, nil
	}
}

func interruptOrClose(session *ssh.Session, e *env.Env) {
	if e.GetBool("remote_interrupt") {
		session.Signal(ssh.SIGINT)
	}
	session.Close()
}

// syncWriter serializes writes to the session's stdin, since both the
// stdout and stderr pumps can answer a prompt on the same channel.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

var genericSecretPrompt = regexp.MustCompile(`(?i)(password|passphrase)[^:\n]*:\s*$`)

// promptDetector recognizes a partial, newline-less line as a password or
// sudo prompt so it can be answered without waiting for a newline that will
// never come.
type promptDetector struct {
	sudoPrompt string
}

func (d promptDetector) matches(line string) bool {
	if d.sudoPrompt != "" && strings.HasSuffix(strings.TrimRight(line, " "), strings.TrimRight(d.sudoPrompt, " ")) {
		return true
	}
	return genericSecretPrompt.MatchString(line)
}

func (d promptDetector) isSudo(line string) bool {
	return d.sudoPrompt != "" && strings.HasSuffix(strings.TrimRight(line, " "), strings.TrimRight(d.sudoPrompt, " "))
}

// pump reads r byte at a time, emitting complete lines to m and answering
// any password/sudo prompt it recognizes on stdin. It reports itself via
// abortCh when abort_on_prompts is set and no cached answer exists, rather
// than returning an error directly, since two pumps run concurrently and
// only one abort should be observed by Run.
func pump(hs hoststring.HostString, r io.Reader, stream mux.Stream, e *env.Env, m *mux.Multiplexer, logger *logging.Logger, stdin io.Writer, out *strings.Builder, abortCh chan<- *failure.Error) {
	reader := bufio.NewReader(r)
	detector := promptDetector{sudoPrompt: e.GetString("sudo_prompt")}
	var line strings.Builder

	flush := func(trailing bool) {
		text := line.String()
		if !trailing {
			text = strings.TrimRight(text, "\r")
		}
		out.WriteString(text)
		if !trailing {
			out.WriteString("\n")
		}
		m.Line(e, hs.String(), stream, text)
		line.Reset()
	}

	for {
		b, err := reader.ReadByte()
		if err != nil {
			if line.Len() > 0 {
				flush(true)
			}
			return
		}
		if b == '\n' {
			flush(false)
			continue
		}
		line.WriteByte(b)

		if detector.matches(line.String()) {
			if ferr := respondToPrompt(hs, line.String(), detector.isSudo(line.String()), e, m, logger, stdin); ferr != nil {
				select {
				case abortCh <- ferr:
				default:
				}
			}
			line.Reset()
		}
	}
}

// respondToPrompt answers a detected prompt from a cached password, or by
// falling back to the local controlling terminal via env.Prompt when
// abort_on_prompts is not set. A cached answer is stored per (host, kind) so
// a second prompt on the same connection never re-asks interactively.
func respondToPrompt(hs hoststring.HostString, promptText string, isSudo bool, e *env.Env, m *mux.Multiplexer, logger *logging.Logger, stdin io.Writer) *failure.Error {
	kind := "password"
	if isSudo {
		kind = "sudo_password"
	}
	cacheKey := hs.String() + ":" + kind

	answer, cached := e.Passwords()[cacheKey]
	if !cached || answer == "" {
		if e.GetBool("abort_on_prompts") {
			return failure.New(failure.PromptAborted, hs.String(), "prompt encountered with abort_on_prompts set", nil)
		}
		m.Lock()
		value, err := e.Prompt(fmt.Sprintf("[%s] %s", hs.String(), strings.TrimSpace(promptText)), "", "", nil)
		m.Unlock()
		if err != nil {
			return failure.New(failure.PromptAborted, hs.String(), "failed to read prompt response", err)
		}
		answer = value
		e.SetPassword(cacheKey, answer)
	}

	if logger != nil {
		logger.LogPrompt(hs.String(), kind)
	}
	fmt.Fprintf(stdin, "%s\n", answer)
	return nil
}

// buildCommand wraps command in env.shell, escaping it for double-quoted
// shell interpolation, and further wraps it in sudo -S -p when sudo is
// requested so any password prompt is emitted on the controlled stream
// rather than read directly from a real terminal.
func buildCommand(command string, sudo bool, e *env.Env) string {
	shell := e.GetString("shell")
	if shell == "" {
		shell = "/bin/bash -l -c"
	}

	inner := shell + " " + shellQuote(command)

	if sudo {
		prompt := e.GetString("sudo_prompt")
		parts := []string{"sudo", "-S", "-p", shellQuote(prompt)}
		if user := e.GetString("sudo_user"); user != "" {
			parts = append(parts, "-u", user)
		}
		if group := e.GetString("sudo_group"); group != "" {
			parts = append(parts, "-g", group)
		}
		parts = append(parts, inner)
		inner = strings.Join(parts, " ")
	}

	if prefix := exportPrefix(e.GetStringMap("shell_env")); prefix != "" {
		inner = prefix + inner
	}
	return inner
}

func exportPrefix(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(vars[k]))
	}
	return b.String()
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

var shellEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

func shellQuote(s string) string {
	return `"` + shellEscaper.Replace(s) + `"`
}

// Package ops implements the six per-host operations — run, sudo, local,
// put, get, and prompt — as methods on an Executor built from a connection
// cache and a channel I/O pump. put/get share one sftp.Client for both
// directions, since that single client covers upload, download, glob
// expansion, and remote directory creation.
package ops

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/relaypath/fleetssh/internal/chanio"
	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/logging"
	"github.com/relaypath/fleetssh/internal/mux"
	"github.com/relaypath/fleetssh/internal/runstats"
	"github.com/relaypath/fleetssh/internal/sshconn"
)

// TransferResult reports one put/get outcome. Failed/Err are the per-file
// counterpart of the aggregate failure list Put/Get build from these.
type TransferResult struct {
	LocalPath  string
	RemotePath string
	Bytes      int64
	Duration   time.Duration
	Failed     bool
	Err        error
}

// Executor binds the operations to one connection cache, output
// multiplexer, and logger. The task runner builds one Executor per host
// invocation, over that invocation's own Cache.
type Executor struct {
	cache  *sshconn.Cache
	mux    *mux.Multiplexer
	logger *logging.Logger
	stats  *runstats.Tracker
}

// NewExecutor builds an Executor over an existing connection cache.
func NewExecutor(cache *sshconn.Cache, m *mux.Multiplexer, logger *logging.Logger) *Executor {
	return &Executor{cache: cache, mux: m, logger: logger}
}

// SetStats attaches a run-wide statistics tracker so put/get transfers add
// their byte counts to the run's live progress display. A nil tracker (the
// default) makes every recording call a no-op.
func (x *Executor) SetStats(stats *runstats.Tracker) {
	x.stats = stats
}

// Run executes command on hs as the connecting user.
func (x *Executor) Run(ctx context.Context, hs hoststring.HostString, e *env.Env, command string) (chanio.Result, error) {
	return x.exec(ctx, hs, e, command, false)
}

// Sudo executes command on hs under sudo, per env.sudo_user/sudo_group.
func (x *Executor) Sudo(ctx context.Context, hs hoststring.HostString, e *env.Env, command string) (chanio.Result, error) {
	return x.exec(ctx, hs, e, command, true)
}

func (x *Executor) exec(ctx context.Context, hs hoststring.HostString, e *env.Env, command string, sudo bool) (chanio.Result, error) {
	stream := mux.StreamRun
	if sudo {
		stream = mux.StreamSudo
	}
	x.mux.Line(e, hs.String(), stream, command)

	client, err := x.cache.Get(ctx, hs, e)
	if err != nil {
		return chanio.Result{}, err
	}
	return chanio.Run(ctx, client, hs, command, sudo, e, x.mux, x.logger)
}

// Local runs command on the machine driving fleetssh itself, outside any
// SSH session, streaming its output through the same multiplexer under
// StreamLocal so it interleaves cleanly with remote output.
func (x *Executor) Local(ctx context.Context, e *env.Env, command string) (chanio.Result, error) {
	start := time.Now()
	x.mux.Line(e, "", mux.StreamLocal, command)

	shell := e.GetString("shell")
	if shell == "" {
		shell = "/bin/bash -l -c"
	}
	fields := strings.Fields(shell)
	args := append(append([]string{}, fields[1:]...), command)

	cmd := exec.CommandContext(ctx, fields[0], args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	runErr := cmd.Run()

	for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
		if line != "" {
			x.mux.Line(e, "", mux.StreamOut, line)
		}
	}
	for _, line := range strings.Split(strings.TrimRight(errOut.String(), "\n"), "\n") {
		if line != "" {
			x.mux.Line(e, "", mux.StreamErr, line)
		}
	}

	result := chanio.Result{
		Command:  command,
		Stdout:   out.String(),
		Stderr:   errOut.String(),
		Duration: time.Since(start),
	}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Failed = true
			return result, failure.New(failure.CommandFailed, "", fmt.Sprintf("local command exited %d", result.ExitCode), runErr)
		}
		return result, failure.New(failure.CommandFailed, "", "failed to run local command", runErr)
	}
	return result, nil
}

// Prompt asks a question on the controlling terminal, serialized against
// concurrent output through the same lock the multiplexer itself uses.
func (x *Executor) Prompt(e *env.Env, text, key, def string, validate env.Validator) (string, error) {
	x.mux.Lock()
	defer x.mux.Unlock()
	return e.Prompt(text, key, def, validate)
}

// Put uploads localPath to remotePath on hs. Local glob patterns expand to
// multiple transfers. When useSudo is set the file is staged to a temporary
// path the connecting user owns, then moved into place with sudo mv so it
// can land in a root-owned directory; intermediate remote directories are
// created as needed and the local file's mode is preserved.
func (x *Executor) Put(ctx context.Context, hs hoststring.HostString, e *env.Env, localPath, remotePath string, useSudo bool) ([]TransferResult, error) {
	matches, err := filepath.Glob(localPath)
	if err != nil || len(matches) == 0 {
		matches = []string{localPath}
	}

	client, err := x.cache.Get(ctx, hs, e)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, failure.New(failure.TransferFailed, hs.String(), "open sftp session", err)
	}
	defer sftpClient.Close()

	warnOnly := e.GetBool("warn_only")
	var results []TransferResult
	for _, local := range matches {
		res, err := x.putOne(ctx, hs, e, sftpClient, local, resolveRemoteTarget(remotePath, local), useSudo)
		var abort bool
		results, abort = appendTransferResult(results, res, err, warnOnly)
		if abort {
			return results, err
		}
	}
	return results, nil
}

// appendTransferResult records one glob match's outcome into the running
// batch and reports whether the batch should stop early. A per-file
// failure is recorded and the batch continues to the next match when
// warn_only is set; otherwise the first failure aborts the whole transfer
// for this host.
func appendTransferResult(results []TransferResult, res TransferResult, err error, warnOnly bool) ([]TransferResult, bool) {
	results = append(results, res)
	return results, err != nil && !warnOnly
}

func resolveRemoteTarget(remotePath, localPath string) string {
	if strings.HasSuffix(remotePath, "/") {
		return remotePath + filepath.Base(localPath)
	}
	return remotePath
}

func (x *Executor) putOne(ctx context.Context, hs hoststring.HostString, e *env.Env, client *sftp.Client, localPath, remotePath string, useSudo bool) (TransferResult, error) {
	start := time.Now()
	x.mux.Line(e, hs.String(), mux.StreamUpload, fmt.Sprintf("%s -> %s", localPath, remotePath))

	fail := func(reported string, msg string, cause error) (TransferResult, error) {
		ferr := failure.New(failure.TransferFailed, hs.String(), msg, cause)
		return TransferResult{LocalPath: localPath, RemotePath: reported, Duration: time.Since(start), Failed: true, Err: ferr}, ferr
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fail(remotePath, "stat local file", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fail(remotePath, "open local file", err)
	}
	defer src.Close()

	target := expandRemoteHome(client, remotePath)
	dest := target
	if useSudo {
		dest = target + ".fleetssh-upload-tmp"
	}

	if err := client.MkdirAll(filepath.Dir(dest)); err != nil {
		return fail(target, "create remote directory", err)
	}

	dst, err := client.Create(dest)
	if err != nil {
		return fail(target, "create remote file", err)
	}
	n, err := io.Copy(dst, src)
	dst.Close()
	if err != nil {
		return fail(target, "write remote file", err)
	}
	if err := client.Chmod(dest, info.Mode().Perm()); err != nil {
		return fail(target, "preserve remote file mode", err)
	}

	if useSudo {
		moveCmd := fmt.Sprintf("mkdir -p %s && mv %s %s", shellQuoteArg(filepath.Dir(target)), shellQuoteArg(dest), shellQuoteArg(target))
		if _, err := x.Sudo(ctx, hs, e, moveCmd); err != nil {
			return TransferResult{LocalPath: localPath, RemotePath: target, Duration: time.Since(start), Failed: true, Err: err}, err
		}
	}

	if x.logger != nil {
		x.logger.LogExecution(hs.String(), 0, time.Since(start))
	}
	x.stats.AddBytes(n)
	return TransferResult{LocalPath: localPath, RemotePath: target, Bytes: n, Duration: time.Since(start)}, nil
}

// Get downloads remotePath (which may be a glob pattern) from hs to
// localPath, preserving remote file mode and creating local intermediate
// directories.
func (x *Executor) Get(ctx context.Context, hs hoststring.HostString, e *env.Env, remotePath, localPath string) ([]TransferResult, error) {
	client, err := x.cache.Get(ctx, hs, e)
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, failure.New(failure.TransferFailed, hs.String(), "open sftp session", err)
	}
	defer sftpClient.Close()

	pattern := expandRemoteHome(sftpClient, remotePath)
	matches, err := sftpClient.Glob(pattern)
	if err != nil || len(matches) == 0 {
		matches = []string{pattern}
	}

	warnOnly := e.GetBool("warn_only")
	var results []TransferResult
	for _, remote := range matches {
		local := localPath
		if strings.HasSuffix(local, "/") || len(matches) > 1 {
			local = filepath.Join(localPath, filepath.Base(remote))
		}
		res, err := x.getOne(hs, e, sftpClient, remote, local)
		var abort bool
		results, abort = appendTransferResult(results, res, err, warnOnly)
		if abort {
			return results, err
		}
	}
	return results, nil
}

func (x *Executor) getOne(hs hoststring.HostString, e *env.Env, client *sftp.Client, remotePath, localPath string) (TransferResult, error) {
	start := time.Now()
	x.mux.Line(e, hs.String(), mux.StreamDownload, fmt.Sprintf("%s -> %s", remotePath, localPath))

	fail := func(msg string, cause error) (TransferResult, error) {
		ferr := failure.New(failure.TransferFailed, hs.String(), msg, cause)
		return TransferResult{LocalPath: localPath, RemotePath: remotePath, Duration: time.Since(start), Failed: true, Err: ferr}, ferr
	}

	src, err := client.Open(remotePath)
	if err != nil {
		return fail("open remote file", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fail("stat remote file", err)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fail("create local directory", err)
	}
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return fail("create local file", err)
	}
	n, err := io.Copy(dst, src)
	dst.Close()
	if err != nil {
		return fail("write local file", err)
	}

	x.stats.AddBytes(n)
	return TransferResult{LocalPath: localPath, RemotePath: remotePath, Bytes: n, Duration: time.Since(start)}, nil
}

// expandRemoteHome resolves a leading "~" against the sftp session's own
// working directory, which servers conventionally set to the login user's
// home directory.
func expandRemoteHome(client *sftp.Client, path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := client.Getwd()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return home + path[1:]
	}
	return path
}

var shellArgEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

func shellQuoteArg(s string) string {
	return `"` + shellArgEscaper.Replace(s) + `"`
}

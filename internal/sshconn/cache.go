// Package sshconn maintains one authenticated SSH client per
// (user, host, port [, gateway]), opened lazily, reused across operations,
// and closed in reverse open order by CloseAll, so a gateway closes after
// the connections tunneled through it. It layers gateway chaining,
// retries, and keepalive on top of the dial/auth/host-key sequence.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/logging"
)

// Cache is a connection cache owned by one host invocation: the task runner
// creates a fresh Cache for each host and closes it when that host's task
// body returns, so SSH clients are never shared across concurrent
// goroutines, and no connection (a gateway's included) is reused from one
// host to the next.
type Cache struct {
	mu       sync.Mutex
	clients  map[string]*ssh.Client
	order    []string
	stopKeep map[string]func()
	logger   *logging.Logger
}

// NewCache creates an empty connection cache.
func NewCache(logger *logging.Logger) *Cache {
	return &Cache{
		clients:  map[string]*ssh.Client{},
		stopKeep: map[string]func(){},
		logger:   logger,
	}
}

// Get returns a live, authenticated client for hs, opening one on cache
// miss. At most one connection is cached per key: c.mu is not held while
// dialing, so concurrent Gets for the same key may each dial, and the one
// that finishes second closes its own client and returns the cached one.
func (c *Cache) Get(ctx context.Context, hs hoststring.HostString, e *env.Env) (*ssh.Client, error) {
	gateway := e.GetString("gateway")
	if gateway == "" {
		if jump, ok := hoststring.SSHConfigProxyJump(hs.Host); ok {
			gateway = jump
		}
	}
	key := hs.CacheKey(gateway)

	c.mu.Lock()
	if client, ok := c.clients[key]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	client, err := c.dial(ctx, hs, gateway, e)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another goroutine may have raced us to a connection for the same key;
	// keep the first one and close ours to avoid leaking a socket.
	if existing, ok := c.clients[key]; ok {
		c.mu.Unlock()
		client.Close()
		return existing, nil
	}
	c.clients[key] = client
	c.order = append(c.order, key)
	if interval := e.GetInt("keepalive"); interval > 0 {
		c.stopKeep[key] = startKeepalive(client, time.Duration(interval)*time.Second)
	}
	c.mu.Unlock()

	return client, nil
}

func (c *Cache) dial(ctx context.Context, hs hoststring.HostString, gateway string, e *env.Env) (*ssh.Client, error) {
	config, err := buildConfig(hs, e)
	if err != nil {
		return nil, err
	}

	address := net.JoinHostPort(hs.Host, strconv.Itoa(hs.Port))
	attempts := e.GetInt("connection_attempts")
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		client, err := c.dialOnce(ctx, address, gateway, config, hs, e)
		if err == nil {
			return client, nil
		}

		var hostKeyErr *failure.Error
		if errors.As(err, &hostKeyErr) && hostKeyErr.Kind == failure.BadHostKey {
			return nil, err // never retried, never silently skipped
		}

		lastErr = err
		if c.logger != nil {
			c.logger.LogConnectionError(hs.String(), attempt, err)
		}
		if attempt < attempts {
			backoff := time.Duration(math.Pow(1.5, float64(attempt))*250) * time.Millisecond
			if c.logger != nil {
				c.logger.LogRetry(hs.String(), attempt, backoff)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	kind := classifyDialFailure(lastErr)
	if shouldSkipDial(kind, e) {
		return nil, &failure.SkipHost{
			HostString: hs.String(),
			Reason:     failure.New(kind, hs.String(), lastErr.Error(), lastErr),
		}
	}
	return nil, failure.New(kind, hs.String(), lastErr.Error(), lastErr)
}

// shouldSkipDial mirrors failure.Policy.Decide's per-kind gating: an
// exhausted dial is only skipped rather than aborted when the flag that
// actually governs its classified kind is set (skip_unreachable for
// Unreachable/DNSFailed, skip_bad_hosts for AuthFailed).
func shouldSkipDial(kind failure.Kind, e *env.Env) bool {
	switch kind {
	case failure.Unreachable, failure.DNSFailed:
		return e.GetBool("skip_unreachable")
	case failure.AuthFailed:
		return e.GetBool("skip_bad_hosts")
	default:
		return false
	}
}

func classifyDialFailure(err error) failure.Kind {
	// x/crypto/ssh reports exhausted client authentication only as a
	// formatted handshake error, so it is recognized by its message.
	if strings.Contains(err.Error(), "unable to authenticate") {
		return failure.AuthFailed
	}
	var fErr *failure.Error
	if errors.As(err, &fErr) {
		return fErr.Kind
	}
	return failure.Unreachable
}

func (c *Cache) dialOnce(ctx context.Context, address, gateway string, config *ssh.ClientConfig, hs hoststring.HostString, e *env.Env) (*ssh.Client, error) {
	var netConn net.Conn
	var err error

	if gateway != "" {
		gwHS, perr := hoststring.Parse(gateway, e.GetString("user"), e.GetInt("port"))
		if perr != nil {
			return nil, failure.New(failure.BadHostString, gateway, perr.Error(), perr)
		}
		gwClient, gerr := c.Get(ctx, gwHS, gatewayEnv(e))
		if gerr != nil {
			return nil, gerr
		}
		netConn, err = gwClient.Dial("tcp", address)
	} else {
		dialer := &net.Dialer{Timeout: connectTimeout(e)}
		netConn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			return nil, failure.New(failure.BadHostKey, hs.String(), err.Error(), err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", address, err)
	}

	if c.logger != nil {
		c.logger.LogConnection(hs.String(), hs.User)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// gatewayEnv strips gateway-specific overrides (a gateway is itself dialed
// directly, never through a further gateway of the leaf's env) while
// preserving auth-relevant keys.
func gatewayEnv(e *env.Env) *env.Env {
	child := e.Fork()
	child.Set("gateway", "")
	return child
}

func connectTimeout(e *env.Env) time.Duration {
	if t := e.GetInt("timeout"); t > 0 {
		return time.Duration(t) * time.Second
	}
	return 30 * time.Second
}

func buildConfig(hs hoststring.HostString, e *env.Env) (*ssh.ClientConfig, error) {
	callback, err := hostKeyCallback(e)
	if err != nil {
		return nil, err
	}

	auth, err := authMethods(hs, e)
	if err != nil {
		return nil, failure.New(failure.AuthFailed, hs.String(), err.Error(), err)
	}

	return &ssh.ClientConfig{
		User:            hs.User,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         connectTimeout(e),
	}, nil
}

// authMethods builds authentication methods in priority order: (a)
// explicit key_filename, (b) stashed/env password, (c) ssh-agent unless
// no_agent, (d) default identity files unless no_keys.
func authMethods(hs hoststring.HostString, e *env.Env) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if keyFile := e.GetString("key_filename"); keyFile != "" {
		signer, err := loadKey(keyFile)
		if err != nil {
			return nil, fmt.Errorf("key_filename %s: %w", keyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if password := resolvePassword(hs, e); password != "" {
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(passwordKeyboardInteractive(password)))
	}

	if !e.GetBool("no_agent") {
		if am := agentAuth(); am != nil {
			methods = append(methods, am)
		}
	}

	if !e.GetBool("no_keys") {
		for _, path := range defaultIdentityFiles() {
			if signer, err := loadKey(path); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no authentication methods available")
	}
	return methods, nil
}

func resolvePassword(hs hoststring.HostString, e *env.Env) string {
	if hs.Password != "" {
		return hs.Password
	}
	if pw, ok := e.Passwords()[hs.String()]; ok && pw != "" {
		return pw
	}
	return e.GetString("password")
}

func passwordKeyboardInteractive(password string) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}
}

func agentAuth() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers)
}

func loadKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(data)
}

func defaultIdentityFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	names := []string{"id_ed25519", "id_ecdsa", "id_rsa"}
	paths := make([]string, 0, len(names))
	for _, n := range names {
		paths = append(paths, filepath.Join(home, ".ssh", n))
	}
	return paths
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// hostKeyCallback builds the host-key policy: reject unknown host keys by
// default; env.reject_unknown_hosts=false accepts and records them;
// env.disable_known_hosts skips the known-hosts file entirely. A mismatched
// key is always rejected, never silently skipped.
func hostKeyCallback(e *env.Env) (ssh.HostKeyCallback, error) {
	if e.GetBool("disable_known_hosts") {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := knownHostsPath()
	inner, err := knownhosts.New(path)
	reject := e.GetBool("reject_unknown_hosts")

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err != nil {
			// No known_hosts file at all yet.
			if reject {
				return failure.New(failure.BadHostKey, hostname, "no known_hosts file and reject_unknown_hosts is set", err)
			}
			appendKnownHost(path, hostname, key)
			return nil
		}

		verr := inner(hostname, remote, key)
		if verr == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(verr, &keyErr) {
			if len(keyErr.Want) > 0 {
				return failure.New(failure.BadHostKey, hostname, "host key changed, possible man-in-the-middle", verr)
			}
			if reject {
				return failure.New(failure.BadHostKey, hostname, "unknown host key", verr)
			}
			appendKnownHost(path, hostname, key)
			return nil
		}
		return verr
	}, nil
}

func knownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/etc/ssh/ssh_known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line := knownhosts.Line([]string{hostname}, key)
	fmt.Fprintln(f, line)
}

func startKeepalive(client *ssh.Client, interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _, err := client.SendRequest("keepalive@fleetssh", true, nil)
				if err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// CloseAll closes every live connection, gateways last (they are opened
// first and hence appear first in c.order; closing in reverse-open order
// means a gateway is only closed after its dependents).
func (c *Cache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.order) - 1; i >= 0; i-- {
		key := c.order[i]
		if stop, ok := c.stopKeep[key]; ok {
			stop()
			delete(c.stopKeep, key)
		}
		if client, ok := c.clients[key]; ok {
			client.Close()
			delete(c.clients, key)
		}
	}
	c.order = nil
}

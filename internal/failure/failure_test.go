package failure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyDecideDefaults(t *testing.T) {
	policy := Policy{}
	assert.True(t, policy.Decide(BadHostString))
	assert.True(t, policy.Decide(BadHostKey))
	assert.True(t, policy.Decide(PromptAborted))
	assert.True(t, policy.Decide(CommandTimeout))
	assert.True(t, policy.Decide(UserAbort))
	assert.True(t, policy.Decide(Unreachable), "unreachable aborts unless skip_unreachable is set")
	assert.True(t, policy.Decide(AuthFailed), "auth failures abort unless skip_bad_hosts is set")
	assert.True(t, policy.Decide(CommandFailed), "command failures abort unless warn_only is set")
}

func TestPolicyDecideSkipsAndWarns(t *testing.T) {
	policy := Policy{WarnOnly: true, SkipBadHosts: true, SkipUnreachable: true}
	assert.False(t, policy.Decide(Unreachable))
	assert.False(t, policy.Decide(AuthFailed))
	assert.False(t, policy.Decide(DNSFailed))
	assert.False(t, policy.Decide(CommandFailed))
	assert.False(t, policy.Decide(TransferFailed))

	// These never become skippable regardless of policy.
	assert.True(t, policy.Decide(BadHostKey))
	assert.True(t, policy.Decide(PromptAborted))
}

func TestPolicyDecideDNSFailedFollowsSkipUnreachableNotSkipBadHosts(t *testing.T) {
	// DNSFailed sits on the unreachable row of the policy table, not the
	// auth_failed row, so only SkipUnreachable should gate it.
	skipBadHostsOnly := Policy{SkipBadHosts: true}
	assert.True(t, skipBadHostsOnly.Decide(DNSFailed))

	skipUnreachableOnly := Policy{SkipUnreachable: true}
	assert.False(t, skipUnreachableOnly.Decide(DNSFailed))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New(Unreachable, "root@h1:22", "connect failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "root@h1:22")
	assert.Contains(t, err.Error(), "unreachable")
}

func TestCollectorSummary(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.HasFailures())
	assert.Equal(t, "no failures", c.Summary())

	c.Add(New(AuthFailed, "h1", "bad password", nil))
	c.Add(New(AuthFailed, "h2", "bad password", nil))
	c.Add(New(CommandTimeout, "h3", "timed out", nil))

	assert.True(t, c.HasFailures())
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, 2, c.CountByKind(AuthFailed))
	assert.Equal(t, 1, c.CountByKind(CommandTimeout))
	assert.Len(t, c.ByKind(AuthFailed), 2)
}

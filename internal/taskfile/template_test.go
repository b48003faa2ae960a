package taskfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypath/fleetssh/internal/hoststring"
)

func TestRenderCommandSubstitutesHostFields(t *testing.T) {
	hs, err := hoststring.Parse("deploy@web1:22", "root", 22)
	require.NoError(t, err)

	cmd, err := RenderCommand("echo hello {{.User}}@{{.Host}}", hs, nil)
	require.NoError(t, err)
	assert.Equal(t, "echo hello deploy@web1", cmd)
}

func TestRenderCommandSubstitutesArgs(t *testing.T) {
	hs, err := hoststring.Parse("web1", "root", 22)
	require.NoError(t, err)

	cmd, err := RenderCommand("systemctl restart {{.Args.service}}", hs, map[string]any{"service": "nginx"})
	require.NoError(t, err)
	assert.Equal(t, "systemctl restart nginx", cmd)
}

func TestRenderCommandAppliesTitleFunc(t *testing.T) {
	hs, err := hoststring.Parse("web1", "root", 22)
	require.NoError(t, err)

	cmd, err := RenderCommand("{{.Args.env | title}}", hs, map[string]any{"env": "production"})
	require.NoError(t, err)
	assert.Equal(t, "Production", cmd)
}

func TestRenderCommandRejectsBadTemplate(t *testing.T) {
	hs, err := hoststring.Parse("web1", "root", 22)
	require.NoError(t, err)

	_, err = RenderCommand("{{.Args.missing", hs, nil)
	assert.Error(t, err)
}

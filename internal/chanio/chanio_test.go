package chanio

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypath/fleetssh/internal/env"
	"github.com/relaypath/fleetssh/internal/failure"
	"github.com/relaypath/fleetssh/internal/hoststring"
	"github.com/relaypath/fleetssh/internal/mux"
)

func TestBuildCommandWrapsInShell(t *testing.T) {
	e := env.New()
	e.Set("shell", "/bin/sh -c")
	got := buildCommand("echo hi", false, e)
	assert.Equal(t, `/bin/sh -c "echo hi"`, got)
}

func TestBuildCommandEscapesShellMetacharacters(t *testing.T) {
	e := env.New()
	e.Set("shell", "/bin/sh -c")
	got := buildCommand(`echo "$HOME"`, false, e)
	assert.Equal(t, `/bin/sh -c "echo \"\$HOME\""`, got)
}

func TestBuildCommandWrapsSudo(t *testing.T) {
	e := env.New()
	e.Set("shell", "/bin/sh -c")
	e.Set("sudo_prompt", "sudo password:")
	e.Set("sudo_user", "deploy")
	got := buildCommand("restart", true, e)
	assert.Equal(t, `sudo -S -p "sudo password:" -u deploy /bin/sh -c "restart"`, got)
}

func TestBuildCommandPrependsShellEnv(t *testing.T) {
	e := env.New()
	e.Set("shell", "/bin/sh -c")
	e.Set("shell_env", map[string]string{"B": "2", "A": "1"})
	got := buildCommand("run", false, e)
	assert.Equal(t, `export A="1"; export B="2"; /bin/sh -c "run"`, got)
}

func TestPromptDetectorMatchesGenericPassword(t *testing.T) {
	d := promptDetector{}
	assert.True(t, d.matches("Password: "))
	assert.True(t, d.matches("Enter passphrase for key: "))
	assert.False(t, d.matches("just some regular output"))
}

func TestPromptDetectorMatchesConfiguredSudoPrompt(t *testing.T) {
	d := promptDetector{sudoPrompt: "[sudo] password for deploy: "}
	assert.True(t, d.matches("[sudo] password for deploy: "))
	assert.True(t, d.isSudo("[sudo] password for deploy: "))
}

func TestResultSucceededIsInverseOfFailed(t *testing.T) {
	ok := Result{Command: "uname -s", RealCommand: `/bin/bash -l -c "uname -s"`, ExitCode: 0, Failed: false}
	assert.True(t, ok.Succeeded())
	assert.Equal(t, "uname -s", ok.Command)
	assert.Equal(t, `/bin/bash -l -c "uname -s"`, ok.RealCommand)

	bad := Result{Command: "false", ExitCode: 1, Failed: true}
	assert.False(t, bad.Succeeded())
}

func TestPumpAnswersDetectedPromptFromCache(t *testing.T) {
	hs, err := hoststring.Parse("root@h1", "root", 22)
	require.NoError(t, err)

	e := env.New()
	e.SetOutput(io.Discard)
	e.SetPassword(hs.String()+":password", "hunter2")

	var stdin strings.Builder
	var out strings.Builder

	reader := strings.NewReader("Password: ")
	pump(hs, reader, mux.StreamOut, e, mux.New(io.Discard), nil, &stdin, &out, make(chan *failure.Error, 1))

	assert.Equal(t, "hunter2\n", stdin.String())
}

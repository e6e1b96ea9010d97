//go:build linux

package launcher

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandDiesWithParent(t *testing.T) {
	b := &Binary{Path: "near-sandbox"}

	cmd := b.command(b.RunArgv("/tmp/home", 3030, 24567), []string{"PATH=/bin"})

	require.NotNil(t, cmd.SysProcAttr)
	assert.Equal(t, syscall.SIGKILL, cmd.SysProcAttr.Pdeathsig)
	assert.Equal(t, []string{"PATH=/bin"}, cmd.Env)
}

package version

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()

	require.NotNil(t, cmd)

	assert.Equal(t, "version", cmd.Use)
	assert.Equal(t, []string{"v"}, cmd.Aliases)
	assert.False(t, cmd.HasFlags())
	assert.NotNil(t, cmd.Run)
	assert.Nil(t, cmd.RunE)
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)

	assert.Contains(t, buf.String(), "aetherbridge dev")
	assert.Contains(t, buf.String(), "Go: "+runtime.Version())
}

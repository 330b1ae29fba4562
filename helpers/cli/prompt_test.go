package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLines(t *testing.T) {
	t.Parallel()

	var lines []string
	err := ExecLines(strings.NewReader("dock\n\n  start kitchen  \r\nquit"), func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dock", "start kitchen", "quit"}, lines)
}

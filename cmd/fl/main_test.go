package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition(t *testing.T) {
	pos, err := parsePosition("-9.1, 38.7")
	require.NoError(t, err)
	assert.Equal(t, []float64{-9.1, 38.7}, pos)

	_, err = parsePosition("1")
	assert.Error(t, err)
	_, err = parsePosition("a,b")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"OP1", "OP2"}, splitList(" OP1, ,OP2,"))
	assert.Nil(t, splitList(""))
}

func TestCommandTree(t *testing.T) {
	registerCommands()
	for _, path := range [][]string{
		{"worksheet", "import"},
		{"operator", "eligible"},
		{"exec", "assign"},
		{"exec", "track"},
		{"log", "tail"},
		{"config", "init"},
		{"serve"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

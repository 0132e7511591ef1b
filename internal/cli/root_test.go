package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "weave", cmd.Use)
	assert.Contains(t, cmd.Long, "collaborative editing")
}

func TestCommandPresence(t *testing.T) {
	commands := [][]string{
		{"serve"},
		{"replay"},
		{"scenario"},
		{"versions", "list"},
		{"versions", "show"},
		{"versions", "compare"},
		{"versions", "restore"},
		{"versions", "save"},
	}
	for _, path := range commands {
		t.Run(path[len(path)-1], func(t *testing.T) {
			sub := subcommand(t, path...)
			assert.Equal(t, path[len(path)-1], sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestStoreFlags(t *testing.T) {
	for _, path := range [][]string{{"replay"}, {"versions", "list"}, {"versions", "restore"}} {
		sub := subcommand(t, path...)
		assert.NotNil(t, sub.Flags().Lookup("db"), "%v --db", path)
		assert.NotNil(t, sub.Flags().Lookup("pg-url"), "%v --pg-url", path)
	}
	assert.NotNil(t, subcommand(t, "versions", "save").Flags().Lookup("label"))
	assert.Equal(t, "cli", subcommand(t, "versions", "restore").Flags().Lookup("author").DefValue)
}

func TestFormatValidationIntegration(t *testing.T) {
	_, err := execute(t, "--format", "xml", "scenario", ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStoreFlagsAreExclusive(t *testing.T) {
	_, err := execute(t, "replay", "--db", "a.db", "--pg-url", "postgres://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none of the others can be")

	_, err = execute(t, "replay")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of the flags")
}

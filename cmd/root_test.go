package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"resolve", "validate", "serve", "solutions"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "supplytree", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestResolveCommand_Flags(t *testing.T) {
	for _, name := range []string{"design", "facilities", "output", "save", "tag", "force-all-layers", "min-confidence", "max-depth"} {
		assert.NotNil(t, resolveCmd.Flags().Lookup(name), "resolve command should have --%s flag", name)
	}

	ttl := resolveCmd.Flags().Lookup("ttl-days")
	require.NotNil(t, ttl)
	assert.Equal(t, "-1", ttl.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestSolutionsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range solutionsCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"list", "show", "extend", "cleanup", "delete"} {
		assert.True(t, names[name], "expected solutions subcommand %q not found", name)
	}
}

func TestSolutionsListCommand_Flags(t *testing.T) {
	limit := solutionsListCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "50", limit.DefValue)

	for _, name := range []string{"tag", "design", "min-score", "include-stale", "only-stale"} {
		assert.NotNil(t, solutionsListCmd.Flags().Lookup(name), "list should have --%s flag", name)
	}
}

func TestSolutionsCleanupCommand_Flags(t *testing.T) {
	assert.NotNil(t, solutionsCleanupCmd.Flags().Lookup("max-age-days"))
	assert.NotNil(t, solutionsCleanupCmd.Flags().Lookup("dry-run"))
}

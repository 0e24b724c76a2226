package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand(&cli{})

	require.NotNil(t, cmd)
	assert.Equal(t, "cvmdeploy", cmd.Use)
	assert.Equal(t, "Deploy a workload to a Phala confidential VM", cmd.Short)
	assert.True(t, cmd.SilenceUsage)
	assert.True(t, cmd.SilenceErrors)
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := newRootCommand(&cli{})

	expectedSubcommands := []string{
		"deploy",
		"status",
		"attest",
		"network",
		"delete",
		"list",
		"render",
		"history",
		"version",
	}

	subcommands := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		subcommands[sub.Name()] = true
	}

	for _, expected := range expectedSubcommands {
		assert.True(t, subcommands[expected], "Expected subcommand %s not found", expected)
	}
	assert.Len(t, cmd.Commands(), len(expectedSubcommands))
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	cmd := newRootCommand(&cli{})

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "", flag.DefValue)
}

func TestDeployCommand_Flags(t *testing.T) {
	cmd := newDeployCommand(&cli{})

	assert.Equal(t, "deploy", cmd.Use)
	assert.Contains(t, cmd.Long, "Delete an existing CVM first")
	for _, name := range []string{"name", "model", "no-journal"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "false", cmd.Flags().Lookup("no-journal").DefValue)
}

func TestInstanceCommands_RequireOneID(t *testing.T) {
	c := &cli{}
	commands := []struct {
		name string
		args func() error
	}{
		{"status", func() error { return newStatusCommand(c).Args(nil, nil) }},
		{"attest", func() error { return newAttestCommand(c).Args(nil, nil) }},
		{"network", func() error { return newNetworkCommand(c).Args(nil, nil) }},
		{"delete", func() error { return newDeleteCommand(c).Args(nil, nil) }},
	}
	for _, tt := range commands {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.args())
		})
	}
}

func TestDeleteCommand_LongDescription(t *testing.T) {
	cmd := newDeleteCommand(&cli{})

	assert.Equal(t, "delete <cvm-id>", cmd.Use)
	assert.Contains(t, cmd.Long, "WARNING")
}

func TestHistoryCommand_LimitFlag(t *testing.T) {
	cmd := newHistoryCommand(&cli{})

	flag := cmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "n", flag.Shorthand)
	assert.Equal(t, "20", flag.DefValue)
	assert.NoError(t, cmd.Args(cmd, []string{"abc"}))
	assert.Error(t, cmd.Args(cmd, []string{"a", "b"}))
}

func TestVersionCommand_SkipsConfig(t *testing.T) {
	cmd := newVersionCommand(&cli{})

	require.NotNil(t, cmd.PersistentPreRunE)
	assert.NoError(t, cmd.PersistentPreRunE(cmd, nil))
}

package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	mcp "github.com/MegaGrindStone/go-mcp-server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "mcpd", rootCmd.Use)

	for _, name := range []string{"version", "serve", "config"} {
		found := false
		for _, cmd := range rootCmd.Commands() {
			if cmd.Name() == name {
				found = true
				break
			}
		}
		assert.True(t, found, "expected subcommand %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	buf := new(bytes.Buffer)
	versionCmd.SetOut(buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, buf.String(), "mcpd version dev")
}

func TestConfigCommandAppliesFlags(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"config", "--store", "sqlite", "--dsn", "mcpd.db", "--transport", "stdio"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()

	require.NoError(t, rootCmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "driver: sqlite")
	assert.Contains(t, out, "dsn: mcpd.db")
	assert.Contains(t, out, "transport: stdio")
}

func TestStaticTokens(t *testing.T) {
	validate := staticTokens([]string{"alpha", "beta"})

	id, err := validate(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, mcp.Identity{Subject: "token-1"}, id)

	_, err = validate(context.Background(), "gamma")
	assert.Error(t, err)

	_, err = validate(context.Background(), strings.Repeat("a", 5))
	assert.Error(t, err)
}

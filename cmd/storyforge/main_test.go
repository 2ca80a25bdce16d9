package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findCmd(name string) *cobra.Command {
	for _, c := range rootCmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range []string{"init", "submit", "status", "resume", "reset", "reset-failed", "serve", "events"} {
		c := findCmd(name)
		require.NotNil(t, c, name)
		assert.NotEmpty(t, c.Short, name)
	}
}

func TestFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("dir"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, findCmd("submit").Flags().Lookup("force"))
	assert.NotNil(t, findCmd("status").Flags().Lookup("json"))
	assert.NotNil(t, findCmd("resume").Flags().Lookup("max-iterations"))
	assert.NotNil(t, findCmd("resume").Flags().Lookup("workers"))
	assert.NotNil(t, findCmd("serve").Flags().Lookup("addr"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		submitForce, statusJSON = false, false
		resumeMaxIter, resumeWorkers = 0, 0
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestInitSubmitStatus(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".storyforge")
	t.Setenv("STORYFORGE_LOGGING_LEVEL", "error")

	out, err := execute(t, "--dir", dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "config.yaml")
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))

	out, err = execute(t, "--dir", dir, "submit", "Fix typo in README")
	require.NoError(t, err)
	assert.Contains(t, out, "1 stories")

	// Nothing is in progress, so a second submit replaces the graph.
	out, err = execute(t, "--dir", dir, "submit", "Fix another typo")
	require.NoError(t, err)
	assert.Contains(t, out, "1 stories")

	out, err = execute(t, "--dir", dir, "status", "--json")
	require.NoError(t, err)
	var report map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 1.0, report["summary"].(map[string]any)["total"])

	_, err = execute(t, "--dir", dir, "reset", "US-404")
	assert.Error(t, err)
}

func TestSubmitSpecFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".storyforge")
	t.Setenv("STORYFORGE_LOGGING_LEVEL", "error")
	path := filepath.Join(t.TempDir(), "spec.md")
	spec := `# Shop

## Requirements

1.1 Users must be able to register
1.2 Users can log in with their password
1.3 Users can reset a forgotten password
2.1 Admins can list all orders
`
	require.NoError(t, os.WriteFile(path, []byte(spec), 0644))

	out, err := execute(t, "--dir", dir, "submit", "@"+path)
	require.NoError(t, err)
	assert.Contains(t, out, "Graph ")
	assert.Contains(t, out, "for Shop: 4 stories (parsed spec")
}

func TestResumeRequiresCollaborators(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".storyforge")
	_, err := execute(t, "--dir", dir, "resume")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collaborators.generator")
}

func TestEventsCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".storyforge")
	out, err := execute(t, "--dir", dir, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "No events recorded.")

	require.NoError(t, os.MkdirAll(dir, 0755))
	journal := `{"type":"story_claimed","timestamp":"2026-01-01T00:00:00Z","data":{"story_id":"US-001"}}
{"type":"story_completed","timestamp":"2026-01-01T00:01:00Z","data":{"story_id":"US-001"}}
{"type":"story_claimed","timestamp":"2026-01-01T00:02:00Z","data":{"story_id":"US-002"}}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, journalFile), []byte(journal), 0644))

	out, err = execute(t, "--dir", dir, "events", "--type", "story_claimed", "--tail", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "US-002")
	assert.NotContains(t, out, "US-001")
	eventsTail, eventsType = 50, ""
}

func TestReadIdea(t *testing.T) {
	idea, err := readIdea([]string{"build", "a", "shop"})
	require.NoError(t, err)
	assert.Equal(t, "build a shop", idea)

	path := filepath.Join(t.TempDir(), "idea.md")
	require.NoError(t, os.WriteFile(path, []byte("# Shop\n- cart"), 0644))
	idea, err = readIdea([]string{"@" + path})
	require.NoError(t, err)
	assert.Equal(t, "# Shop\n- cart", idea)

	_, err = readIdea([]string{"@/nonexistent/idea.md"})
	assert.Error(t, err)
}

//go:build unix

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/history"
	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/testutil"
)

// A subprocess run records its worker output as a transcript, retrievable
// through the history store afterwards.
func TestRun_SubprocessSavesTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	body := "#!/bin/sh\necho 'working on it'\necho '" + testutil.CompletionLine("done") + "'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0755))

	cfg := config.NewSubprocessConfig(script)
	cfg.HistoryDir = t.TempDir()

	require.NoError(t, run(cfg, logging.Discard(), "", "", true))

	store, err := history.NewStore(cfg.HistoryDir)
	require.NoError(t, err)
	res := store.List(history.ListOptions{})
	require.Equal(t, 1, res.Total)
	require.True(t, res.Entries[0].HasTranscript)

	transcript, err := store.GetTranscript(res.Entries[0].RunID)
	require.NoError(t, err)
	require.Contains(t, string(transcript), "working on it")
}

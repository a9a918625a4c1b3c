package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/specdraft/serve"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_EmptyPath_ReturnsDefaults(t *testing.T) {
	// WHEN no config path is given
	cfg, err := loadConfig("")

	// THEN the defaults are returned
	require.NoError(t, err)
	assert.Equal(t, serve.DefaultEngineConfig(), *cfg)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   func(t *testing.T) string
		errMsg string
	}{
		{
			name:   "missing file",
			path:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing.yaml") },
			errMsg: "reading engine config",
		},
		{
			name:   "unknown field",
			path:   func(t *testing.T) string { return writeConfig(t, "draft_len: 3\n") },
			errMsg: "parsing engine config",
		},
		{
			name:   "invalid value",
			path:   func(t *testing.T) string { return writeConfig(t, "spec_draft_length: 0\n") },
			errMsg: "invalid engine config",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN a bad config path
			path := tc.path(t)

			// WHEN it is loaded
			_, err := loadConfig(path)

			// THEN the failing stage is named
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestValidateCmd_PrintsSummary(t *testing.T) {
	// GIVEN a config with three models
	path := writeConfig(t, `
models:
  - {name: verifier, vocab_size: 64, num_pages: 128, seed: 1}
  - {name: small, vocab_size: 64, num_pages: 128, seed: 2}
  - {name: tiny, vocab_size: 64, num_pages: 128, seed: 3}
max_num_sequence: 4
spec_draft_length: 3
`)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate", "--config", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		configPath = ""
	})

	// WHEN the validate subcommand runs
	err := rootCmd.Execute()

	// THEN the model count and derived workspace capacity are printed
	require.NoError(t, err)
	assert.Equal(t, "config OK: 3 models, workspace capacity 24\n", out.String())
}

func TestRunCmd_FlagDefaults_MatchDefaultWorkload(t *testing.T) {
	// GIVEN the registered run flags
	flags := runCmd.Flags()

	// THEN each workload default is exposed on the CLI
	for name, want := range map[string]string{
		"requests":      "8",
		"prompt-tokens": "64",
		"shared-prefix": "32",
		"output-tokens": "32",
		"warmup-tokens": "2",
		"accept-rate":   "0.7",
		"ticks":         "10000",
		"trace-level":   "none",
	} {
		f := flags.Lookup(name)
		require.NotNil(t, f, "flag --%s", name)
		assert.Equal(t, want, f.DefValue, "flag --%s", name)
	}
}

func TestWriteMetrics_WritesJSON(t *testing.T) {
	// GIVEN metrics with counters set
	m := serve.NewEngineMetrics()
	m.NumDraftTokens = 12
	m.NumPreemptions = 1
	path := filepath.Join(t.TempDir(), "metrics.json")

	// WHEN written
	require.NoError(t, writeMetrics(m, path))

	// THEN the file carries the counters under their JSON names
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"num_draft_tokens": 12`)
	assert.Contains(t, string(data), `"num_preemptions": 1`)
}

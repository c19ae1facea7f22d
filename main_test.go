package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd(viper.New())
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["merge-failures"])
	assert.True(t, names["convert"])

	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	flag := run.Flags().Lookup("start-chunk")
	require.NotNil(t, flag)
	assert.Equal(t, "-1", flag.DefValue)
}

func TestPromptDecider(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out strings.Builder
		decide := promptDecider(strings.NewReader(tt.input), &out)
		got, err := decide(context.Background(), 4)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Contains(t, out.String(), "4 points failed permanently")
	}
}

func TestConvertCommand(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "buildings.json")
	out := filepath.Join(dir, "buildings_array.json")
	require.NoError(t, os.WriteFile(in, []byte("{\"id\":1}\n{\"id\":2}\n"), 0644))

	root := newRootCmd(viper.New())
	root.SetArgs([]string{"convert", "--in", in, "--out", out})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1},{"id":2}]`, string(data))
}

func TestMergeFailuresCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "intermediate_failures_batch0_pass1.csv"), []byte("Lat,Long,Failure Count\n1,2,1\n"), 0644))
	out := filepath.Join(dir, "failures.csv")

	root := newRootCmd(viper.New())
	root.SetArgs([]string{"merge-failures", "--dir", dir, "--out", out})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Lat,Long,Failure Count\n1,2,1\n", string(data))
}

func TestRunCommandEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		fmt.Fprintf(w, `{"value":[{"id":%q}]}`, filter)
	}))
	defer server.Close()

	dir := t.TempDir()
	input := filepath.Join(dir, "points.csv")
	require.NoError(t, os.WriteFile(input, []byte("Lat,Long\n35.1,51.1\n35.2,51.2\n35.3,51.3\n"), 0644))

	cfgFile := filepath.Join(dir, "harvest.yaml")
	cfg := fmt.Sprintf(`
input:
  path: %s
pipeline:
  chunk_size: 2
  concurrency: 2
fetch:
  endpoint: %s
sink:
  path: %s
state:
  checkpoint_path: %s
failures:
  dir: %s
`, input, server.URL, filepath.Join(dir, "buildings.json"), filepath.Join(dir, "checkpoint.txt"), dir)
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0644))

	root := newRootCmd(viper.New())
	root.SetArgs([]string{"run", "--config", cfgFile, "--log-level", "warn"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "buildings.json"))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))

	checkpoint, err := os.ReadFile(filepath.Join(dir, "checkpoint.txt"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(checkpoint))

	report, err := os.ReadFile(filepath.Join(dir, "final_failed_rows.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Lat,Long,Failure Count\n", string(report))
}

func TestRunCommandRequiresInput(t *testing.T) {
	root := newRootCmd(viper.New())
	root.SetArgs([]string{"run", "--log-level", "error"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input.path")
}

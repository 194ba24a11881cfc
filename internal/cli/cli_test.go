package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usimatch/pkg/analysis"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlayHumanVsHuman(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	body := `{"sente":{"role":"human","main_ms":60000},"gote":{"role":"human","main_ms":60000},"log_level":"error"}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	stdin := strings.Join([]string{
		"move 7g7f",
		"start",
		"move 7g7f",
		"move 3c3d",
		"move 3c3d",
		"status",
		"resign",
		"bogus",
		"quit",
	}, "\n")
	out, err := execute(t, stdin, "play", "--config", cfgPath)
	require.NoError(t, err)

	assert.Contains(t, out, "error: match is not running")
	assert.Contains(t, out, "1. sente 7g7f")
	assert.Contains(t, out, "2. gote 3c3d")
	assert.Contains(t, out, "ply=2 turn=sente")
	assert.Contains(t, out, "match ended: resign, gote wins")
	assert.Contains(t, out, `unknown command "bogus"`)
	assert.Equal(t, 1, strings.Count(out, "3c3d\n"), "the rejected second 3c3d is not played")
}

func TestPlayRequiresConfig(t *testing.T) {
	_, err := execute(t, "", "play", "--config", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.parquet")
	rows := make(chan analysis.Row, 3)
	rows <- analysis.Row{GameID: "g1", Ply: 1, ScoreType: "cp", ScoreValue: 120}
	rows <- analysis.Row{GameID: "g1", Ply: 2, ScoreType: "cp", ScoreValue: 650}
	rows <- analysis.Row{GameID: "g1", Ply: 3, ScoreType: "cp", ScoreValue: -80}
	close(rows)
	require.NoError(t, analysis.WriteParquet(path, rows, 1))

	out, err := execute(t, "", "report", path, "--thresholds", "500, 1000")
	require.NoError(t, err)
	assert.Equal(t,
		"game_id,analyzed,missing,t500_ply,t500_side,t1000_ply,t1000_side\n"+
			"g1,3,0,2,sente,0,none\n",
		out)
}

func TestReportRejectsBadThresholds(t *testing.T) {
	_, err := execute(t, "", "report", "x.parquet", "--thresholds", "a,b")
	assert.ErrorContains(t, err, `threshold "a"`)
	_, err = execute(t, "", "report", "x.parquet", "--thresholds", " ")
	assert.ErrorContains(t, err, "non-empty")
}

func TestAnalyzeRequiresEngine(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: error\n"), 0o644))
	_, err := execute(t, "", "analyze", dir, "--config", cfgPath)
	assert.ErrorContains(t, err, "analysis.engine is required")
}

func TestParseIntList(t *testing.T) {
	got, err := parseIntList(" 100, ,200,")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, got)
}

package usi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineBestMove(t *testing.T) {
	ev, err := ParseLine("bestmove 7g7f ponder 3c3d")
	require.NoError(t, err)
	assert.Equal(t, EventBestMove, ev.Type)
	assert.Equal(t, "7g7f", ev.Move)
	assert.Equal(t, "3c3d", ev.Ponder)

	_, err = ParseLine("bestmove")
	assert.Error(t, err)

	_, err = ParseLine("   ")
	assert.Error(t, err)
}

func TestParseLineInfo(t *testing.T) {
	ev, err := ParseLine("info depth 12 seldepth 20 score cp -35 nodes 123456 nps 999 time 150 hashfull 12 multipv 1 pv 7g7f 3c3d 2g2f")
	require.NoError(t, err)
	require.Equal(t, EventInfo, ev.Type)
	info := ev.Info
	assert.Equal(t, 12, info.Depth)
	assert.Equal(t, 20, info.SelDepth)
	assert.Equal(t, int64(123456), info.Nodes)
	assert.Equal(t, int64(999), info.NPS)
	assert.Equal(t, int64(150), info.TimeMs)
	assert.Equal(t, 12, info.Hashfull)
	assert.Equal(t, 1, info.MultiPV)
	assert.True(t, info.HasScore)
	assert.Equal(t, Score{Kind: "cp", Value: -35}, info.Score)
	assert.Equal(t, []string{"7g7f", "3c3d", "2g2f"}, info.PV)
}

func TestParseLineInfoMateSign(t *testing.T) {
	ev, err := ParseLine("info depth 5 score mate + pv 5a4b")
	require.NoError(t, err)
	assert.Equal(t, Score{Kind: "mate", Value: 1}, ev.Info.Score)

	ev, err = ParseLine("info depth 5 score mate -3 pv 5a4b")
	require.NoError(t, err)
	assert.Equal(t, Score{Kind: "mate", Value: -3}, ev.Info.Score)

	ev, err = ParseLine("info string hello engine world")
	require.NoError(t, err)
	assert.False(t, ev.Info.HasScore)
	assert.Equal(t, "hello engine world", ev.Info.String)
}

func TestParseLineHandshake(t *testing.T) {
	ev, err := ParseLine("id name Suisho 5")
	require.NoError(t, err)
	assert.Equal(t, EventID, ev.Type)
	assert.Equal(t, "name", ev.Key)
	assert.Equal(t, "Suisho 5", ev.Value)

	ev, err = ParseLine("usiok")
	require.NoError(t, err)
	assert.Equal(t, EventUSIOK, ev.Type)

	ev, err = ParseLine("readyok")
	require.NoError(t, err)
	assert.Equal(t, EventReadyOK, ev.Type)

	ev, err = ParseLine("option name USI_Hash type spin default 256")
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Type)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindResign, Classify("resign"))
	assert.Equal(t, KindWin, Classify("win"))
	assert.Equal(t, KindNoMove, Classify("none"))
	assert.Equal(t, KindNoMove, Classify("(none)"))
	assert.Equal(t, KindMove, Classify("7g7f"))
	assert.Equal(t, KindMove, Classify("P*5e"))
}

func TestLimitsCommand(t *testing.T) {
	cases := []struct {
		name   string
		limits Limits
		want   string
	}{
		{"empty", Limits{}, "go infinite"},
		{"infinite", Limits{Infinite: true, Depth: 4}, "go infinite"},
		{"byoyomi", Limits{BlackTimeMs: 60000, WhiteTimeMs: 30000, ByoyomiMs: 10000}, "go btime 60000 wtime 30000 byoyomi 10000"},
		{"fischer", Limits{BlackTimeMs: 1000, WhiteTimeMs: 2000, BlackIncMs: 5, WhiteIncMs: 6}, "go btime 1000 wtime 2000 binc 5 winc 6"},
		{"movetime", Limits{MoveTimeMs: 500, Depth: 10}, "go movetime 500 depth 10"},
		{"nodes", Limits{Nodes: 10000}, "go nodes 10000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.limits.Command())
		})
	}
}

func TestPositionCommand(t *testing.T) {
	assert.Equal(t, "position startpos", PositionCommand("startpos", nil))
	assert.Equal(t, "position startpos moves 7g7f 3c3d", PositionCommand("", []string{"7g7f", "3c3d"}))
	sfen := "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1"
	assert.Equal(t, "position sfen "+sfen, PositionCommand(sfen, nil))
	assert.Equal(t, "position sfen "+sfen+" moves 2g2f", PositionCommand("sfen "+sfen, []string{"2g2f"}))
}

func TestReaderSkipsNothingButReportsEOF(t *testing.T) {
	r := NewReader(strings.NewReader("usiok\nbestmove resign\n"))
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, EventUSIOK, ev.Type)
	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindResign, Classify(ev.Move))
	_, err = r.Next()
	assert.Error(t, err)
}

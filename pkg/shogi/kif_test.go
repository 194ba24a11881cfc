package shogi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
)

const sampleKIF = `# ---- sample ----
開始日時：2024/01/01 10:00:00
手合割：平手
先手：alice(1800)
後手：bob
手数----指手---------消費時間--
   1 ２六歩(27)   ( 0:01/00:00:01)
   2 ８四歩(83)   ( 0:01/00:00:01)
   3 ２五歩(26)   ( 0:01/00:00:02)
   4 ８五歩(84)   ( 0:01/00:00:02)
   5 ７八金(69)   ( 0:01/00:00:03)
   6 ３二金(41)   ( 0:01/00:00:03)
   7 ２四歩(25)   ( 0:01/00:00:04)
   8 同　歩(23)   ( 0:01/00:00:04)
   9 同　飛(28)   ( 0:01/00:00:05)
  10 ５二玉(51)   ( 0:01/00:00:05)
  11 ２二飛成(24)   ( 0:01/00:00:06)
  12 同　銀(31)   ( 0:01/00:00:06)
  13 ５五角打   ( 0:01/00:00:07)
  14 投了   ( 0:01/00:00:07)
`

func TestParseKIF(t *testing.T) {
	game, err := ParseKIF([]byte(sampleKIF))
	require.NoError(t, err)
	assert.Equal(t, "startpos", game.Start)
	assert.Equal(t, []string{
		"2g2f", "8c8d", "2f2e", "8d8e", "6i7h", "4a3b", "2e2d",
		"2c2d", "2h2d", "5a5b", "2d2b+", "3a2b", "B*5e",
	}, game.Moves)
	assert.Equal(t, Players{SenteName: "alice", SenteRating: 1800, GoteName: "bob"}, game.Players)
	assert.Equal(t, "sente_win", game.Result)
	assert.Equal(t, "投了", game.Reason)
	assert.False(t, game.FoulEnd)

	_, err = Replay(game.Start, game.Moves)
	require.NoError(t, err)
}

func TestParseKIFShiftJIS(t *testing.T) {
	encoded, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte(sampleKIF))
	require.NoError(t, err)
	game, err := ParseKIF(encoded)
	require.NoError(t, err)
	assert.Len(t, game.Moves, 13)
	assert.Equal(t, "alice", game.Players.SenteName)
}

func TestParseKIFPromotedPieceMoves(t *testing.T) {
	move, _, err := parseKIFMoveToken("２二成銀(33)", nil)
	require.NoError(t, err)
	assert.Equal(t, "3c2b", move)

	move, _, err = parseKIFMoveToken("２二銀成(33)", nil)
	require.NoError(t, err)
	assert.Equal(t, "3c2b+", move)

	move, _, err = parseKIFMoveToken("２二銀不成(33)", nil)
	require.NoError(t, err)
	assert.Equal(t, "3c2b", move)

	_, _, err = parseKIFMoveToken("同　歩(23)", nil)
	assert.Error(t, err)
}

func TestParseKIFRejectsHandicap(t *testing.T) {
	_, err := ParseKIF([]byte("手合割：香落ち\n   1 ３四歩(33)   ( 0:01/00:00:01)\n"))
	assert.Error(t, err)
}

func TestParseKIFFoulEnd(t *testing.T) {
	game, err := ParseKIF([]byte("手合割：平手\n   1 ７六歩(77)   ( 0:01/00:00:01)\n   2 反則勝ち\n"))
	require.NoError(t, err)
	assert.True(t, game.FoulEnd)
	assert.Equal(t, "gote_win", game.Result)
	assert.Equal(t, []string{"7g7f"}, game.Moves)
}

func TestCollectKIF(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"b.kif", "sub/a.KIF", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(sampleKIF), 0o644))
	}
	files, err := CollectKIF(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.kif"), filepath.Join(dir, "sub", "a.KIF")}, files)

	single, err := CollectKIF(filepath.Join(dir, "b.kif"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	game, err := ReadKIF(files[0])
	require.NoError(t, err)
	assert.Equal(t, files[0], game.Path)
}

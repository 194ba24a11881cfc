package shogi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaySFENSequence(t *testing.T) {
	moves := []string{"2g2f", "8c8d", "2f2e", "8d8e", "6i7h", "4a3b", "2e2d", "2c2d", "2h2d", "5a5b", "2d2b+", "3a2b"}
	want := []string{
		"lnsgkgsnl/1r5b1/ppppppppp/9/9/7P1/PPPPPPP1P/1B5R1/LNSGKGSNL w - 2",
		"lnsgkgsnl/1r5b1/p1ppppppp/1p7/9/7P1/PPPPPPP1P/1B5R1/LNSGKGSNL b - 3",
		"lnsgkgsnl/1r5b1/p1ppppppp/1p7/7P1/9/PPPPPPP1P/1B5R1/LNSGKGSNL w - 4",
		"lnsgkgsnl/1r5b1/p1ppppppp/9/1p5P1/9/PPPPPPP1P/1B5R1/LNSGKGSNL b - 5",
		"lnsgkgsnl/1r5b1/p1ppppppp/9/1p5P1/9/PPPPPPP1P/1BG4R1/LNS1KGSNL w - 6",
		"lnsgk1snl/1r4gb1/p1ppppppp/9/1p5P1/9/PPPPPPP1P/1BG4R1/LNS1KGSNL b - 7",
		"lnsgk1snl/1r4gb1/p1ppppppp/7P1/1p7/9/PPPPPPP1P/1BG4R1/LNS1KGSNL w - 8",
		"lnsgk1snl/1r4gb1/p1ppppp1p/7p1/1p7/9/PPPPPPP1P/1BG4R1/LNS1KGSNL b p 9",
		"lnsgk1snl/1r4gb1/p1ppppp1p/7R1/1p7/9/PPPPPPP1P/1BG6/LNS1KGSNL w Pp 10",
		"lnsg2snl/1r2k1gb1/p1ppppp1p/7R1/1p7/9/PPPPPPP1P/1BG6/LNS1KGSNL b Pp 11",
		"lnsg2snl/1r2k1g+R1/p1ppppp1p/9/1p7/9/PPPPPPP1P/1BG6/LNS1KGSNL w BPp 12",
		"lnsg3nl/1r2k1gs1/p1ppppp1p/9/1p7/9/PPPPPPP1P/1BG6/LNS1KGSNL b BPrp 13",
	}
	pos, err := ParseStart("startpos")
	require.NoError(t, err)
	assert.Equal(t, StartSFEN, pos.SFEN(1))
	for i, mv := range moves {
		_, err := pos.ApplyMove(mv)
		require.NoError(t, err, "move %d %s", i+1, mv)
		assert.Equal(t, want[i], pos.SFEN(i+2), "after move %d", i+1)
	}

	replayed, err := Replay("startpos", moves)
	require.NoError(t, err)
	assert.Equal(t, pos.SFEN(13), replayed.SFEN(13))
}

func TestApplyMoveMetadata(t *testing.T) {
	pos, err := ParseSFEN("lnsg2snl/1r2k1g+R1/p1ppppp1p/9/1p7/9/PPPPPPP1P/1BG6/LNS1KGSNL w BPp 12")
	require.NoError(t, err)
	mv, err := pos.ApplyMove("3a2b")
	require.NoError(t, err)
	assert.Equal(t, White, mv.Color)
	assert.Equal(t, Square{File: 3, Rank: 1}, mv.From)
	assert.Equal(t, Square{File: 2, Rank: 2}, mv.To)
	assert.Equal(t, "S", mv.Piece)
	assert.Equal(t, "R", mv.Captured)
	assert.Equal(t, 1, pos.InHand(White, "R"))
	assert.Equal(t, Black, pos.Turn())

	mv, err = pos.ApplyMove("B*5e")
	require.NoError(t, err)
	assert.True(t, mv.Drop)
	assert.Equal(t, "B", mv.Piece)
	assert.Equal(t, 0, pos.InHand(Black, "B"))
	piece, ok := pos.PieceAt(Square{File: 5, Rank: 5})
	require.True(t, ok)
	assert.Equal(t, Piece{Kind: "B", Color: Black}, piece)
}

func TestApplyMoveRejections(t *testing.T) {
	cases := []struct {
		name  string
		sfen  string
		token string
	}{
		{"empty source", StartSFEN, "5e5d"},
		{"opponent piece", StartSFEN, "3c3d"},
		{"own capture", StartSFEN, "2h2g"},
		{"occupied drop", "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b P 1", "P*7g"},
		{"not in hand", StartSFEN, "G*5e"},
		{"promote gold", StartSFEN, "4i4h+"},
		{"promote king", StartSFEN, "5i5h+"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pos, err := ParseSFEN(tc.sfen)
			require.NoError(t, err)
			before := pos.SFEN(1)
			_, err = pos.ApplyMove(tc.token)
			assert.ErrorIs(t, err, ErrRejectedMove)
			assert.Equal(t, before, pos.SFEN(1))
		})
	}
}

func TestParseMoveMalformed(t *testing.T) {
	for _, token := range []string{"", "7g", "7g7f=", "0a1b", "7j7f", "K*5e", "p*5e", "PP*5e", "resign"} {
		_, err := ParseMove(token)
		assert.ErrorIs(t, err, ErrMalformedMove, token)
	}
}

func TestParseStartForms(t *testing.T) {
	sfen := "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL w 2P3p 1"
	for _, start := range []string{sfen, "sfen " + sfen} {
		pos, err := ParseStart(start)
		require.NoError(t, err)
		assert.Equal(t, sfen, pos.SFEN(1))
	}
	color, err := SideToMove("sfen " + sfen)
	require.NoError(t, err)
	assert.Equal(t, White, color)

	color, err = SideToMove("startpos")
	require.NoError(t, err)
	assert.Equal(t, Black, color)

	_, err = ParseSFEN("lnsgkgsnl/9 b - 1")
	assert.Error(t, err)
	_, err = ParseSFEN("lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL x - 1")
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	pos, err := ParseStart("startpos")
	require.NoError(t, err)
	clone := pos.Clone()
	_, err = clone.ApplyMove("7g7f")
	require.NoError(t, err)
	assert.Equal(t, StartSFEN, pos.SFEN(1))
	assert.NotEqual(t, pos.SFEN(1), clone.SFEN(1))
}

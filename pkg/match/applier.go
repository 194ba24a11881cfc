package match

import (
	"fmt"

	"usimatch/pkg/shogi"
)

// Position is a start position plus the moves played from it, in the form
// engines receive it.
type Position struct {
	Start string
	Moves []string
}

// StartPosition is the even-game start with no moves.
func StartPosition() Position {
	return Position{Start: "startpos"}
}

func (p Position) clone() Position {
	return Position{Start: p.Start, Moves: append([]string(nil), p.Moves...)}
}

// LastMove describes the most recently accepted move.
type LastMove struct {
	Side     Side
	Ply      int
	Token    string
	From     string
	To       string
	Drop     bool
	Piece    string
	Promote  bool
	Captured string
}

// Applied is the outcome of an accepted move.
type Applied struct {
	Position Position
	LastMove LastMove
	// Next is the side to move afterwards.
	Next Side
	SFEN string
}

// MoveApplier validates and applies move tokens. It knows nothing about
// turns, fences or clocks.
type MoveApplier interface {
	ApplyMove(pos Position, token string) (Applied, error)
	SideToMove(pos Position) (Side, error)
}

// Invalidator is told whenever the position changes, so that a legal-move
// cache can be dropped.
type Invalidator interface {
	Invalidate()
}

// ShogiApplier replays positions with pkg/shogi.
type ShogiApplier struct{}

func (ShogiApplier) ApplyMove(pos Position, token string) (Applied, error) {
	board, err := shogi.Replay(pos.Start, pos.Moves)
	if err != nil {
		return Applied{}, fmt.Errorf("replay: %w", err)
	}
	mv, err := board.ApplyMove(token)
	if err != nil {
		return Applied{}, err
	}
	next := pos.clone()
	next.Moves = append(next.Moves, token)
	last := LastMove{
		Side:     sideOf(mv.Color),
		Ply:      len(next.Moves),
		Token:    token,
		To:       mv.To.String(),
		Drop:     mv.Drop,
		Piece:    mv.Piece,
		Promote:  mv.Promote,
		Captured: mv.Captured,
	}
	if !mv.Drop {
		last.From = mv.From.String()
	}
	return Applied{
		Position: next,
		LastMove: last,
		Next:     sideOf(board.Turn()),
		SFEN:     board.SFEN(len(next.Moves) + 1),
	}, nil
}

func (ShogiApplier) SideToMove(pos Position) (Side, error) {
	board, err := shogi.Replay(pos.Start, pos.Moves)
	if err != nil {
		return NoSide, err
	}
	return sideOf(board.Turn()), nil
}

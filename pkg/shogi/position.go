// Package shogi holds the SFEN position model used to validate and apply
// USI move tokens, plus a KIF game-record reader.
//
// Move checking is pseudo-legal only: pieces must exist, belong to the side
// to move and land on a square not held by a friendly piece. Checks, pins and
// piece movement geometry are not verified.
package shogi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StartSFEN is the standard even-game starting position.
const StartSFEN = "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1"

var (
	// ErrMalformedMove is returned when a token is not USI move syntax.
	ErrMalformedMove = errors.New("malformed move")
	// ErrRejectedMove is returned when a well-formed move cannot be played
	// on the position.
	ErrRejectedMove = errors.New("rejected move")
)

// Color is the side that owns a piece. Black moves first (sente).
type Color int

const (
	Black Color = iota
	White
)

func (c Color) Opponent() Color {
	if c == Black {
		return White
	}
	return Black
}

func (c Color) String() string {
	if c == White {
		return "white"
	}
	return "black"
}

// Square is a board coordinate, file 1-9 right to left and rank 1-9 top to
// bottom.
type Square struct {
	File int
	Rank int
}

func (s Square) valid() bool {
	return s.File >= 1 && s.File <= 9 && s.Rank >= 1 && s.Rank <= 9
}

// String renders the USI form, e.g. "7g".
func (s Square) String() string {
	return fmt.Sprintf("%d%c", s.File, rankToLetter(s.Rank))
}

func rankToLetter(rank int) byte {
	return byte('a' + rank - 1)
}

// Piece is a piece on the board. Kind is the upper-case SFEN letter.
type Piece struct {
	Kind     string
	Color    Color
	Promoted bool
}

// Move describes an applied move.
type Move struct {
	Token    string
	Color    Color
	From     Square
	To       Square
	Drop     bool
	Piece    string
	Promote  bool
	Captured string
}

// Position is a board, both hands and the side to move.
type Position struct {
	board [9][9]*Piece
	hands [2]map[string]int
	turn  Color
}

func emptyPosition() Position {
	return Position{hands: [2]map[string]int{{}, {}}}
}

// Turn returns the side to move.
func (p Position) Turn() Color {
	return p.turn
}

// PieceAt returns the piece on sq, if any.
func (p Position) PieceAt(sq Square) (Piece, bool) {
	if !sq.valid() || p.board[sq.Rank-1][sq.File-1] == nil {
		return Piece{}, false
	}
	return *p.board[sq.Rank-1][sq.File-1], true
}

// InHand returns how many pieces of kind c holds.
func (p Position) InHand(c Color, kind string) int {
	return p.hands[c][kind]
}

// ParseStart parses "startpos", "sfen <sfen>" or a bare SFEN.
func ParseStart(start string) (Position, error) {
	start = strings.TrimSpace(start)
	switch {
	case start == "" || start == "startpos":
		return ParseSFEN(StartSFEN)
	case strings.HasPrefix(start, "sfen "):
		return ParseSFEN(strings.TrimPrefix(start, "sfen "))
	default:
		return ParseSFEN(start)
	}
}

// ParseSFEN parses a bare SFEN string. The move number is ignored.
func ParseSFEN(sfen string) (Position, error) {
	fields := strings.Fields(sfen)
	if len(fields) < 3 {
		return Position{}, fmt.Errorf("invalid sfen: %s", sfen)
	}
	pos := emptyPosition()
	switch fields[1] {
	case "b":
		pos.turn = Black
	case "w":
		pos.turn = White
	default:
		return Position{}, fmt.Errorf("invalid side to move %q", fields[1])
	}
	if err := parseBoardSFEN(fields[0], &pos); err != nil {
		return Position{}, err
	}
	if err := parseHandsSFEN(fields[2], &pos); err != nil {
		return Position{}, err
	}
	return pos, nil
}

func parseBoardSFEN(board string, pos *Position) error {
	ranks := strings.Split(board, "/")
	if len(ranks) != 9 {
		return fmt.Errorf("invalid board ranks: %d", len(ranks))
	}
	for rankIndex, rankText := range ranks {
		file := 9
		for i := 0; i < len(rankText); i++ {
			r := rankText[i]
			if r >= '1' && r <= '9' {
				file -= int(r - '0')
				continue
			}
			promoted := false
			if r == '+' {
				promoted = true
				i++
				if i >= len(rankText) {
					return errors.New("dangling promotion marker")
				}
				r = rankText[i]
			}
			kind, color, ok := sfenPiece(r)
			if !ok {
				return fmt.Errorf("unknown sfen piece %c", r)
			}
			if file < 1 {
				return errors.New("too many files in rank")
			}
			pos.board[rankIndex][file-1] = &Piece{Kind: kind, Color: color, Promoted: promoted}
			file--
		}
		if file != 0 {
			return fmt.Errorf("rank %d does not have 9 files", rankIndex+1)
		}
	}
	return nil
}

func sfenPiece(r byte) (string, Color, bool) {
	color := Black
	if r >= 'a' && r <= 'z' {
		color = White
		r -= 'a' - 'A'
	}
	switch r {
	case 'P', 'L', 'N', 'S', 'G', 'B', 'R', 'K':
		return string(r), color, true
	default:
		return "", color, false
	}
}

func parseHandsSFEN(hand string, pos *Position) error {
	if hand == "-" {
		return nil
	}
	count := 0
	for i := 0; i < len(hand); i++ {
		r := hand[i]
		if r >= '0' && r <= '9' {
			count = count*10 + int(r-'0')
			continue
		}
		if count == 0 {
			count = 1
		}
		kind, color, ok := sfenPiece(r)
		if !ok || kind == "K" {
			return fmt.Errorf("unknown hand piece %c", r)
		}
		pos.hands[color][kind] += count
		count = 0
	}
	if count != 0 {
		return errors.New("trailing hand count")
	}
	return nil
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	clone := emptyPosition()
	clone.turn = p.turn
	for r := 0; r < 9; r++ {
		for f := 0; f < 9; f++ {
			if p.board[r][f] == nil {
				continue
			}
			piece := *p.board[r][f]
			clone.board[r][f] = &piece
		}
	}
	for c := range p.hands {
		for k, v := range p.hands[c] {
			clone.hands[c][k] = v
		}
	}
	return clone
}

// SFEN renders the position with the given move number.
func (p Position) SFEN(moveNumber int) string {
	rows := make([]string, 0, 9)
	for rank := 1; rank <= 9; rank++ {
		rows = append(rows, p.rankToSFEN(rank))
	}
	turn := "b"
	if p.turn == White {
		turn = "w"
	}
	hand := buildHands(p.hands[Black], p.hands[White])
	if hand == "" {
		hand = "-"
	}
	return fmt.Sprintf("%s %s %s %d", strings.Join(rows, "/"), turn, hand, moveNumber)
}

func (p Position) rankToSFEN(rank int) string {
	var b strings.Builder
	empty := 0
	for file := 9; file >= 1; file-- {
		piece := p.board[rank-1][file-1]
		if piece == nil {
			empty++
			continue
		}
		if empty > 0 {
			b.WriteString(strconv.Itoa(empty))
			empty = 0
		}
		text := piece.Kind
		if piece.Color == White {
			text = strings.ToLower(text)
		}
		if piece.Promoted {
			text = "+" + text
		}
		b.WriteString(text)
	}
	if empty > 0 {
		b.WriteString(strconv.Itoa(empty))
	}
	return b.String()
}

func buildHands(black, white map[string]int) string {
	order := []string{"R", "B", "G", "S", "N", "L", "P"}
	var b strings.Builder
	write := func(hand map[string]int, lower bool) {
		for _, piece := range order {
			count := hand[piece]
			if count == 0 {
				continue
			}
			if count > 1 {
				b.WriteString(strconv.Itoa(count))
			}
			if lower {
				piece = strings.ToLower(piece)
			}
			b.WriteString(piece)
		}
	}
	write(black, false)
	write(white, true)
	return b.String()
}

// ApplyMove plays a USI move token for the side to move. On error the
// position is left unchanged.
func (p *Position) ApplyMove(token string) (Move, error) {
	parsed, err := ParseMove(token)
	if err != nil {
		return Move{}, err
	}
	parsed.Color = p.turn
	if parsed.Drop {
		err = p.applyDrop(&parsed)
	} else {
		err = p.applyBoardMove(&parsed)
	}
	if err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrRejectedMove, token, err)
	}
	p.turn = p.turn.Opponent()
	return parsed, nil
}

// ParseMove parses USI move syntax without looking at any position.
func ParseMove(token string) (Move, error) {
	token = strings.TrimSpace(token)
	if idx := strings.IndexByte(token, '*'); idx >= 0 {
		if idx != 1 {
			return Move{}, fmt.Errorf("%w: %s", ErrMalformedMove, token)
		}
		kind, _, ok := sfenPiece(token[0])
		if !ok || kind == "K" || token[0] < 'A' || token[0] > 'Z' {
			return Move{}, fmt.Errorf("%w: bad drop piece in %s", ErrMalformedMove, token)
		}
		to, err := parseUSISquare(token[2:])
		if err != nil {
			return Move{}, fmt.Errorf("%w: %s: %v", ErrMalformedMove, token, err)
		}
		return Move{Token: token, Drop: true, Piece: kind, To: to}, nil
	}
	if len(token) != 4 && len(token) != 5 {
		return Move{}, fmt.Errorf("%w: %s", ErrMalformedMove, token)
	}
	from, err := parseUSISquare(token[0:2])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrMalformedMove, token, err)
	}
	to, err := parseUSISquare(token[2:4])
	if err != nil {
		return Move{}, fmt.Errorf("%w: %s: %v", ErrMalformedMove, token, err)
	}
	promote := false
	if len(token) == 5 {
		if token[4] != '+' {
			return Move{}, fmt.Errorf("%w: invalid promotion marker in %s", ErrMalformedMove, token)
		}
		promote = true
	}
	return Move{Token: token, From: from, To: to, Promote: promote}, nil
}

func parseUSISquare(text string) (Square, error) {
	if len(text) != 2 {
		return Square{}, fmt.Errorf("invalid square %q", text)
	}
	sq := Square{File: int(text[0] - '0'), Rank: int(text[1]-'a') + 1}
	if !sq.valid() {
		return Square{}, fmt.Errorf("invalid square %q", text)
	}
	return sq, nil
}

func (p *Position) applyDrop(move *Move) error {
	hand := p.hands[p.turn]
	if hand[move.Piece] == 0 {
		return fmt.Errorf("no %s in hand", move.Piece)
	}
	if p.board[move.To.Rank-1][move.To.File-1] != nil {
		return errors.New("drop destination occupied")
	}
	hand[move.Piece]--
	if hand[move.Piece] == 0 {
		delete(hand, move.Piece)
	}
	p.board[move.To.Rank-1][move.To.File-1] = &Piece{Kind: move.Piece, Color: p.turn}
	return nil
}

func (p *Position) applyBoardMove(move *Move) error {
	piece := p.board[move.From.Rank-1][move.From.File-1]
	if piece == nil {
		return fmt.Errorf("no piece at %s", move.From)
	}
	if piece.Color != p.turn {
		return errors.New("moving opponent piece")
	}
	if move.Promote && (piece.Kind == "K" || piece.Kind == "G") {
		return errors.New("cannot promote king or gold")
	}
	captured := p.board[move.To.Rank-1][move.To.File-1]
	if captured != nil && captured.Color == p.turn {
		return errors.New("capturing own piece")
	}
	if captured != nil {
		p.hands[p.turn][captured.Kind]++
		move.Captured = captured.Kind
	}
	moved := *piece
	if move.Promote {
		moved.Promoted = true
	}
	move.Piece = moved.Kind
	p.board[move.From.Rank-1][move.From.File-1] = nil
	p.board[move.To.Rank-1][move.To.File-1] = &moved
	return nil
}

// Replay parses start and plays moves on it in order.
func Replay(start string, moves []string) (Position, error) {
	pos, err := ParseStart(start)
	if err != nil {
		return Position{}, err
	}
	for i, mv := range moves {
		if _, err := pos.ApplyMove(mv); err != nil {
			return Position{}, fmt.Errorf("move %d: %w", i+1, err)
		}
	}
	return pos, nil
}

// SideToMove returns the side to move in start before any moves.
func SideToMove(start string) (Color, error) {
	pos, err := ParseStart(start)
	if err != nil {
		return Black, err
	}
	return pos.turn, nil
}

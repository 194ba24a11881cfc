package shogi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Players holds the names and ratings from a KIF header.
type Players struct {
	SenteName   string
	SenteRating int32
	GoteName    string
	GoteRating  int32
}

// Game is a parsed KIF record.
type Game struct {
	Path    string
	Start   string
	Moves   []string
	Players Players
	// Result is sente_win, gote_win, draw, abort or unknown.
	Result string
	// Reason is the terminal marker text, e.g. 投了.
	Reason string
	// FoulEnd is set when the game ended on 反則. The last recorded move is
	// illegal and engines should not be asked to evaluate it.
	FoulEnd bool
}

var (
	moveLineRe     = regexp.MustCompile(`^\s*(\d+)\s+(.+?)\s+\(`)
	terminalLineRe = regexp.MustCompile(`^\s*(\d+)\s+(\S+)\s*$`)
	fromSquareRe   = regexp.MustCompile(`\((\d)(\d)\)`)
	nameRatingRe   = regexp.MustCompile(`^(.+?)\((\d+)\)$`)
)

// ReadKIF loads and parses a KIF file.
func ReadKIF(path string) (Game, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Game{}, err
	}
	game, err := ParseKIF(data)
	if err != nil {
		return Game{}, fmt.Errorf("%s: %w", path, err)
	}
	game.Path = path
	return game, nil
}

// ParseKIF parses KIF text in UTF-8 or Shift-JIS.
func ParseKIF(data []byte) (Game, error) {
	text, err := decodeKIF(data)
	if err != nil {
		return Game{}, err
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}
	start, err := startFromKIF(lines)
	if err != nil {
		return Game{}, err
	}
	moves, err := parseKIFMoves(lines)
	if err != nil {
		return Game{}, err
	}
	game := Game{Start: start, Moves: moves, Players: playersFromKIF(lines)}
	terminal, ply := findTerminalMove(lines)
	if terminal == "" {
		game.Result = "unknown"
	} else {
		game.Result = resultFromTerminal(terminal, ply)
		game.Reason = terminal
		game.FoulEnd = terminal == "反則勝ち" || terminal == "反則負け"
	}
	return game, nil
}

func decodeKIF(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), japanese.ShiftJIS.NewDecoder()))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(decoded) {
		return "", errors.New("failed to decode Shift-JIS KIF")
	}
	return string(decoded), nil
}

// startFromKIF only understands even games. Board diagrams and handicap
// games are rejected.
func startFromKIF(lines []string) (string, error) {
	for _, line := range lines {
		trim := strings.TrimSpace(line)
		if strings.HasPrefix(trim, "手合割") && !strings.Contains(trim, "平手") {
			return "", fmt.Errorf("unsupported handicap: %s", trim)
		}
		if strings.HasPrefix(trim, "|") && strings.HasSuffix(trim, "|") {
			return "", errors.New("board diagrams are not supported")
		}
	}
	return "startpos", nil
}

func parseKIFMoves(lines []string) ([]string, error) {
	var moves []string
	var prevDest *Square
	for i, line := range lines {
		match := moveLineRe.FindStringSubmatch(line)
		if len(match) == 0 {
			continue
		}
		text := strings.TrimSpace(match[2])
		if text == "" {
			continue
		}
		if isTerminalMove(text) {
			break
		}
		move, dest, err := parseKIFMoveToken(text, prevDest)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		moves = append(moves, move)
		prevDest = &dest
	}
	return moves, nil
}

func parseKIFMoveToken(token string, prevDest *Square) (string, Square, error) {
	work := strings.TrimSpace(token)
	var dest Square
	if strings.HasPrefix(work, "同") {
		if prevDest == nil {
			return "", Square{}, errors.New("same-square move without previous destination")
		}
		dest = *prevDest
		work = strings.TrimLeft(strings.TrimPrefix(work, "同"), " 　")
	} else {
		runes := []rune(work)
		if len(runes) < 2 {
			return "", Square{}, fmt.Errorf("invalid move token: %s", token)
		}
		file, ok := parseFileRune(runes[0])
		if !ok {
			return "", Square{}, fmt.Errorf("invalid destination file in %s", token)
		}
		rank, ok := kanjiDigit(runes[1])
		if !ok {
			return "", Square{}, fmt.Errorf("invalid destination rank in %s", token)
		}
		dest = Square{File: file, Rank: rank}
		work = string(runes[2:])
	}

	var from Square
	hasFrom := false
	if m := fromSquareRe.FindStringSubmatch(work); len(m) == 3 {
		from = Square{File: int(m[1][0] - '0'), Rank: int(m[2][0] - '0')}
		hasFrom = from.valid()
		work = fromSquareRe.ReplaceAllString(work, "")
	}

	letter, rest, err := parsePieceName(strings.TrimSpace(work))
	if err != nil {
		return "", Square{}, err
	}
	// What follows the piece name is 成, 不成, 打 or nothing.
	switch strings.TrimSpace(rest) {
	case "打":
		return letter + "*" + dest.String(), dest, nil
	case "成":
		if !hasFrom {
			return "", Square{}, errors.New("missing source square")
		}
		return from.String() + dest.String() + "+", dest, nil
	case "", "不成":
		if !hasFrom {
			// A piece that could only have come from hand.
			return letter + "*" + dest.String(), dest, nil
		}
		return from.String() + dest.String(), dest, nil
	default:
		return "", Square{}, fmt.Errorf("unexpected suffix %q in %s", rest, token)
	}
}

var pieceNames = []struct {
	name   string
	letter string
}{
	{"成銀", "S"}, {"成桂", "N"}, {"成香", "L"},
	{"全", "S"}, {"圭", "N"}, {"杏", "L"},
	{"と", "P"}, {"馬", "B"}, {"龍", "R"}, {"竜", "R"},
	{"王", "K"}, {"玉", "K"},
	{"飛", "R"}, {"角", "B"}, {"金", "G"}, {"銀", "S"},
	{"桂", "N"}, {"香", "L"}, {"歩", "P"},
}

func parsePieceName(text string) (string, string, error) {
	for _, def := range pieceNames {
		if strings.HasPrefix(text, def.name) {
			return def.letter, strings.TrimPrefix(text, def.name), nil
		}
	}
	return "", "", fmt.Errorf("unknown piece in %s", text)
}

func isTerminalMove(token string) bool {
	switch token {
	case "投了", "中断", "持将棋", "千日手", "詰み", "切れ負け", "反則勝ち", "反則負け", "入玉勝ち", "勝ち宣言":
		return true
	default:
		return false
	}
}

func parseFileRune(r rune) (int, bool) {
	if r >= '1' && r <= '9' {
		return int(r - '0'), true
	}
	if r >= '１' && r <= '９' {
		return int(r-'１') + 1, true
	}
	return 0, false
}

func kanjiDigit(r rune) (int, bool) {
	idx := strings.IndexRune("一二三四五六七八九", r)
	if idx < 0 {
		return 0, false
	}
	// Each kanji is three bytes in UTF-8.
	return idx/3 + 1, true
}

func findTerminalMove(lines []string) (string, int) {
	ply := 0
	for _, line := range lines {
		match := moveLineRe.FindStringSubmatch(line)
		if len(match) == 0 {
			match = terminalLineRe.FindStringSubmatch(line)
		}
		if len(match) == 0 {
			continue
		}
		text := strings.TrimSpace(match[2])
		if text == "" {
			continue
		}
		ply++
		if isTerminalMove(text) {
			return text, ply
		}
	}
	return "", 0
}

// resultFromTerminal maps a terminal marker at the given ply (1-based,
// counting the marker itself) to a result.
func resultFromTerminal(token string, ply int) string {
	switch token {
	case "中断":
		return "abort"
	case "持将棋", "千日手":
		return "draw"
	case "反則勝ち", "詰み", "入玉勝ち", "勝ち宣言":
		return winnerFromPly(ply)
	case "投了", "切れ負け", "反則負け":
		return winnerFromPly(ply + 1)
	default:
		return "unknown"
	}
}

func winnerFromPly(ply int) string {
	if ply%2 == 1 {
		return "sente_win"
	}
	return "gote_win"
}

func playersFromKIF(lines []string) Players {
	var p Players
	p.SenteName, p.SenteRating = parseNameRating(headerValue(lines, "先手"))
	p.GoteName, p.GoteRating = parseNameRating(headerValue(lines, "後手"))
	return p
}

func headerValue(lines []string, key string) string {
	for _, line := range lines {
		trim := strings.TrimSpace(line)
		for _, prefix := range []string{key + "：", key + ":"} {
			if strings.HasPrefix(trim, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(trim, prefix))
			}
		}
	}
	return ""
}

func parseNameRating(raw string) (string, int32) {
	raw = strings.TrimSpace(raw)
	if m := nameRatingRe.FindStringSubmatch(raw); len(m) == 3 {
		var rating int
		_, _ = fmt.Sscanf(m[2], "%d", &rating)
		return strings.TrimSpace(m[1]), int32(rating)
	}
	return raw, 0
}

// CollectKIF returns every .kif file under root in sorted order. A plain
// file path is returned as-is.
func CollectKIF(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	if err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".kif") {
			files = append(files, path)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

package usi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader reads and parses USI protocol lines from the engine.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader for engine stdout.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	// Long PV lines from deep searches overflow the default 64KiB token.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a line is available or EOF occurs.
func (r *Reader) Next() (Event, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	return ParseLine(r.scanner.Text())
}

var errEmptyLine = errors.New("empty line")

// ParseLine converts a raw line into a protocol event.
func ParseLine(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, errEmptyLine
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "id":
		if len(fields) < 3 {
			return Event{}, fmt.Errorf("invalid id: %q", line)
		}
		return Event{Type: EventID, Key: fields[1], Value: strings.Join(fields[2:], " "), Raw: line}, nil
	case "usiok":
		return Event{Type: EventUSIOK, Raw: line}, nil
	case "readyok":
		return Event{Type: EventReadyOK, Raw: line}, nil
	case "bestmove":
		if len(fields) < 2 {
			return Event{}, fmt.Errorf("invalid bestmove: %q", line)
		}
		e := Event{Type: EventBestMove, Move: fields[1], Raw: line}
		if len(fields) >= 4 && fields[2] == "ponder" {
			e.Ponder = fields[3]
		}
		return e, nil
	case "info":
		return Event{Type: EventInfo, Info: parseInfo(fields[1:]), Raw: line}, nil
	default:
		return Event{Type: EventUnknown, Raw: line}, nil
	}
}

// EventType represents a USI protocol event type.
type EventType int

const (
	EventUnknown EventType = iota
	EventID
	EventUSIOK
	EventReadyOK
	EventInfo
	EventBestMove
	// EventError is synthesized by the Client, never read off the wire.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventID:
		return "id"
	case EventUSIOK:
		return "usiok"
	case EventReadyOK:
		return "readyok"
	case EventInfo:
		return "info"
	case EventBestMove:
		return "bestmove"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a parsed USI protocol line.
type Event struct {
	Type   EventType
	Key    string
	Value  string
	Move   string
	Ponder string
	Info   Info
	Raw    string

	// SearchID ties info and bestmove events to the search that produced
	// them. Zero means no search was outstanding.
	SearchID uint64

	// Message and Fatal are only set on EventError. Fatal means the
	// process is gone and the client is unusable.
	Message string
	Fatal   bool
}

// Score represents a USI evaluation score.
type Score struct {
	Kind  string
	Value int
}

// String returns a stable text representation for comments/logging.
func (s Score) String() string {
	if s.Kind == "cp" {
		return fmt.Sprintf("cp %d", s.Value)
	}
	if s.Kind == "mate" {
		return fmt.Sprintf("mate %d", s.Value)
	}
	return "unknown"
}

// Info is the parsed payload of an "info" line.
type Info struct {
	Depth    int
	SelDepth int
	Nodes    int64
	NPS      int64
	TimeMs   int64
	MultiPV  int
	Hashfull int
	Score    Score
	HasScore bool
	PV       []string
	String   string
}

func parseInfo(fields []string) Info {
	var info Info
	for i := 0; i < len(fields); i++ {
		key := fields[i]
		next := func() (string, bool) {
			if i+1 >= len(fields) {
				return "", false
			}
			i++
			return fields[i], true
		}
		switch key {
		case "depth":
			info.Depth = atoi(next())
		case "seldepth":
			info.SelDepth = atoi(next())
		case "nodes":
			info.Nodes = atoi64(next())
		case "nps":
			info.NPS = atoi64(next())
		case "time":
			info.TimeMs = atoi64(next())
		case "multipv":
			info.MultiPV = atoi(next())
		case "hashfull":
			info.Hashfull = atoi(next())
		case "score":
			kind, ok := next()
			if !ok || (kind != "cp" && kind != "mate") {
				continue
			}
			raw, ok := next()
			if !ok {
				continue
			}
			value, err := strconv.Atoi(strings.TrimPrefix(raw, "+"))
			if err != nil {
				// "mate +" / "mate -" carry only a sign.
				if kind != "mate" {
					continue
				}
				value = 1
				if strings.HasPrefix(raw, "-") {
					value = -1
				}
			}
			info.Score = Score{Kind: kind, Value: value}
			info.HasScore = true
		case "pv":
			info.PV = append([]string(nil), fields[i+1:]...)
			return info
		case "string":
			info.String = strings.Join(fields[i+1:], " ")
			return info
		}
	}
	return info
}

func atoi(s string, ok bool) int {
	if !ok {
		return 0
	}
	v, _ := strconv.Atoi(s)
	return v
}

func atoi64(s string, ok bool) int64 {
	if !ok {
		return 0
	}
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

// Special bestmove tokens.
const (
	MoveResign = "resign"
	MoveWin    = "win"
	MoveNone   = "none"
)

// MoveKind classifies a bestmove token.
type MoveKind int

const (
	KindMove MoveKind = iota
	KindResign
	KindWin
	KindNoMove
)

func (k MoveKind) String() string {
	switch k {
	case KindResign:
		return "resign"
	case KindWin:
		return "win"
	case KindNoMove:
		return "no_move"
	default:
		return "move"
	}
}

// Classify reports whether a bestmove token is an ordinary move or one of
// the game-ending signals.
func Classify(token string) MoveKind {
	switch strings.TrimSpace(token) {
	case MoveResign:
		return KindResign
	case MoveWin:
		return KindWin
	case MoveNone, "(none)", "":
		return KindNoMove
	default:
		return KindMove
	}
}

// Limits bounds a single search and renders as a "go" command.
type Limits struct {
	BlackTimeMs int64
	WhiteTimeMs int64
	ByoyomiMs   int64
	BlackIncMs  int64
	WhiteIncMs  int64
	MoveTimeMs  int64
	Depth       int
	Nodes       int64
	Infinite    bool
}

// Command returns the "go" line for these limits.
func (l Limits) Command() string {
	if l.Infinite {
		return "go infinite"
	}
	parts := []string{"go"}
	add := func(name string, v int64) {
		parts = append(parts, name, strconv.FormatInt(v, 10))
	}
	if l.BlackTimeMs > 0 || l.WhiteTimeMs > 0 || l.ByoyomiMs > 0 {
		add("btime", l.BlackTimeMs)
		add("wtime", l.WhiteTimeMs)
		if l.BlackIncMs > 0 || l.WhiteIncMs > 0 {
			add("binc", l.BlackIncMs)
			add("winc", l.WhiteIncMs)
		} else {
			add("byoyomi", l.ByoyomiMs)
		}
	}
	if l.MoveTimeMs > 0 {
		add("movetime", l.MoveTimeMs)
	}
	if l.Depth > 0 {
		add("depth", int64(l.Depth))
	}
	if l.Nodes > 0 {
		add("nodes", l.Nodes)
	}
	if len(parts) == 1 {
		return "go infinite"
	}
	return strings.Join(parts, " ")
}

// PositionCommand renders a "position" line. start may be "startpos",
// "sfen <sfen>" or a bare SFEN string.
func PositionCommand(start string, moves []string) string {
	start = strings.TrimSpace(start)
	var b strings.Builder
	b.WriteString("position ")
	switch {
	case start == "" || start == "startpos":
		b.WriteString("startpos")
	case strings.HasPrefix(start, "sfen "):
		b.WriteString(start)
	default:
		b.WriteString("sfen ")
		b.WriteString(start)
	}
	if len(moves) > 0 {
		b.WriteString(" moves ")
		b.WriteString(strings.Join(moves, " "))
	}
	return b.String()
}

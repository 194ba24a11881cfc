package match

import (
	"fmt"
	"strings"

	"usimatch/pkg/shogi"
)

// Side identifies a match participant. Sente moves first in an even game.
type Side int

const (
	NoSide Side = -1
	Sente  Side = 0
	Gote   Side = 1
)

// Sides lists both participants in index order.
var Sides = [2]Side{Sente, Gote}

func (s Side) Opponent() Side {
	switch s {
	case Sente:
		return Gote
	case Gote:
		return Sente
	default:
		return NoSide
	}
}

func (s Side) String() string {
	switch s {
	case Sente:
		return "sente"
	case Gote:
		return "gote"
	default:
		return "none"
	}
}

func (s Side) valid() bool {
	return s == Sente || s == Gote
}

// ParseSide accepts sente/gote and the black/white aliases.
func ParseSide(text string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "sente", "black", "b":
		return Sente, nil
	case "gote", "white", "w":
		return Gote, nil
	default:
		return NoSide, fmt.Errorf("unknown side %q", text)
	}
}

func sideOf(c shogi.Color) Side {
	if c == shogi.White {
		return Gote
	}
	return Sente
}

// Role says who chooses a side's moves.
type Role int

const (
	RoleHuman Role = iota
	RoleEngine
)

func (r Role) String() string {
	if r == RoleEngine {
		return "engine"
	}
	return "human"
}

// ParseRole parses "human" or "engine". Empty means human.
func ParseRole(text string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "human":
		return RoleHuman, nil
	case "engine":
		return RoleEngine, nil
	default:
		return RoleHuman, fmt.Errorf("unknown role %q", text)
	}
}

// SideSetting is the user's choice for one side. Depth and Nodes are added
// to every search issued for the side.
type SideSetting struct {
	Role     Role
	EngineID string
	Depth    int
	Nodes    int64
}

func (s SideSetting) validate() error {
	if s.Role == RoleEngine && s.EngineID == "" {
		return fmt.Errorf("engine role requires an engine id")
	}
	if s.Depth < 0 || s.Nodes < 0 {
		return fmt.Errorf("negative search limit")
	}
	return nil
}

package analysis

import (
	"strconv"

	"usimatch/pkg/shogi"
)

// Job is one position to analyze. Jobs are not modified once handed to a
// Pool and are never re-enqueued after a failure.
type Job struct {
	Ply          int
	Start        string
	Moves        []string
	TimeBudgetMs int64
	DepthLimit   int

	// NodeID identifies a branch position. Branches can share a ply, so
	// results are keyed by NodeID when it is set.
	NodeID string
	GameID string
}

// Key returns the identity results are reported under.
func (j Job) Key() string {
	if j.NodeID != "" {
		return j.NodeID
	}
	return strconv.Itoa(j.Ply)
}

// JobsForGame returns one job per position reached in game, from the
// position after the first move to the final one. A game that ended on a
// foul skips its last, illegal, move.
func JobsForGame(game shogi.Game, budgetMs int64, depth int) []Job {
	last := len(game.Moves)
	if game.FoulEnd && last > 0 {
		last--
	}
	jobs := make([]Job, 0, last)
	for ply := 1; ply <= last; ply++ {
		jobs = append(jobs, Job{
			Ply:          ply,
			Start:        game.Start,
			Moves:        game.Moves[:ply:ply],
			TimeBudgetMs: budgetMs,
			DepthLimit:   depth,
			GameID:       game.Path,
		})
	}
	return jobs
}

package analysis

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Crossing is the first ply at which a game's evaluation reached a
// threshold. Side is "sente", "gote" or "none".
type Crossing struct {
	Threshold int
	Ply       int
	Side      string
}

// GameSummary condenses the rows of one game.
type GameSummary struct {
	GameID    string
	Analyzed  int
	Missing   int
	Crossings []Crossing
}

// Summarize groups rows by game and finds, for every threshold, the first
// crossing. Missing counts plies below the last analyzed one that have no
// row, which is what failed jobs leave behind.
func Summarize(rows []Row, thresholds []int) []GameSummary {
	byGame := make(map[string][]Row)
	for _, row := range rows {
		byGame[row.GameID] = append(byGame[row.GameID], row)
	}
	ids := make([]string, 0, len(byGame))
	for id := range byGame {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summaries := make([]GameSummary, 0, len(ids))
	for _, id := range ids {
		game := byGame[id]
		sort.Slice(game, func(i, j int) bool { return game[i].Ply < game[j].Ply })
		plies := make(map[int32]struct{}, len(game))
		var last int32
		for _, row := range game {
			plies[row.Ply] = struct{}{}
			last = max(last, row.Ply)
		}
		summary := GameSummary{GameID: id, Analyzed: len(plies), Missing: int(last) - len(plies)}
		for _, threshold := range thresholds {
			ply, side := firstCrossing(game, threshold)
			summary.Crossings = append(summary.Crossings, Crossing{Threshold: threshold, Ply: ply, Side: side})
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// firstCrossing returns the ply and side of the first row whose sente-side
// score reaches threshold either way. A mate score always counts.
func firstCrossing(rows []Row, threshold int) (int, string) {
	for _, row := range rows {
		if row.ScoreType == "mate" {
			if row.ScoreValue >= 0 {
				return int(row.Ply), "sente"
			}
			return int(row.Ply), "gote"
		}
		if row.ScoreValue >= int32(threshold) {
			return int(row.Ply), "sente"
		}
		if row.ScoreValue <= -int32(threshold) {
			return int(row.Ply), "gote"
		}
	}
	return 0, "none"
}

// WriteReportCSV writes one line per game.
func WriteReportCSV(w io.Writer, summaries []GameSummary, thresholds []int) error {
	out := csv.NewWriter(w)
	header := []string{"game_id", "analyzed", "missing"}
	for _, threshold := range thresholds {
		header = append(header, fmt.Sprintf("t%d_ply", threshold), fmt.Sprintf("t%d_side", threshold))
	}
	if err := out.Write(header); err != nil {
		return err
	}
	for _, s := range summaries {
		record := []string{s.GameID, strconv.Itoa(s.Analyzed), strconv.Itoa(s.Missing)}
		for _, c := range s.Crossings {
			record = append(record, strconv.Itoa(c.Ply), c.Side)
		}
		if err := out.Write(record); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

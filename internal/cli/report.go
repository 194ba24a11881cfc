package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"usimatch/pkg/analysis"
)

// NewReportCommand creates the report command.
func NewReportCommand(_ *RootOptions) *cobra.Command {
	var thresholdsArg string
	var parallel int64
	cmd := &cobra.Command{
		Use:   "report <parquet>",
		Short: "Print per-game threshold crossings from analyze output as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			thresholds, err := parseIntList(thresholdsArg)
			if err != nil {
				return err
			}
			if len(thresholds) == 0 {
				return fmt.Errorf("thresholds must be non-empty")
			}
			rows, err := analysis.ReadParquet(args[0], parallel)
			if err != nil {
				return err
			}
			return analysis.WriteReportCSV(cmd.OutOrStdout(), analysis.Summarize(rows, thresholds), thresholds)
		},
	}
	cmd.Flags().StringVar(&thresholdsArg, "thresholds", "1000", "comma-separated eval thresholds")
	cmd.Flags().Int64Var(&parallel, "parallel", 4, "parquet read parallelism")
	return cmd
}

// parseIntList parses comma-separated integers with optional whitespace.
func parseIntList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		value, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("threshold %q: %w", part, err)
		}
		values = append(values, value)
	}
	return values, nil
}

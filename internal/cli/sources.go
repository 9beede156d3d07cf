package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tNAME\tSTRATEGY\tMODE\tCHUNK\tRATE")
		for _, src := range pipeline.Sources.Sources() {
			mode := "list"
			if src.ItemMode() {
				mode = "item"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.1f/s\n", src.Code, src.Name, src.Strategy, mode, src.ChunkSize, src.RateLimit)
		}
		return w.Flush()
	},
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgomezsal/typ2anki/internal/config"
	"github.com/sgomezsal/typ2anki/internal/history"
	"github.com/sgomezsal/typ2anki/internal/ui"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [path]",
	Short: "Show recent run summaries",
	Long: `List recent pipeline runs for a build root, newest first, with their
outcome counts. Run summaries are recorded in .typ2anki/history.db.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()
		if len(args) > 0 {
			cfg.AskedPath = args[0]
		}
		if err := cfg.Resolve(); err != nil {
			exitf("Error: %v", err)
		}
		defer cfg.Cleanup()

		db, err := history.Open(historyPath(cfg.Path))
		if err != nil {
			exitf("Error opening history database: %v", err)
		}
		defer db.Close()

		runs, err := db.Recent(historyLimit)
		if err != nil {
			exitf("Error reading history: %v", err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return
		}

		fmt.Println(ui.RenderHeader("STARTED               DURATION  NEW  UPD  FAIL  HITS  EMPTY"))
		for _, r := range runs {
			line := fmt.Sprintf("%-20s  %8s  %3d  %3d  %4d  %4d  %5d",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Duration.Round(time.Millisecond),
				r.New, r.Updated, r.Failed, r.CacheHits, r.Empty)
			if r.DryRun {
				line += "  " + ui.RenderMuted("(dry run)")
			}
			if r.Failed > 0 {
				fmt.Fprintln(os.Stdout, ui.RenderFail(line))
				continue
			}
			fmt.Println(line)
		}
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of runs to show")
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sgomezsal/typ2anki/internal/ui"
)

var printConfigCmd = &cobra.Command{
	Use:   "print-config [path]",
	Short: "Print the resolved configuration",
	Long: `Print the configuration the pipeline would run with, after layering
command-line flags, environment variables and the typ2anki.toml file in
the build root.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd, args)
		if err != nil {
			return err
		}
		defer cfg.Cleanup()

		fmt.Println(ui.RenderHeader("Resolved configuration"))
		fmt.Printf("  path:                        %s\n", cfg.Path)
		fmt.Printf("  check_duplicates:            %v\n", cfg.CheckDuplicates)
		fmt.Printf("  exclude_decks:               %v\n", cfg.ExcludeDecks)
		fmt.Printf("  exclude_files:               %v\n", cfg.ExcludeFiles)
		fmt.Printf("  generation_concurrency:      %d\n", cfg.Concurrency)
		fmt.Printf("  max_card_width:              %s\n", cfg.MaxCardWidth)
		fmt.Printf("  check_checksums:             %v\n", cfg.CacheEnabled)
		fmt.Printf("  recompile_on_config_change:  %s\n", cfg.Recompile)
		fmt.Printf("  output_type:                 %s\n", cfg.Output)
		fmt.Printf("  dry_run:                     %v\n", cfg.DryRun)
		fmt.Printf("  anki_connect_url:            %s\n", cfg.AnkiConnectURL)
		fmt.Printf("  config digest:               %s\n", cfg.Digest())
		return nil
	},
	SilenceUsage: true,
}

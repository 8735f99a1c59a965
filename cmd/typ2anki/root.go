package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sgomezsal/typ2anki/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "typ2anki [path]",
	Short: "Convert typst documents into Anki flashcards",
	Long: `typ2anki extracts #card() markers from a tree of typst documents,
compiles each changed card with the typst compiler and pushes the rendered
images into a running Anki instance through AnkiConnect.

A content-addressed cache stored inside the Anki collection keeps repeat
runs incremental: only cards whose body or build configuration changed are
recompiled and re-pushed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd, args)
		if err != nil {
			return err
		}
		defer cfg.Cleanup()
		return runPipeline(cmd.Context(), cfg)
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config-file", config.DefaultFileName,
		"config file path, relative to the build root; empty disables it")
	flags.Bool("check-duplicates", false, "enable duplicate card id checking")
	flags.StringArrayP("exclude-decks", "e", nil, "deck glob to exclude (repeatable)")
	flags.StringArray("exclude-files", nil, "file glob to exclude, relative to the build root (repeatable)")
	flags.Int("generation-concurrency", 1,
		"how many cards to compile at a time; needs duplicate checking")
	flags.String("max-card-width", "auto", "maximum card width in typst units, or 'auto'")
	flags.Bool("no-cache", false, "force recompilation and reupload of all cards")
	flags.String("recompile-on-config-change", "ask",
		"policy when the build configuration changed: ask, always or never")
	flags.String("output-type", "png", "artifact format: png, svg or html")
	flags.Bool("dry-run", false, "show what would be done without doing it")
	flags.String("anki-connect-url", "http://localhost:8765", "AnkiConnect endpoint")
	flags.String("log-file", "", "write component logs to this rotating file")

	viper.SetEnvPrefix("TYP2ANKI")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	rootCmd.AddCommand(watchCmd, historyCmd, printConfigCmd)
}

// buildConfig layers the run configuration: flags over environment over
// the typ2anki.toml in the build root over defaults.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.Default()
	if len(args) > 0 {
		cfg.AskedPath = args[0]
	}

	recompile, err := config.ParseRecompileMode(viper.GetString("recompile-on-config-change"))
	if err != nil {
		return nil, err
	}

	cfg.CheckDuplicates = viper.GetBool("check-duplicates")
	cfg.ExcludeDecks = viper.GetStringSlice("exclude-decks")
	cfg.ExcludeFiles = viper.GetStringSlice("exclude-files")
	cfg.Concurrency = viper.GetInt("generation-concurrency")
	cfg.MaxCardWidth = viper.GetString("max-card-width")
	cfg.CacheEnabled = !viper.GetBool("no-cache")
	cfg.Recompile = recompile
	cfg.Output = config.OutputType(viper.GetString("output-type"))
	cfg.DryRun = viper.GetBool("dry-run")
	cfg.AnkiConnectURL = viper.GetString("anki-connect-url")
	cfg.LogFile = viper.GetString("log-file")

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}

	fileName := viper.GetString("config-file")
	if fileName != "" {
		explicit := fileName != config.DefaultFileName
		file, err := config.LoadFile(filepath.Join(cfg.Path, fileName), explicit)
		if err != nil {
			return nil, err
		}
		if err := cfg.Apply(file, explicitKeys(cmd)); err != nil {
			return nil, err
		}
		// Re-resolve: file values can change clamping decisions.
		if err := cfg.Resolve(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// explicitKeys reports which config keys were decided by the command
// line or environment; the config file must not override those.
func explicitKeys(cmd *cobra.Command) map[string]bool {
	set := make(map[string]bool)
	flags := cmd.Flags()
	for _, key := range []string{
		"check-duplicates", "exclude-decks", "exclude-files",
		"generation-concurrency", "max-card-width", "no-cache",
		"recompile-on-config-change", "output-type", "dry-run",
		"anki-connect-url", "log-file",
	} {
		envKey := "TYP2ANKI_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if flags.Changed(key) || os.Getenv(envKey) != "" {
			set[key] = true
		}
	}
	return set
}

// newLogger builds a prefixed logger, rotating through a log file when
// one is configured.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
	}
	return log.New(w, prefix, log.LstdFlags)
}

// historyPath returns the run-history database location for a build root.
func historyPath(root string) string {
	return filepath.Join(root, ".typ2anki", "history.db")
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

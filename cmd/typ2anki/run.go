package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/sgomezsal/typ2anki/internal/anki"
	"github.com/sgomezsal/typ2anki/internal/cache"
	"github.com/sgomezsal/typ2anki/internal/config"
	"github.com/sgomezsal/typ2anki/internal/history"
	"github.com/sgomezsal/typ2anki/internal/pipeline"
	"github.com/sgomezsal/typ2anki/internal/progress"
	"github.com/sgomezsal/typ2anki/internal/typst"
	"github.com/sgomezsal/typ2anki/internal/ui"
)

// runPipeline executes one full build and sync run. Validation failures
// surface as errors (non-zero exit); per-card failures only show in the
// summary.
func runPipeline(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := anki.NewClient(cfg.AnkiConnectURL)
	hashes := cache.New(cfg.CacheEnabled, newLogger(cfg, "[cache] "))
	compiler := typst.New(cfg)
	syncer := anki.NewSyncer(client, newLogger(cfg, "[sync] "))

	if !cfg.DryRun && !compiler.Available() {
		return errors.New("typst binary not found in PATH")
	}

	sink := progress.NewConsole(os.Stdout)
	if !cfg.DryRun {
		fmt.Println("Processing, press Ctrl-C to stop.")
		fmt.Println(sink.Legend())
		fmt.Println()
	}

	p := pipeline.New(cfg, pipeline.Deps{
		Cache:    hashes,
		Compiler: compiler,
		Syncer:   syncer,
		Store:    client,
		Sink:     sink,
		Policy:   changePolicy(cfg),
		Logger:   newLogger(cfg, "[pipeline] "),
	})

	started := time.Now()
	result, err := p.Run(ctx)

	if result != nil {
		recordRun(cfg, started, result)
	}

	switch {
	case errors.Is(err, pipeline.ErrInterrupted):
		fmt.Println(ui.RenderFail("Interrupted; cache not saved."))
		return nil
	case err != nil:
		if anki.IsValidationError(err) {
			fmt.Fprintln(os.Stderr, ui.RenderFail("Start Anki and check the AnkiConnect add-on, then retry."))
		}
		return err
	}

	printSummary(cfg, result)
	return nil
}

// changePolicy maps the configured recompile mode to a cache policy. In
// ask mode the confirmation runs on the terminal; without one the
// decision defaults to recompiling, which is always correct, just
// slower.
func changePolicy(cfg *config.Config) cache.ChangePolicy {
	switch cfg.Recompile {
	case config.RecompileAlways:
		return cache.Force(true)
	case config.RecompileNever:
		return cache.Force(false)
	}

	if cfg.DryRun || !term.IsTerminal(int(os.Stdin.Fd())) {
		return cache.Ask(nil)
	}

	return cache.Ask(func(changed, total int) bool {
		recompile := true
		confirm := huh.NewConfirm().
			Title("Configuration or template change detected").
			Description(fmt.Sprintf(
				"%d of %d cached cards were rendered with a different configuration.\nRecompile them with the new configuration?",
				changed, total)).
			Affirmative("Recompile").
			Negative("Keep").
			Value(&recompile)
		if err := confirm.Run(); err != nil {
			return true
		}
		return recompile
	})
}

func recordRun(cfg *config.Config, started time.Time, result *pipeline.RunResult) {
	db, err := history.Open(historyPath(cfg.Path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to open history database: %v\n", err)
		return
	}
	defer db.Close()

	err = db.Record(history.Run{
		StartedAt: started,
		Duration:  time.Since(started),
		Groups:    result.Groups,
		New:       result.Summary.New,
		Updated:   result.Summary.Updated,
		Failed:    result.Summary.Failed,
		CacheHits: result.Summary.CacheHits,
		Empty:     result.Summary.Empty,
		DryRun:    cfg.DryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record run: %v\n", err)
	}
}

func printSummary(cfg *config.Config, result *pipeline.RunResult) {
	s := result.Summary
	if s.Empty > 0 {
		fmt.Printf("Skipped %d empty cards.\n", s.Empty)
	}
	if cfg.DryRun {
		fmt.Printf("Dry run: %d cards would be compiled, %d cache hits.\n",
			s.New+s.Updated, s.CacheHits)
		return
	}

	compiled := s.New + s.Updated
	marker := ui.RenderPass("✓")
	if s.Failed > 0 {
		marker = ui.RenderFail("✗")
	}
	fmt.Printf("%s Compiled a total of %d cards (%d new, %d updated, %d failed, %d cache hits).\n",
		marker, compiled, s.New, s.Updated, s.Failed, s.CacheHits)
}

package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/sgomezsal/typ2anki/internal/config"
	"github.com/sgomezsal/typ2anki/internal/ui"
)

// watchDebounce batches rapid editor saves into one rebuild.
const watchDebounce = 500 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Rebuild and sync whenever a source document changes",
	Long: `Watch the build root for changes to .typ documents and re-run the
pipeline after each change. Rapid successive saves are debounced into a
single run. Temporary documents and rendered artifacts are ignored, so a
run never retriggers itself.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd, args)
		if err != nil {
			return err
		}
		defer cfg.Cleanup()
		return watch(cmd.Context(), cfg)
	},
	SilenceUsage: true,
}

func watch(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// fsnotify does not recurse, so every directory under the root is
	// added individually.
	err = filepath.WalkDir(cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", cfg.Path, err)
	}

	fmt.Printf("%s Watching %s\n", ui.RenderAccent("👁"), cfg.Path)

	// Initial build before waiting for changes.
	if err := runPipeline(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	var (
		mu      sync.Mutex
		pending bool
	)
	timer := time.NewTimer(watchDebounce)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if addIfNewDir(watcher, event) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isSourceDoc(event.Name) {
				continue
			}
			mu.Lock()
			if !pending {
				pending = true
				timer.Reset(watchDebounce)
			}
			mu.Unlock()

		case <-timer.C:
			mu.Lock()
			pending = false
			mu.Unlock()
			fmt.Printf("\n%s Change detected, rebuilding...\n", ui.RenderAccent("🔄"))
			if err := runPipeline(ctx, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Watcher error: %v\n", err)
		}
	}
}

// addIfNewDir registers a just-created directory with the watcher, so
// documents added inside it trigger rebuilds without a restart.
func addIfNewDir(watcher *fsnotify.Watcher, event fsnotify.Event) bool {
	if event.Op&fsnotify.Create == 0 {
		return false
	}
	info, err := os.Stat(event.Name)
	if err != nil || !info.IsDir() {
		return false
	}
	_ = watcher.Add(event.Name)
	return true
}

// isSourceDoc reports whether a changed path should trigger a rebuild.
// The pipeline's own outputs (temporal documents, rendered artifacts,
// the history database) must not.
func isSourceDoc(path string) bool {
	name := filepath.Base(path)
	if filepath.Ext(name) != ".typ" {
		return false
	}
	return !strings.HasPrefix(name, "temporal-")
}

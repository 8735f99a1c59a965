// Package pipeline wires parsing, cache decisions, compilation scheduling
// and remote sync into one run.
//
// A run proceeds in strict phases: discover and parse source files,
// register and classify hashes, run the config-change heuristic, validate
// (duplicate ids abort here, before any side effect), then execute build
// groups one source file at a time. Jobs within a group run concurrently
// under the configured limit; groups never overlap. The cache is
// persisted once, at the very end, and only for a completed non-dry run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sgomezsal/typ2anki/internal/cache"
	"github.com/sgomezsal/typ2anki/internal/card"
	"github.com/sgomezsal/typ2anki/internal/config"
	"github.com/sgomezsal/typ2anki/internal/parse"
	"github.com/sgomezsal/typ2anki/internal/progress"
	"github.com/sgomezsal/typ2anki/internal/typst"
)

var (
	// ErrDuplicateIDs is the validation failure for card ids shared
	// between cards when duplicate checking is enabled. It aborts the
	// run before any compilation or remote mutation.
	ErrDuplicateIDs = errors.New("duplicate card ids")

	// ErrInterrupted is returned when the run was cancelled; the cache
	// is not persisted and the previous blob stays authoritative.
	ErrInterrupted = errors.New("run interrupted")
)

// Parser extracts card markers from one source file.
type Parser interface {
	ParseFile(path string) ([]parse.RawCard, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(path string) ([]parse.RawCard, error)

func (f ParserFunc) ParseFile(path string) ([]parse.RawCard, error) { return f(path) }

// Compiler prepares and executes compile jobs. A successful Result must
// carry exactly two artifacts, front then back; anything else is treated
// as a job failure.
type Compiler interface {
	Prepare(cd *card.Card, outputDir string) (*typst.Job, error)
	Run(ctx context.Context, job *typst.Job) typst.Result
}

// Syncer pushes compiled artifacts to the remote store.
type Syncer interface {
	ResolveDeckName(ctx context.Context, logical string) string
	EnsureDeck(ctx context.Context, name string) error
	PushCard(ctx context.Context, cd *card.Card, frontPath, backPath string) (updated bool, err error)
}

// CacheStore persists the hash cache blob.
type CacheStore interface {
	cache.BlobStore
	Ping(ctx context.Context) error
}

// Pipeline is the per-run orchestrator. Construct with New; the zero
// value is not usable.
type Pipeline struct {
	cfg      *config.Config
	cache    *cache.Cache
	parser   Parser
	compiler Compiler
	syncer   Syncer
	store    CacheStore
	sink     progress.Sink
	policy   cache.ChangePolicy
	logger   *log.Logger
}

// Deps bundles the collaborators a run needs.
type Deps struct {
	Cache    *cache.Cache
	Parser   Parser
	Compiler Compiler
	Syncer   Syncer
	Store    CacheStore
	Sink     progress.Sink
	Policy   cache.ChangePolicy
	Logger   *log.Logger
}

// New creates a pipeline for one run. Nil optional collaborators get
// safe defaults (Nop sink, stderr logger, the package parser).
func New(cfg *config.Config, deps Deps) *Pipeline {
	if deps.Sink == nil {
		deps.Sink = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[pipeline] ", log.LstdFlags)
	}
	if deps.Parser == nil {
		deps.Parser = ParserFunc(parse.ParseFile)
	}
	return &Pipeline{
		cfg:      cfg,
		cache:    deps.Cache,
		parser:   deps.Parser,
		compiler: deps.Compiler,
		syncer:   deps.Syncer,
		store:    deps.Store,
		sink:     deps.Sink,
		policy:   deps.Policy,
		logger:   deps.Logger,
	}
}

// group is the unit of sequential scheduling: all pushable cards from
// one source file.
type group struct {
	// name is the root-relative source path, used for cache keys and
	// progress output.
	name string

	// dir is the absolute directory of the source file; artifacts and
	// temporary documents are materialized there.
	dir string

	cards []*card.Card
	empty int
}

// RunResult is the end-of-run report.
type RunResult struct {
	Summary     progress.Summary
	Groups      int
	Interrupted bool
}

// Run executes the whole pipeline. Validation failures return an error
// and guarantee no side effects happened; per-card failures are absorbed
// into the summary.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	if err := typst.EnsureAnkiconf(p.cfg); err != nil {
		return nil, err
	}

	templateDigest, err := typst.TemplateDigest(p.cfg, cache.HashString)
	if err != nil {
		return nil, err
	}
	p.cache.AddStaticHashes(templateDigest, p.cfg.Digest())
	p.cache.Load(ctx, p.store)

	groups, duplicates, err := p.parsePhase()
	if err != nil {
		return nil, err
	}

	p.logger.Printf("Registered %d cards across %d files", p.cache.Len(), len(groups))

	p.cache.DetectConfigChange(p.policy)
	if p.cache.IgnoringConfigChange() {
		p.sink.Message("Configuration change ignored; comparing card content only.")
	}

	for _, g := range groups {
		for _, cd := range g.cards {
			p.cache.Classify(cd)
		}
	}

	if p.cfg.CheckDuplicates && len(duplicates) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIDs, strings.Join(duplicates, ", "))
	}

	if len(groups) == 0 {
		p.sink.Message("No cards found.")
		return &RunResult{}, nil
	}

	if !p.cfg.DryRun {
		if err := p.store.Ping(ctx); err != nil {
			return nil, err
		}
	}

	result := &RunResult{Groups: len(groups)}
	for _, g := range groups {
		if ctx.Err() != nil {
			result.Interrupted = true
			break
		}
		summary := p.executeGroup(ctx, g)
		result.Summary.Add(summary)
	}

	// An interrupt during the last group reaches here with the loop
	// completed; the cache still must not be persisted, or cards whose
	// workers never ran would be saved as fresh.
	if ctx.Err() != nil {
		result.Interrupted = true
	}

	if result.Interrupted {
		return result, ErrInterrupted
	}

	if !p.cfg.DryRun {
		if err := p.cache.Save(ctx, p.store); err != nil {
			return result, err
		}
	}

	return result, nil
}

// parsePhase walks the build root, extracts cards, registers their
// current hashes and assembles the ordered build groups. It returns the
// duplicate ids seen when duplicate checking is enabled.
func (p *Pipeline) parsePhase() ([]*group, []string, error) {
	files, err := p.discover()
	if err != nil {
		return nil, nil, err
	}

	var (
		groups     []*group
		duplicates []string
		seen       = make(map[string]bool)
	)

	for _, path := range files {
		rel, err := p.cfg.RelativeToRoot(path)
		if err != nil {
			return nil, nil, err
		}
		if p.cfg.IsFileExcluded(rel) {
			continue
		}

		raws, err := p.parser.ParseFile(path)
		if err != nil {
			return nil, nil, err
		}

		g := &group{name: rel, dir: filepath.Dir(path)}
		for _, raw := range raws {
			if raw.ID == "" {
				continue
			}
			if p.cfg.IsDeckExcluded(raw.Deck) {
				continue
			}
			if raw.IsEmpty() {
				g.empty++
				continue
			}

			if p.cfg.CheckDuplicates {
				if seen[raw.ID] {
					duplicates = append(duplicates, raw.ID)
					continue
				}
				seen[raw.ID] = true
			}

			contentHash := cache.HashString(raw.Body)
			if err := p.cache.AddCurrentHash(raw.Deck, raw.ID, contentHash); err != nil {
				return nil, nil, err
			}

			g.cards = append(g.cards, &card.Card{
				ID:          raw.ID,
				DeckName:    raw.Deck,
				SourceFile:  rel,
				Body:        raw.Body,
				ContentHash: contentHash,
			})
		}

		if len(g.cards) > 0 || g.empty > 0 {
			groups = append(groups, g)
		}
	}

	return groups, duplicates, nil
}

// discover lists the source documents under the build root in a stable
// order, skipping the template itself and leftover temporary documents.
func (p *Pipeline) discover() ([]string, error) {
	var files []string
	err := filepath.WalkDir(p.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if filepath.Ext(name) != ".typ" {
			return nil
		}
		if name == typst.AnkiconfName || strings.HasPrefix(name, "temporal-") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", p.cfg.Path, err)
	}
	sort.Strings(files)
	return files, nil
}

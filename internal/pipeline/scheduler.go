package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sgomezsal/typ2anki/internal/card"
	"github.com/sgomezsal/typ2anki/internal/progress"
	"github.com/sgomezsal/typ2anki/internal/typst"
)

// executeGroup runs one build group to completion: prepare jobs for the
// pushable cards, ensure every deck the group references exists, then run
// the jobs concurrently under the configured limit. Each successful job
// is synced inline from the worker that finished it, so a compiled but
// unsynced artifact exists on disk for as short a window as possible.
//
// A job failure evicts the card's hash (the next run retries it) and is
// counted; it never aborts sibling jobs or the run.
func (p *Pipeline) executeGroup(ctx context.Context, g *group) progress.Summary {
	summary := progress.Summary{Empty: g.empty}

	p.sink.GroupStarted(g.name, len(g.cards))
	defer func() { p.sink.GroupDone(g.name, summary) }()

	type pending struct {
		card *card.Card
		job  *typst.Job
	}
	var jobs []pending

	// Prepare phase: materialize jobs for pushable cards, count the
	// cache hits.
	for _, cd := range g.cards {
		if !cd.ShouldPush {
			summary.CacheHits++
			p.sink.UnitAdvanced(fmt.Sprintf("Skipped %s", cd.Label()))
			continue
		}

		cd.RemoteDeckName = p.syncer.ResolveDeckName(ctx, cd.DeckName)

		if p.cfg.DryRun {
			p.sink.Message(fmt.Sprintf("Would compile %s", cd.Label()))
			p.sink.UnitAdvanced(cd.Label())
			switch cd.Status {
			case card.StatusNew:
				summary.New++
			default:
				summary.Updated++
			}
			continue
		}

		job, err := p.compiler.Prepare(cd, g.dir)
		if err != nil {
			p.cache.Remove(cd.DeckName, cd.ID)
			summary.Failed++
			p.sink.Message(fmt.Sprintf("Error preparing %s: %v", cd.Label(), err))
			p.sink.UnitAdvanced(cd.Label())
			continue
		}
		jobs = append(jobs, pending{card: cd, job: job})
	}

	if p.cfg.DryRun || len(jobs) == 0 {
		return summary
	}

	// Deck creation happens before any job result is pushed: note
	// creation requires an existing deck.
	decks := make(map[string]bool)
	for _, pj := range jobs {
		decks[pj.card.RemoteDeckName] = true
	}
	for deck := range decks {
		if err := p.syncer.EnsureDeck(ctx, deck); err != nil {
			p.sink.Message(fmt.Sprintf("Error creating deck %s: %v", deck, err))
		}
	}

	// Execute phase: jobs within the group are unordered and
	// independent; the group is complete only when every job has been
	// collected.
	var mu sync.Mutex
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.cfg.Concurrency)

	for _, pj := range jobs {
		pj := pj
		eg.Go(func() error {
			defer pj.job.Clean()

			if gctx.Err() != nil {
				return gctx.Err()
			}

			res := p.compiler.Run(gctx, pj.job)
			if !res.Failed() && len(res.Artifacts) != 2 {
				res = typst.Result{Err: fmt.Errorf(
					"expected front and back artifacts for %s, got %d", pj.card.ID, len(res.Artifacts))}
			}
			if res.Failed() {
				p.cache.Remove(pj.card.DeckName, pj.card.ID)
				mu.Lock()
				summary.Failed++
				mu.Unlock()
				p.sink.Message(fmt.Sprintf("Error generating card %s\n%v", pj.card.ID, res.Err))
				p.sink.UnitAdvanced(pj.card.Label())
				return nil
			}

			updated, err := p.syncer.PushCard(gctx, pj.card, res.Artifacts[0], res.Artifacts[1])
			mu.Lock()
			switch {
			case err != nil:
				summary.Failed++
			case updated:
				summary.Updated++
			default:
				summary.New++
			}
			mu.Unlock()

			if err != nil {
				p.cache.Remove(pj.card.DeckName, pj.card.ID)
				p.sink.Message(fmt.Sprintf("Error pushing card %s: %v", pj.card.ID, err))
			}
			p.sink.UnitAdvanced(pj.card.Label())
			return nil
		})
	}

	// Workers only return an error on cancellation; the summary already
	// reflects everything else.
	_ = eg.Wait()

	return summary
}

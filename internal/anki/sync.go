package anki

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sgomezsal/typ2anki/internal/card"
)

// Store is the slice of the remote store the sync adapter consumes.
// *Client implements it; tests substitute a fake.
type Store interface {
	Ping(ctx context.Context) error
	DeckNames(ctx context.Context) ([]string, error)
	CreateDeck(ctx context.Context, name string) error
	StoreMedia(ctx context.Context, name string, data []byte) (string, error)
	RetrieveMedia(ctx context.Context, name string) ([]byte, error)
	FindNotesByTag(ctx context.Context, tag string) ([]int64, error)
	AddNote(ctx context.Context, deck, model string, fields map[string]string, tags []string) (int64, error)
	UpdateNoteFields(ctx context.Context, id int64, fields map[string]string, tags []string) error
	ModelNames(ctx context.Context) ([]string, error)
	ModelFieldNames(ctx context.Context, model string) ([]string, error)
}

// basicModelNames are the localized names the stock two-field note model
// goes by. More locales can be appended as users report them.
var basicModelNames = []string{"Basic", "Basique", "Grundlegend"}

// Syncer pushes compiled artifacts into the remote store.
//
// All operations are idempotent: decks are created at most once, and
// Upsert finds an existing note by tag before deciding between update
// and create. Re-running a push with identical artifacts therefore
// produces no semantic change, which is what makes a crash before cache
// persistence safe to retry.
//
// A Syncer is safe for concurrent use by the scheduler's workers.
type Syncer struct {
	store  Store
	logger *log.Logger

	mu       sync.Mutex
	decks    []string
	decksSet bool
	resolved map[string]string
	created  map[string]bool
	model    string
	fields   []string
}

// NewSyncer creates a sync adapter over the store. A nil logger falls
// back to stderr.
func NewSyncer(store Store, logger *log.Logger) *Syncer {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Syncer{
		store:    store,
		logger:   logger,
		resolved: make(map[string]string),
		created:  make(map[string]bool),
	}
}

// ResolveDeckName maps a logical deck name to the remote deck it should
// land in. The remote store may host the deck nested under a collection
// prefix, so a deck equal to the logical name or ending in ::<logical>
// wins; otherwise the logical name is used as-is. Resolutions are
// memoized for the run since the remote deck list does not change
// mid-run.
func (s *Syncer) ResolveDeckName(ctx context.Context, logical string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name, ok := s.resolved[logical]; ok {
		return name
	}

	if !s.decksSet {
		decks, err := s.store.DeckNames(ctx)
		if err != nil {
			s.logger.Printf("Warning: failed to list decks: %v", err)
		}
		s.decks = decks
		s.decksSet = true
	}

	name := logical
	suffix := "::" + logical
	for _, d := range s.decks {
		if d == logical || strings.HasSuffix(d, suffix) {
			name = d
			break
		}
	}

	s.resolved[logical] = name
	return name
}

// EnsureDeck idempotently creates the deck. Repeat calls for the same
// name are no-ops.
func (s *Syncer) EnsureDeck(ctx context.Context, name string) error {
	s.mu.Lock()
	if s.created[name] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.store.CreateDeck(ctx, name); err != nil {
		return fmt.Errorf("failed to create deck %s: %w", name, err)
	}

	s.mu.Lock()
	s.created[name] = true
	s.mu.Unlock()
	return nil
}

// UploadMedia uploads one rendered artifact under its base name and
// returns the media name to reference in note fields.
func (s *Syncer) UploadMedia(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	return s.store.StoreMedia(ctx, filepath.Base(path), data)
}

// fieldContent wraps a media reference into the store's note-field
// format.
func fieldContent(mediaName string) string {
	return fmt.Sprintf(`<img src="%s">`, mediaName)
}

// basicModel discovers the localized Basic model and its two field
// names, once per run.
func (s *Syncer) basicModel(ctx context.Context) (string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.model != "" {
		return s.model, s.fields, nil
	}

	models, err := s.store.ModelNames(ctx)
	if err != nil {
		return "", nil, err
	}
	var model string
	for _, want := range basicModelNames {
		for _, m := range models {
			if m == want {
				model = m
				break
			}
		}
		if model != "" {
			break
		}
	}
	if model == "" {
		return "", nil, ErrBasicModelNotFound
	}

	fields, err := s.store.ModelFieldNames(ctx, model)
	if err != nil {
		return "", nil, err
	}
	if len(fields) != 2 {
		return "", nil, fmt.Errorf("%w: model %s has %d fields, want 2",
			ErrBasicModelNotFound, model, len(fields))
	}

	s.model = model
	s.fields = fields
	return model, fields, nil
}

// Upsert finds the remote note tagged with the card's id and updates its
// fields in place, or creates a new note in the card's resolved deck.
// It returns true when an existing note was updated.
//
// Two workers cannot race on the same note because card ids are unique
// within a run.
func (s *Syncer) Upsert(ctx context.Context, cd *card.Card, front, back string) (updated bool, err error) {
	ids, err := s.store.FindNotesByTag(ctx, cd.ID)
	if err != nil {
		return false, fmt.Errorf("failed to search for note %s: %w", cd.ID, err)
	}

	if len(ids) > 0 {
		cd.RemoteNoteID = ids[0]
		fields := map[string]string{
			"Front": fieldContent(front),
			"Back":  fieldContent(back),
		}
		if err := s.store.UpdateNoteFields(ctx, cd.RemoteNoteID, fields, []string{cd.ID}); err != nil {
			return false, fmt.Errorf("failed to update note %s: %w", cd.ID, err)
		}
		return true, nil
	}

	model, fieldNames, err := s.basicModel(ctx)
	if err != nil {
		return false, err
	}
	fields := map[string]string{
		fieldNames[0]: fieldContent(front),
		fieldNames[1]: fieldContent(back),
	}
	id, err := s.store.AddNote(ctx, cd.RemoteDeckName, model, fields, []string{cd.ID})
	if err != nil {
		return false, fmt.Errorf("failed to add note %s: %w", cd.ID, err)
	}
	cd.RemoteNoteID = id
	return false, nil
}

// PushCard uploads a card's front and back artifacts and upserts the
// note referencing them. The local artifact files are deleted afterward
// regardless of success or failure. Returns true when an existing note
// was updated rather than created.
func (s *Syncer) PushCard(ctx context.Context, cd *card.Card, frontPath, backPath string) (updated bool, err error) {
	defer func() {
		_ = os.Remove(frontPath)
		_ = os.Remove(backPath)
	}()

	front, err := s.UploadMedia(ctx, frontPath)
	if err != nil {
		return false, err
	}
	back, err := s.UploadMedia(ctx, backPath)
	if err != nil {
		return false, err
	}

	updated, err = s.Upsert(ctx, cd, front, back)
	if err != nil {
		return false, err
	}

	cd.FrontArtifact = front
	cd.BackArtifact = back
	return updated, nil
}

// IsValidationError reports whether the error belongs to the class that
// aborts a run before side effects.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrNotReachable)
}

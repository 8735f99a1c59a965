// Package card defines the in-memory representation of a single flashcard
// as it moves through the parse, classify, compile and sync phases.
package card

import "fmt"

// Status describes how a card relates to the persisted hash cache.
type Status int

const (
	// StatusUnknown means the card has not been classified yet.
	StatusUnknown Status = iota

	// StatusNew means the card has no entry in the persisted cache.
	StatusNew

	// StatusModified means the card's body changed since the last run.
	StatusModified

	// StatusUnmodified means the card's body is unchanged.
	StatusUnmodified
)

// String returns the status name for logging and summaries.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusModified:
		return "modified"
	case StatusUnmodified:
		return "unmodified"
	default:
		return "unknown"
	}
}

// Card is one flashcard extracted from a source document.
//
// A card is created during the parse phase with StatusUnknown, classified
// once against the hash cache, optionally compiled, and optionally synced
// to the remote store. The remote fields are only set after a successful
// push.
type Card struct {
	// ID is the user-assigned card id. It must be unique across the run
	// when duplicate checking is enabled; it doubles as the note tag in
	// the remote store.
	ID string

	// DeckName is the logical deck name as written in the source document,
	// before resolution against the remote deck list.
	DeckName string

	// SourceFile is the document path relative to the build root. All
	// cards from one source file form one scheduling group.
	SourceFile string

	// Body is the raw card text handed to the compiler.
	Body string

	// ContentHash is the digest of Body.
	ContentHash string

	// Status is the classification result against the persisted cache.
	Status Status

	// ShouldPush records the cache's push decision. It combines Status
	// with the config-change policy, so a Modified card can still be
	// suppressed when only the config segment changed.
	ShouldPush bool

	// RemoteDeckName is the deck name after resolution against existing
	// remote decks (a deck may live nested under a collection prefix).
	RemoteDeckName string

	// RemoteNoteID is the remote note id, set once the card is known to
	// exist remotely. Zero means not yet observed.
	RemoteNoteID int64

	// FrontArtifact and BackArtifact are the media names the remote store
	// assigned to the uploaded renders. Set only after a successful push.
	FrontArtifact string
	BackArtifact  string
}

// Key returns the cache key for this card.
func (c *Card) Key() string {
	return Key(c.DeckName, c.ID)
}

// Key builds the cache key for a deck/id pair.
func Key(deck, id string) string {
	return deck + "::" + id
}

// Label returns the human-readable identifier used in progress output.
func (c *Card) Label() string {
	return fmt.Sprintf("%s.%s", c.DeckName, c.ID)
}

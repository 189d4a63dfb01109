// Package slideindex defines the read-only index contract the slide matcher
// consumes, plus an in-memory implementation and its JSON loader.
//
// An index is produced offline by an external PDF/NLP pipeline — keyword
// extraction, tf-idf weighting, phonetic readings, and optional dense slide
// embeddings. The session core never builds indexes; it loads them (from a
// JSON export or from Postgres, see the postgres subpackage) and serves them
// to the matcher. An Index is immutable after load and safe to share across
// any number of concurrent sessions.
package slideindex

import "context"

// Posting is one inverted-index entry for a keyword on a slide.
type Posting struct {
	// SlideID is the 1-based slide number within the presentation.
	SlideID int

	// Position is the keyword's rank in the slide's extraction order.
	// Positions below the slide's TitleSpan lie within the title.
	Position int

	// Weight is the keyword's tf-idf weight on this slide.
	Weight float64
}

// SlideKeyword pairs a slide with one of its keywords (or one of its
// phonetic reading forms).
type SlideKeyword struct {
	SlideID int
	Keyword string
}

// Metadata holds per-slide scoring metadata.
type Metadata struct {
	// TitleSpan is the number of leading keyword positions that belong to
	// the slide title. Zero when the slide has no title.
	TitleSpan int

	// TextLength is the character count of the slide's extracted text,
	// used for score length-normalization.
	TextLength int
}

// Index is the read-only alignment data for one presentation. All methods
// must be safe for concurrent use; implementations are expected to be
// immutable after construction.
type Index interface {
	// PresentationID identifies the deck this index was built from.
	PresentationID() string

	// Lookup returns the postings for an exactly-matching keyword, or nil.
	Lookup(keyword string) []Posting

	// Keywords returns the flat (slide, keyword) list across all slides,
	// used by the fuzzy signal.
	Keywords() []SlideKeyword

	// Readings returns the flat (slide, phonetic reading) list. Empty when
	// the build pipeline produced no readings.
	Readings() []SlideKeyword

	// Metadata returns scoring metadata for a slide. ok is false for
	// unknown slide ids.
	Metadata(slideID int) (Metadata, bool)

	// Embeddings returns the dense slide-embedding matrix and the slide id
	// of each row. ok is false when the index carries no embeddings, which
	// disables the semantic signal.
	Embeddings() (matrix [][]float32, slideIDs []int, ok bool)

	// Embed vectorizes an utterance in the same space as the slide matrix.
	// Only meaningful when Embeddings reports ok; otherwise it returns an
	// error.
	Embed(ctx context.Context, text string) ([]float32, error)
}

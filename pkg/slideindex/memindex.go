package slideindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/podiumlabs/lectern/pkg/embeddings"
)

// ErrNoEmbeddings is returned by MemIndex.Embed when the index carries no
// embedding matrix or no embeddings provider was attached at load time.
var ErrNoEmbeddings = errors.New("slideindex: no embeddings available")

// Document is the JSON export format produced by the offline index build
// pipeline. One document per presentation.
//
// Example:
//
//	{
//	  "presentation_id": "deck-42",
//	  "embedding_model": "text-embedding-3-small",
//	  "slides": [
//	    {
//	      "slide_id": 1,
//	      "title_span": 2,
//	      "text_length": 340,
//	      "keywords": [
//	        {"text": "勾配降下法", "reading": "こうばいこうかほう", "position": 0, "weight": 2.4}
//	      ],
//	      "embedding": [0.01, -0.02]
//	    }
//	  ]
//	}
type Document struct {
	PresentationID string  `json:"presentation_id"`
	EmbeddingModel string  `json:"embedding_model,omitempty"`
	Slides         []Slide `json:"slides"`
}

// Slide is one slide's entry in a [Document].
type Slide struct {
	SlideID    int       `json:"slide_id"`
	TitleSpan  int       `json:"title_span"`
	TextLength int       `json:"text_length"`
	Keywords   []Keyword `json:"keywords"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Keyword is one extracted keyword on a slide.
type Keyword struct {
	Text     string  `json:"text"`
	Reading  string  `json:"reading,omitempty"`
	Position int     `json:"position"`
	Weight   float64 `json:"weight"`
}

// Compile-time assertion that MemIndex satisfies the Index interface.
var _ Index = (*MemIndex)(nil)

// MemIndex is the in-memory [Index] implementation. It is immutable after
// construction and safe to share across sessions without locking.
type MemIndex struct {
	presentationID string
	inverted       map[string][]Posting
	keywords       []SlideKeyword
	readings       []SlideKeyword
	meta           map[int]Metadata
	matrix         [][]float32
	matrixSlideIDs []int
	embedder       embeddings.Provider
}

// MemIndexOption configures index construction.
type MemIndexOption func(*MemIndex)

// WithEmbedder attaches the provider used to vectorize utterances at match
// time. Without it the semantic signal stays disabled even when the document
// carries slide embeddings.
func WithEmbedder(p embeddings.Provider) MemIndexOption {
	return func(ix *MemIndex) {
		ix.embedder = p
	}
}

// New builds a MemIndex from a parsed [Document].
func New(doc Document, opts ...MemIndexOption) (*MemIndex, error) {
	if doc.PresentationID == "" {
		return nil, errors.New("slideindex: presentation_id is required")
	}

	ix := &MemIndex{
		presentationID: doc.PresentationID,
		inverted:       make(map[string][]Posting),
		meta:           make(map[int]Metadata, len(doc.Slides)),
	}
	for _, o := range opts {
		o(ix)
	}

	seen := make(map[int]bool, len(doc.Slides))
	for i, s := range doc.Slides {
		if s.SlideID <= 0 {
			return nil, fmt.Errorf("slideindex: slides[%d] has invalid slide_id %d", i, s.SlideID)
		}
		if seen[s.SlideID] {
			return nil, fmt.Errorf("slideindex: duplicate slide_id %d", s.SlideID)
		}
		seen[s.SlideID] = true

		ix.meta[s.SlideID] = Metadata{TitleSpan: s.TitleSpan, TextLength: s.TextLength}

		for _, kw := range s.Keywords {
			text := strings.TrimSpace(kw.Text)
			if text == "" {
				continue
			}
			ix.inverted[text] = append(ix.inverted[text], Posting{
				SlideID:  s.SlideID,
				Position: kw.Position,
				Weight:   kw.Weight,
			})
			ix.keywords = append(ix.keywords, SlideKeyword{SlideID: s.SlideID, Keyword: text})
			if r := strings.TrimSpace(kw.Reading); r != "" {
				ix.readings = append(ix.readings, SlideKeyword{SlideID: s.SlideID, Keyword: r})
			}
		}

		if len(s.Embedding) > 0 {
			ix.matrix = append(ix.matrix, s.Embedding)
			ix.matrixSlideIDs = append(ix.matrixSlideIDs, s.SlideID)
		}
	}

	// A partial matrix cannot be compared fairly; require all slides or none.
	if len(ix.matrix) > 0 && len(ix.matrix) != len(doc.Slides) {
		return nil, fmt.Errorf("slideindex: %d of %d slides carry embeddings; want all or none",
			len(ix.matrix), len(doc.Slides))
	}

	return ix, nil
}

// Load reads and parses a JSON index document from disk.
func Load(path string, opts ...MemIndexOption) (*MemIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("slideindex: open %q: %w", path, err)
	}
	defer f.Close()

	ix, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("slideindex: parse %q: %w", path, err)
	}
	return ix, nil
}

// LoadFromReader parses a JSON index document from r. The reader is consumed
// entirely; the caller closes it.
func LoadFromReader(r io.Reader, opts ...MemIndexOption) (*MemIndex, error) {
	var doc Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // reject unknown keys to catch pipeline drift
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("slideindex: decode json: %w", err)
	}
	return New(doc, opts...)
}

// PresentationID implements [Index].
func (ix *MemIndex) PresentationID() string { return ix.presentationID }

// Lookup implements [Index].
func (ix *MemIndex) Lookup(keyword string) []Posting {
	return ix.inverted[keyword]
}

// Keywords implements [Index].
func (ix *MemIndex) Keywords() []SlideKeyword { return ix.keywords }

// Readings implements [Index].
func (ix *MemIndex) Readings() []SlideKeyword { return ix.readings }

// Metadata implements [Index].
func (ix *MemIndex) Metadata(slideID int) (Metadata, bool) {
	m, ok := ix.meta[slideID]
	return m, ok
}

// Embeddings implements [Index].
func (ix *MemIndex) Embeddings() ([][]float32, []int, bool) {
	if len(ix.matrix) == 0 || ix.embedder == nil {
		return nil, nil, false
	}
	return ix.matrix, ix.matrixSlideIDs, true
}

// Embed implements [Index].
func (ix *MemIndex) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(ix.matrix) == 0 || ix.embedder == nil {
		return nil, ErrNoEmbeddings
	}
	return ix.embedder.Embed(ctx, text)
}

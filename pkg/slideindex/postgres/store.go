// Package postgres loads pre-built slide indexes from a PostgreSQL database
// into the in-memory form consumed by the slide matcher.
//
// The offline PDF/NLP pipeline writes one row per slide plus one row per
// extracted keyword; slide embeddings live in a pgvector column. The session
// core only ever reads. Schema consumed:
//
//	slides(presentation_id text, slide_id int, title_span int,
//	       text_length int, embedding vector NULL)
//	slide_keywords(presentation_id text, slide_id int, keyword text,
//	               reading text, position int, weight float8)
package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/podiumlabs/lectern/pkg/embeddings"
	"github.com/podiumlabs/lectern/pkg/slideindex"
)

// Store reads presentation indexes from PostgreSQL and caches the resulting
// immutable [slideindex.MemIndex] per presentation. All methods are safe for
// concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider

	mu    sync.RWMutex
	cache map[string]*slideindex.MemIndex
}

// NewStore establishes a connection pool to the database at dsn and registers
// pgvector types on every connection so embedding columns can be scanned.
// embedder may be nil, which disables the semantic signal for all loaded
// indexes.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("slideindex postgres: ping: %w", err)
	}

	return &Store{
		pool:     pool,
		embedder: embedder,
		cache:    make(map[string]*slideindex.MemIndex),
	}, nil
}

// Load returns the index for presentationID, reading it from the database on
// first use and from the cache afterwards. Indexes are immutable, so the
// cache never invalidates; restart the process after re-building a deck.
func (s *Store) Load(ctx context.Context, presentationID string) (slideindex.Index, error) {
	s.mu.RLock()
	ix, ok := s.cache[presentationID]
	s.mu.RUnlock()
	if ok {
		return ix, nil
	}

	doc, err := s.fetch(ctx, presentationID)
	if err != nil {
		return nil, err
	}

	var opts []slideindex.MemIndexOption
	if s.embedder != nil {
		opts = append(opts, slideindex.WithEmbedder(s.embedder))
	}
	ix, err = slideindex.New(*doc, opts...)
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: build %q: %w", presentationID, err)
	}

	s.mu.Lock()
	s.cache[presentationID] = ix
	s.mu.Unlock()
	return ix, nil
}

// Ping verifies database connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// slideRow mirrors one slides row during fetch.
type slideRow struct {
	slideID    int
	titleSpan  int
	textLength int
	embedding  []float32
}

// fetch reads all rows for one presentation and assembles a Document.
func (s *Store) fetch(ctx context.Context, presentationID string) (*slideindex.Document, error) {
	const slidesQ = `
		SELECT slide_id, title_span, text_length, embedding
		FROM   slides
		WHERE  presentation_id = $1
		ORDER  BY slide_id`

	rows, err := s.pool.Query(ctx, slidesQ, presentationID)
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: query slides: %w", err)
	}

	slides, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (slideRow, error) {
		var (
			sr  slideRow
			vec *pgvector.Vector
		)
		if err := row.Scan(&sr.slideID, &sr.titleSpan, &sr.textLength, &vec); err != nil {
			return slideRow{}, err
		}
		if vec != nil {
			sr.embedding = vec.Slice()
		}
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: scan slides: %w", err)
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("slideindex postgres: presentation %q not found", presentationID)
	}

	const keywordsQ = `
		SELECT slide_id, keyword, COALESCE(reading, ''), position, weight
		FROM   slide_keywords
		WHERE  presentation_id = $1
		ORDER  BY slide_id, position`

	kwRows, err := s.pool.Query(ctx, keywordsQ, presentationID)
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: query keywords: %w", err)
	}

	type kwRow struct {
		slideID int
		kw      slideindex.Keyword
	}
	kws, err := pgx.CollectRows(kwRows, func(row pgx.CollectableRow) (kwRow, error) {
		var r kwRow
		err := row.Scan(&r.slideID, &r.kw.Text, &r.kw.Reading, &r.kw.Position, &r.kw.Weight)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("slideindex postgres: scan keywords: %w", err)
	}

	bySlide := make(map[int][]slideindex.Keyword, len(slides))
	for _, r := range kws {
		bySlide[r.slideID] = append(bySlide[r.slideID], r.kw)
	}

	doc := &slideindex.Document{PresentationID: presentationID}
	if s.embedder != nil {
		doc.EmbeddingModel = s.embedder.ModelID()
	}
	for _, sr := range slides {
		doc.Slides = append(doc.Slides, slideindex.Slide{
			SlideID:    sr.slideID,
			TitleSpan:  sr.titleSpan,
			TextLength: sr.textLength,
			Keywords:   bySlide[sr.slideID],
			Embedding:  sr.embedding,
		})
	}
	return doc, nil
}

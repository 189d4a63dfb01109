// Package slidematch aligns final utterance texts to slides of a loaded
// presentation index.
//
// Three independent signals feed a per-slide score:
//
//  1. Exact: tokenized utterance keywords looked up in the inverted index,
//     accumulating their tf-idf weights.
//  2. Fuzzy: tokens with no exact hit are compared against the flat
//     slide-keyword and phonetic-reading lists using Jaro-Winkler
//     similarity, with Double Metaphone code overlap as a secondary
//     acceptance path for the reading list.
//  3. Semantic: cosine similarity between the utterance embedding and the
//     dense slide matrix, when the index carries one.
//
// Scores are combined with per-signal weights, boosted when a matched
// keyword lies in the slide title, and length-normalized. A persistent
// current-slide state smooths the output: a new slide wins only by a
// configurable multiplier over the incumbent, so a single ambiguous
// utterance does not flap the alignment back and forth.
package slidematch

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/podiumlabs/lectern/pkg/slideindex"
)

// Defaults for all tunables. Exposed so config loading can report them.
const (
	DefaultFuzzyThreshold   = 0.8
	DefaultFuzzyDiscount    = 0.7
	DefaultSemThreshold     = 0.7
	DefaultSemTopK          = 5
	DefaultExactWeight      = 1.0
	DefaultFuzzyWeight      = 0.7
	DefaultSemWeight        = 0.7
	DefaultTitleBoost       = 2.0
	DefaultMinScore         = 1.5
	DefaultSwitchMultiplier = 1.1
	DefaultTemporalBoost    = 0.05
)

// Signal names the scoring signals that contributed to a match.
type Signal string

const (
	SignalExact    Signal = "exact"
	SignalFuzzy    Signal = "fuzzy"
	SignalSemantic Signal = "semantic"
)

// Result is the outcome of matching one utterance.
type Result struct {
	// Matched reports whether any slide cleared the minimum score. When
	// false the remaining fields are zero.
	Matched bool

	// SlideID is the chosen slide.
	SlideID int

	// Score is the combined, length-normalized score of the chosen slide.
	Score float64

	// Confidence maps Score into [0, 1].
	Confidence float64

	// Keywords lists the distinct slide keywords that matched, sorted.
	Keywords []string

	// Signals lists which scoring signals contributed to the chosen slide.
	Signals []Signal
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(m *Matcher) { m.log = log }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler similarity for a fuzzy
// pair to count. Default 0.8.
func WithFuzzyThreshold(v float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = v }
}

// WithFuzzyDiscount sets the factor applied to a fuzzy pair's similarity
// before it enters the slide score. Default 0.7.
func WithFuzzyDiscount(v float64) Option {
	return func(m *Matcher) { m.fuzzyDiscount = v }
}

// WithSemThreshold sets the minimum cosine similarity for the semantic
// signal. Default 0.7.
func WithSemThreshold(v float64) Option {
	return func(m *Matcher) { m.semThreshold = v }
}

// WithSemTopK caps how many slides the semantic signal may score per
// utterance. Default 5.
func WithSemTopK(k int) Option {
	return func(m *Matcher) { m.semTopK = k }
}

// WithWeights sets the per-signal combination weights.
// Defaults: exact 1.0, fuzzy 0.7, semantic 0.7.
func WithWeights(exact, fuzzy, sem float64) Option {
	return func(m *Matcher) {
		m.wExact, m.wFuzzy, m.wSem = exact, fuzzy, sem
	}
}

// WithTitleBoost sets the multiplier applied when any matched keyword lies
// within the slide's title span. Default 2.0.
func WithTitleBoost(v float64) Option {
	return func(m *Matcher) { m.titleBoost = v }
}

// WithMinScore sets the score floor below which no slide is reported.
// Default 1.5.
func WithMinScore(v float64) Option {
	return func(m *Matcher) { m.minScore = v }
}

// WithSwitchMultiplier sets how decisively a challenger must beat the
// incumbent slide before the alignment switches. Default 1.1.
func WithSwitchMultiplier(v float64) Option {
	return func(m *Matcher) { m.switchMultiplier = v }
}

// WithTemporalBoost sets the additive bonus granted to the incumbent slide
// during the switch comparison only. Default 0.05.
func WithTemporalBoost(v float64) Option {
	return func(m *Matcher) { m.temporalBoost = v }
}

// Matcher scores utterances against one presentation's [slideindex.Index]
// and smooths the chosen slide over time. One Matcher belongs to one
// session; Match is safe for concurrent use but callers invoke it
// sequentially per final result anyway.
type Matcher struct {
	index slideindex.Index
	log   *slog.Logger

	fuzzyThreshold   float64
	fuzzyDiscount    float64
	semThreshold     float64
	semTopK          int
	wExact           float64
	wFuzzy           float64
	wSem             float64
	titleBoost       float64
	minScore         float64
	switchMultiplier float64
	temporalBoost    float64

	mu      sync.Mutex
	current int // 0 = no slide chosen yet
}

// New returns a Matcher over index with the supplied options applied.
func New(index slideindex.Index, opts ...Option) *Matcher {
	m := &Matcher{
		index:            index,
		log:              slog.Default(),
		fuzzyThreshold:   DefaultFuzzyThreshold,
		fuzzyDiscount:    DefaultFuzzyDiscount,
		semThreshold:     DefaultSemThreshold,
		semTopK:          DefaultSemTopK,
		wExact:           DefaultExactWeight,
		wFuzzy:           DefaultFuzzyWeight,
		wSem:             DefaultSemWeight,
		titleBoost:       DefaultTitleBoost,
		minScore:         DefaultMinScore,
		switchMultiplier: DefaultSwitchMultiplier,
		temporalBoost:    DefaultTemporalBoost,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CurrentSlide returns the slide the matcher currently believes is shown,
// or 0 when none has been chosen yet.
func (m *Matcher) CurrentSlide() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Reset clears the temporal state, as if no utterance had been matched yet.
func (m *Matcher) Reset() {
	m.mu.Lock()
	m.current = 0
	m.mu.Unlock()
}

// candidate accumulates one slide's signal scores during a Match call.
type candidate struct {
	exact    float64
	fuzzy    float64
	semantic float64
	keywords map[string]struct{}
	titleHit bool
}

// Match scores text against all slides and returns the smoothed result.
// It never returns an error: disabled or failing signals contribute zero
// and the worst case is a no-match result.
func (m *Matcher) Match(ctx context.Context, text string, at time.Time) Result {
	tokens := Tokenize(text)
	if m.index == nil || len(tokens) == 0 {
		return Result{}
	}

	cands := make(map[int]*candidate)
	get := func(slideID int) *candidate {
		c, ok := cands[slideID]
		if !ok {
			c = &candidate{keywords: make(map[string]struct{})}
			cands[slideID] = c
		}
		return c
	}

	unmatched := m.scoreExact(tokens, get)
	m.scoreFuzzy(unmatched, get)
	m.scoreSemantic(ctx, text, get)

	if len(cands) == 0 {
		return Result{}
	}

	type scored struct {
		slideID int
		score   float64
		cand    *candidate
	}
	all := make([]scored, 0, len(cands))
	for id, c := range cands {
		all = append(all, scored{slideID: id, score: m.combine(id, c), cand: c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		if li, lj := len(all[i].cand.keywords), len(all[j].cand.keywords); li != lj {
			return li > lj
		}
		return all[i].slideID < all[j].slideID
	})
	best := all[0]

	m.mu.Lock()
	defer m.mu.Unlock()

	if best.score < m.minScore {
		// Nothing convincing this utterance; keep the incumbent as-is.
		return Result{}
	}

	chosen := best
	if m.current != 0 && best.slideID != m.current {
		incumbent := 0.0
		for _, s := range all {
			if s.slideID == m.current {
				incumbent = s.score
				break
			}
		}
		if best.score < m.switchMultiplier*(incumbent+m.temporalBoost) {
			// Challenger not decisive enough; report the incumbent.
			// The comparison guarantees the incumbent scored this call.
			for _, s := range all {
				if s.slideID == m.current {
					chosen = s
					break
				}
			}
		}
	}
	m.current = chosen.slideID

	res := Result{
		Matched:    true,
		SlideID:    chosen.slideID,
		Score:      chosen.score,
		Confidence: math.Min(chosen.score/10, 1.0),
		Keywords:   sortedKeys(chosen.cand.keywords),
	}
	if chosen.cand.exact > 0 {
		res.Signals = append(res.Signals, SignalExact)
	}
	if chosen.cand.fuzzy > 0 {
		res.Signals = append(res.Signals, SignalFuzzy)
	}
	if chosen.cand.semantic > 0 {
		res.Signals = append(res.Signals, SignalSemantic)
	}

	m.log.DebugContext(ctx, "slide matched",
		"presentation_id", m.index.PresentationID(),
		"slide_id", res.SlideID,
		"score", res.Score,
		"signals", res.Signals,
		"utterance_at", at)
	return res
}

// scoreExact accumulates inverted-index hits and returns the tokens that
// found no exact posting, for the fuzzy pass.
func (m *Matcher) scoreExact(tokens []string, get func(int) *candidate) []string {
	var unmatched []string
	for _, tok := range tokens {
		posts := m.index.Lookup(tok)
		if len(posts) == 0 {
			unmatched = append(unmatched, tok)
			continue
		}
		for _, p := range posts {
			c := get(p.SlideID)
			c.exact += p.Weight
			c.keywords[tok] = struct{}{}
			if meta, ok := m.index.Metadata(p.SlideID); ok && p.Position < meta.TitleSpan {
				c.titleHit = true
			}
		}
	}
	return unmatched
}

// scoreFuzzy compares exact-miss tokens against the slide keyword and
// reading lists. Keyword comparisons use Jaro-Winkler similarity alone.
// Reading comparisons additionally accept Double Metaphone code overlap,
// floored at the threshold, so phonetically identical spellings that differ
// too much textually still count.
func (m *Matcher) scoreFuzzy(tokens []string, get func(int) *candidate) {
	if len(tokens) == 0 {
		return
	}
	keywords := m.index.Keywords()
	readings := m.index.Readings()

	for _, tok := range tokens {
		for _, sk := range keywords {
			sim := matchr.JaroWinkler(tok, sk.Keyword, false)
			if sim < m.fuzzyThreshold {
				continue
			}
			c := get(sk.SlideID)
			c.fuzzy += sim * m.fuzzyDiscount
			c.keywords[sk.Keyword] = struct{}{}
		}

		tokCodes := metaphoneCodes(tok)
		for _, sk := range readings {
			sim := matchr.JaroWinkler(tok, sk.Keyword, false)
			if sim < m.fuzzyThreshold {
				if !codesOverlap(tokCodes, metaphoneCodes(sk.Keyword)) {
					continue
				}
				sim = m.fuzzyThreshold
			}
			c := get(sk.SlideID)
			c.fuzzy += sim * m.fuzzyDiscount
		}
	}
}

// scoreSemantic embeds the utterance and credits the top-K most similar
// slides. Any failure disables the signal for this call only.
func (m *Matcher) scoreSemantic(ctx context.Context, text string, get func(int) *candidate) {
	matrix, slideIDs, ok := m.index.Embeddings()
	if !ok {
		return
	}
	vec, err := m.index.Embed(ctx, text)
	if err != nil {
		m.log.WarnContext(ctx, "utterance embedding failed; semantic signal skipped", "error", err)
		return
	}

	type hit struct {
		slideID int
		sim     float64
	}
	var hits []hit
	for i, row := range matrix {
		sim := cosine(vec, row)
		if sim >= m.semThreshold {
			hits = append(hits, hit{slideID: slideIDs[i], sim: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if m.semTopK > 0 && len(hits) > m.semTopK {
		hits = hits[:m.semTopK]
	}
	for _, h := range hits {
		get(h.slideID).semantic += h.sim
	}
}

// combine folds one slide's signals into its final length-normalized score.
func (m *Matcher) combine(slideID int, c *candidate) float64 {
	raw := m.wExact*c.exact + m.wFuzzy*c.fuzzy + m.wSem*c.semantic
	if c.titleHit {
		raw *= m.titleBoost
	}
	norm := 1.0
	if meta, ok := m.index.Metadata(slideID); ok {
		if l := float64(meta.TextLength) / 100; l > norm {
			norm = l
		}
	}
	return raw / norm
}

// metaphoneCodes returns the non-empty Double Metaphone codes for word.
func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// cosine computes cosine similarity between two vectors. Mismatched or
// zero-norm vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

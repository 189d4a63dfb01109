package slidematch

import (
	"strings"
	"unicode"
)

// stopwords are dropped during tokenization. The index build pipeline applies
// the same list, so stopwords never appear as slide keywords either.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "in": {}, "is": {},
	"and": {}, "or": {}, "on": {}, "for": {}, "with": {}, "that": {},
	"this": {}, "it": {}, "as": {}, "are": {}, "be": {}, "we": {},
	"so": {}, "at": {}, "by": {}, "was": {}, "were": {}, "its": {},
}

// Tokenize splits an utterance into lowercase keyword tokens. Splitting
// happens on any rune that is neither a letter nor a digit, which handles
// Latin punctuation and CJK text uniformly. Stopwords and single ASCII
// letters are dropped; repeated tokens are preserved so term frequency
// carries into the exact signal.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	out := fields[:0]
	for _, f := range fields {
		if _, ok := stopwords[f]; ok {
			continue
		}
		if len(f) == 1 && f[0] < unicode.MaxASCII {
			continue
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

package matcher

import "regexp"

// RegexBackend runs each pattern independently with stdlib regexp. It is the
// required fallback when the vectorized automaton library isn't loadable,
// and is simple enough to also serve as the reference implementation tests
// compare the vectorized backend against.
type RegexBackend struct {
	patterns             []string
	compiled             []*regexp.Regexp
	maxMatchesPerPattern int // <= 0 means unlimited
}

// NewRegexBackend compiles every pattern with regexp.Compile. On the first
// pattern that fails, it returns *InvalidPatternError naming that pattern's
// index. maxMatchesPerPattern caps how many hits a single pattern can
// contribute per Scan; <= 0 means unlimited.
func NewRegexBackend(patterns []string, maxMatchesPerPattern int) (*RegexBackend, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &InvalidPatternError{Index: i, Message: err.Error()}
		}
		compiled[i] = re
	}
	return &RegexBackend{
		patterns:             patterns,
		compiled:             compiled,
		maxMatchesPerPattern: maxMatchesPerPattern,
	}, nil
}

func (b *RegexBackend) Scan(buffer []byte) ([]Match, error) {
	var out []Match
	limit := b.maxMatchesPerPattern
	if limit <= 0 {
		limit = -1
	}
	for id, re := range b.compiled {
		for _, span := range re.FindAllIndex(buffer, limit) {
			out = append(out, Match{
				ID:               id,
				From:             span[0],
				To:               span[1],
				OriginalPattern:  b.patterns[id],
				MatchedSubstring: string(buffer[span[0]:span[1]]),
			})
		}
	}
	return out, nil
}

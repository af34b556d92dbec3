package matcher

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"github.com/coregx/ahocorasick"
	"github.com/coregx/coregex"
	"github.com/gofrs/flock"
)

// VectorizedBackend compiles every literal-only pattern into a single
// Aho-Corasick automaton (the "block-mode" multi-pattern engine spec.md
// calls for) and keeps one coregex engine per pattern that uses regex
// metacharacters, since a literal alternation of thousands of raw patterns
// is what the automaton is good at and the rest still needs a real engine.
type VectorizedBackend struct {
	patterns []string

	// literalIdx[i] is the position in literals/automaton of pattern i, or
	// -1 if pattern i is handled by regexEngines instead.
	literalIdx []int
	literals   []string
	automaton  *ahocorasick.Automaton

	regexIdx     []int // indices into patterns, parallel to regexEngines
	regexEngines []*coregex.Regexp
}

// isLiteral reports whether p contains no regex metacharacters, i.e. can be
// matched as a plain substring and is eligible for the Aho-Corasick
// fast path instead of a per-pattern regex engine.
func isLiteral(p string) bool {
	return p == regexp.QuoteMeta(p)
}

// NewVectorizedBackend builds the automaton/engine set for patterns. On the
// first pattern that fails to compile as a regex, it returns
// *InvalidPatternError.
func NewVectorizedBackend(patterns []string) (*VectorizedBackend, error) {
	b := &VectorizedBackend{patterns: patterns, literalIdx: make([]int, len(patterns))}

	for i, p := range patterns {
		if isLiteral(p) {
			b.literalIdx[i] = len(b.literals)
			b.literals = append(b.literals, p)
			continue
		}
		b.literalIdx[i] = -1
		eng, err := coregex.Compile(p)
		if err != nil {
			return nil, &InvalidPatternError{Index: i, Message: err.Error()}
		}
		b.regexIdx = append(b.regexIdx, i)
		b.regexEngines = append(b.regexEngines, eng)
	}

	if len(b.literals) > 0 {
		automaton, err := ahocorasick.NewAutomaton(b.literals)
		if err != nil {
			return nil, fmt.Errorf("citadel: build aho-corasick automaton: %w", err)
		}
		b.automaton = automaton
	}

	return b, nil
}

func (b *VectorizedBackend) Scan(buffer []byte) ([]Match, error) {
	var out []Match

	if b.automaton != nil {
		hits := b.automaton.FindAll(buffer)
		for _, h := range hits {
			patternIdx := literalToPattern(b.literalIdx, h.Pattern)
			if patternIdx < 0 {
				continue
			}
			out = append(out, Match{
				ID:               patternIdx,
				From:             h.Start,
				To:               h.End,
				OriginalPattern:  b.patterns[patternIdx],
				MatchedSubstring: string(buffer[h.Start:h.End]),
			})
		}
	}

	for i, eng := range b.regexEngines {
		patternIdx := b.regexIdx[i]
		for _, m := range eng.FindAll(buffer) {
			out = append(out, Match{
				ID:               patternIdx,
				From:             m.Start,
				To:               m.End,
				OriginalPattern:  b.patterns[patternIdx],
				MatchedSubstring: string(buffer[m.Start:m.End]),
			})
		}
	}

	return out, nil
}

// literalToPattern maps an automaton-local literal index back to its
// position in the original pattern list.
func literalToPattern(literalIdx []int, automatonPattern int) int {
	seen := -1
	for patternIdx, li := range literalIdx {
		if li == automatonPattern {
			seen = patternIdx
			break
		}
	}
	return seen
}

// serializedDB is the on-disk shape written by SerializeWithHash: enough to
// rebuild a VectorizedBackend without recompiling every pattern from
// scratch. Regex-backed patterns still recompile at load (coregex engines
// aren't binary-serializable), but the literal majority — the automaton —
// loads directly.
type serializedDB struct {
	Patterns   []string
	LiteralIdx []int
	ACBytes    []byte
}

// SerializeWithHash writes the compiled automaton to dbPath and the SHA-256
// of patternsPath's contents to dbPath+".hash". The write is wrapped in an
// exclusive advisory file lock held for its entire duration so a concurrent
// reader never observes a half-written database.
func (b *VectorizedBackend) SerializeWithHash(dbPath, patternsPath string) error {
	lock := flock.New(dbPath + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("citadel: lock %s: %w", dbPath, err)
	}
	defer lock.Unlock()

	var acBytes []byte
	if b.automaton != nil {
		var err error
		acBytes, err = b.automaton.MarshalBinary()
		if err != nil {
			return fmt.Errorf("citadel: marshal automaton: %w", err)
		}
	}

	db := serializedDB{Patterns: b.patterns, LiteralIdx: b.literalIdx, ACBytes: acBytes}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(db); err != nil {
		return fmt.Errorf("citadel: encode database: %w", err)
	}
	if err := os.WriteFile(dbPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("citadel: write %s: %w", dbPath, err)
	}

	hash, err := hashFile(patternsPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dbPath+".hash", []byte(hash), 0o644); err != nil {
		return fmt.Errorf("citadel: write %s.hash: %w", dbPath, err)
	}
	return nil
}

// IsDatabaseValid reports whether dbPath and dbPath+".hash" both exist,
// patternsPath is non-empty, and the stored hash matches patternsPath's
// current contents. A shared lock is held while reading the hash file so a
// concurrent writer can't be observed mid-write.
func IsDatabaseValid(dbPath, patternsPath string) bool {
	if _, err := os.Stat(dbPath); err != nil {
		return false
	}
	patternsInfo, err := os.Stat(patternsPath)
	if err != nil || patternsInfo.Size() == 0 {
		return false
	}

	lock := flock.New(dbPath + ".lock")
	if err := lock.RLock(); err != nil {
		return false
	}
	defer lock.Unlock()

	stored, err := os.ReadFile(dbPath + ".hash")
	if err != nil {
		return false
	}
	current, err := hashFile(patternsPath)
	if err != nil {
		return false
	}
	return string(stored) == current
}

// LoadVectorizedBackend loads a previously serialized database, bypassing
// pattern recompilation for the automaton but still recompiling any
// regex-backed patterns (see serializedDB). A corrupted or unreadable
// database is reported as an error so the caller can discard it, recompile
// from patternsPath, and rewrite — per spec.md's corrupted-database edge
// case.
func LoadVectorizedBackend(dbPath string) (*VectorizedBackend, error) {
	raw, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, fmt.Errorf("citadel: read %s: %w", dbPath, err)
	}
	var db serializedDB
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&db); err != nil {
		return nil, fmt.Errorf("citadel: corrupted database %s: %w", dbPath, err)
	}

	b := &VectorizedBackend{patterns: db.Patterns, literalIdx: db.LiteralIdx}
	for i, p := range db.Patterns {
		if db.LiteralIdx[i] >= 0 {
			continue
		}
		eng, err := coregex.Compile(p)
		if err != nil {
			return nil, &InvalidPatternError{Index: i, Message: err.Error()}
		}
		b.regexIdx = append(b.regexIdx, i)
		b.regexEngines = append(b.regexEngines, eng)
	}
	for i, li := range db.LiteralIdx {
		if li >= 0 {
			b.literals = append(b.literals, db.Patterns[i])
		}
	}

	if len(db.ACBytes) > 0 {
		automaton := &ahocorasick.Automaton{}
		if err := automaton.UnmarshalBinary(db.ACBytes); err != nil {
			return nil, fmt.Errorf("citadel: corrupted automaton in %s: %w", dbPath, err)
		}
		b.automaton = automaton
	}

	return b, nil
}

func hashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("citadel: read %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

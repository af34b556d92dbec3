package matcher

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Config selects and tunes the backend a MultiPatternMatcher is built on.
type Config struct {
	Backend              string `yaml:"backend"` // "vectorized" or "regex"
	DatabasePath         string `yaml:"database_path"`
	MaxMatchesPerPattern int    `yaml:"max_matches_per_pattern"`
}

// Build constructs a MultiPatternMatcher for patterns under cfg. If
// cfg.Backend is "vectorized" and a valid serialized database exists at
// cfg.DatabasePath, it's loaded directly; otherwise the vectorized backend
// is compiled fresh from patterns. Any failure to construct or load the
// vectorized backend falls back to the regex backend rather than erroring
// out at startup, per spec.md's backend-selection contract.
func Build(patterns []string, patternsPath string, cfg Config) (*MultiPatternMatcher, error) {
	if cfg.Backend == "vectorized" {
		if backend, ok := tryVectorized(patterns, patternsPath, cfg.DatabasePath); ok {
			return New(backend, patterns), nil
		}
	}

	regexBackend, err := NewRegexBackend(patterns, cfg.MaxMatchesPerPattern)
	if err != nil {
		return nil, err
	}
	return New(regexBackend, patterns), nil
}

func tryVectorized(patterns []string, patternsPath, dbPath string) (*VectorizedBackend, bool) {
	if dbPath != "" && IsDatabaseValid(dbPath, patternsPath) {
		backend, err := LoadVectorizedBackend(dbPath)
		if err == nil {
			return backend, true
		}
		slog.Warn("vectorized database failed to load, recompiling", "path", dbPath, "error", err)
	}

	backend, err := NewVectorizedBackend(patterns)
	if err != nil {
		slog.Warn("vectorized backend unavailable, falling back to regex backend", "error", err)
		return nil, false
	}

	if dbPath != "" && patternsPath != "" {
		if err := backend.SerializeWithHash(dbPath, patternsPath); err != nil {
			slog.Warn("failed to persist vectorized database", "path", dbPath, "error", err)
		}
	}
	return backend, true
}

// CompileCommand implements the `compile-regex` CLI verb: it compiles
// patternsPath into a fresh vectorized database at dbPath, overwriting any
// existing one only when force is true or the existing one is invalid.
// It returns a process exit code: 0 on success, 1 on failure.
func CompileCommand(patternsPath, dbPath string, force bool) int {
	patterns, err := ReadPatternsFile(patternsPath)
	if err != nil {
		slog.Error("compile-regex: read patterns", "error", err)
		return 1
	}
	if len(patterns) == 0 {
		slog.Error("compile-regex: patterns file is empty", "path", patternsPath)
		return 1
	}

	if !force && IsDatabaseValid(dbPath, patternsPath) {
		slog.Info("compile-regex: database already up to date", "path", dbPath)
		return 0
	}

	backend, err := NewVectorizedBackend(patterns)
	if err != nil {
		slog.Error("compile-regex: compile patterns", "error", err)
		return 1
	}
	if err := backend.SerializeWithHash(dbPath, patternsPath); err != nil {
		slog.Error("compile-regex: serialize database", "error", err)
		return 1
	}

	slog.Info("compile-regex: wrote database", "path", dbPath, "patterns", len(patterns))
	return 0
}

// ReadPatternsFile reads one pattern per non-empty, non-comment line.
func ReadPatternsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("citadel: open %s: %w", path, err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("citadel: scan %s: %w", path, err)
	}
	return patterns, nil
}

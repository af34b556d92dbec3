// Command citadel-compile implements the compile-regex CLI verb: it
// compiles a patterns file into a serialized vectorized-matcher database,
// skipping the work if the existing database's hash already matches.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/citadel-fw/citadel/internal/matcher"
)

func main() {
	patternsPath := flag.String("patterns", "", "path to the patterns file")
	dbPath := flag.String("path", "", "path to write the serialized database")
	force := flag.Bool("force", false, "recompile even if the existing database is valid")
	flag.Parse()

	runID := uuid.NewString()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("run_id", runID)
	slog.SetDefault(logger)

	if *patternsPath == "" || *dbPath == "" {
		slog.Error("compile-regex: --patterns and --path are both required")
		os.Exit(1)
	}

	slog.Info("compile-regex: starting", "patterns", *patternsPath, "database", *dbPath, "force", *force)
	code := matcher.CompileCommand(*patternsPath, *dbPath, *force)
	os.Exit(code)
}

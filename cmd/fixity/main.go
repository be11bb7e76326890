// fixity - Hash verification and provenance for forensic evidence containers
//
//	fixity verify <container>      Verify a container against its reference hashes
//	fixity batch <container...>    Verify several containers as one batch
//	fixity segments <container>    Verify a segmented container piece by piece
//	fixity report <container...>   Verify and write a case-file report
//	fixity history <container>     Show the recorded hash history
//	fixity candidates <container>  Show reference hashes discovered for a container
//	fixity export <output.json>    Export hash histories as a portable document
//	fixity import <input.json>     Import a previously exported document
//	fixity status                  Show configuration and session summary
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fixity/internal/batch"
	"fixity/internal/config"
	"fixity/internal/digest"
	"fixity/internal/engine"
	"fixity/internal/logging"
	"fixity/internal/reconcile"
	"fixity/internal/report"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "verify":
		cmdVerify()
	case "batch":
		cmdBatch()
	case "segments":
		cmdSegments()
	case "report":
		cmdReport()
	case "history":
		cmdHistory()
	case "candidates":
		cmdCandidates()
	case "export":
		cmdExport()
	case "import":
		cmdImport()
	case "status":
		cmdStatus()
	case "version":
		fmt.Printf("fixity %s (commit: %s, built: %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`fixity - Hash verification and provenance for evidence containers

USAGE:
    fixity <command> [options]

COMMANDS:
    verify <container>       Verify a container against its reference hashes
    batch <container...>     Verify several containers as one batch
    segments <container>     Verify a segmented container piece by piece
    report <container...>    Verify and write a case-file report
    history <container>      Show the recorded hash history for a container
    candidates <container>   Show reference hashes discovered for a container
    export <output.json>     Export hash histories as a portable document
    import <input.json>      Import a previously exported document
    status                   Show configuration and session summary
    version                  Print version information
    help                     Show this help message

Each container is identified by its base filename. Reference hashes are
picked up automatically from sidecar files next to the container
(<name>.hashes.json, acquisition logs, device manifests).

Run 'fixity <command> -h' for command-specific options.`)
}

// loadConfig loads the configuration, exiting on failure.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// resolveAlgorithm picks the hash algorithm from the flag or config.
func resolveAlgorithm(flagValue string, cfg *config.Config) digest.Algorithm {
	name := flagValue
	if name == "" {
		name = cfg.Engine.Algorithm
	}
	alg := digest.Normalize(name)
	if !alg.Known() {
		fmt.Fprintf(os.Stderr, "Unknown algorithm: %s\n", name)
		os.Exit(1)
	}
	return alg
}

// openEngine builds an engine backed by the configured session database
// so verification results persist across invocations.
func openEngine(cfg *config.Config) *engine.Engine {
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing data directories: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(&logging.Config{
		Level:  logging.LevelWarn,
		Format: logging.FormatText,
		Output: "stderr",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}

	opts := []engine.Option{
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithSessionPath(cfg.Session.DatabasePath),
		engine.WithLogger(log),
	}

	if cfg.Audit.Enabled {
		audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath: cfg.Audit.Path,
			Examiner: cfg.Audit.Examiner,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening audit trail: %v\n", err)
			os.Exit(1)
		}
		audit.SetCaseID(cfg.Audit.CaseID)
		opts = append(opts, engine.WithAudit(audit))
	}

	eng, err := engine.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening engine: %v\n", err)
		os.Exit(1)
	}
	return eng
}

// closeEngine saves the session before the process exits.
func closeEngine(eng *engine.Engine) {
	if err := eng.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving session: %v\n", err)
	}
}

func cmdVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	algFlag := fs.String("algorithm", "", "hash algorithm (default from config)")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity verify [options] <container>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg := loadConfig(*configPath)
	alg := resolveAlgorithm(*algFlag, cfg)
	eng := openEngine(cfg)

	res, err := eng.VerifyFile(context.Background(), path, alg)
	if err != nil {
		closeEngine(eng)
		fmt.Fprintf(os.Stderr, "Verification error: %v\n", err)
		os.Exit(1)
	}
	closeEngine(eng)

	if *jsonOut {
		printJSON(fileResultJSON(res))
	} else {
		printFileResult(path, res)
	}

	if res.State == batch.StateFailed || res.Outcome == reconcile.Mismatch {
		os.Exit(1)
	}
}

// printFileResult renders a single verification result.
func printFileResult(path string, res batch.FileResult) {
	fmt.Println("=== Verification Result ===")
	fmt.Printf("Container:   %s\n", path)
	if res.Digest != nil {
		fmt.Printf("Algorithm:   %s\n", res.Digest.Algorithm)
		fmt.Printf("Computed:    %s\n", res.Digest.Value)
	}
	if res.FellBack {
		fmt.Println("Note:        unsupported container format, hashed as a raw byte stream")
	}

	switch {
	case res.State == batch.StateFailed:
		fmt.Println("\n✗ Verification FAILED")
		if res.Err != nil {
			fmt.Printf("  Error: %v\n", res.Err)
		}
	case res.Outcome == reconcile.Match:
		fmt.Println("\n✓ Verification PASSED")
		if res.Reference != nil {
			fmt.Printf("  Matched reference: %s\n", res.Reference.Value)
		}
		if !res.VerifiedAt.IsZero() {
			fmt.Printf("  Verified at:       %s\n", res.VerifiedAt.Format(time.RFC3339))
		}
	case res.Outcome == reconcile.Mismatch:
		fmt.Println("\n✗ Verification FAILED: hash mismatch")
		if res.Reference != nil {
			fmt.Printf("  Expected: %s\n", res.Reference.Value)
		}
		if res.Digest != nil {
			fmt.Printf("  Computed: %s\n", res.Digest.Value)
		}
	default:
		fmt.Println("\n? No reference hash available")
		fmt.Println("  The computed digest was recorded for future comparison.")
	}
}

// fileResultJSON flattens a FileResult for stable JSON output.
func fileResultJSON(res batch.FileResult) map[string]any {
	out := map[string]any{
		"file_id":   res.FileID,
		"state":     string(res.State),
		"fell_back": res.FellBack,
	}
	if res.Digest != nil {
		out["algorithm"] = string(res.Digest.Algorithm)
		out["digest"] = res.Digest.Value
	}
	if res.Outcome != "" {
		out["outcome"] = string(res.Outcome)
	}
	if res.Reference != nil {
		out["reference"] = res.Reference.Value
	}
	if !res.VerifiedAt.IsZero() {
		out["verified_at"] = res.VerifiedAt.Format(time.RFC3339)
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	return out
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func cmdBatch() {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	algFlag := fs.String("algorithm", "", "hash algorithm (default from config)")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity batch [options] <container...>")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	alg := resolveAlgorithm(*algFlag, cfg)
	eng := openEngine(cfg)

	b, err := eng.SubmitBatch(context.Background(), alg, fs.Args())
	if err != nil {
		closeEngine(eng)
		fmt.Fprintf(os.Stderr, "Error submitting batch: %v\n", err)
		os.Exit(1)
	}

	var results []map[string]any
	for res := range b.Results() {
		if *jsonOut {
			results = append(results, fileResultJSON(res))
			continue
		}
		fmt.Printf("%s %-30s %s\n", outcomeMark(res), res.FileID, resultSummary(res))
	}

	counts := b.Counts()
	closeEngine(eng)

	if *jsonOut {
		printJSON(map[string]any{
			"batch_id":  b.ID(),
			"algorithm": string(alg),
			"verified":  counts.Verified,
			"failed":    counts.Failed,
			"files":     results,
		})
	} else {
		fmt.Printf("\n%d verified, %d failed (batch %s)\n", counts.Verified, counts.Failed, b.ID())
	}

	if counts.Failed > 0 {
		os.Exit(1)
	}
}

func cmdReport() {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	algFlag := fs.String("algorithm", "", "hash algorithm (default from config)")
	formatFlag := fs.String("format", "text", "report format: text, json, markdown, html")
	output := fs.String("output", "", "write the report to a file (default stdout)")
	verbose := fs.Bool("verbose", false, "include reference candidates and recorded history")
	title := fs.String("title", "FIXITY HASH VERIFICATION REPORT", "report title")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity report [options] <container...>")
		os.Exit(1)
	}

	format, err := report.ParseFormat(*formatFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	alg := resolveAlgorithm(*algFlag, cfg)
	eng := openEngine(cfg)

	start := time.Now()
	b, err := eng.SubmitBatch(context.Background(), alg, fs.Args())
	if err != nil {
		closeEngine(eng)
		fmt.Fprintf(os.Stderr, "Error submitting batch: %v\n", err)
		os.Exit(1)
	}

	paths := make(map[string]string, fs.NArg())
	for _, p := range fs.Args() {
		paths[filepath.Base(p)] = p
	}

	rep := report.New(*title, "fixity "+version)
	rep.Examiner = cfg.Audit.Examiner
	rep.CaseID = cfg.Audit.CaseID
	rep.Algorithm = string(alg)

	for res := range b.Results() {
		path := paths[res.FileID]
		if *verbose {
			rep.AddResult(res, path, eng.Candidates(path, alg), eng.History(res.FileID))
		} else {
			rep.AddResult(res, path, nil, nil)
		}
	}
	rep.Duration = time.Since(start)

	closeEngine(eng)

	out := os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", *output, err)
			os.Exit(1)
		}
		out = f
	}

	gen := report.NewGenerator(format).WithVerbose(*verbose)
	if err := gen.Generate(rep, out); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}
	if out != os.Stdout {
		out.Close()
		fmt.Fprintln(os.Stderr, rep.Summary())
	}

	if !rep.Clean {
		os.Exit(1)
	}
}

// outcomeMark returns the single-character outcome marker.
func outcomeMark(res batch.FileResult) string {
	switch {
	case res.State == batch.StateFailed:
		return "✗"
	case res.Outcome == reconcile.Match:
		return "✓"
	case res.Outcome == reconcile.Mismatch:
		return "✗"
	default:
		return "?"
	}
}

// resultSummary renders the one-line tail of a batch result row.
func resultSummary(res batch.FileResult) string {
	if res.State == batch.StateFailed {
		if res.Err != nil {
			return fmt.Sprintf("failed: %v", res.Err)
		}
		return "failed"
	}
	var parts []string
	if res.Digest != nil {
		parts = append(parts, res.Digest.String())
	}
	parts = append(parts, string(res.Outcome))
	if res.FellBack {
		parts = append(parts, "(raw fallback)")
	}
	return strings.Join(parts, "  ")
}

func cmdSegments() {
	fs := flag.NewFlagSet("segments", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	algFlag := fs.String("algorithm", "", "hash algorithm (default from config)")
	jsonOut := fs.Bool("json", false, "print results as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity segments [options] <container>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg := loadConfig(*configPath)
	alg := resolveAlgorithm(*algFlag, cfg)
	eng := openEngine(cfg)

	results, summary, err := eng.VerifySegments(context.Background(), path, alg, nil)
	closeEngine(eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Segment verification error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		printJSON(map[string]any{
			"file_id":    summary.FileID,
			"algorithm":  string(summary.Algorithm),
			"total":      summary.Total,
			"matches":    summary.Matches,
			"mismatches": summary.Mismatches,
			"unknowns":   summary.Unknowns,
			"failed":     summary.Failed,
			"segments":   results,
		})
	} else {
		fmt.Println("=== Segment Verification ===")
		for _, r := range results {
			mark := "?"
			switch r.Outcome {
			case reconcile.Match:
				mark = "✓"
			case reconcile.Mismatch:
				mark = "✗"
			}
			fmt.Printf("%s %-24s %s\n", mark, r.Label, r.Computed.Value)
		}
		fmt.Printf("\n%d segments: %d match, %d mismatch, %d unknown\n",
			summary.Total, summary.Matches, summary.Mismatches, summary.Unknowns)
	}

	if summary.Failed {
		os.Exit(1)
	}
}

func cmdHistory() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	jsonOut := fs.Bool("json", false, "print history as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity history [options] <container>")
		os.Exit(1)
	}
	fileID := filepath.Base(fs.Arg(0))

	cfg := loadConfig(*configPath)
	eng := openEngine(cfg)
	records := eng.History(fileID)
	closeEngine(eng)

	if len(records) == 0 {
		fmt.Printf("No hash history recorded for %s.\n", fileID)
		return
	}

	if *jsonOut {
		printJSON(records)
		return
	}

	fmt.Printf("=== Hash History: %s ===\n", fileID)
	fmt.Printf("%-10s %-9s %-20s %-9s %s\n", "ORIGIN", "ALG", "COMPUTED AT", "RESULT", "DIGEST")
	fmt.Println(strings.Repeat("-", 88))
	for _, rec := range records {
		when := "-"
		if !rec.ComputedAt.IsZero() {
			when = rec.ComputedAt.Format("2006-01-02 15:04:05")
		}
		result := "-"
		if rec.Verification != nil {
			switch rec.Verification.Result {
			case digest.ResultMatch:
				result = "✓ match"
			case digest.ResultMismatch:
				result = "✗ differ"
			}
		}
		label := rec.Value
		if len(label) > 32 {
			label = label[:32] + "..."
		}
		if rec.SegmentLabel != "" {
			label += " [" + rec.SegmentLabel + "]"
		}
		fmt.Printf("%-10s %-9s %-20s %-9s %s\n", rec.Origin, rec.Algorithm, when, result, label)
	}
}

func cmdCandidates() {
	fs := flag.NewFlagSet("candidates", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	algFlag := fs.String("algorithm", "", "hash algorithm (default from config)")
	jsonOut := fs.Bool("json", false, "print candidates as JSON")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity candidates [options] <container>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg := loadConfig(*configPath)
	alg := resolveAlgorithm(*algFlag, cfg)
	eng := openEngine(cfg)
	cands := eng.Candidates(path, alg)
	closeEngine(eng)

	if len(cands) == 0 {
		fmt.Printf("No %s reference hashes found for %s.\n", alg, filepath.Base(path))
		return
	}

	if *jsonOut {
		printJSON(cands)
		return
	}

	fmt.Printf("=== Reference Hashes: %s (%s) ===\n", filepath.Base(path), alg)
	for i, c := range cands {
		fmt.Printf("%d. %s\n", i+1, c.Value)
		fmt.Printf("   origin: %s", c.Origin)
		if c.Filename != "" {
			fmt.Printf("  file: %s", c.Filename)
		}
		if c.Timestamp != "" {
			fmt.Printf("  recorded: %s", c.Timestamp)
		}
		if c.Verified != nil {
			fmt.Printf("  verified: %t", *c.Verified)
		}
		fmt.Println()
	}
	fmt.Println("\nThe first entry is what verification would compare against.")
}

func cmdExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity export [options] <output.json>")
		os.Exit(1)
	}
	outputPath := fs.Arg(0)

	cfg := loadConfig(*configPath)
	eng := openEngine(cfg)

	var w io.Writer = os.Stdout
	dest := "stdout"
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			closeEngine(eng)
			fmt.Fprintf(os.Stderr, "Error creating output file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
		dest = outputPath
	}

	n, err := eng.ExportHistory(context.Background(), w, dest)
	closeEngine(eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export error: %v\n", err)
		os.Exit(1)
	}

	if outputPath != "-" {
		fmt.Printf("Exported hash histories for %d files to %s\n", n, outputPath)
	}
}

func cmdImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: fixity import [options] <input.json>")
		os.Exit(1)
	}
	inputPath := fs.Arg(0)

	f, err := os.Open(inputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening input file: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	eng := openEngine(cfg)

	n, err := eng.ImportHistory(context.Background(), f, inputPath)
	f.Close()
	closeEngine(eng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Imported %d hash records from %s\n", n, inputPath)
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg := loadConfig(*configPath)

	fmt.Println("=== fixity Status ===")
	fmt.Println()

	// Check if the watch daemon is running
	pidPath := filepath.Join(config.FixityDir(), "fixitywatch.pid")
	pidData, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Println("Watch Daemon: NOT RUNNING")
	} else {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if processExists(pid) {
			fmt.Printf("Watch Daemon: RUNNING (PID %d)\n", pid)
		} else {
			fmt.Printf("Watch Daemon: STALE PID FILE (PID %d not found)\n", pid)
		}
	}
	fmt.Println()

	fmt.Println("Engine:")
	fmt.Printf("  Algorithm: %s\n", cfg.Engine.Algorithm)
	if cfg.Engine.Workers == 0 {
		fmt.Println("  Workers:   one per CPU")
	} else {
		fmt.Printf("  Workers:   %d\n", cfg.Engine.Workers)
	}
	fmt.Println()

	fmt.Println("Watched Paths:")
	if len(cfg.Intake.Paths) == 0 {
		fmt.Println("  (none configured)")
	} else {
		for _, p := range cfg.Intake.Paths {
			fmt.Printf("  - %s\n", p)
		}
	}
	fmt.Println()

	fmt.Println("Session:")
	if _, err := os.Stat(cfg.Session.DatabasePath); os.IsNotExist(err) {
		fmt.Println("  No session database found")
	} else {
		eng := openEngine(cfg)
		files := eng.Files()
		closeEngine(eng)
		fmt.Printf("  Database:      %s\n", cfg.Session.DatabasePath)
		fmt.Printf("  Files tracked: %d\n", len(files))
		if info, err := os.Stat(cfg.Session.DatabasePath); err == nil {
			fmt.Printf("  Database size: %s\n", formatBytes(info.Size()))
		}
	}
	fmt.Println()

	fmt.Println("Audit Trail:")
	if cfg.Audit.Enabled {
		fmt.Printf("  Enabled: %s\n", cfg.Audit.Path)
		if cfg.Audit.Examiner != "" {
			fmt.Printf("  Examiner: %s\n", cfg.Audit.Examiner)
		}
		if cfg.Audit.CaseID != "" {
			fmt.Printf("  Case: %s\n", cfg.Audit.CaseID)
		}
	} else {
		fmt.Println("  Disabled")
	}
	fmt.Println()

	fmt.Println("Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  Listening on %s\n", cfg.Metrics.Listen)
	} else {
		fmt.Println("  Disabled")
	}
}

// Helper functions

func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds. Send signal 0 to check.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

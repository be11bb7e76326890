//go:build integration

// Package integration exercises the whole verification pipeline end to
// end: containers dropped on disk, sidecar references beside them, the
// engine reconciling both, and the session carrying history across
// restarts.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fixity/internal/batch"
	"fixity/internal/digest"
	"fixity/internal/engine"
)

// TestEnv is a live verification pipeline rooted in a temp directory.
type TestEnv struct {
	T       *testing.T
	Ctx     context.Context
	Cancel  context.CancelFunc
	TempDir string
	DropDir string
	DataDir string

	Engine    *engine.Engine
	Algorithm digest.Algorithm
}

// NewTestEnv builds a drop directory, a data directory, and an engine
// with a persistent session underneath them.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	tempDir := t.TempDir()
	dropDir := filepath.Join(tempDir, "drop")
	dataDir := filepath.Join(tempDir, "data")
	for _, dir := range []string{dropDir, dataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	env := &TestEnv{
		T:         t,
		Ctx:       ctx,
		Cancel:    cancel,
		TempDir:   tempDir,
		DropDir:   dropDir,
		DataDir:   dataDir,
		Algorithm: digest.SHA256,
	}
	env.OpenEngine()
	return env
}

// OpenEngine opens (or reopens) the engine over the same session file.
func (env *TestEnv) OpenEngine() {
	env.T.Helper()
	eng, err := engine.New(
		engine.WithWorkers(2),
		engine.WithSessionPath(env.SessionPath()),
	)
	if err != nil {
		env.T.Fatalf("failed to open engine: %v", err)
	}
	env.Engine = eng
}

// SessionPath is the session database under the data directory.
func (env *TestEnv) SessionPath() string {
	return filepath.Join(env.DataDir, "session.db")
}

// Cleanup closes the engine and cancels the environment context.
func (env *TestEnv) Cleanup() {
	if env.Engine != nil {
		env.Engine.Close()
	}
	env.Cancel()
}

// WriteContainer drops a raw container into the drop directory and
// returns its path.
func (env *TestEnv) WriteContainer(name string, content []byte) string {
	env.T.Helper()
	path := filepath.Join(env.DropDir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		env.T.Fatalf("failed to write container %s: %v", name, err)
	}
	return path
}

// WriteHashSidecar writes <container>.hashes.json next to the container
// with a single sha256 assertion.
func (env *TestEnv) WriteHashSidecar(containerPath, hexDigest string) {
	env.T.Helper()
	doc := map[string]any{
		"file": filepath.Base(containerPath),
		"hashes": []map[string]any{{
			"algorithm":   "sha256",
			"digest":      hexDigest,
			"computed_at": time.Now().UTC().Format(time.RFC3339),
		}},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		env.T.Fatalf("failed to marshal sidecar: %v", err)
	}
	if err := os.WriteFile(containerPath+".hashes.json", data, 0644); err != nil {
		env.T.Fatalf("failed to write sidecar: %v", err)
	}
}

// SubmitAndWait runs one batch over the given containers and returns
// the drained results keyed by file ID.
func (env *TestEnv) SubmitAndWait(paths ...string) map[string]batch.FileResult {
	env.T.Helper()
	b, err := env.Engine.SubmitBatch(env.Ctx, env.Algorithm, paths)
	if err != nil {
		env.T.Fatalf("failed to submit batch: %v", err)
	}
	results := make(map[string]batch.FileResult, len(paths))
	for res := range b.Results() {
		results[res.FileID] = res
	}
	return results
}

// SHA256Hex returns the hex sha256 digest of content.
func SHA256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// AssertNoError fails the test if err is non-nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but got nil", msg)
	}
}

// AssertEqual fails the test if expected != actual.
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertNotEqual fails the test if expected == actual.
func AssertNotEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected == actual {
		t.Fatalf("%s: expected values to differ, both were %v", msg, actual)
	}
}

// AssertTrue fails the test if condition is false.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true", msg)
	}
}

// AssertFalse fails the test if condition is true.
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false", msg)
	}
}

// AssertValidHistory checks the structural invariants every recorded
// history obeys: algorithm and value present, a computation time, and
// a known origin.
func AssertValidHistory(t *testing.T, records []digest.HashRecord) {
	t.Helper()
	for i, rec := range records {
		if rec.Algorithm == "" || rec.Value == "" {
			t.Fatalf("record %d missing algorithm or value: %+v", i, rec)
		}
		if rec.ComputedAt.IsZero() {
			t.Fatalf("record %d missing computation time", i)
		}
		switch rec.Origin {
		case digest.OriginComputed, digest.OriginStored, digest.OriginImported:
		default:
			t.Fatalf("record %d has unknown origin %q", i, rec.Origin)
		}
	}
}

//go:build integration

package integration

import (
	"bytes"
	"strings"
	"testing"

	"fixity/internal/digest"
	"fixity/internal/engine"
	"fixity/internal/reconcile"
)

// TestFullVerificationFlow drives the pipeline end to end: containers
// with sidecar references, one tampered container, a bare container
// with no references, history accumulating over repeat runs, session
// persistence across a reopen, and an export/import round trip into a
// fresh session.
func TestFullVerificationFlow(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	good := []byte("disk image: clean acquisition")
	tampered := []byte("disk image: altered after acquisition")
	bare := []byte("disk image: nobody wrote references down")

	goodPath := env.WriteContainer("disk01.dd", good)
	env.WriteHashSidecar(goodPath, SHA256Hex(good))

	tamperedPath := env.WriteContainer("disk02.dd", tampered)
	env.WriteHashSidecar(tamperedPath, SHA256Hex([]byte("what the sidecar claims")))

	barePath := env.WriteContainer("disk03.dd", bare)

	t.Run("first_pass", func(t *testing.T) {
		results := env.SubmitAndWait(goodPath, tamperedPath, barePath)

		AssertEqual(t, reconcile.Match, results["disk01.dd"].Outcome, "clean container should match its sidecar")
		AssertEqual(t, reconcile.Mismatch, results["disk02.dd"].Outcome, "tampered container should mismatch")
		AssertEqual(t, reconcile.Unknown, results["disk03.dd"].Outcome, "bare container has nothing to check against")
		AssertTrue(t, results["disk02.dd"].Reference != nil, "mismatch should carry the contradicted reference")
		AssertEqual(t, SHA256Hex(good), results["disk01.dd"].Digest.Value, "computed digest should be the file's sha256")
	})

	t.Run("history_appends_never_dedups", func(t *testing.T) {
		first := env.Engine.History("disk01.dd")
		AssertEqual(t, 1, len(first), "one record after one pass")
		AssertValidHistory(t, first)

		results := env.SubmitAndWait(goodPath)
		AssertEqual(t, reconcile.Match, results["disk01.dd"].Outcome, "unchanged container still matches")

		second := env.Engine.History("disk01.dd")
		AssertEqual(t, 2, len(second), "identical digest appends a second record")
		AssertEqual(t, digest.OriginComputed, second[0].Origin, "computed records carry their origin")
		AssertEqual(t, second[0].Value, second[1].Value, "both records hold the same digest")
		AssertValidHistory(t, second)
	})

	t.Run("bare_container_self_matches_on_rerun", func(t *testing.T) {
		results := env.SubmitAndWait(barePath)
		AssertEqual(t, reconcile.Match, results["disk03.dd"].Outcome,
			"second pass verifies against the first pass's record")
	})

	t.Run("session_survives_reopen", func(t *testing.T) {
		AssertNoError(t, env.Engine.Close(), "close should save the session")
		env.OpenEngine()

		history := env.Engine.History("disk01.dd")
		AssertEqual(t, 2, len(history), "history should survive a reopen")
		AssertValidHistory(t, history)
	})

	t.Run("export_import_round_trip", func(t *testing.T) {
		var buf bytes.Buffer
		files, err := env.Engine.ExportHistory(env.Ctx, &buf, "integration-test")
		AssertNoError(t, err, "export should succeed")
		AssertEqual(t, 3, files, "export should cover all three containers")
		AssertTrue(t, strings.Contains(buf.String(), "disk01.dd"), "export names the files")

		fresh, err := engine.New()
		AssertNoError(t, err, "fresh engine should open")
		defer fresh.Close()

		imported, err := fresh.ImportHistory(env.Ctx, bytes.NewReader(buf.Bytes()), "integration-test")
		AssertNoError(t, err, "import should succeed")
		AssertTrue(t, imported > 0, "import should restore records")

		restored := fresh.History("disk01.dd")
		AssertEqual(t, 2, len(restored), "imported history keeps its length")
		for _, rec := range restored {
			AssertEqual(t, digest.OriginImported, rec.Origin, "imported records are marked imported")
		}
		AssertValidHistory(t, restored)
	})

	t.Run("import_rejects_garbage", func(t *testing.T) {
		fresh, err := engine.New()
		AssertNoError(t, err, "fresh engine should open")
		defer fresh.Close()

		_, err = fresh.ImportHistory(env.Ctx, strings.NewReader(`{"not": "a history"}`), "garbage")
		AssertError(t, err, "import must reject documents that fail validation")
		AssertEqual(t, 0, len(fresh.Files()), "a rejected import leaves nothing behind")
	})
}

// TestSegmentedVerificationFlow verifies a split raw set piece by piece
// against per-segment digests scraped from the acquisition log.
func TestSegmentedVerificationFlow(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	part1 := []byte("first half of the image........")
	part2 := []byte("second half of the image.......")
	p1 := env.WriteContainer("disk.001", part1)
	env.WriteContainer("disk.002", part2)

	log := "acquisition finished: 2026-03-14T09:00:00Z\n" +
		"disk.001 : " + SHA256Hex(part1) + "\n" +
		"disk.002 : " + SHA256Hex(part2) + "\n"
	env.WriteContainer("disk.log", []byte(log))

	results, summary, err := env.Engine.VerifySegments(env.Ctx, p1, env.Algorithm, nil)
	AssertNoError(t, err, "segment verification should run")
	AssertEqual(t, 2, len(results), "both segments should be verified")
	AssertEqual(t, 2, summary.Total, "summary counts both segments")
	AssertEqual(t, 2, summary.Matches, "both segments should match the log")
	AssertFalse(t, summary.Failed, "a fully matching set has not failed")

	for _, res := range results {
		AssertEqual(t, reconcile.Match, res.Outcome, "segment "+res.Label+" should match")
	}

	t.Run("tampered_segment_fails_the_set", func(t *testing.T) {
		env.WriteContainer("disk.002", []byte("second half, quietly rewritten"))

		_, summary, err := env.Engine.VerifySegments(env.Ctx, p1, env.Algorithm, nil)
		AssertNoError(t, err, "verification itself should still run")
		AssertEqual(t, 1, summary.Mismatches, "the rewritten segment should mismatch")
		AssertTrue(t, summary.Failed, "any mismatch fails the whole set")
	})
}

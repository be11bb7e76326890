//go:build integration

package integration

import (
	"testing"
	"time"

	"fixity/internal/container"
	"fixity/internal/intake"
	"fixity/internal/reconcile"
)

// TestIntakeToVerification drops a container into a watched directory
// and follows it through arrival detection into a verified batch, the
// way the watch daemon strings the pieces together.
func TestIntakeToVerification(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	in, err := intake.New([]string{env.DropDir},
		intake.WithDebounce(50*time.Millisecond),
		intake.WithMinStable(0),
	)
	AssertNoError(t, err, "intake should construct")
	AssertNoError(t, in.Start(), "intake should start")
	defer in.Stop()

	content := []byte("imaged over the evidence network")
	path := env.WriteContainer("drive07.dd", content)
	env.WriteHashSidecar(path, SHA256Hex(content))

	var arrival intake.Arrival
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case a := <-in.Arrivals():
			if a.Path == path {
				arrival = a
				break wait
			}
		case err := <-in.Errors():
			t.Fatalf("intake error: %v", err)
		case <-deadline:
			t.Fatal("container never settled")
		}
	}

	AssertEqual(t, container.FormatRaw, arrival.Format, "a .dd container is raw")
	AssertEqual(t, int64(len(content)), arrival.Size, "arrival reports the settled size")

	results := env.SubmitAndWait(arrival.Path)
	AssertEqual(t, reconcile.Match, results["drive07.dd"].Outcome,
		"arrived container should verify against its sidecar")

	history := env.Engine.History("drive07.dd")
	AssertEqual(t, 1, len(history), "the pass is on record")
	AssertValidHistory(t, history)
}

// TestIntakeIgnoresSidecars checks that reference files dropped next to
// a container never surface as arrivals themselves.
func TestIntakeIgnoresSidecars(t *testing.T) {
	env := NewTestEnv(t)
	defer env.Cleanup()

	in, err := intake.New([]string{env.DropDir},
		intake.WithDebounce(50*time.Millisecond),
		intake.WithMinStable(0),
	)
	AssertNoError(t, err, "intake should construct")
	AssertNoError(t, in.Start(), "intake should start")
	defer in.Stop()

	content := []byte("the only real container here")
	path := env.WriteContainer("disk.dd", content)
	env.WriteHashSidecar(path, SHA256Hex(content))
	env.WriteContainer("disk.log", []byte("MD5 checksum: d41d8cd98f00b204e9800998ecf8427e\n"))

	seen := make(map[string]int)
	deadline := time.After(3 * time.Second)
collect:
	for {
		select {
		case a := <-in.Arrivals():
			seen[a.Path]++
		case <-deadline:
			break collect
		}
	}

	AssertEqual(t, 1, len(seen), "only the container itself should arrive")
	AssertEqual(t, 1, seen[path], "and it should arrive exactly once")
}

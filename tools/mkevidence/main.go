// Command mkevidence populates a directory with sample evidence
// containers for exercising fixity by hand.
//
// It writes raw containers with correct sidecars, one container whose
// sidecar deliberately contradicts its bytes, one with no references
// at all, a split raw set with per-segment digests in an acquisition
// log, and a device manifest covering the clean containers.
//
// Usage:
//
//	go build -o mkevidence ./tools/mkevidence
//	./mkevidence -dir /tmp/evidence-drop
//	fixity batch /tmp/evidence-drop/*.dd
//
// Point the watch daemon's intake at the directory to watch arrivals
// flow through detection, hashing, and reconciliation. The tampered
// container comes out as a mismatch every time; that is the point.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

func main() {
	dir := flag.String("dir", "evidence-drop", "directory to populate")
	count := flag.Int("count", 3, "number of clean containers")
	size := flag.Int("size", 1<<20, "bytes per container")
	segments := flag.Int("segments", 3, "parts in the split raw set")
	seed := flag.Int64("seed", 0, "random seed (0 uses the current time)")
	flag.Parse()

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	if *segments < 1 {
		*segments = 1
	}
	rng := rand.New(rand.NewSource(s))

	if err := os.MkdirAll(*dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Populating %s (seed %d)\n\n", *dir, s)

	type manifestEntry struct {
		name   string
		digest string
	}
	var manifest []manifestEntry

	// Clean containers with matching sidecars.
	for i := 1; i <= *count; i++ {
		name := fmt.Sprintf("disk%02d.dd", i)
		path := filepath.Join(*dir, name)
		sum, err := writeContainer(path, rng, *size)
		if err != nil {
			fatal(err)
		}
		if err := writeSidecar(path, sum); err != nil {
			fatal(err)
		}
		manifest = append(manifest, manifestEntry{name, sum})
		fmt.Printf("  %-16s %s  (sidecar matches)\n", name, short(sum))
	}

	// A container whose sidecar lies about it.
	tampered := filepath.Join(*dir, "tampered.dd")
	if _, err := writeContainer(tampered, rng, *size); err != nil {
		fatal(err)
	}
	wrong := sha256.Sum256([]byte("the digest the sidecar claims"))
	if err := writeSidecar(tampered, hex.EncodeToString(wrong[:])); err != nil {
		fatal(err)
	}
	fmt.Printf("  %-16s %s  (sidecar contradicts the bytes)\n", "tampered.dd", short(hex.EncodeToString(wrong[:])))

	// A container nobody wrote references for.
	bare := filepath.Join(*dir, "unreferenced.dd")
	if _, err := writeContainer(bare, rng, *size); err != nil {
		fatal(err)
	}
	fmt.Printf("  %-16s %s\n", "unreferenced.dd", "(no references)")

	// A split raw set with per-segment digests in the acquisition log.
	logPath := filepath.Join(*dir, "split.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(logFile, "acquisition finished: %s\n", time.Now().UTC().Format(time.RFC3339))
	for i := 1; i <= *segments; i++ {
		name := fmt.Sprintf("split.%03d", i)
		path := filepath.Join(*dir, name)
		sum, err := writeContainer(path, rng, *size / *segments)
		if err != nil {
			logFile.Close()
			fatal(err)
		}
		fmt.Fprintf(logFile, "%s : %s\n", name, sum)
		fmt.Printf("  %-16s %s  (in split.log)\n", name, short(sum))
	}
	if err := logFile.Close(); err != nil {
		fatal(err)
	}

	// Device manifest covering the clean containers.
	manifestPath := filepath.Join(*dir, "manifest.yaml")
	mf, err := os.Create(manifestPath)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(mf, "device: \"mkevidence synthetic drive\"\n")
	fmt.Fprintf(mf, "exported_at: %q\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintln(mf, "files:")
	for _, e := range manifest {
		fmt.Fprintf(mf, "  - name: %s\n", e.name)
		fmt.Fprintln(mf, "    algorithm: sha256")
		fmt.Fprintf(mf, "    digest: %s\n", e.digest)
		fmt.Fprintln(mf, "    verified: true")
	}
	if err := mf.Close(); err != nil {
		fatal(err)
	}

	fmt.Println()
	fmt.Println("Try:")
	fmt.Printf("  fixity batch %s/*.dd\n", *dir)
	fmt.Printf("  fixity segments %s/split.001\n", *dir)
	fmt.Printf("  fixity report -format markdown %s/*.dd\n", *dir)
}

// writeContainer streams size random bytes to path and returns their
// hex sha256.
func writeContainer(path string, rng *rand.Rand, size int) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 64*1024)
	remaining := size
	for remaining > 0 {
		n := len(buf)
		if remaining < n {
			n = remaining
		}
		rng.Read(buf[:n])
		if _, err := f.Write(buf[:n]); err != nil {
			return "", err
		}
		h.Write(buf[:n])
		remaining -= n
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeSidecar writes <container>.hashes.json claiming the digest.
func writeSidecar(containerPath, hexDigest string) error {
	doc := map[string]any{
		"file": filepath.Base(containerPath),
		"hashes": []map[string]any{{
			"algorithm":   "sha256",
			"digest":      hexDigest,
			"computed_at": time.Now().UTC().Format(time.RFC3339),
			"verified":    true,
		}},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(containerPath+".hashes.json", data, 0644)
}

func short(hexDigest string) string {
	if len(hexDigest) <= 16 {
		return hexDigest
	}
	return hexDigest[:16] + "..."
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// Package metadata aggregates the hash assertions recorded alongside an
// evidence container and picks the authoritative one to verify against.
//
// A single container often arrives with several conflicting digests: the
// acquisition tool embedded one, a companion log lists others, and the
// export manifest from the source device carries its own. This package
// flattens those per-origin groups into candidates and applies a fixed
// precedence: container-native beats everything, then the most recently
// asserted digest wins, and candidates with unreadable timestamps lose.
//
// Candidates are borrowed views over source metadata. Nothing here caches
// between calls; callers re-collect whenever sources may have changed.
package metadata

import (
	"sort"
	"strings"
	"time"

	"fixity/internal/digest"
	"fixity/internal/timeparse"
)

// Origin identifies where a stored hash assertion came from.
type Origin string

const (
	// OriginContainer marks digests embedded by the acquisition tool
	// itself. These are authoritative over every other source.
	OriginContainer Origin = "container-native"
	// OriginCompanionLog marks digests scraped from an acquisition log
	// written next to the container.
	OriginCompanionLog Origin = "companion-log"
	// OriginDeviceManifest marks digests from a source-device export
	// manifest.
	OriginDeviceManifest Origin = "device-manifest"
)

// Entry is one hash assertion as it appears in a source, before the source's
// origin is stamped on.
type Entry struct {
	Algorithm digest.Algorithm
	Value     string
	// Verified is the source's own claim that it checked this digest.
	// Informational only; nil when the source says nothing.
	Verified *bool
	// Timestamp is kept verbatim for display. Recency comparisons use the
	// normalized form and treat unparseable values as older than anything.
	Timestamp string
	// Filename names the file the assertion belongs to, when the source
	// records one. Empty means the assertion is not tied to a name.
	Filename string
}

// Source is one origin's worth of hash assertions.
type Source struct {
	Origin  Origin
	Entries []Entry
}

// Candidate is a stored hash assertion with its origin attached, ready for
// selection and display.
type Candidate struct {
	Algorithm digest.Algorithm `json:"algorithm"`
	Value     string           `json:"value"`
	Verified  *bool            `json:"verified,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Origin    Origin           `json:"origin"`
	Filename  string           `json:"filename,omitempty"`
}

// Digest returns the candidate's digest in normalized form.
func (c Candidate) Digest() digest.Digest {
	return digest.New(c.Algorithm, c.Value)
}

// When returns the candidate's normalized timestamp. ok is false for
// missing or unreadable timestamps.
func (c Candidate) When() (time.Time, bool) {
	return timeparse.Parse(c.Timestamp)
}

func (c Candidate) clone() Candidate {
	out := c
	if c.Verified != nil {
		v := *c.Verified
		out.Verified = &v
	}
	return out
}

// Collect flattens sources into a single candidate list, stamping each
// entry with its source's origin. Input order is preserved.
func Collect(sources ...Source) []Candidate {
	var out []Candidate
	for _, src := range sources {
		for _, e := range src.Entries {
			out = append(out, Candidate{
				Algorithm: e.Algorithm,
				Value:     e.Value,
				Verified:  e.Verified,
				Timestamp: e.Timestamp,
				Origin:    src.Origin,
				Filename:  e.Filename,
			})
		}
	}
	return out
}

// Select picks the authoritative candidate for one verification:
//
//  1. Keep candidates for the requested algorithm (case-insensitive).
//  2. If filename is non-empty, drop candidates naming a different file.
//     Candidates with no filename stay in.
//  3. A container-native candidate beats all others.
//  4. Among the survivors, the newest normalized timestamp wins. Candidates
//     without a readable timestamp sort last and lose ties.
//
// ok is false when nothing survives filtering, which callers report as an
// absent reference rather than a match.
func Select(candidates []Candidate, alg digest.Algorithm, filename string) (Candidate, bool) {
	filtered := filter(candidates, alg, filename)
	if len(filtered) == 0 {
		return Candidate{}, false
	}

	pool := filtered
	if native := byOrigin(filtered, OriginContainer); len(native) > 0 {
		pool = native
	}

	sortByRecency(pool)
	return pool[0].clone(), true
}

// Rank returns a display ordering of every candidate for the algorithm and
// filename: container-native first, then newest first, unreadable
// timestamps last. The result is an independent snapshot; mutating it never
// touches the inputs.
func Rank(candidates []Candidate, alg digest.Algorithm, filename string) []Candidate {
	filtered := filter(candidates, alg, filename)

	native := byOrigin(filtered, OriginContainer)
	rest := make([]Candidate, 0, len(filtered)-len(native))
	for _, c := range filtered {
		if c.Origin != OriginContainer {
			rest = append(rest, c)
		}
	}

	sortByRecency(native)
	sortByRecency(rest)

	out := make([]Candidate, 0, len(filtered))
	for _, c := range append(native, rest...) {
		out = append(out, c.clone())
	}
	return out
}

func filter(candidates []Candidate, alg digest.Algorithm, filename string) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if !c.Algorithm.Equal(alg) {
			continue
		}
		if filename != "" && c.Filename != "" && !strings.EqualFold(c.Filename, filename) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func byOrigin(candidates []Candidate, origin Origin) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Origin == origin {
			out = append(out, c)
		}
	}
	return out
}

// sortByRecency orders newest first. Stable so that equal timestamps and
// the no-timestamp tail keep their source order, which is how a candidate
// without a timestamp loses a tie.
func sortByRecency(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ti, iok := candidates[i].When()
		tj, jok := candidates[j].When()
		if iok != jok {
			return iok
		}
		if !iok {
			return false
		}
		return ti.After(tj)
	})
}

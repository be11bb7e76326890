// Package container models evidence containers at the filename level:
// which format a path looks like, whether this tool can digest it without
// parsing, and which sibling files make up a multi-segment set.
//
// Nothing here opens a container. Format detection is by naming convention
// only, and segment enumeration is a directory scan. Reading the digests a
// container's sidecar files assert is the job of the readers in this
// package's sidecar file; parsing container binary internals is out of
// scope entirely.
package container

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Format is a container family recognized by filename convention.
type Format string

const (
	// FormatRaw is a plain byte-for-byte image (.dd, .img, .raw, .bin).
	// The file bytes are the acquired bytes, so digesting needs no parsing.
	FormatRaw Format = "raw"
	// FormatSplitRaw is a raw image split into numbered parts
	// (.001, .002, ...). The acquired bytes are the concatenation.
	FormatSplitRaw Format = "split-raw"
	// FormatEWF is the Expert Witness family (.e01, .e02, ...). Computing
	// the acquired image's digest requires parsing chunk tables, which
	// this tool does not do; the segment files themselves can still be
	// digested as byte streams.
	FormatEWF Format = "ewf"
	// FormatEWF2 is the second-generation Expert Witness format (.ex01).
	FormatEWF2 Format = "ewf2"
	// FormatLogical is a logical evidence file (.l01).
	FormatLogical Format = "logical"
	// FormatAFF4 is the Advanced Forensics File format (.aff4).
	FormatAFF4 Format = "aff4"
	// FormatUnknown is anything else. Unknown files fall back to generic
	// byte-stream digesting.
	FormatUnknown Format = "unknown"
)

var splitExt = regexp.MustCompile(`^\.\d{3}$`)

// Detect classifies a path by its extension. It never touches the file.
func Detect(path string) Format {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".dd" || ext == ".img" || ext == ".raw" || ext == ".bin":
		return FormatRaw
	case splitExt.MatchString(ext):
		return FormatSplitRaw
	case ext == ".l01":
		return FormatLogical
	case ext == ".aff4":
		return FormatAFF4
	case isEWF2Ext(ext):
		return FormatEWF2
	case isEWFExt(ext):
		return FormatEWF
	default:
		return FormatUnknown
	}
}

// Parseless reports whether the acquired bytes can be digested straight
// from the file bytes, with no format parsing. True only for the raw
// family; everything else needs the byte-stream fallback to mean anything.
func (f Format) Parseless() bool {
	return f == FormatRaw || f == FormatSplitRaw
}

// Segmented reports whether the format spreads one acquisition across
// multiple numbered files.
func (f Format) Segmented() bool {
	return f == FormatSplitRaw || f == FormatEWF || f == FormatEWF2
}

// Segments returns the ordered file paths making up the container the path
// belongs to. Single-file formats return just the path. For segmented
// formats the directory is scanned for siblings sharing the base name, and
// a gap in the numbering is an error naming the missing segment: verifying
// a set with a silently absent middle part would be meaningless.
func Segments(path string) ([]string, error) {
	format := Detect(path)
	if !format.Segmented() {
		return []string{path}, nil
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan segment directory: %w", err)
	}

	type seg struct {
		index int
		name  string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(strings.TrimSuffix(name, filepath.Ext(name)), base) {
			continue
		}
		idx, ok := segmentIndex(format, strings.ToLower(filepath.Ext(name)))
		if !ok {
			continue
		}
		segs = append(segs, seg{index: idx, name: name})
	}

	if len(segs) == 0 {
		return nil, fmt.Errorf("no segments found for %s", filepath.Base(path))
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].index < segs[j].index })

	out := make([]string, len(segs))
	for i, sg := range segs {
		if sg.index != i+1 {
			return nil, fmt.Errorf("missing segment %s", segmentName(base, format, i+1))
		}
		out[i] = filepath.Join(dir, sg.name)
	}
	return out, nil
}

// segmentIndex maps a segment extension to its 1-based position.
// Split raw counts .001, .002, ... EWF counts .e01 through .e99 and then
// .eaa through .ezz (libewf's extension sequence).
func segmentIndex(format Format, ext string) (int, bool) {
	switch format {
	case FormatSplitRaw:
		if !splitExt.MatchString(ext) {
			return 0, false
		}
		n, err := strconv.Atoi(ext[1:])
		if err != nil || n == 0 {
			return 0, false
		}
		return n, true
	case FormatEWF:
		if !isEWFExt(ext) {
			return 0, false
		}
		return ewfOrdinal(ext[2:])
	case FormatEWF2:
		if !isEWF2Ext(ext) {
			return 0, false
		}
		return ewfOrdinal(ext[3:])
	}
	return 0, false
}

// segmentName renders the expected file name for an index, for gap errors.
func segmentName(base string, format Format, index int) string {
	switch format {
	case FormatSplitRaw:
		return fmt.Sprintf("%s.%03d", base, index)
	case FormatEWF:
		return base + ".e" + ewfSuffix(index)
	case FormatEWF2:
		return base + ".ex" + ewfSuffix(index)
	}
	return base
}

func isEWFExt(ext string) bool {
	if len(ext) != 4 || !strings.HasPrefix(ext, ".e") {
		return false
	}
	_, ok := ewfOrdinal(ext[2:])
	return ok
}

func isEWF2Ext(ext string) bool {
	if len(ext) != 5 || !strings.HasPrefix(ext, ".ex") {
		return false
	}
	_, ok := ewfOrdinal(ext[3:])
	return ok
}

// ewfOrdinal decodes the two-character EWF segment counter: 01..99 are the
// first ninety-nine, then aa..zz continue from 100.
func ewfOrdinal(s string) (int, bool) {
	if len(s) != 2 {
		return 0, false
	}
	if s[0] >= '0' && s[0] <= '9' && s[1] >= '0' && s[1] <= '9' {
		n, _ := strconv.Atoi(s)
		if n == 0 {
			return 0, false
		}
		return n, true
	}
	if s[0] >= 'a' && s[0] <= 'z' && s[1] >= 'a' && s[1] <= 'z' {
		return 100 + int(s[0]-'a')*26 + int(s[1]-'a'), true
	}
	return 0, false
}

func ewfSuffix(index int) string {
	if index < 100 {
		return fmt.Sprintf("%02d", index)
	}
	n := index - 100
	return string([]byte{'a' + byte(n/26), 'a' + byte(n%26)})
}

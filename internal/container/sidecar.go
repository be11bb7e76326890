package container

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"fixity/internal/digest"
	"fixity/internal/metadata"
)

// Sidecar readers. Acquisition tools leave hash assertions next to the
// container in three places this tool understands:
//
//   - <container>.hashes.json  — written by the acquisition tool itself,
//     treated as container-native;
//   - <container>.txt / <base>.log — the human-readable acquisition log,
//     scraped line by line;
//   - manifest.yaml / manifest.yml in the same directory — the source
//     device's export manifest, possibly covering several files.
//
// Each reader returns ok=false when its file does not exist. A file that
// exists but cannot be parsed is an error; swallowing it would hide the
// very assertions the operator relies on.

// hashSidecar is the JSON shape of <container>.hashes.json.
type hashSidecar struct {
	File   string `json:"file,omitempty"`
	Hashes []struct {
		Algorithm  string `json:"algorithm"`
		Digest     string `json:"digest"`
		Filename   string `json:"filename,omitempty"`
		ComputedAt string `json:"computed_at,omitempty"`
		Verified   *bool  `json:"verified,omitempty"`
	} `json:"hashes"`
}

// ReadHashSidecar reads the acquisition tool's own hash record for the
// container.
func ReadHashSidecar(containerPath string) (metadata.Source, bool, error) {
	path := containerPath + ".hashes.json"
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return metadata.Source{}, false, nil
	}
	if err != nil {
		return metadata.Source{}, false, fmt.Errorf("failed to read hash sidecar: %w", err)
	}

	var sc hashSidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return metadata.Source{}, false, fmt.Errorf("malformed hash sidecar %s: %w", filepath.Base(path), err)
	}

	src := metadata.Source{Origin: metadata.OriginContainer}
	for _, h := range sc.Hashes {
		filename := h.Filename
		if filename == "" {
			filename = sc.File
		}
		src.Entries = append(src.Entries, metadata.Entry{
			Algorithm: digest.Algorithm(h.Algorithm),
			Value:     h.Digest,
			Verified:  h.Verified,
			Timestamp: h.ComputedAt,
			Filename:  filename,
		})
	}
	return src, true, nil
}

var (
	// "MD5 checksum:  29ecd122... : verified"
	logHashLine = regexp.MustCompile(
		`(?i)^\s*(md5|sha1|sha256|sha512|sha3-256|blake2b|blake3)\s*(?:checksum|hash)?\s*[:=]\s*([0-9a-fA-F]{16,128})\s*(?::\s*(verified|not verified))?\s*$`)
	// "acquisition finished: 26/08/2024 17:48:01 (-4)"
	logTimeLine = regexp.MustCompile(
		`(?i)^\s*(?:acquisition|verification|imaging)\s+(?:started|finished|completed)\s*[:=]\s*(.+?)\s*$`)
	// "evidence.e02 : 3ad8e6..." — per-segment digests, algorithm implied
	// by hex length.
	logSegmentLine = regexp.MustCompile(
		`^\s*(\S+\.\S+)\s*[:=]\s*([0-9a-fA-F]{32,128})\s*$`)
)

// ReadAcquisitionLog scrapes hash assertions out of the companion log next
// to the container. Tries <container>.txt first, then <base>.log.
func ReadAcquisitionLog(containerPath string) (metadata.Source, bool, error) {
	base := strings.TrimSuffix(containerPath, filepath.Ext(containerPath))
	var path string
	for _, cand := range []string{containerPath + ".txt", base + ".log"} {
		if _, err := os.Stat(cand); err == nil {
			path = cand
			break
		}
	}
	if path == "" {
		return metadata.Source{}, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return metadata.Source{}, false, fmt.Errorf("failed to open acquisition log: %w", err)
	}
	defer f.Close()

	src := metadata.Source{Origin: metadata.OriginCompanionLog}
	currentTime := ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if m := logTimeLine.FindStringSubmatch(line); m != nil {
			currentTime = m[1]
			continue
		}

		if m := logHashLine.FindStringSubmatch(line); m != nil {
			var verified *bool
			if m[3] != "" {
				v := strings.EqualFold(m[3], "verified")
				verified = &v
			}
			src.Entries = append(src.Entries, metadata.Entry{
				Algorithm: digest.Algorithm(strings.ToLower(m[1])),
				Value:     m[2],
				Verified:  verified,
				Timestamp: currentTime,
				Filename:  filepath.Base(containerPath),
			})
			continue
		}

		if m := logSegmentLine.FindStringSubmatch(line); m != nil {
			alg, ok := algorithmForHexLength(len(m[2]))
			if !ok {
				continue
			}
			src.Entries = append(src.Entries, metadata.Entry{
				Algorithm: alg,
				Value:     m[2],
				Timestamp: currentTime,
				Filename:  m[1],
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return metadata.Source{}, false, fmt.Errorf("failed to scan acquisition log: %w", err)
	}

	return src, len(src.Entries) > 0, nil
}

// algorithmForHexLength guesses the algorithm of an unlabeled hex digest.
// 64 hex characters defaults to sha256; labeled lines take precedence when
// the log is ambiguous.
func algorithmForHexLength(n int) (digest.Algorithm, bool) {
	switch n {
	case 32:
		return digest.MD5, true
	case 40:
		return digest.SHA1, true
	case 64:
		return digest.SHA256, true
	case 128:
		return digest.SHA512, true
	}
	return "", false
}

// deviceManifest is the YAML shape of a source-device export manifest.
type deviceManifest struct {
	Device     string `yaml:"device"`
	ExportedAt string `yaml:"exported_at"`
	Files      []struct {
		Name       string `yaml:"name"`
		Algorithm  string `yaml:"algorithm"`
		Digest     string `yaml:"digest"`
		ExportedAt string `yaml:"exported_at"`
		Verified   *bool  `yaml:"verified"`
	} `yaml:"files"`
}

// ReadDeviceManifest reads manifest.yaml (or .yml) from the container's
// directory.
func ReadDeviceManifest(containerPath string) (metadata.Source, bool, error) {
	dir := filepath.Dir(containerPath)
	var path string
	for _, name := range []string{"manifest.yaml", "manifest.yml"} {
		cand := filepath.Join(dir, name)
		if _, err := os.Stat(cand); err == nil {
			path = cand
			break
		}
	}
	if path == "" {
		return metadata.Source{}, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return metadata.Source{}, false, fmt.Errorf("failed to read device manifest: %w", err)
	}

	var man deviceManifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return metadata.Source{}, false, fmt.Errorf("malformed device manifest %s: %w", filepath.Base(path), err)
	}

	src := metadata.Source{Origin: metadata.OriginDeviceManifest}
	for _, f := range man.Files {
		ts := f.ExportedAt
		if ts == "" {
			ts = man.ExportedAt
		}
		src.Entries = append(src.Entries, metadata.Entry{
			Algorithm: digest.Algorithm(f.Algorithm),
			Value:     f.Digest,
			Verified:  f.Verified,
			Timestamp: ts,
			Filename:  f.Name,
		})
	}
	return src, true, nil
}

// CollectSources gathers every sidecar present for the container. Readers
// whose files are absent are skipped; readers whose files are malformed
// contribute an error but do not suppress the other sources.
func CollectSources(containerPath string) ([]metadata.Source, error) {
	var (
		sources []metadata.Source
		errs    []error
	)

	if src, ok, err := ReadHashSidecar(containerPath); err != nil {
		errs = append(errs, err)
	} else if ok {
		sources = append(sources, src)
	}

	if src, ok, err := ReadAcquisitionLog(containerPath); err != nil {
		errs = append(errs, err)
	} else if ok {
		sources = append(sources, src)
	}

	if src, ok, err := ReadDeviceManifest(containerPath); err != nil {
		errs = append(errs, err)
	} else if ok {
		sources = append(sources, src)
	}

	return sources, errors.Join(errs...)
}

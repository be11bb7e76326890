package session

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fixity/internal/digest"
	"fixity/internal/timeparse"
)

// exportVersion is the current export document version.
const exportVersion = 1

// exportSchema validates import documents before anything touches the
// store. The reference digest is deliberately absent from the exported
// verification block; it is reconstructable evidence, not part of the
// interchange shape.
const exportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "fixity session export",
  "type": "object",
  "required": ["version", "files"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "exported_at": {"type": "string"},
    "files": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["algorithm", "digest", "computed_at"],
          "properties": {
            "algorithm": {"type": "string", "minLength": 1},
            "digest": {"type": "string", "pattern": "^[0-9a-fA-F]+$"},
            "computed_at": {"type": "string", "minLength": 1},
            "segment_index": {"type": "integer", "minimum": 0},
            "segment_label": {"type": "string"},
            "verification": {
              "type": "object",
              "required": ["result", "verified_at"],
              "properties": {
                "result": {"enum": ["match", "mismatch"]},
                "verified_at": {"type": "string", "minLength": 1}
              }
            }
          }
        }
      }
    }
  }
}`

// ExportedVerification is the verification block of an exported record.
type ExportedVerification struct {
	Result     string `json:"result"`
	VerifiedAt string `json:"verified_at"`
}

// ExportedRecord is one history entry in the interchange shape.
type ExportedRecord struct {
	Algorithm    string                `json:"algorithm"`
	Digest       string                `json:"digest"`
	ComputedAt   string                `json:"computed_at"`
	SegmentIndex *int                  `json:"segment_index,omitempty"`
	SegmentLabel string                `json:"segment_label,omitempty"`
	Verification *ExportedVerification `json:"verification,omitempty"`
}

// Document is a full session export.
type Document struct {
	Version    int                         `json:"version"`
	ExportedAt string                      `json:"exported_at"`
	Files      map[string][]ExportedRecord `json:"files"`
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func importSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("export.schema.json", strings.NewReader(exportSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("export.schema.json")
	})
	return compiledSchema, schemaErr
}

// ExportRecord converts a history entry to the interchange shape.
func ExportRecord(rec digest.HashRecord) ExportedRecord {
	out := ExportedRecord{
		Algorithm:    string(rec.Algorithm),
		Digest:       rec.Value,
		ComputedAt:   rec.ComputedAt.UTC().Format(time.RFC3339Nano),
		SegmentIndex: rec.SegmentIndex,
		SegmentLabel: rec.SegmentLabel,
	}
	if rec.Verification != nil {
		out.Verification = &ExportedVerification{
			Result:     string(rec.Verification.Result),
			VerifiedAt: rec.Verification.VerifiedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

// Export writes histories as a JSON document. File ids are emitted in
// sorted order so exports diff cleanly.
func Export(w io.Writer, histories map[string][]digest.HashRecord) error {
	doc := Document{
		Version:    exportVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Files:      make(map[string][]ExportedRecord, len(histories)),
	}

	ids := make([]string, 0, len(histories))
	for id := range histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		records := make([]ExportedRecord, 0, len(histories[id]))
		for _, rec := range histories[id] {
			records = append(records, ExportRecord(rec))
		}
		doc.Files[id] = records
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// Import reads an export document, validates it against the schema, and
// returns the histories it carries. Every returned record is tagged
// origin=imported: a restored digest is evidence of what the document
// said, not of a computation this run performed. A document that fails
// validation returns an error before any record is produced.
func Import(r io.Reader) (map[string][]digest.HashRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("malformed import document: %w", err)
	}

	sch, err := importSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("import document rejected: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode import document: %w", err)
	}

	out := make(map[string][]digest.HashRecord, len(doc.Files))
	for id, records := range doc.Files {
		history := make([]digest.HashRecord, 0, len(records))
		for i, er := range records {
			computedAt, ok := timeparse.Parse(er.ComputedAt)
			if !ok {
				return nil, fmt.Errorf("import document rejected: file %s record %d: unreadable computed_at %q", id, i, er.ComputedAt)
			}

			rec := digest.HashRecord{
				Algorithm:    digest.Algorithm(er.Algorithm).Normalize(),
				Value:        strings.ToLower(er.Digest),
				ComputedAt:   computedAt,
				Origin:       digest.OriginImported,
				SegmentIndex: er.SegmentIndex,
				SegmentLabel: er.SegmentLabel,
			}
			if er.Verification != nil {
				verifiedAt, ok := timeparse.Parse(er.Verification.VerifiedAt)
				if !ok {
					return nil, fmt.Errorf("import document rejected: file %s record %d: unreadable verified_at %q", id, i, er.Verification.VerifiedAt)
				}
				rec.Verification = &digest.VerificationMark{
					Result:     digest.VerificationResult(er.Verification.Result),
					VerifiedAt: verifiedAt,
				}
			}
			history = append(history, rec)
		}
		out[id] = history
	}
	return out, nil
}

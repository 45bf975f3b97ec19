package table

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/xdevs23/ezpzdb/utils"
)

// Record is a schema-less document. The store assigns the "id" field on
// insert; callers never provide it themselves.
type Record = map[string]interface{}

const idField = "id"

// recordID extracts the id field. JSON round trips turn numbers into
// float64, so both representations are accepted. Non-positive ids map
// to zero, which every caller rejects as invalid.
func recordID(r Record) uint64 {
	switch v := r[idField].(type) {
	case uint64:
		return v
	case float64:
		if v < 1 {
			return 0
		}
		return uint64(v)
	case int:
		if v < 1 {
			return 0
		}
		return uint64(v)
	case int64:
		if v < 1 {
			return 0
		}
		return uint64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 1 {
			return 0
		}
		return uint64(n)
	}
	return 0
}

// encodeRecord serializes a record as a single JSON line. The trailing
// newline belongs to the indexed byte span, so the log file stays plain
// newline-delimited JSON.
func encodeRecord(r Record) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("json encode record: %w", err)
	}
	return append(payload, '\n'), nil
}

func decodeRecord(payload []byte) (Record, error) {
	r := Record{}
	err := json.Unmarshal(payload, &r)
	if err != nil {
		return nil, fmt.Errorf("json decode record: %w", err)
	}
	return r, nil
}

// mergeRecords applies patch on top of base with JSON merge-patch
// semantics and returns a fresh record.
func mergeRecords(base, patch Record) (Record, error) {
	baseBytes, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("json encode base: %w", err)
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("json encode patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(baseBytes, patchBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot apply patch: %w", err)
	}
	return decodeRecord(merged)
}

// mergePayload is the flush-time variant of mergeRecords, working
// directly on the bytes read back from the log file.
func mergePayload(old []byte, patch Record) ([]byte, error) {
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("json encode patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(old, patchBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot apply patch: %w", err)
	}
	return append(merged, '\n'), nil
}

func copyRecord(r Record) (Record, error) {
	out := Record{}
	err := utils.Remarshal(r, &out)
	if err != nil {
		return nil, fmt.Errorf("copy record: %w", err)
	}
	return out, nil
}

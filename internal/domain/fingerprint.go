package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Fingerprint is a deterministic hex-encoded identifier for a unique
// (request params, source contents, version tag) triple. Two identical
// inputs always produce the same fingerprint regardless of process or
// call order; this is the basis for at-most-once computation.
type Fingerprint string

// ComputeFingerprint derives a fingerprint from normalized request
// parameters, an ordered sequence of source payloads, and a pipeline
// version tag. Params must contain only primitives or canonicalizable
// structures (maps with string keys, slices); anything else fails with
// ErrInvalidInputKind.
func ComputeFingerprint(params map[string]any, sources [][]byte, versionTag string) (Fingerprint, error) {
	canonical, err := canonicalizeParams(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(versionTag))
	h.Write([]byte{0})
	h.Write(canonical)
	for _, src := range sources {
		sum := sha256.Sum256(src)
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// canonicalizeParams produces a stable JSON encoding: object keys sorted,
// no insignificant whitespace.
func canonicalizeParams(params map[string]any) ([]byte, error) {
	norm, err := normalizeValue(params)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys, which gives the canonical form.
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string:
		return val, nil
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, nil
	case json.Number:
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			norm, err := normalizeValue(val[k])
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = norm
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			norm, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = norm
		}
		return out, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidInputKind, v)
	}
}

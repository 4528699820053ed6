// Package validation computes content identifiers over the subset of an
// API response that indicates whether the upstream resource changed. An
// entry that carries a content hash can be invalidated when the upstream
// changes, independent of its wall-clock TTL.
package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// timestampKeys are the per-item fields a listing response is
// fingerprinted by. Both camelCase and snake_case variants appear in the
// wild, depending on the upstream API.
var timestampKeys = []string{"updatedAt", "updated_at", "pushedAt", "pushed_at"}

// Extract maps an operation name to the validation fields its responses
// are compared by. Rules are tried in a fixed order, first match wins:
//
//  1. generative operations (chat, completion, generate) opt out
//     entirely, their responses are never identical between calls
//  2. listing operations fingerprint per-item update timestamps
//  3. runner operations fingerprint status and busy flags
//  4. workflow run operations fingerprint status and conclusion
//
// Unmatched operations, and payloads that don't have the shape the rule
// expects, yield nil. A nil result degrades the entry to TTL-only expiry.
func Extract(operation string, data any) map[string]any {
	op := strings.ToLower(operation)
	switch {
	case containsAny(op, "chat", "completion", "generate"):
		return nil
	case strings.Contains(op, "list"):
		return extractListing(data)
	case strings.Contains(op, "runner"):
		return pickFields(data, "status", "busy")
	case containsAny(op, "workflow", "run"):
		return pickFields(data, "status", "conclusion")
	default:
		return nil
	}
}

// Hash serializes fields to canonical JSON (object keys sorted, which
// encoding/json guarantees for maps) and returns the hex SHA-256 digest.
// This is the single digest format used everywhere; two hashes are
// comparable iff both were produced by this function.
func Hash(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// extractListing fingerprints a list response by the update timestamps of
// its items, keyed by each item's name (or id when no name is present).
func extractListing(data any) map[string]any {
	items, ok := data.([]any)
	if !ok {
		return nil
	}
	fields := map[string]any{}
	for _, raw := range items {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := item["name"]
		if !ok {
			if id, ok = item["id"]; !ok {
				continue
			}
		}
		stamps := map[string]any{}
		for _, k := range timestampKeys {
			if v, ok := item[k]; ok {
				stamps[k] = v
			}
		}
		if len(stamps) > 0 {
			fields[fmt.Sprint(id)] = stamps
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func pickFields(data any, keys ...string) map[string]any {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	fields := map[string]any{}
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			fields[k] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

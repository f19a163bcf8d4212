// Package cachekey computes the deterministic hash that identifies a
// render's output bytes, and the idempotency keys used by the credit
// ledger client.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bobarin/renderforge/internal/models"
)

// Hash canonicalizes a manifest and returns its hex-encoded SHA-256 digest.
// Scene ordering is significant (it is part of the manifest's byte layout);
// ordering of unrelated top-level fields is not, because canonicalization
// always sorts object keys.
func Hash(m models.Manifest) (string, error) {
	canon, err := Canonicalize(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Canonicalize produces a stable byte representation of the manifest:
// UTF-8, object keys sorted lexicographically, no insignificant whitespace,
// absent optional fields omitted rather than null. Canonicalize is
// idempotent: Canonicalize(parse(Canonicalize(m))) == Canonicalize(m).
func Canonicalize(m models.Manifest) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return canonicalEncode(generic), nil
}

// canonicalEncode walks a decoded JSON value and re-serializes it with
// object keys sorted and no null-valued optional fields. encoding/json
// already omits omitempty fields on Marshal, and map[string]interface{}
// iteration order from Unmarshal is not guaranteed, so keys are sorted
// here explicitly rather than relying on map order.
func canonicalEncode(v interface{}) []byte {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			if val[k] == nil {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			out = append(out, canonicalEncode(val[k])...)
		}
		out = append(out, '}')
		return out

	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, canonicalEncode(item)...)
		}
		out = append(out, ']')
		return out

	default:
		b, _ := json.Marshal(val)
		return b
	}
}

// IdempotencyKey derives the credit ledger's reservation key from
// (user_id, operation, job_id), per spec's hash(user_id|operation|job_id).
func IdempotencyKey(userID, operation, jobID string) string {
	sum := sha256.Sum256([]byte(userID + "|" + operation + "|" + jobID))
	return hex.EncodeToString(sum[:])
}

package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DuplicateGroup is a set of detail keys holding the same value.
type DuplicateGroup struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// findDuplicates groups scored details (passwords and tokens) by value.
// Values are compared through HMAC-SHA256 under a per-analysis key so no
// stable fingerprint of a secret ever exists. Groups are sorted by size,
// then by first key.
func findDuplicates(values map[string]string, hmacKey []byte) []DuplicateGroup {
	byHash := make(map[string][]string)
	for key, value := range values {
		if Classify(key) == KindOther {
			continue
		}
		v := normalizeValue(value)
		if v == "" {
			continue
		}
		h := computeValueHash(v, hmacKey)
		byHash[h] = append(byHash[h], key)
	}

	var groups []DuplicateGroup
	for _, keys := range byHash {
		if len(keys) < 2 {
			continue
		}
		sort.Strings(keys)
		groups = append(groups, DuplicateGroup{Keys: keys, Count: len(keys)})
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Keys[0] < groups[j].Keys[0]
	})
	return groups
}

func computeValueHash(value string, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeValue trims surrounding whitespace and applies NFC so visually
// identical values compare equal.
func normalizeValue(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

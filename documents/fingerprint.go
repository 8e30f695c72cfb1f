package documents

import "github.com/lockvoid/cachebay/keys"

// mixFingerprint combines a record's version with the ordered list of its
// children's fingerprints into a single 64-bit value. Order-sensitive: two
// nodes with the same children in a different order produce different
// fingerprints, matching the invariant that structural sharing is keyed
// on exact subtree identity, not just set membership.
//
// The constants are the FNV-1a 64-bit offset basis and prime; mixing
// reuses FNV-1a's avalanche behavior without requiring an actual byte
// serialization of each child.
func mixFingerprint(version uint64, children ...uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	h := uint64(offset64)
	h = (h ^ version) * prime64
	for _, c := range children {
		h = (h ^ c) * prime64
	}
	return h
}

// scalarFingerprint derives a leaf fingerprint from a scalar value's
// stable JSON rendering, so value changes (not just record version bumps)
// are reflected without requiring a dedicated per-field version counter.
func scalarFingerprint(version uint64, value any) uint64 {
	return mixFingerprint(version, hashString(keys.StableStringify(value)))
}

func hashString(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h = (h ^ uint64(s[i])) * prime64
	}
	return h
}

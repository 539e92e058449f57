// Package simhash produces 64-bit locality-sensitive fingerprints of
// page text and markup. Results carry them in provenance so callers
// polling the same locator can tell real change from noise between runs.
package simhash

import (
	"hash/fnv"
	"math/bits"
	"strings"
)

// shingleWidth is the token n-gram size both fingerprints hash over.
// Shingles keep local ordering: swapped sections move the fingerprint,
// reflowed whitespace does not.
const shingleWidth = 3

// Text fingerprints the visible text of a page.
func Text(s string) uint64 {
	return fromTokens(strings.Fields(s))
}

// Distance is the Hamming distance between two fingerprints, 0 through
// 64. Identical pages land near 0; unrelated pages near 32.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Changed reports whether two fingerprints differ by more than the
// tolerance. Tolerance 0 counts any difference as change; a few bits of
// slack absorbs minor rewording.
func Changed(a, b uint64, tolerance int) bool {
	return Distance(a, b) > tolerance
}

// fromTokens accumulates token shingles into the signed bit vector and
// collapses it to a fingerprint. Inputs shorter than the shingle width
// hash the raw tokens so tiny pages still fingerprint.
func fromTokens(tokens []string) uint64 {
	if len(tokens) == 0 {
		return 0
	}
	grams := shingles(tokens)
	if grams == nil {
		grams = tokens
	}

	var vector [64]int
	for _, g := range grams {
		h := fnv.New64a()
		h.Write([]byte(g))
		sum := h.Sum64()
		for i := 0; i < 64; i++ {
			if sum&(1<<uint(i)) != 0 {
				vector[i]++
			} else {
				vector[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if vector[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// shingles joins consecutive token windows with a separator that cannot
// occur inside a token, or returns nil when the input is too short.
func shingles(tokens []string) []string {
	if len(tokens) < shingleWidth {
		return nil
	}
	out := make([]string, 0, len(tokens)-shingleWidth+1)
	for i := 0; i <= len(tokens)-shingleWidth; i++ {
		out = append(out, strings.Join(tokens[i:i+shingleWidth], "\x1f"))
	}
	return out
}

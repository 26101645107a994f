// Package merkle builds deterministic Merkle roots and inclusion proofs over
// ordered lists of hex record digests.
package merkle

import (
	"errors"

	"trustledger/pkg/canonical"
)

// ErrIndexOutOfRange is returned by Proof for an index outside the leaf list.
var ErrIndexOutOfRange = errors.New("merkle: index out of range")

// Root computes the Merkle root of hashes. The empty list hashes to
// Digest(""), a single leaf is its own root, and a level with an odd count
// duplicates its last node before pairing, so the unpaired node is never
// silently dropped. Nodes combine as Digest(left + right) over the hex
// strings.
func Root(hashes []string) string {
	if len(hashes) == 0 {
		return canonical.Digest(nil)
	}
	level := append([]string(nil), hashes...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, canonical.DigestString(left+right))
		}
		level = next
	}
	return level[0]
}

// Proof returns the sibling path that reconstructs the root from
// hashes[index]. Odd tails contribute the node itself, mirroring Root's
// duplication rule.
func Proof(hashes []string, index int) ([]string, error) {
	if index < 0 || index >= len(hashes) {
		return nil, ErrIndexOutOfRange
	}
	proof := []string{}
	level := append([]string(nil), hashes...)
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		proof = append(proof, level[sibling])

		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, canonical.DigestString(left+right))
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// VerifyProof replays the combination rule from leaf up, using the index
// parity at each level to place the sibling left or right.
func VerifyProof(root, leaf string, proof []string, index int) bool {
	if index < 0 {
		return false
	}
	current := leaf
	pos := index
	for _, sibling := range proof {
		if pos%2 == 0 {
			current = canonical.DigestString(current + sibling)
		} else {
			current = canonical.DigestString(sibling + current)
		}
		pos /= 2
	}
	return current == root
}

// Package merkle builds binary hash trees over evidence leaf hashes and
// produces inclusion proofs for selective disclosure.
//
// The tree format is canonical and must never vary, so that any independent
// verifier reproduces identical roots from identical leaves:
//
//   - Leaves are 32-byte SHA-256 digests given as 64 hex characters
//     (normalized to lowercase).
//   - The leaf list is padded to the next power of two with NullLeafHash,
//     the SHA-256 of the ASCII string NullLeafSentinel.
//   - A parent is SHA-256(left || right) over the raw 32-byte child digests,
//     left being the even-index child. Order is positional: swapping two
//     leaves changes the root.
//   - A single leaf is its own root (height 0).
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"math/bits"
	"regexp"
	"strings"
)

// NullLeafSentinel is hashed to produce the padding leaf.
const NullLeafSentinel = "helm-evidence:merkle:null-leaf:v1"

// NullLeafHash is hex(SHA-256(NullLeafSentinel)).
var NullLeafHash = sha256Hex([]byte(NullLeafSentinel))

var leafPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Summary describes a built tree.
type Summary struct {
	RootHash    string   `json:"rootHash"`
	LeafCount   int      `json:"leafCount"`
	TotalLeaves int      `json:"totalLeaves"`
	Height      int      `json:"height"`
	LeafHashes  []string `json:"leafHashes"`
}

// Tree is an immutable Merkle tree. The zero value is an unbuilt tree whose
// accessors return ErrNotBuilt.
type Tree struct {
	leafCount int
	levels    [][]string // levels[0] = padded leaves, last = [root]
}

// Build constructs a tree over the ordered leaf hashes.
func Build(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, treeError("build", "leaf list is empty")
	}

	total := nextPowerOfTwo(len(leafHashes))
	leaves := make([]string, total)
	for i, h := range leafHashes {
		norm := strings.ToLower(strings.TrimSpace(h))
		if !leafPattern.MatchString(norm) {
			return nil, treeErrorf("build", "leaf %d is not a 64 character hex digest", i)
		}
		leaves[i] = norm
	}
	for i := len(leafHashes); i < total; i++ {
		leaves[i] = NullLeafHash
	}

	t := &Tree{leafCount: len(leafHashes)}
	current := leaves
	t.levels = append(t.levels, current)
	for len(current) > 1 {
		current = buildNextLevel(current)
		t.levels = append(t.levels, current)
	}
	return t, nil
}

// BuildFromData hashes each item's UTF-8 bytes with SHA-256 and builds a
// tree over the digests.
func BuildFromData(items []string) (*Tree, error) {
	if len(items) == 0 {
		return nil, treeError("build from data", "item list is empty")
	}
	hashes := make([]string, len(items))
	for i, item := range items {
		hashes[i] = sha256Hex([]byte(item))
	}
	return Build(hashes)
}

func (t *Tree) built() bool {
	return t != nil && len(t.levels) > 0
}

// RootHash returns the root digest.
func (t *Tree) RootHash() (string, error) {
	if !t.built() {
		return "", ErrNotBuilt
	}
	return t.levels[len(t.levels)-1][0], nil
}

// Summary returns the root and the dimensions of the tree.
func (t *Tree) Summary() (Summary, error) {
	if !t.built() {
		return Summary{}, ErrNotBuilt
	}
	root, _ := t.RootHash()
	leaves := make([]string, t.leafCount)
	copy(leaves, t.levels[0][:t.leafCount])
	return Summary{
		RootHash:    root,
		LeafCount:   t.leafCount,
		TotalLeaves: len(t.levels[0]),
		Height:      len(t.levels) - 1,
		LeafHashes:  leaves,
	}, nil
}

// LeafCount is the number of real (unpadded) leaves.
func (t *Tree) LeafCount() int {
	if !t.built() {
		return 0
	}
	return t.leafCount
}

// HashIndex returns the index of hash among the real leaves, or -1.
func (t *Tree) HashIndex(hash string) int {
	if !t.built() {
		return -1
	}
	norm := strings.ToLower(strings.TrimSpace(hash))
	for i := 0; i < t.leafCount; i++ {
		if t.levels[0][i] == norm {
			return i
		}
	}
	return -1
}

// ContainsHash reports whether hash is one of the real leaves.
func (t *Tree) ContainsHash(hash string) bool {
	return t.HashIndex(hash) >= 0
}

func buildNextLevel(level []string) []string {
	next := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next[i/2] = hashPair(level[i], level[i+1])
	}
	return next
}

// hashPair returns SHA-256(raw(left) || raw(right)). Both inputs are
// expected to be validated 64 character hex strings.
func hashPair(left, right string) string {
	var buf [64]byte
	l, errL := hex.DecodeString(left)
	r, errR := hex.DecodeString(right)
	if errL != nil || errR != nil || len(l) != 32 || len(r) != 32 {
		return ""
	}
	copy(buf[:32], l)
	copy(buf[32:], r)
	return sha256Hex(buf[:])
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

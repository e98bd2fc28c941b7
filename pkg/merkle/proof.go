package merkle

import (
	"strings"
)

// Proof demonstrates that LeafHash is the leaf at LeafIndex of the tree with
// root Root. Siblings are ordered from the leaf level up to the root.
//
// The JSON form is consumed by third-party verification tooling.
type Proof struct {
	LeafHash  string   `json:"leafHash" cbor:"1,keyasint"`
	LeafIndex int      `json:"leafIndex" cbor:"2,keyasint"`
	Siblings  []string `json:"siblings" cbor:"3,keyasint"`
	Root      string   `json:"root" cbor:"4,keyasint"`
}

// Proof returns the inclusion proof for the leaf at leafIndex.
func (t *Tree) Proof(leafIndex int) (*Proof, error) {
	if !t.built() {
		return nil, ErrNotBuilt
	}
	if leafIndex < 0 || leafIndex >= t.leafCount {
		return nil, treeErrorf("proof", "leaf index %d out of range [0, %d)", leafIndex, t.leafCount)
	}

	siblings := make([]string, 0, len(t.levels)-1)
	idx := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		siblings = append(siblings, t.levels[level][idx^1])
		idx /= 2
	}

	root, _ := t.RootHash()
	return &Proof{
		LeafHash:  t.levels[0][leafIndex],
		LeafIndex: leafIndex,
		Siblings:  siblings,
		Root:      root,
	}, nil
}

// VerifyProof checks p against the root it carries. The proof is typically
// untrusted input, so every malformation yields false rather than an error.
func (t *Tree) VerifyProof(p *Proof) bool {
	return VerifyProof(p)
}

// VerifyProof recomputes the path from p.LeafHash through p.Siblings and
// compares the result with p.Root. Bit i of LeafIndex selects whether the
// running hash is the left (0) or right (1) child at level i.
func VerifyProof(p *Proof) bool {
	if p == nil {
		return false
	}
	if p.LeafIndex < 0 || len(p.Siblings) >= 63 {
		return false
	}
	if p.LeafIndex >= 1<<len(p.Siblings) {
		return false
	}

	current := strings.ToLower(p.LeafHash)
	root := strings.ToLower(p.Root)
	if !leafPattern.MatchString(current) || !leafPattern.MatchString(root) {
		return false
	}

	idx := p.LeafIndex
	for _, s := range p.Siblings {
		sibling := strings.ToLower(s)
		if !leafPattern.MatchString(sibling) {
			return false
		}
		if idx%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		idx /= 2
	}

	return current == root
}

package merkle

import (
	"errors"
	"fmt"
)

// ErrMerkleTree matches every *MerkleTreeError via errors.Is.
var ErrMerkleTree = errors.New("merkle tree error")

// ErrNotBuilt is returned by accessors of an unbuilt tree.
var ErrNotBuilt = &MerkleTreeError{Op: "access", Reason: "tree has not been built"}

// MerkleTreeError reports invalid leaves, out-of-range proof requests or use
// of an unbuilt tree. It is fail-fast.
type MerkleTreeError struct {
	Op     string
	Reason string
}

func (e *MerkleTreeError) Error() string {
	return fmt.Sprintf("merkle: %s: %s", e.Op, e.Reason)
}

// Is makes errors.Is(err, ErrMerkleTree) true for any MerkleTreeError.
func (e *MerkleTreeError) Is(target error) bool {
	return target == ErrMerkleTree
}

func treeError(op, reason string) error {
	return &MerkleTreeError{Op: op, Reason: reason}
}

func treeErrorf(op, format string, args ...any) error {
	return &MerkleTreeError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

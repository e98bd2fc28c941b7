//go:build property
// +build property

package hashing_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
)

// Property: hashFile(b, n1).hash == hashFile(b, n2).hash
func TestFileHashIgnoresName(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	g := hashing.NewGenerator()

	properties.Property("file hash is independent of file name", prop.ForAll(
		func(data []byte, n1, n2 string) bool {
			if data == nil {
				data = []byte{}
			}
			r1, err1 := g.HashFile(data, "f-"+n1)
			r2, err2 := g.HashFile(data, "g-"+n2)
			return err1 == nil && err2 == nil && r1.Hash == r2.Hash
		},
		gen.SliceOf(gen.UInt8()),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: metadata hash ignores key insertion order.
func TestMetadataHashKeyOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	g := hashing.NewGenerator()

	properties.Property("metadata hash is key-order independent", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]any)
			backward := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				forward[keys[i]] = values[i]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if v, ok := forward[keys[i]]; ok {
					backward[keys[i]] = v
				}
			}
			r1, err1 := g.HashMetadata(forward)
			r2, err2 := g.HashMetadata(backward)
			return err1 == nil && err2 == nil && r1.Hash == r2.Hash
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AnyString()),
	))

	properties.TestingRun(t)
}

// Property: combined hash depends on the (name, hash) set only.
func TestCombinedHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)
	g := hashing.NewGenerator()

	properties.Property("combined hash is deterministic", prop.ForAll(
		func(names []string) bool {
			hashes := make(map[string]string)
			for _, n := range names {
				r, _ := g.HashFile([]byte(n), "x")
				hashes["file-"+n] = r.Hash
			}
			if len(hashes) == 0 {
				return true
			}
			c1, err1 := g.GenerateCombinedHash(hashes)
			copied := make(map[string]string, len(hashes))
			for k, v := range hashes {
				copied[k] = v
			}
			c2, err2 := g.GenerateCombinedHash(copied)
			return err1 == nil && err2 == nil && c1.CombinedHash == c2.CombinedHash
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

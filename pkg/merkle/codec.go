package merkle

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// proofEncMode produces deterministic (RFC 8949 core deterministic) CBOR so
// the encoded bytes of a proof are themselves stable.
var proofEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("merkle: cbor encoder options: %v", err))
	}
	return em
}()

var proofDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1024,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("merkle: cbor decoder options: %v", err))
	}
	return dm
}()

// EncodeProofCBOR returns the compact CBOR encoding of p.
func EncodeProofCBOR(p *Proof) ([]byte, error) {
	if p == nil {
		return nil, treeError("encode proof", "proof is nil")
	}
	data, err := proofEncMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("merkle: encode proof: %w", err)
	}
	return data, nil
}

// DecodeProofCBOR parses a proof produced by EncodeProofCBOR. Decoding does
// not verify the proof; call VerifyProof on the result.
func DecodeProofCBOR(data []byte) (*Proof, error) {
	var p Proof
	if err := proofDecMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("merkle: decode proof: %w", err)
	}
	return &p, nil
}

package custody

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-evidence/pkg/manifest"
	"github.com/Mindburn-Labs/helm-evidence/pkg/merkle"
	"github.com/Mindburn-Labs/helm-evidence/pkg/store"
)

// SignatureStatus is the outcome of checking a package signature.
type SignatureStatus string

const (
	SignatureValid     SignatureStatus = "valid"
	SignatureInvalid   SignatureStatus = "invalid"
	SignatureAbsent    SignatureStatus = "absent"
	SignatureUnchecked SignatureStatus = "unchecked" // no seed to derive the key from
)

// Report is the result of Verify.
type Report struct {
	CombinedHashValid bool                `json:"combinedHashValid"`
	Signature         SignatureStatus     `json:"signature"`
	SignatureError    string              `json:"signatureError,omitempty"`
	Mismatches        []manifest.Mismatch `json:"mismatches,omitempty"`
	InvalidProofs     []string            `json:"invalidProofs,omitempty"`
}

// OK reports whether nothing failed. Absent or unchecked signatures pass.
func (r *Report) OK() bool {
	return r.CombinedHashValid &&
		r.Signature != SignatureInvalid &&
		len(r.Mismatches) == 0 &&
		len(r.InvalidProofs) == 0
}

// Verify re-checks a package: the combined hash, every component proof
// against the package root, the signature when the case key is derivable,
// and files when given (nil files skips the byte comparison).
func (s *Sealer) Verify(ctx context.Context, pkg *Package, files map[string][]byte) (*Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPackage(pkg); err != nil {
		return nil, err
	}

	rep := &Report{Signature: SignatureAbsent}
	if err := manifest.Verify(pkg.Manifest); err == nil {
		rep.CombinedHashValid = true
	} else if !errors.Is(err, manifest.ErrCombinedHashMismatch) {
		return nil, err
	}

	for _, name := range pkg.Components {
		p := pkg.Proofs[name]
		if p == nil || p.Root != pkg.MerkleRoot || !merkle.VerifyProof(p) {
			rep.InvalidProofs = append(rep.InvalidProofs, name)
		}
	}

	if pkg.Signature != "" {
		rep.Signature = s.checkSignature(pkg, rep)
	}
	if files != nil {
		rep.Mismatches = manifest.VerifyFiles(pkg.Manifest, files)
	}

	typ := store.EventVerified
	if !rep.OK() {
		typ = store.EventFailed
	}
	s.record(typ, pkg, map[string]any{"stage": "verify", "ok": rep.OK(), "signature": string(rep.Signature)})
	return rep, nil
}

func (s *Sealer) checkSignature(pkg *Package, rep *Report) SignatureStatus {
	if len(s.seed) == 0 {
		return SignatureUnchecked
	}
	signer, err := manifest.NewSigner(s.seed, pkg.CaseID, s.signerOpts...)
	if err != nil {
		rep.SignatureError = err.Error()
		return SignatureInvalid
	}
	claims, err := signer.Verifier().Verify(pkg.Signature, pkg.Manifest)
	if err != nil {
		rep.SignatureError = err.Error()
		return SignatureInvalid
	}
	if claims.MerkleRoot != pkg.MerkleRoot {
		rep.SignatureError = "signed merkle root differs from package root"
		return SignatureInvalid
	}
	return SignatureValid
}

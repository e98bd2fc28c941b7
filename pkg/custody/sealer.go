// Package custody seals captured evidence into signed integrity packages and
// hands them to storage, timestamping and anchoring services.
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/helm-evidence/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
	"github.com/Mindburn-Labs/helm-evidence/pkg/manifest"
	"github.com/Mindburn-Labs/helm-evidence/pkg/merkle"
	"github.com/Mindburn-Labs/helm-evidence/pkg/resiliency"
	"github.com/Mindburn-Labs/helm-evidence/pkg/store"
)

// Guarded service names. The breaker registry classifies them by name.
const (
	ServiceUpload     = "evidence-upload"
	ServiceTimestamp  = "timestamping-authority"
	ServiceBlockchain = "blockchain-anchor"
)

var (
	ErrNoArtifactStore   = errors.New("custody: artifact store not configured")
	ErrNoAnchors         = errors.New("custody: no timestamp authority or chain anchor configured")
	ErrTreeInconsistent  = errors.New("custody: merkle proof failed self-check")
	ErrFilesMismatch     = errors.New("custody: files do not match manifest")
	ErrDigestMismatch    = errors.New("custody: stored digest differs from manifest")
	ErrInvalidPackage    = errors.New("custody: invalid package")
	ErrSignatureRequired = errors.New("custody: signing seed not configured")
	ErrEmptyResponse     = errors.New("custody: trust service returned no result")
)

// Package is a sealed evidence package.
type Package struct {
	CaseID       string                   `json:"caseId"`
	Manifest     *hashing.HashesJson      `json:"manifest"`
	ManifestJSON []byte                   `json:"-"`
	MerkleRoot   string                   `json:"merkleRoot"`
	Components   []string                 `json:"components"`
	Proofs       map[string]*merkle.Proof `json:"proofs"`
	Signature    string                   `json:"signature,omitempty"`
	KeyID        string                   `json:"keyId,omitempty"`
}

// AnchorDigest is the value submitted to timestamping and anchoring services.
func (p *Package) AnchorDigest() string {
	if p.MerkleRoot != "" {
		return p.MerkleRoot
	}
	return p.Manifest.CombinedHash
}

// Sealer builds, stores and anchors evidence packages.
type Sealer struct {
	gen        *hashing.Generator
	seed       []byte
	signerOpts []manifest.SignerOption
	requireSig bool
	store      artifacts.Store
	index      store.ManifestIndex
	log        *store.CustodyLog
	guard      *resiliency.Guard
	tsa        TimestampAuthority
	chain      ChainAnchor
	now        func() time.Time
	logger     *slog.Logger
	progress   hashing.ProgressFunc
}

// Option configures a Sealer.
type Option func(*Sealer)

func WithGenerator(g *hashing.Generator) Option { return func(s *Sealer) { s.gen = g } }

// WithSigningSeed enables per-case manifest signatures.
func WithSigningSeed(seed []byte, opts ...manifest.SignerOption) Option {
	return func(s *Sealer) {
		s.seed = seed
		s.signerOpts = opts
	}
}

// WithRequireSignature makes Seal fail closed when no seed is configured.
func WithRequireSignature() Option { return func(s *Sealer) { s.requireSig = true } }

func WithArtifactStore(st artifacts.Store) Option        { return func(s *Sealer) { s.store = st } }
func WithIndex(idx store.ManifestIndex) Option           { return func(s *Sealer) { s.index = idx } }
func WithCustodyLog(l *store.CustodyLog) Option          { return func(s *Sealer) { s.log = l } }
func WithGuard(g *resiliency.Guard) Option               { return func(s *Sealer) { s.guard = g } }
func WithTimestampAuthority(t TimestampAuthority) Option { return func(s *Sealer) { s.tsa = t } }
func WithChainAnchor(c ChainAnchor) Option               { return func(s *Sealer) { s.chain = c } }
func WithClock(now func() time.Time) Option              { return func(s *Sealer) { s.now = now } }
func WithLogger(l *slog.Logger) Option                   { return func(s *Sealer) { s.logger = l } }
func WithProgress(fn hashing.ProgressFunc) Option        { return func(s *Sealer) { s.progress = fn } }

// NewSealer creates a Sealer. Without WithGuard, calls run under a guard with
// default breaker and retry settings.
func NewSealer(opts ...Option) *Sealer {
	s := &Sealer{now: time.Now, logger: slog.Default().With("component", "custody")}
	for _, opt := range opts {
		opt(s)
	}
	if s.gen == nil {
		s.gen = hashing.NewGenerator(hashing.WithLogger(s.logger))
	}
	if s.guard == nil {
		s.guard = resiliency.NewGuard(nil, resiliency.WithGuardLogger(s.logger))
	}
	return s
}

// Guard returns the guard wrapping outbound calls.
func (s *Sealer) Guard() *resiliency.Guard { return s.guard }

// Seal hashes files and metadata, builds the Merkle tree over the combined
// hash components and signs the manifest when a seed is configured.
func (s *Sealer) Seal(ctx context.Context, caseID string, files map[string][]byte, metadata any, pisaChainHash string) (*Package, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if caseID == "" {
		return nil, fmt.Errorf("%w: case id is required", ErrInvalidPackage)
	}
	if s.requireSig && len(s.seed) == 0 {
		return nil, ErrSignatureRequired
	}

	m, err := s.gen.ProcessEvidence(files, metadata, pisaChainHash, s.progress)
	if err != nil {
		return nil, err
	}

	pkg, err := buildPackage(caseID, m)
	if err != nil {
		return nil, err
	}

	if len(s.seed) > 0 {
		signer, err := manifest.NewSigner(s.seed, caseID, s.signerOpts...)
		if err != nil {
			return nil, err
		}
		sig, err := signer.Sign(m, pkg.MerkleRoot)
		if err != nil {
			return nil, err
		}
		pkg.Signature = sig
		pkg.KeyID = signer.KeyID()
	}

	s.record(store.EventSealed, pkg, map[string]any{
		"files":      len(m.Files),
		"merkleRoot": pkg.MerkleRoot,
		"signed":     pkg.Signature != "",
	})
	s.logger.InfoContext(ctx, "evidence sealed",
		"case_id", caseID,
		"combined_hash", m.CombinedHash,
		"merkle_root", pkg.MerkleRoot,
		"files", len(m.Files),
	)
	return pkg, nil
}

// buildPackage derives the tree, proofs and canonical JSON for m.
func buildPackage(caseID string, m *hashing.HashesJson) (*Package, error) {
	components := hashing.CombinedComponents(m)
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	leaves := make([]string, len(names))
	for i, name := range names {
		leaves[i] = components[name]
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, err
	}
	root, err := tree.RootHash()
	if err != nil {
		return nil, err
	}

	proofs := make(map[string]*merkle.Proof, len(names))
	for i, name := range names {
		p, err := tree.Proof(i)
		if err != nil {
			return nil, err
		}
		if !merkle.VerifyProof(p) || p.Root != root {
			return nil, fmt.Errorf("%w: component %s", ErrTreeInconsistent, name)
		}
		proofs[name] = p
	}

	manifestJSON, err := canonicalize.JCS(m)
	if err != nil {
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}

	return &Package{
		CaseID:       caseID,
		Manifest:     m,
		ManifestJSON: manifestJSON,
		MerkleRoot:   root,
		Components:   names,
		Proofs:       proofs,
	}, nil
}

// UploadReceipt describes where a package's bytes were stored.
type UploadReceipt struct {
	ManifestDigest string            `json:"manifestDigest"`
	Artifacts      map[string]string `json:"artifacts"`
	RecordID       string            `json:"recordId,omitempty"`
}

// Upload stores every file and the canonical manifest, then records the
// package in the index. Files must match the manifest exactly.
func (s *Sealer) Upload(ctx context.Context, pkg *Package, files map[string][]byte) (*UploadReceipt, error) {
	if s.store == nil {
		return nil, ErrNoArtifactStore
	}
	if err := checkPackage(pkg); err != nil {
		return nil, err
	}
	if mm := manifest.VerifyFiles(pkg.Manifest, files); len(mm) > 0 {
		return nil, fmt.Errorf("%w: %d finding(s), first %s %s", ErrFilesMismatch, len(mm), mm[0].Kind, mm[0].FileName)
	}

	receipt := &UploadReceipt{Artifacts: make(map[string]string, len(files))}
	for _, name := range sortedNames(files) {
		want := pkg.Manifest.Files[name]
		digest, err := s.put(ctx, files[name], want)
		if err != nil {
			s.record(store.EventFailed, pkg, map[string]any{"stage": "upload", "file": name, "error": err.Error()})
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		receipt.Artifacts[name] = digest
	}

	digest, err := s.put(ctx, pkg.ManifestJSON, canonicalize.HashBytes(pkg.ManifestJSON))
	if err != nil {
		s.record(store.EventFailed, pkg, map[string]any{"stage": "upload", "file": "hashes.json", "error": err.Error()})
		return nil, fmt.Errorf("upload manifest: %w", err)
	}
	receipt.ManifestDigest = digest

	if s.index != nil {
		rec := &store.ManifestRecord{
			CaseID:       pkg.CaseID,
			CombinedHash: pkg.Manifest.CombinedHash,
			MetadataHash: pkg.Manifest.MetadataHash,
			MerkleRoot:   pkg.MerkleRoot,
			Signature:    pkg.Signature,
			GeneratedAt:  pkg.Manifest.GeneratedAt,
			ManifestJSON: pkg.ManifestJSON,
		}
		if err := s.index.Record(ctx, rec); err != nil {
			return nil, fmt.Errorf("index manifest: %w", err)
		}
		receipt.RecordID = rec.ID
	}

	s.record(store.EventUploaded, pkg, map[string]any{
		"artifacts":      len(receipt.Artifacts),
		"manifestDigest": receipt.ManifestDigest,
	})
	return receipt, nil
}

func (s *Sealer) put(ctx context.Context, data []byte, want string) (string, error) {
	return resiliency.Guarded(ctx, s.guard, ServiceUpload, func(ctx context.Context) (string, error) {
		got, err := s.store.Put(ctx, data)
		if err != nil {
			return "", err
		}
		if got != want {
			return "", resiliency.Permanent(fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, want, got))
		}
		return got, nil
	})
}

// Fetch reads the package's files back from the artifact store.
func (s *Sealer) Fetch(ctx context.Context, m *hashing.HashesJson) (map[string][]byte, error) {
	if s.store == nil {
		return nil, ErrNoArtifactStore
	}
	out := make(map[string][]byte, len(m.Files))
	for _, name := range sortedNames(m.Files) {
		data, err := resiliency.Guarded(ctx, s.guard, ServiceUpload, func(ctx context.Context) ([]byte, error) {
			data, err := s.store.Get(ctx, m.Files[name])
			if errors.Is(err, artifacts.ErrNotFound) || errors.Is(err, artifacts.ErrCorrupt) {
				return nil, resiliency.Permanent(err)
			}
			return data, err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

func (s *Sealer) record(typ store.EventType, pkg *Package, payload map[string]any) {
	if s.log == nil {
		return
	}
	if _, err := s.log.Append(typ, pkg.CaseID, pkg.Manifest.CombinedHash, payload, nil); err != nil {
		s.logger.Error("custody log append failed", "type", typ, "error", err)
	}
}

func checkPackage(pkg *Package) error {
	if pkg == nil || pkg.Manifest == nil {
		return fmt.Errorf("%w: package has no manifest", ErrInvalidPackage)
	}
	if len(pkg.ManifestJSON) == 0 {
		data, err := canonicalize.JCS(pkg.Manifest)
		if err != nil {
			return fmt.Errorf("canonicalize manifest: %w", err)
		}
		pkg.ManifestJSON = data
	}
	return nil
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

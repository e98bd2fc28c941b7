// Package hashing computes the deterministic digests that make captured
// evidence verifiable: one SHA-256 per artifact, one over the canonical
// metadata document, and a combined hash over all of them that is written
// into the hashes.json integrity manifest.
//
// Identical bytes always produce identical digests, independent of call
// order, generator instance, or map insertion order. Independent
// re-computation from the same inputs is a legal requirement of the chain of
// custody, so nothing in this package depends on time or randomness except
// the manifest's generatedAt field.
package hashing

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sha256 "github.com/minio/sha256-simd"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
)

// Generator produces artifact, metadata and combined hashes. It holds no
// mutable state and is safe for concurrent use.
type Generator struct {
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the clock used for generatedAt. For deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) { g.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

// NewGenerator creates a hash generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		clock:  time.Now,
		logger: slog.Default().With("component", "hashing"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HashFile digests the exact bytes of one artifact. The file name is carried
// through to the result but never influences the hash. A nil slice is
// rejected; an empty non-nil slice is a valid empty artifact.
func (g *Generator) HashFile(data []byte, fileName string) (*FileHashResult, error) {
	if data == nil {
		return nil, inputError("hash file", "file data is nil")
	}
	if strings.TrimSpace(fileName) == "" {
		return nil, inputError("hash file", "file name is empty")
	}

	start := time.Now()
	sum := sha256.Sum256(data)

	return &FileHashResult{
		FileName:         fileName,
		Hash:             hex.EncodeToString(sum[:]),
		SizeBytes:        int64(len(data)),
		ProcessingTimeMs: elapsedMs(start),
	}, nil
}

// HashFiles digests every entry independently. Entries are processed in
// sorted name order so progress reporting is deterministic.
func (g *Generator) HashFiles(files map[string][]byte, onProgress ProgressFunc) (map[string]*FileHashResult, error) {
	if len(files) == 0 {
		return nil, inputError("hash files", "no files provided")
	}

	names := sortedKeys(files)
	results := make(map[string]*FileHashResult, len(names))
	for i, name := range names {
		res, err := g.HashFile(files[name], name)
		if err != nil {
			return nil, err
		}
		results[name] = res
		if onProgress != nil {
			onProgress(Progress{Stage: StageFiles, Current: i + 1, Total: len(names)})
		}
	}
	return results, nil
}

// HashMetadata canonicalizes a metadata object (keys sorted recursively, see
// canonicalize.JCS) and hashes the canonical string. Only JSON objects are
// accepted: nil, arrays and scalars are rejected.
func (g *Generator) HashMetadata(metadata any) (*MetadataHashResult, error) {
	if metadata == nil {
		return nil, inputError("hash metadata", "metadata is nil")
	}

	start := time.Now()

	tree, err := canonicalize.Normalize(metadata)
	if err != nil {
		return nil, &HashGenerationError{Op: "hash metadata", Reason: "metadata is not JSON serializable", Err: err}
	}
	if _, ok := tree.(canonicalize.Object); !ok {
		return nil, inputError("hash metadata", fmt.Sprintf("metadata must be a JSON object, got %s", jsonKind(tree)))
	}

	canonical, err := canonicalize.JCS(tree)
	if err != nil {
		return nil, &HashGenerationError{Op: "hash metadata", Reason: "canonicalization failed", Err: err}
	}

	sum := sha256.Sum256(canonical)
	return &MetadataHashResult{
		Hash:             hex.EncodeToString(sum[:]),
		SerializedJSON:   string(canonical),
		ProcessingTimeMs: elapsedMs(start),
	}, nil
}

// GenerateCombinedHash sorts the components by name, concatenates their hash
// values in that order and hashes the concatenation. The result depends only
// on the (name, hash) set, never on map insertion order.
func (g *Generator) GenerateCombinedHash(hashes map[string]string) (*CombinedHashResult, error) {
	if len(hashes) == 0 {
		return nil, inputError("combine hashes", "no hashes provided")
	}

	start := time.Now()

	names := sortedKeys(hashes)
	components := make([]ComponentHash, len(names))
	var concat strings.Builder
	concat.Grow(len(names) * 64)
	for i, name := range names {
		h := strings.ToLower(hashes[name])
		if !IsHexHash(h) {
			return nil, inputError("combine hashes", fmt.Sprintf("hash for %q is not a 64 character hex digest", name))
		}
		components[i] = ComponentHash{Name: name, Hash: h}
		concat.WriteString(h)
	}

	sum := sha256.Sum256([]byte(concat.String()))
	return &CombinedHashResult{
		CombinedHash:     hex.EncodeToString(sum[:]),
		ComponentHashes:  components,
		ProcessingTimeMs: elapsedMs(start),
	}, nil
}

// GenerateHashesJson assembles the integrity manifest. The combined hash
// covers every file hash plus the metadata hash (under MetadataComponent).
// pisaChainHash is optional.
func (g *Generator) GenerateHashesJson(fileHashes map[string]string, metadataHash, pisaChainHash string) (*HashesJson, error) {
	if len(fileHashes) == 0 {
		return nil, inputError("generate manifest", "no file hashes provided")
	}
	if metadataHash == "" {
		return nil, inputError("generate manifest", "metadata hash is empty")
	}
	if _, clash := fileHashes[MetadataComponent]; clash {
		return nil, inputError("generate manifest", fmt.Sprintf("file name %q is reserved", MetadataComponent))
	}

	metadataHash = strings.ToLower(metadataHash)
	if !IsHexHash(metadataHash) {
		return nil, inputError("generate manifest", "metadata hash is not a 64 character hex digest")
	}
	if pisaChainHash != "" {
		pisaChainHash = strings.ToLower(pisaChainHash)
		if !IsHexHash(pisaChainHash) {
			return nil, inputError("generate manifest", "pisa chain hash is not a 64 character hex digest")
		}
	}

	files := make(map[string]string, len(fileHashes))
	for name, h := range fileHashes {
		files[name] = strings.ToLower(h)
	}

	manifest := &HashesJson{
		Version:       ManifestVersion,
		GeneratedAt:   FormatTimestamp(g.clock()),
		Files:         files,
		MetadataHash:  metadataHash,
		PisaChainHash: pisaChainHash,
	}

	combined, err := g.GenerateCombinedHash(CombinedComponents(manifest))
	if err != nil {
		return nil, err
	}
	manifest.CombinedHash = combined.CombinedHash
	return manifest, nil
}

// ProcessEvidence runs the full pipeline: hash files, hash metadata, combine,
// and assemble the manifest. Progress is reported for the stages files,
// metadata, combined and complete, in that order.
func (g *Generator) ProcessEvidence(files map[string][]byte, metadata any, pisaChainHash string, onProgress ProgressFunc) (*HashesJson, error) {
	start := time.Now()
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	fileResults, err := g.HashFiles(files, onProgress)
	if err != nil {
		return nil, err
	}

	report(Progress{Stage: StageMetadata, Current: 0, Total: 1})
	meta, err := g.HashMetadata(metadata)
	if err != nil {
		return nil, err
	}
	report(Progress{Stage: StageMetadata, Current: 1, Total: 1})

	fileHashes := make(map[string]string, len(fileResults))
	for name, res := range fileResults {
		fileHashes[name] = res.Hash
	}

	report(Progress{Stage: StageCombined, Current: 0, Total: 1})
	manifest, err := g.GenerateHashesJson(fileHashes, meta.Hash, pisaChainHash)
	if err != nil {
		return nil, err
	}
	report(Progress{Stage: StageCombined, Current: 1, Total: 1})
	report(Progress{Stage: StageComplete, Current: 1, Total: 1})

	g.logger.Debug("evidence processed",
		"files", len(fileResults),
		"combined_hash", manifest.CombinedHash,
		"duration_ms", elapsedMs(start),
	)
	return manifest, nil
}

// FormatTimestamp renders t as an ISO-8601 UTC timestamp with millisecond
// precision, e.g. 2026-01-30T10:00:00.000Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	default:
		return "number"
	}
}

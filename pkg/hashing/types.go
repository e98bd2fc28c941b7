package hashing

import "regexp"

// ManifestVersion is the format version written into every HashesJson.
const ManifestVersion = "1.0.0"

// MetadataComponent is the component key under which the metadata hash takes
// part in the combined hash. No captured file may use this name.
const MetadataComponent = "metadata.json"

var hexHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsHexHash reports whether s is a 64 character lowercase hex SHA-256 digest.
func IsHexHash(s string) bool {
	return hexHashPattern.MatchString(s)
}

// FileHashResult is the digest of one captured artifact.
type FileHashResult struct {
	FileName         string  `json:"fileName"`
	Hash             string  `json:"hash"`
	SizeBytes        int64   `json:"sizeBytes"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
}

// MetadataHashResult is the digest of the canonical metadata document.
type MetadataHashResult struct {
	Hash             string  `json:"hash"`
	SerializedJSON   string  `json:"serializedJson"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
}

// ComponentHash is one named input of a combined hash.
type ComponentHash struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// CombinedHashResult is the digest over a set of component hashes.
// ComponentHashes is sorted by name.
type CombinedHashResult struct {
	CombinedHash     string          `json:"combinedHash"`
	ComponentHashes  []ComponentHash `json:"componentHashes"`
	ProcessingTimeMs float64         `json:"processingTimeMs"`
}

// HashesJson is the integrity manifest (hashes.json) shipped with every
// evidence package. CombinedHash is recomputable from Files and MetadataHash.
type HashesJson struct {
	Version       string            `json:"version"`
	GeneratedAt   string            `json:"generatedAt"`
	CombinedHash  string            `json:"combinedHash"`
	Files         map[string]string `json:"files"`
	MetadataHash  string            `json:"metadataHash"`
	PisaChainHash string            `json:"pisaChainHash,omitempty"`
}

// Stage names a step of ProcessEvidence.
type Stage string

const (
	StageFiles    Stage = "files"
	StageMetadata Stage = "metadata"
	StageCombined Stage = "combined"
	StageComplete Stage = "complete"
)

// Progress is reported to a ProgressFunc while evidence is processed.
type Progress struct {
	Stage   Stage `json:"stage"`
	Current int   `json:"current"`
	Total   int   `json:"total"`
}

// ProgressFunc receives progress updates. It is called synchronously.
type ProgressFunc func(Progress)

// CombinedComponents returns the component map the manifest's combined hash
// is computed from: every file hash plus the metadata hash.
func CombinedComponents(m *HashesJson) map[string]string {
	components := make(map[string]string, len(m.Files)+1)
	for name, h := range m.Files {
		components[name] = h
	}
	components[MetadataComponent] = m.MetadataHash
	return components
}

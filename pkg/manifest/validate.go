// Package manifest validates, verifies, and signs evidence integrity
// manifests (hashes.json).
package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
)

// Deterministic error codes for manifest failures.
const (
	CodeSchema          = "ERR_MANIFEST_SCHEMA"
	CodeDecode          = "ERR_MANIFEST_DECODE"
	CodeVersion         = "ERR_MANIFEST_VERSION"
	CodeCombinedHash    = "ERR_MANIFEST_COMBINED_HASH_MISMATCH"
	CodeSignature       = "ERR_MANIFEST_SIGNATURE"
	CodeClaimsMismatch  = "ERR_MANIFEST_CLAIMS_MISMATCH"
	CodeInvalidArgument = "ERR_MANIFEST_INVALID_ARGUMENT"
)

var (
	ErrInvalidManifest      = errors.New("invalid manifest")
	ErrUnsupportedVersion   = errors.New("unsupported manifest version")
	ErrCombinedHashMismatch = errors.New("combined hash mismatch")
	ErrInvalidSignature     = errors.New("invalid manifest signature")
	ErrClaimsMismatch       = errors.New("signature claims do not match manifest")
)

// Error is a typed manifest failure. It matches the sentinel for its code
// via errors.Is.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeSchema, CodeDecode, CodeInvalidArgument:
		return target == ErrInvalidManifest
	case CodeVersion:
		return target == ErrUnsupportedVersion
	case CodeCombinedHash:
		return target == ErrCombinedHashMismatch
	case CodeSignature:
		return target == ErrInvalidSignature
	case CodeClaimsMismatch:
		return target == ErrClaimsMismatch
	}
	return false
}

// SupportedVersions is the semver constraint accepted by CheckVersion.
const SupportedVersions = "^1.0.0"

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://helm.mindburn.org/schemas/evidence/hashes.schema.json"

var (
	compiledSchema = mustCompileSchema()
	supported      = semver.MustParse("1.0.0")
	versionRange   = mustConstraint(SupportedVersions)
)

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("manifest: add schema: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("manifest: compile schema: %v", err))
	}
	return s
}

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(fmt.Sprintf("manifest: constraint %q: %v", c, err))
	}
	return cs
}

// Validate checks data against the hashes.json schema and the supported
// version range, then decodes it.
func Validate(data []byte) (*hashing.HashesJson, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Code: CodeDecode, Message: fmt.Sprintf("not valid JSON: %v", err), Err: err}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, schemaError(err)
	}

	var m hashing.HashesJson
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Code: CodeDecode, Message: err.Error(), Err: err}
	}
	if err := CheckVersion(m.Version); err != nil {
		return nil, err
	}
	return &m, nil
}

func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		return &Error{
			Code:    CodeSchema,
			Message: leaf.Message,
			Field:   leaf.InstanceLocation,
			Err:     err,
		}
	}
	return &Error{Code: CodeSchema, Message: err.Error(), Err: err}
}

// CheckVersion reports whether v satisfies SupportedVersions.
func CheckVersion(v string) error {
	parsed, err := semver.StrictNewVersion(v)
	if err != nil {
		return &Error{Code: CodeVersion, Message: fmt.Sprintf("malformed version %q", v), Field: "version", Err: err}
	}
	if !versionRange.Check(parsed) {
		return &Error{
			Code:    CodeVersion,
			Message: fmt.Sprintf("version %s outside %s (this build writes %s)", parsed, SupportedVersions, supported),
			Field:   "version",
		}
	}
	return nil
}

// Verify recomputes the combined hash from m.Files and m.MetadataHash.
func Verify(m *hashing.HashesJson) error {
	if m == nil {
		return &Error{Code: CodeInvalidArgument, Message: "manifest is nil"}
	}
	res, err := hashing.NewGenerator().GenerateCombinedHash(hashing.CombinedComponents(m))
	if err != nil {
		return &Error{Code: CodeInvalidArgument, Message: err.Error(), Err: err}
	}
	if res.CombinedHash != strings.ToLower(m.CombinedHash) {
		return &Error{
			Code:    CodeCombinedHash,
			Message: fmt.Sprintf("manifest declares %s, components hash to %s", m.CombinedHash, res.CombinedHash),
			Field:   "combinedHash",
		}
	}
	return nil
}

// MismatchKind classifies a VerifyFiles finding.
type MismatchKind string

const (
	MismatchMissing   MismatchKind = "missing"
	MismatchExtra     MismatchKind = "extra"
	MismatchDifferent MismatchKind = "different"
)

// Mismatch is one artifact whose bytes disagree with the manifest.
type Mismatch struct {
	FileName string       `json:"fileName"`
	Kind     MismatchKind `json:"kind"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
}

// VerifyFiles re-hashes files and compares them with m.Files. Findings are
// sorted by file name. An empty result means the artifacts match.
func VerifyFiles(m *hashing.HashesJson, files map[string][]byte) []Mismatch {
	var out []Mismatch
	if m == nil {
		return out
	}
	for name, want := range m.Files {
		data, ok := files[name]
		if !ok {
			out = append(out, Mismatch{FileName: name, Kind: MismatchMissing, Expected: want})
			continue
		}
		got := canonicalize.HashBytes(data)
		if got != strings.ToLower(want) {
			out = append(out, Mismatch{FileName: name, Kind: MismatchDifferent, Expected: want, Actual: got})
		}
	}
	for name, data := range files {
		if _, ok := m.Files[name]; !ok {
			out = append(out, Mismatch{FileName: name, Kind: MismatchExtra, Actual: canonicalize.HashBytes(data)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out
}

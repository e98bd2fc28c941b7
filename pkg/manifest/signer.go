package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-evidence/pkg/hashing"
)

// KDFSalt separates manifest signing keys from any other use of the seed.
const KDFSalt = "helm-evidence-manifest-kdf"

// MinSeedLength is the shortest accepted root seed.
const MinSeedLength = 32

// Claims is the JWS payload binding a signature to one manifest.
type Claims struct {
	CombinedHash string `json:"combinedHash"`
	MetadataHash string `json:"metadataHash"`
	ManifestHash string `json:"manifestHash"`
	MerkleRoot   string `json:"merkleRoot,omitempty"`
	jwt.RegisteredClaims
}

// Fingerprint identifies a public key: the first 16 bytes of its SHA-256,
// hex encoded.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:16])
}

// Signer issues compact EdDSA JWS tokens over manifests for one case.
type Signer struct {
	caseID string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	kid    string
	now    func() time.Time
}

// SignerOption customizes a Signer.
type SignerOption func(*Signer)

// WithSignerClock overrides the iat time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner derives the case signing key from seed with HKDF-SHA256. The
// same seed and case ID always yield the same key.
func NewSigner(seed []byte, caseID string, opts ...SignerOption) (*Signer, error) {
	if len(seed) < MinSeedLength {
		return nil, &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf("seed must be at least %d bytes", MinSeedLength)}
	}
	if caseID == "" {
		return nil, &Error{Code: CodeInvalidArgument, Message: "case id is required"}
	}
	r := hkdf.New(sha256.New, seed, []byte(KDFSalt), []byte(caseID))
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, keySeed); err != nil {
		return nil, fmt.Errorf("derive case key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(keySeed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("unexpected public key type")
	}
	s := &Signer{
		caseID: caseID,
		priv:   priv,
		pub:    pub,
		kid:    Fingerprint(pub),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// PublicKey returns the case verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// KeyID returns the key fingerprint carried in the JWS header.
func (s *Signer) KeyID() string { return s.kid }

// Verifier returns a Verifier for this signer's key.
func (s *Signer) Verifier() *Verifier { return NewVerifier(s.pub) }

// Sign returns a compact JWS binding m (and the Merkle root, if non-empty).
func (s *Signer) Sign(m *hashing.HashesJson, merkleRoot string) (string, error) {
	if m == nil {
		return "", &Error{Code: CodeInvalidArgument, Message: "manifest is nil"}
	}
	manifestHash, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return "", fmt.Errorf("hash manifest: %w", err)
	}
	claims := Claims{
		CombinedHash: m.CombinedHash,
		MetadataHash: m.MetadataHash,
		ManifestHash: manifestHash,
		MerkleRoot:   merkleRoot,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  s.caseID,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.kid
	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	return signed, nil
}

// Verifier checks manifest signatures against one public key.
type Verifier struct {
	pub ed25519.PublicKey
	kid string
}

// NewVerifier creates a Verifier for pub.
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub, kid: Fingerprint(pub)}
}

// Verify checks the token signature and that its claims describe m.
func (v *Verifier) Verify(token string, m *hashing.HashesJson) (*Claims, error) {
	if m == nil {
		return nil, &Error{Code: CodeInvalidArgument, Message: "manifest is nil"}
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, &Error{Code: CodeSignature, Message: err.Error(), Err: err}
	}

	manifestHash, err := canonicalize.CanonicalHash(m)
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}
	switch {
	case claims.CombinedHash != m.CombinedHash:
		return nil, &Error{Code: CodeClaimsMismatch, Message: "combined hash differs", Field: "combinedHash"}
	case claims.MetadataHash != m.MetadataHash:
		return nil, &Error{Code: CodeClaimsMismatch, Message: "metadata hash differs", Field: "metadataHash"}
	case claims.ManifestHash != manifestHash:
		return nil, &Error{Code: CodeClaimsMismatch, Message: "manifest hash differs", Field: "manifestHash"}
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("missing kid in header")
	}
	if kid != v.kid {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return v.pub, nil
}

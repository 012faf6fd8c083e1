package fhe

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Keypair is the ephemeral user keypair a decryption signature binds. The
// codec re-encrypts plaintext to PublicKey; PrivateKey never leaves the
// client that generated it.
type Keypair struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

func generateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keypair{
		PublicKey:  "0x" + hex.EncodeToString(pub),
		PrivateKey: "0x" + hex.EncodeToString(priv),
	}, nil
}

// TypedDomain is the domain separator for the structured signing request,
// the analogue of an EIP-712 domain.
type TypedDomain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// SigningRequest is the structured message a wallet signs to authorize
// decryption for a user across a set of contracts within a validity window.
type SigningRequest struct {
	Domain            TypedDomain `json:"domain"`
	PublicKey         string      `json:"publicKey"`
	ContractAddresses []string    `json:"contractAddresses"`
	UserAddress       string      `json:"userAddress"`
	StartTimestamp    int64       `json:"startTimestamp"`
	DurationDays      int         `json:"durationDays"`
}

// NewSigningRequest canonicalizes the contract set (sorted, lower-cased)
// before binding it into the message.
func NewSigningRequest(dom TypedDomain, publicKey string, contracts []string, user string, start int64, durationDays int) *SigningRequest {
	sorted := make([]string, len(contracts))
	for i, c := range contracts {
		sorted[i] = strings.ToLower(c)
	}
	sort.Strings(sorted)
	return &SigningRequest{
		Domain:            dom,
		PublicKey:         publicKey,
		ContractAddresses: sorted,
		UserAddress:       strings.ToLower(user),
		StartTimestamp:    start,
		DurationDays:      durationDays,
	}
}

// Digest is the canonical hash wallets sign. JSON field order is fixed by
// the struct definition, so the encoding is deterministic.
func (r *SigningRequest) Digest() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return sum[:], nil
}

// Signer produces a signature over a structured signing request. The real
// system fronts a wallet; tests use the local ed25519 signer.
type Signer interface {
	Address() string
	SignTypedData(ctx context.Context, req *SigningRequest) ([]byte, error)
}

// DecryptionSignature is the client-held artifact unlocking UserDecrypt for
// one user across a set of contracts until the validity window lapses. The
// JSON shape is the persisted cache format.
type DecryptionSignature struct {
	PrivateKey        string      `json:"privateKey"`
	PublicKey         string      `json:"publicKey"`
	Signature         string      `json:"signature"`
	ContractAddresses []string    `json:"contractAddresses"`
	UserAddress       string      `json:"userAddress"`
	StartTimestamp    int64       `json:"startTimestamp"`
	DurationDays      int         `json:"durationDays"`
	Domain            TypedDomain `json:"domain"`
}

func (s *DecryptionSignature) ExpiresAt() time.Time {
	return time.Unix(s.StartTimestamp, 0).Add(time.Duration(s.DurationDays) * 24 * time.Hour)
}

func (s *DecryptionSignature) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt())
}

// Covers reports whether the artifact's contract scope includes contract.
func (s *DecryptionSignature) Covers(contract string) bool {
	c := strings.ToLower(contract)
	for _, a := range s.ContractAddresses {
		if strings.ToLower(a) == c {
			return true
		}
	}
	return false
}

// Request reconstructs the signing request this artifact claims was signed.
func (s *DecryptionSignature) Request() *SigningRequest {
	return NewSigningRequest(s.Domain, s.PublicKey, s.ContractAddresses, s.UserAddress, s.StartTimestamp, s.DurationDays)
}

// SignatureVerifier checks that the artifact's signature was produced by the
// wallet owning UserAddress over the reconstructed signing request.
type SignatureVerifier func(sig *DecryptionSignature) error

// LocalSigner is an in-process ed25519 wallet. Its address is derived from
// the public key the same way the default verifier re-derives it, and the
// produced signature embeds the public key so verification is self-contained.
type LocalSigner struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewLocalSigner() (*LocalSigner, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &LocalSigner{pub: pub, priv: priv}, nil
}

// NewLocalSignerFromSeed rebuilds a signer from a stored 32-byte seed, so a
// wallet keeps its address across sessions.
func NewLocalSignerFromSeed(seed []byte) (*LocalSigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &LocalSigner{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (s *LocalSigner) Address() string {
	return addressFromPub(s.pub)
}

func (s *LocalSigner) SignTypedData(ctx context.Context, req *SigningRequest) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	digest, err := req.Digest()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.priv, digest)
	out := make([]byte, 0, ed25519.PublicKeySize+ed25519.SignatureSize)
	out = append(out, s.pub...)
	out = append(out, sig...)
	return out, nil
}

func addressFromPub(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:32])
}

// VerifyEd25519 is the default SignatureVerifier: the signature blob is
// pub||sig, the public key must hash to the artifact's user address, and the
// signature must verify over the reconstructed request digest.
func VerifyEd25519(s *DecryptionSignature) error {
	raw := strings.TrimPrefix(s.Signature, "0x")
	blob, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("malformed signature encoding: %w", err)
	}
	if len(blob) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return errors.New("malformed signature length")
	}
	pub := ed25519.PublicKey(blob[:ed25519.PublicKeySize])
	sig := blob[ed25519.PublicKeySize:]
	if !strings.EqualFold(addressFromPub(pub), s.UserAddress) {
		return errors.New("signature key does not match user address")
	}
	digest, err := s.Request().Digest()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

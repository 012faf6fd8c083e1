package fhe

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrProviderUnavailable = errors.New("fhe provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidProof        = errors.New("input proof invalid")
	ErrCounterUnderflow    = errors.New("encrypted counter underflow")
	ErrRequiresPrimary     = errors.New("FHE_REQUIRE_PRIMARY is enabled, cannot use fallback provider")
)

// Codec is the ciphertext-handle boundary the rest of the system consumes.
// Handles are opaque byte strings; nothing outside this package may interpret
// them. Counters support only increment/decrement by one and an authorized
// user decrypt.
type Codec interface {
	Encrypt(ctx context.Context, plaintext []byte, contract, user string) (handle, proof []byte, err error)
	VerifyProof(ctx context.Context, handle, proof []byte, contract, user string) error
	EncryptZero(ctx context.Context) ([]byte, error)
	AddOne(ctx context.Context, handle []byte) ([]byte, error)
	SubOne(ctx context.Context, handle []byte) ([]byte, error)
	GenerateKeypair() (*Keypair, error)
	UserDecrypt(ctx context.Context, handle []byte, contract string, sig *DecryptionSignature) ([]byte, error)
}

// Provider is a backend capable of sealing and opening handle payloads.
// Remote providers (Vault Transit, AWS KMS) never expose key material; the
// local provider seals under a master key from the environment.
type Provider interface {
	Seal(ctx context.Context, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, handle []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	verifier       SignatureVerifier
	failClosed     bool
	requirePrimary bool
}

// NewAdapter picks providers from the environment: Vault first, then AWS KMS,
// then the FHE_LOCAL_KEY fallback. FHE_FAIL_CLOSED defaults to true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("FHE_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				primary = ap
			}
		}
	}
	if !requirePrimary && primary == nil {
		if envKey := os.Getenv("FHE_LOCAL_KEY"); envKey != "" {
			lp, err := newLocalProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize local provider: %w", err)
			}
			fallback = lp
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("FHE_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no FHE providers available (checked Vault, AWS KMS, FHE_LOCAL_KEY)")
	}
	failClosed := os.Getenv("FHE_FAIL_CLOSED") != "false"
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		verifier:       VerifyEd25519,
		failClosed:     failClosed,
		requirePrimary: requirePrimary,
	}, nil
}

// NewAdapterWithProvider wires a fixed provider, used by tests and by
// deployments that configure the provider out of band.
func NewAdapterWithProvider(p Provider) *Adapter {
	return &Adapter{primary: p, verifier: VerifyEd25519, failClosed: true}
}

// SetVerifier replaces the decryption-signature verifier. The default checks
// an ed25519 signature whose public key must hash to the user address.
func (a *Adapter) SetVerifier(v SignatureVerifier) {
	if v != nil {
		a.verifier = v
	}
}

func (a *Adapter) seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		handle, err := a.primary.Seal(ctx, plaintext)
		if err == nil {
			return handle, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary fhe seal failed (FHE_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("fhe seal failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Seal(ctx, plaintext)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) open(ctx context.Context, handle []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		plaintext, err := a.primary.Open(ctx, handle)
		if err == nil {
			return plaintext, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary fhe open failed (FHE_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("fhe open failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.Open(ctx, handle)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, contract, user string) ([]byte, []byte, error) {
	handle, err := a.seal(ctx, plaintext)
	if err != nil {
		return nil, nil, err
	}
	return handle, inputProof(handle, contract, user), nil
}

// VerifyProof checks that a submitted handle was produced for this contract
// by this user. Proofs bind handle bytes to (contract, user) so a handle
// cannot be replayed into a different posting context.
func (a *Adapter) VerifyProof(ctx context.Context, handle, proof []byte, contract, user string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !hmac.Equal(proof, inputProof(handle, contract, user)) {
		return ErrInvalidProof
	}
	return nil
}

func inputProof(handle []byte, contract, user string) []byte {
	h := sha256.New()
	h.Write(handle)
	h.Write([]byte(strings.ToLower(contract)))
	h.Write([]byte(strings.ToLower(user)))
	return h.Sum(nil)
}

func (a *Adapter) EncryptZero(ctx context.Context) ([]byte, error) {
	var buf [8]byte
	return a.seal(ctx, buf[:])
}

func (a *Adapter) AddOne(ctx context.Context, handle []byte) ([]byte, error) {
	return a.addDelta(ctx, handle, 1)
}

func (a *Adapter) SubOne(ctx context.Context, handle []byte) ([]byte, error) {
	return a.addDelta(ctx, handle, -1)
}

// addDelta reseals the counter with a fresh nonce, so the returned handle
// never equals the input even for a logically unchanged value.
func (a *Adapter) addDelta(ctx context.Context, handle []byte, delta int64) ([]byte, error) {
	plaintext, err := a.open(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, err)
	}
	if len(plaintext) != 8 {
		return nil, errors.New("handle is not a counter")
	}
	v := binary.BigEndian.Uint64(plaintext)
	if delta < 0 && v == 0 {
		return nil, ErrCounterUnderflow
	}
	v = uint64(int64(v) + delta)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return a.seal(ctx, buf[:])
}

func (a *Adapter) GenerateKeypair() (*Keypair, error) {
	return generateKeypair()
}

// UserDecrypt releases plaintext for a handle only under a valid decryption
// signature: unexpired, scoped to the requesting contract, and carrying a
// signature that verifies for the artifact's user address. ACL checks happen
// upstream; this is the last gate before plaintext leaves the boundary.
func (a *Adapter) UserDecrypt(ctx context.Context, handle []byte, contract string, sig *DecryptionSignature) ([]byte, error) {
	if sig == nil {
		return nil, ErrDecryptionFailed
	}
	if !sig.ValidAt(time.Now()) {
		return nil, fmt.Errorf("%w: signature expired", ErrDecryptionFailed)
	}
	if !sig.Covers(contract) {
		return nil, fmt.Errorf("%w: contract not in signature scope", ErrDecryptionFailed)
	}
	if err := a.verifier(sig); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, err)
	}
	plaintext, err := a.open(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// DecodeCounter interprets a decrypted counter payload. Only meaningful for
// handles created by EncryptZero and mutated via AddOne/SubOne.
func DecodeCounter(plaintext []byte) (uint64, error) {
	if len(plaintext) != 8 {
		return 0, errors.New("not a counter payload")
	}
	return binary.BigEndian.Uint64(plaintext), nil
}

type localProvider struct {
	key []byte
}

func newLocalProvider(key string) (*localProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("FHE_LOCAL_KEY environment variable is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("FHE_LOCAL_KEY must be base64-encoded: %w", err)
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("FHE_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	return &localProvider{key: decoded}, nil
}

// NewLocalProvider builds the in-process provider from a raw 32-byte key.
func NewLocalProvider(key []byte) (Provider, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("local provider key must be %d bytes", chacha20poly1305.KeySize)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &localProvider{key: k}, nil
}

func (l *localProvider) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *localProvider) Open(ctx context.Context, handle []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	aead, err := chacha20poly1305.NewX(l.key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(handle) < nonceSize {
		return nil, errors.New("handle too short")
	}
	nonce := handle[:nonceSize]
	encrypted := handle[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (l *localProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}

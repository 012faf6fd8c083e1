package sig

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"whisperwall/metrics"
	"whisperwall/pkg/fhe"
)

const (
	// keyPrefix matches the persisted cache namespace:
	// fhe.decryptionSignature.<userAddress>.<sorted-contract-addresses>
	keyPrefix = "fhe.decryptionSignature"

	DefaultDurationDays = 30
)

// Manager issues and caches decryption signatures for one wallet session.
// Issuance suspends on the external signer, so it is context-cancellable;
// concurrent requests for the same cache key coalesce through singleflight,
// and a superseded request never writes its result into the store.
type Manager struct {
	codec        fhe.Codec
	signer       fhe.Signer
	store        Store
	domain       fhe.TypedDomain
	durationDays int
	group        singleflight.Group
	now          func() time.Time
}

func NewManager(codec fhe.Codec, signer fhe.Signer, store Store, domain fhe.TypedDomain, durationDays int) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if durationDays <= 0 {
		durationDays = DefaultDurationDays
	}
	return &Manager{
		codec:        codec,
		signer:       signer,
		store:        store,
		domain:       domain,
		durationDays: durationDays,
		now:          time.Now,
	}
}

// CacheKey canonicalizes (user, contract set) into the storage key: contracts
// are lower-cased and sorted so the same set always maps to the same entry.
func CacheKey(user string, contracts []string) string {
	sorted := make([]string, len(contracts))
	for i, c := range contracts {
		sorted[i] = strings.ToLower(c)
	}
	sort.Strings(sorted)
	return keyPrefix + "." + strings.ToLower(user) + "." + strings.Join(sorted, ",")
}

// LoadOrSign returns the cached signature for the signer's address and the
// given contract set while it is still valid, and otherwise runs the issuance
// round trip: fresh keypair, structured signing request, external signature.
// A failed issuance leaves any previously cached entry untouched.
func (m *Manager) LoadOrSign(ctx context.Context, contracts []string) (*fhe.DecryptionSignature, error) {
	if len(contracts) == 0 {
		return nil, errors.New("no contract addresses requested")
	}
	user := m.signer.Address()
	key := CacheKey(user, contracts)

	if cached := m.load(ctx, key); cached != nil {
		metrics.SignatureCacheHits.Inc()
		return cached, nil
	}

	ch := m.group.DoChan(key, func() (interface{}, error) {
		// Re-check inside the flight: a concurrent caller may have just
		// written a fresh artifact.
		if cached := m.load(ctx, key); cached != nil {
			return cached, nil
		}
		return m.issue(ctx, key, user, contracts)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*fhe.DecryptionSignature), nil
	}
}

func (m *Manager) load(ctx context.Context, key string) *fhe.DecryptionSignature {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	var s fhe.DecryptionSignature
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil
	}
	if !s.ValidAt(m.now()) {
		return nil
	}
	return &s
}

func (m *Manager) issue(ctx context.Context, key, user string, contracts []string) (*fhe.DecryptionSignature, error) {
	kp, err := m.codec.GenerateKeypair()
	if err != nil {
		return nil, errors.Wrap(err, "generate keypair")
	}
	start := m.now().Unix()
	req := fhe.NewSigningRequest(m.domain, kp.PublicKey, contracts, user, start, m.durationDays)
	sigBytes, err := m.signer.SignTypedData(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "sign typed data")
	}
	// The signer may have returned after this request was superseded; a
	// cancelled request must not clobber the cache.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	artifact := &fhe.DecryptionSignature{
		PrivateKey:        kp.PrivateKey,
		PublicKey:         kp.PublicKey,
		Signature:         "0x" + hex.EncodeToString(sigBytes),
		ContractAddresses: req.ContractAddresses,
		UserAddress:       req.UserAddress,
		StartTimestamp:    start,
		DurationDays:      m.durationDays,
		Domain:            m.domain,
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return nil, errors.Wrap(err, "marshal signature")
	}
	if err := m.store.Set(ctx, key, string(raw)); err != nil {
		return nil, errors.Wrap(err, "cache signature")
	}
	metrics.SignatureIssued.Inc()
	return artifact, nil
}

// Decrypt runs the full authorized round trip for one handle: load or issue
// a signature scoped to contract, then ask the codec to release plaintext.
// Failures are reported as-is; this layer never retries.
func (m *Manager) Decrypt(ctx context.Context, handle []byte, contract string) ([]byte, error) {
	s, err := m.LoadOrSign(ctx, []string{contract})
	if err != nil {
		return nil, errors.Wrap(err, "decryption signature")
	}
	return m.codec.UserDecrypt(ctx, handle, contract, s)
}

// Clear removes every cached artifact belonging to userAddress, across all
// contract sets. Called on disconnect so a later session cannot reuse a
// stale signature.
func (m *Manager) Clear(ctx context.Context, userAddress string) error {
	prefix := keyPrefix + "." + strings.ToLower(userAddress) + "."
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "list signature keys")
	}
	for _, k := range keys {
		if err := m.store.Delete(ctx, k); err != nil {
			return errors.Wrap(err, "delete signature")
		}
	}
	return nil
}

package fhe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"
)

const testContract = "0x00000000000000000000000000000000000000c1"

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}
	p, err := NewLocalProvider(key)
	if err != nil {
		t.Fatalf("local provider: %v", err)
	}
	return NewAdapterWithProvider(p)
}

func validSignature(t *testing.T, a *Adapter, contracts []string) (*DecryptionSignature, *LocalSigner) {
	t.Helper()
	signer, err := NewLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	kp, err := a.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	start := time.Now().Unix()
	req := NewSigningRequest(TypedDomain{Name: "test", Version: "1", ChainID: 1, VerifyingContract: testContract},
		kp.PublicKey, contracts, signer.Address(), start, 30)
	raw, err := signer.SignTypedData(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &DecryptionSignature{
		PrivateKey:        kp.PrivateKey,
		PublicKey:         kp.PublicKey,
		Signature:         "0x" + hex.EncodeToString(raw),
		ContractAddresses: req.ContractAddresses,
		UserAddress:       req.UserAddress,
		StartTimestamp:    start,
		DurationDays:      30,
		Domain:            req.Domain,
	}, signer
}

func TestEncryptRoundTrip(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	user := "0x00000000000000000000000000000000000000aa"

	handle, proof, err := a.Encrypt(ctx, []byte("hello world"), testContract, user)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if err := a.VerifyProof(ctx, handle, proof, testContract, user); err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}
	// Same proof must not verify for a different user or contract.
	if err := a.VerifyProof(ctx, handle, proof, testContract, "0x00000000000000000000000000000000000000bb"); err != ErrInvalidProof {
		t.Errorf("proof accepted for wrong user: %v", err)
	}
	if err := a.VerifyProof(ctx, handle, proof, "0x00000000000000000000000000000000000000c2", user); err != ErrInvalidProof {
		t.Errorf("proof accepted for wrong contract: %v", err)
	}
}

func TestCounterArithmetic(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()

	handle, err := a.EncryptZero(ctx)
	if err != nil {
		t.Fatalf("EncryptZero: %v", err)
	}
	h1, err := a.AddOne(ctx, handle)
	if err != nil {
		t.Fatalf("AddOne: %v", err)
	}
	if bytes.Equal(h1, handle) {
		t.Error("handle should change after AddOne")
	}
	h2, err := a.AddOne(ctx, h1)
	if err != nil {
		t.Fatalf("AddOne: %v", err)
	}
	h3, err := a.SubOne(ctx, h2)
	if err != nil {
		t.Fatalf("SubOne: %v", err)
	}

	sig, _ := validSignature(t, a, []string{testContract})
	plain, err := a.UserDecrypt(ctx, h3, testContract, sig)
	if err != nil {
		t.Fatalf("UserDecrypt: %v", err)
	}
	v, err := DecodeCounter(plain)
	if err != nil {
		t.Fatalf("DecodeCounter: %v", err)
	}
	if v != 1 {
		t.Errorf("counter = %d, want 1", v)
	}
}

func TestCounterUnderflow(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	handle, err := a.EncryptZero(ctx)
	if err != nil {
		t.Fatalf("EncryptZero: %v", err)
	}
	if _, err := a.SubOne(ctx, handle); err != ErrCounterUnderflow {
		t.Errorf("SubOne on zero = %v, want ErrCounterUnderflow", err)
	}
}

func TestUserDecryptRejections(t *testing.T) {
	a := testAdapter(t)
	ctx := context.Background()
	user := "0x00000000000000000000000000000000000000aa"
	handle, _, err := a.Encrypt(ctx, []byte("secret"), testContract, user)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	t.Run("nil signature", func(t *testing.T) {
		if _, err := a.UserDecrypt(ctx, handle, testContract, nil); err == nil {
			t.Error("expected rejection")
		}
	})
	t.Run("expired", func(t *testing.T) {
		sig, _ := validSignature(t, a, []string{testContract})
		sig.StartTimestamp = time.Now().Add(-31 * 24 * time.Hour).Unix()
		if _, err := a.UserDecrypt(ctx, handle, testContract, sig); err == nil {
			t.Error("expired signature accepted")
		}
	})
	t.Run("contract out of scope", func(t *testing.T) {
		sig, _ := validSignature(t, a, []string{"0x00000000000000000000000000000000000000c2"})
		if _, err := a.UserDecrypt(ctx, handle, testContract, sig); err == nil {
			t.Error("out-of-scope contract accepted")
		}
	})
	t.Run("tampered signature", func(t *testing.T) {
		sig, _ := validSignature(t, a, []string{testContract})
		sig.UserAddress = "0x00000000000000000000000000000000000000bb"
		if _, err := a.UserDecrypt(ctx, handle, testContract, sig); err == nil {
			t.Error("signature for mismatched user accepted")
		}
	})
	t.Run("valid", func(t *testing.T) {
		sig, _ := validSignature(t, a, []string{testContract})
		plain, err := a.UserDecrypt(ctx, handle, testContract, sig)
		if err != nil {
			t.Fatalf("UserDecrypt: %v", err)
		}
		if string(plain) != "secret" {
			t.Errorf("plaintext = %q", plain)
		}
	})
}

func TestSigningRequestCanonicalization(t *testing.T) {
	dom := TypedDomain{Name: "test", Version: "1", ChainID: 1, VerifyingContract: testContract}
	a := NewSigningRequest(dom, "0xab", []string{"0xBBB", "0xAAA"}, "0xUSER", 100, 30)
	b := NewSigningRequest(dom, "0xab", []string{"0xaaa", "0xbbb"}, "0xuser", 100, 30)
	da, err := a.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	db, err := b.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !bytes.Equal(da, db) {
		t.Error("equivalent requests should hash identically")
	}
}

func TestDecryptionSignatureCovers(t *testing.T) {
	s := &DecryptionSignature{ContractAddresses: []string{"0xaaa", "0xbbb"}}
	if !s.Covers("0xAAA") {
		t.Error("Covers should be case-insensitive")
	}
	if s.Covers("0xccc") {
		t.Error("Covers accepted a contract outside the scope")
	}
}

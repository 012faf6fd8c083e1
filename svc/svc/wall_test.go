package svc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"whisperwall/cfg"
	"whisperwall/pkg/domain"
	"whisperwall/pkg/fhe"
	"whisperwall/svc/cache"
	"whisperwall/svc/db"
)

const wallContract = "0x00000000000000000000000000000000000000c1"

type wallet struct {
	signer *fhe.LocalSigner
	addr   domain.Address
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	s, err := fhe.NewLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	addr, err := domain.ParseAddress(s.Address())
	if err != nil {
		t.Fatalf("signer address: %v", err)
	}
	return wallet{signer: s, addr: addr}
}

func newTestWall(t *testing.T) (*Wall, fhe.Codec) {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}
	provider, err := fhe.NewLocalProvider(key)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	codec := fhe.NewAdapterWithProvider(provider)

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "wall.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	lru, err := cache.NewLRU(64)
	if err != nil {
		t.Fatalf("lru: %v", err)
	}
	c := &cfg.Cfg{
		MaxContentSize:        16 * 1024,
		MaxWorkerLoad:         100,
		MaxPageLimit:          100,
		WorkerPoolSize:        2,
		ChainID:               31337,
		ContractAddress:       wallContract,
		SignatureDurationDays: 30,
		WhisperCacheTTL:       time.Minute,
	}
	w := NewWall(store, lru, nil, codec, c)
	t.Cleanup(func() {
		w.Shutdown()
		store.Close()
	})
	return w, codec
}

// signatureFor issues a decryption signature for the wallet, scoped to the
// board contract, the same way the client-side protocol would.
func signatureFor(t *testing.T, codec fhe.Codec, wl wallet) *fhe.DecryptionSignature {
	t.Helper()
	kp, err := codec.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	dom := fhe.TypedDomain{Name: "WhisperWall", Version: "1", ChainID: 31337, VerifyingContract: wallContract}
	start := time.Now().Unix()
	req := fhe.NewSigningRequest(dom, kp.PublicKey, []string{wallContract}, wl.signer.Address(), start, 30)
	raw, err := wl.signer.SignTypedData(context.Background(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &fhe.DecryptionSignature{
		PrivateKey:        kp.PrivateKey,
		PublicKey:         kp.PublicKey,
		Signature:         "0x" + hex.EncodeToString(raw),
		ContractAddresses: req.ContractAddresses,
		UserAddress:       req.UserAddress,
		StartTimestamp:    start,
		DurationDays:      30,
		Domain:            dom,
	}
}

func publicParams(author domain.Address, content string) domain.PostParams {
	return domain.PostParams{
		Author:       author,
		Type:         domain.WhisperPublic,
		ContentMode:  domain.ContentPlain,
		PlainContent: content,
		Tag:          domain.TagRandom,
	}
}

func TestPostAndGetRoundTrip(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "first whisper"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ID != 1 {
		t.Errorf("first id = %d, want 1", posted.ID)
	}

	got, err := w.Get(ctx, posted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PlainContent != "first whisper" || got.Author != author.addr {
		t.Errorf("unexpected whisper %+v", got)
	}

	if _, err := w.Get(ctx, 999); !errors.Is(err, domain.ErrWhisperNotFound) {
		t.Errorf("Get(999) = %v, want ErrWhisperNotFound", err)
	}
}

func TestRejectedPostConsumesNoID(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	bad := publicParams(author.addr, "")
	if _, err := w.Post(ctx, bad); err == nil {
		t.Fatal("empty content accepted")
	}
	posted, err := w.Post(ctx, publicParams(author.addr, "ok"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if posted.ID != 1 {
		t.Errorf("id after rejected post = %d, want 1", posted.ID)
	}
}

func TestPostEncryptedRequiresProof(t *testing.T) {
	w, codec := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	handle, proof, err := codec.Encrypt(ctx, []byte("hidden"), wallContract, author.signer.Address())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	params := domain.PostParams{
		Author:          author.addr,
		Type:            domain.WhisperPublic,
		ContentMode:     domain.ContentEncrypted,
		EncryptedHandle: handle,
		InputProof:      proof,
		Tag:             domain.TagSecret,
	}
	if _, err := w.Post(ctx, params); err != nil {
		t.Fatalf("Post encrypted: %v", err)
	}

	// A proof bound to someone else's address must be rejected.
	stranger := newWallet(t)
	params.Author = stranger.addr
	if _, err := w.Post(ctx, params); err == nil {
		t.Error("proof accepted for wrong author")
	}
}

func TestDeleteTombstones(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	stranger := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "soon gone"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if err := w.Delete(ctx, posted.ID, stranger.addr); !errors.Is(err, domain.ErrUnauthorizedAccess) {
		t.Errorf("stranger delete = %v, want ErrUnauthorizedAccess", err)
	}
	if err := w.Delete(ctx, posted.ID, author.addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := w.Delete(ctx, posted.ID, author.addr); !errors.Is(err, domain.ErrWhisperAlreadyDeleted) {
		t.Errorf("double delete = %v, want ErrWhisperAlreadyDeleted", err)
	}
	// Once tombstoned, the conflict wins over authorship.
	if err := w.Delete(ctx, posted.ID, stranger.addr); !errors.Is(err, domain.ErrWhisperAlreadyDeleted) {
		t.Errorf("stranger delete of tombstone = %v, want ErrWhisperAlreadyDeleted", err)
	}

	// The record stays addressable but its content is gone.
	got, err := w.Get(ctx, posted.ID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if !got.IsDeleted {
		t.Error("tombstone flag not set")
	}
	if got.PlainContent != "" || got.EncryptedHandle != nil {
		t.Errorf("tombstone leaked content: %+v", got)
	}
	if got.Author != author.addr {
		t.Error("tombstone lost authorship")
	}
}

func TestVoteTransitions(t *testing.T) {
	w, codec := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	voter1 := newWallet(t)
	voter2 := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "vote on me"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	tally := func() (uint64, uint64) {
		t.Helper()
		like, dislike, err := w.DecryptTally(ctx, posted.ID, author.addr, signatureFor(t, codec, author))
		if err != nil {
			t.Fatalf("DecryptTally: %v", err)
		}
		return like, dislike
	}

	if like, dislike := tally(); like != 0 || dislike != 0 {
		t.Errorf("fresh tally = %d, %d", like, dislike)
	}

	if err := w.Vote(ctx, posted.ID, voter1.addr, domain.VoteLike); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if err := w.Vote(ctx, posted.ID, voter2.addr, domain.VoteLike); err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if like, dislike := tally(); like != 2 || dislike != 0 {
		t.Errorf("tally = %d, %d, want 2, 0", like, dislike)
	}

	// Repeating the current vote changes nothing.
	if err := w.Vote(ctx, posted.ID, voter1.addr, domain.VoteLike); err != nil {
		t.Fatalf("Vote repeat: %v", err)
	}
	if like, _ := tally(); like != 2 {
		t.Errorf("like after repeat = %d, want 2", like)
	}

	// Switching sides moves one count across.
	if err := w.Vote(ctx, posted.ID, voter1.addr, domain.VoteDislike); err != nil {
		t.Fatalf("Vote switch: %v", err)
	}
	if like, dislike := tally(); like != 1 || dislike != 1 {
		t.Errorf("tally after switch = %d, %d, want 1, 1", like, dislike)
	}

	// Unvoting removes the count entirely.
	if err := w.Vote(ctx, posted.ID, voter1.addr, domain.VoteNone); err != nil {
		t.Fatalf("Vote none: %v", err)
	}
	if like, dislike := tally(); like != 1 || dislike != 0 {
		t.Errorf("tally after unvote = %d, %d, want 1, 0", like, dislike)
	}

	state, err := w.VoteOf(ctx, posted.ID, voter2.addr)
	if err != nil {
		t.Fatalf("VoteOf: %v", err)
	}
	if state != domain.VoteLike {
		t.Errorf("voter2 state = %v, want like", state)
	}
}

func TestVoteOnDeletedWhisper(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	voter := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "gone soon"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := w.Delete(ctx, posted.ID, author.addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := w.Vote(ctx, posted.ID, voter.addr, domain.VoteLike); !errors.Is(err, domain.ErrWhisperAlreadyDeleted) {
		t.Errorf("vote on tombstone = %v, want ErrWhisperAlreadyDeleted", err)
	}
}

func TestFeedPagination(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	var want []uint64
	for i := 0; i < 7; i++ {
		posted, err := w.Post(ctx, publicParams(author.addr, "page me"))
		if err != nil {
			t.Fatalf("Post: %v", err)
		}
		want = append(want, posted.ID)
	}

	var got []uint64
	for offset := uint64(0); ; offset += 3 {
		page, err := w.PublicWhispers(ctx, offset, 3)
		if err != nil {
			t.Fatalf("PublicWhispers: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, whisper := range page {
			got = append(got, whisper.ID)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("concatenated %d ids, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page order mismatch at %d: %d != %d", i, got[i], want[i])
		}
	}
}

func TestInboxOnlyForRecipient(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	recipient := newWallet(t)
	stranger := newWallet(t)

	params := domain.PostParams{
		Author:       author.addr,
		Type:         domain.WhisperPrivate,
		ContentMode:  domain.ContentPlain,
		PlainContent: "for your eyes",
		Recipient:    recipient.addr,
		Tag:          domain.TagSecret,
	}
	posted, err := w.Post(ctx, params)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	inbox, err := w.InboxFor(ctx, recipient.addr, recipient.addr, 0, 10)
	if err != nil {
		t.Fatalf("InboxFor: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ID != posted.ID {
		t.Errorf("inbox = %v", inbox)
	}

	if _, err := w.InboxFor(ctx, stranger.addr, recipient.addr, 0, 10); !errors.Is(err, domain.ErrUnauthorizedAccess) {
		t.Errorf("stranger inbox read = %v, want ErrUnauthorizedAccess", err)
	}
}

func TestAccessControl(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	recipient := newWallet(t)
	friend := newWallet(t)
	stranger := newWallet(t)

	posted, err := w.Post(ctx, domain.PostParams{
		Author:       author.addr,
		Type:         domain.WhisperPrivate,
		ContentMode:  domain.ContentPlain,
		PlainContent: "members only",
		Recipient:    recipient.addr,
		Tag:          domain.TagSecret,
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	check := func(addr domain.Address, want bool) {
		t.Helper()
		ok, err := w.IsAuthorized(ctx, posted.ID, addr)
		if err != nil {
			t.Fatalf("IsAuthorized: %v", err)
		}
		if ok != want {
			t.Errorf("IsAuthorized(%s) = %v, want %v", addr.Short(), ok, want)
		}
	}

	check(author.addr, true)
	check(recipient.addr, true)
	check(friend.addr, false)

	// Strangers cannot self-grant on private whispers.
	if err := w.RequestAccess(ctx, posted.ID, stranger.addr); !errors.Is(err, domain.ErrUnauthorizedAccess) {
		t.Errorf("stranger RequestAccess = %v, want ErrUnauthorizedAccess", err)
	}
	// Participants may re-affirm their own access.
	if err := w.RequestAccess(ctx, posted.ID, recipient.addr); err != nil {
		t.Fatalf("recipient RequestAccess: %v", err)
	}

	// Only the author grants to third parties.
	if err := w.GrantAccess(ctx, posted.ID, recipient.addr, friend.addr); !errors.Is(err, domain.ErrUnauthorizedAccess) {
		t.Errorf("recipient GrantAccess = %v, want ErrUnauthorizedAccess", err)
	}
	if err := w.GrantAccess(ctx, posted.ID, author.addr, friend.addr); err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	check(friend.addr, true)

	if err := w.RevokeAccess(ctx, posted.ID, author.addr, friend.addr); err != nil {
		t.Fatalf("RevokeAccess: %v", err)
	}
	check(friend.addr, false)

	// Revoking the recipient's grant row changes nothing: standing access.
	if err := w.RevokeAccess(ctx, posted.ID, author.addr, recipient.addr); err != nil {
		t.Fatalf("RevokeAccess recipient: %v", err)
	}
	check(recipient.addr, true)
}

func TestRequestAccessOnPublicWhisper(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	reader := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "open to all"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := w.RequestAccess(ctx, posted.ID, reader.addr); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}
	ok, err := w.IsAuthorized(ctx, posted.ID, reader.addr)
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if !ok {
		t.Error("public self-grant not recorded")
	}
}

func TestDecryptGate(t *testing.T) {
	w, codec := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	recipient := newWallet(t)
	stranger := newWallet(t)

	handle, proof, err := codec.Encrypt(ctx, []byte("the secret"), wallContract, author.signer.Address())
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	posted, err := w.Post(ctx, domain.PostParams{
		Author:          author.addr,
		Type:            domain.WhisperPrivate,
		ContentMode:     domain.ContentEncrypted,
		EncryptedHandle: handle,
		InputProof:      proof,
		Recipient:       recipient.addr,
		Tag:             domain.TagSecret,
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	// Authorized caller with their own signature.
	plain, err := w.Decrypt(ctx, posted.ID, recipient.addr, signatureFor(t, codec, recipient))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "the secret" {
		t.Errorf("plaintext = %q", plain)
	}

	// Unauthorized caller, even with a valid signature of their own.
	if _, err := w.Decrypt(ctx, posted.ID, stranger.addr, signatureFor(t, codec, stranger)); !errors.Is(err, domain.ErrDecryptDenied) {
		t.Errorf("stranger decrypt = %v, want ErrDecryptDenied", err)
	}
	// Authorized caller presenting someone else's signature.
	if _, err := w.Decrypt(ctx, posted.ID, recipient.addr, signatureFor(t, codec, stranger)); !errors.Is(err, domain.ErrDecryptDenied) {
		t.Errorf("borrowed signature = %v, want ErrDecryptDenied", err)
	}
	// Missing signature.
	if _, err := w.Decrypt(ctx, posted.ID, recipient.addr, nil); !errors.Is(err, domain.ErrDecryptDenied) {
		t.Errorf("nil signature = %v, want ErrDecryptDenied", err)
	}
}

func TestDecryptPlainWhisperRejected(t *testing.T) {
	w, codec := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	posted, err := w.Post(ctx, publicParams(author.addr, "already readable"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := w.Decrypt(ctx, posted.ID, author.addr, signatureFor(t, codec, author)); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("decrypt plain = %v, want ErrInvalidRequest", err)
	}
}

func TestCounts(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)
	recipient := newWallet(t)

	if _, err := w.Post(ctx, publicParams(author.addr, "one")); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if _, err := w.Post(ctx, domain.PostParams{
		Author:       author.addr,
		Type:         domain.WhisperPrivate,
		ContentMode:  domain.ContentPlain,
		PlainContent: "two",
		Recipient:    recipient.addr,
		Tag:          domain.TagSecret,
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	total, public, err := w.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if total != 2 || public != 1 {
		t.Errorf("counts = %d, %d, want 2, 1", total, public)
	}
}

func TestEvents(t *testing.T) {
	w, _ := newTestWall(t)
	ctx := context.Background()
	author := newWallet(t)

	events, cancel := w.Events().Subscribe(8)
	defer cancel()

	posted, err := w.Post(ctx, publicParams(author.addr, "watch me"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if err := w.Delete(ctx, posted.ID, author.addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	expect := func(want EventType) {
		t.Helper()
		select {
		case e := <-events:
			if e.Type != want {
				t.Errorf("event = %s, want %s", e.Type, want)
			}
			if e.WhisperID != posted.ID {
				t.Errorf("event whisper = %d, want %d", e.WhisperID, posted.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", want)
		}
	}
	expect(EventWhisperPosted)
	expect(EventWhisperDeleted)
}

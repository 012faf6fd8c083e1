package db

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"whisperwall/pkg/domain"
)

const (
	voterA = domain.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	voterB = domain.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testWhisper(author domain.Address, typ domain.WhisperType, recipient domain.Address) *domain.Whisper {
	return &domain.Whisper{
		Author:       author,
		Type:         typ,
		ContentMode:  domain.ContentPlain,
		PlainContent: "hello",
		Recipient:    recipient,
		Tag:          domain.TagRandom,
		CreatedAt:    time.Now().UTC(),
	}
}

func mustAppend(t *testing.T, s *SQLite, w *domain.Whisper, grantees ...domain.Address) uint64 {
	t.Helper()
	id, err := s.Append(context.Background(), w, []byte("like0"), []byte("dislike0"), grantees)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return id
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	s := testStore(t)
	first := mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress))
	second := mustAppend(t, s, testWhisper(voterB, domain.WhisperPublic, domain.ZeroAddress))
	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", first, second)
	}
}

func TestGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	w := testWhisper(voterA, domain.WhisperPrivate, voterB)
	w.IsAnonymous = true
	id := mustAppend(t, s, w, voterA, voterB)

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != id || got.Author != voterA || got.Recipient != voterB {
		t.Errorf("unexpected whisper %+v", got)
	}
	if got.Type != domain.WhisperPrivate || !got.IsAnonymous || got.IsDeleted {
		t.Errorf("unexpected flags %+v", got)
	}
	if got.PlainContent != "hello" || got.Tag != domain.TagRandom {
		t.Errorf("unexpected content %+v", got)
	}

	if _, err := s.Get(ctx, 999); err != domain.ErrWhisperNotFound {
		t.Errorf("Get(999) = %v, want ErrWhisperNotFound", err)
	}
}

func TestMarkDeleted(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress))

	// Wrong author changes nothing.
	if err := s.MarkDeleted(ctx, id, voterB); err != domain.ErrWhisperAlreadyDeleted {
		t.Errorf("wrong author delete = %v", err)
	}
	if err := s.MarkDeleted(ctx, id, voterA); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsDeleted {
		t.Error("tombstone flag not set")
	}
	// Second delete reports the conflict.
	if err := s.MarkDeleted(ctx, id, voterA); err != domain.ErrWhisperAlreadyDeleted {
		t.Errorf("double delete = %v, want ErrWhisperAlreadyDeleted", err)
	}
}

func TestVisibilityIndices(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pub1 := mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress))
	priv := mustAppend(t, s, testWhisper(voterA, domain.WhisperPrivate, voterB), voterA, voterB)
	pub2 := mustAppend(t, s, testWhisper(voterB, domain.WhisperPublic, domain.ZeroAddress))

	public, err := s.PublicIDs(ctx, 0, 10)
	if err != nil {
		t.Fatalf("PublicIDs: %v", err)
	}
	if len(public) != 2 || public[0] != pub1 || public[1] != pub2 {
		t.Errorf("PublicIDs = %v", public)
	}

	mine, err := s.AuthorIDs(ctx, voterA, 0, 10)
	if err != nil {
		t.Fatalf("AuthorIDs: %v", err)
	}
	if len(mine) != 2 || mine[0] != pub1 || mine[1] != priv {
		t.Errorf("AuthorIDs = %v", mine)
	}

	inbox, err := s.InboxIDs(ctx, voterB, 0, 10)
	if err != nil {
		t.Fatalf("InboxIDs: %v", err)
	}
	if len(inbox) != 1 || inbox[0] != priv {
		t.Errorf("InboxIDs = %v", inbox)
	}
}

func TestPublicIDsPagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	var all []uint64
	for i := 0; i < 7; i++ {
		all = append(all, mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress)))
	}

	var paged []uint64
	for offset := uint64(0); ; offset += 3 {
		page, err := s.PublicIDs(ctx, offset, 3)
		if err != nil {
			t.Fatalf("PublicIDs: %v", err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, page...)
	}
	if len(paged) != len(all) {
		t.Fatalf("paged %d ids, want %d", len(paged), len(all))
	}
	for i := range all {
		if paged[i] != all[i] {
			t.Errorf("page concat mismatch at %d: %d != %d", i, paged[i], all[i])
		}
	}
}

func TestCounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	total, public, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if total != 0 || public != 0 {
		t.Errorf("fresh store counts = %d, %d", total, public)
	}

	mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress))
	id := mustAppend(t, s, testWhisper(voterA, domain.WhisperPrivate, voterB), voterA, voterB)

	total, public, err = s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if total != 2 || public != 1 {
		t.Errorf("counts = %d, %d, want 2, 1", total, public)
	}

	// Deletion leaves the counters alone; tombstones still count.
	if err := s.MarkDeleted(ctx, id, voterA); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	total, public, err = s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if total != 2 || public != 1 {
		t.Errorf("counts after delete = %d, %d, want 2, 1", total, public)
	}
}

func TestVoteStateAndTally(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := mustAppend(t, s, testWhisper(voterA, domain.WhisperPublic, domain.ZeroAddress))

	state, err := s.Vote(ctx, id, voterB)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if state != domain.VoteNone {
		t.Errorf("fresh voter state = %v, want none", state)
	}

	if err := s.ApplyVote(ctx, id, voterB, domain.VoteLike, []byte("like1"), []byte("dislike0")); err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	state, err = s.Vote(ctx, id, voterB)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if state != domain.VoteLike {
		t.Errorf("state = %v, want like", state)
	}

	// Changing the vote upserts, not duplicates.
	if err := s.ApplyVote(ctx, id, voterB, domain.VoteDislike, []byte("like0"), []byte("dislike1")); err != nil {
		t.Fatalf("ApplyVote: %v", err)
	}
	state, err = s.Vote(ctx, id, voterB)
	if err != nil {
		t.Fatalf("Vote: %v", err)
	}
	if state != domain.VoteDislike {
		t.Errorf("state = %v, want dislike", state)
	}

	like, dislike, err := s.Tally(ctx, id)
	if err != nil {
		t.Fatalf("Tally: %v", err)
	}
	if !bytes.Equal(like, []byte("like0")) || !bytes.Equal(dislike, []byte("dislike1")) {
		t.Errorf("tally handles = %q, %q", like, dislike)
	}

	if _, _, err := s.Tally(ctx, 999); err != domain.ErrWhisperNotFound {
		t.Errorf("Tally(999) = %v, want ErrWhisperNotFound", err)
	}
}

func TestGrants(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := mustAppend(t, s, testWhisper(voterA, domain.WhisperPrivate, voterB), voterA, voterB)

	ok, err := s.HasGrant(ctx, id, voterB)
	if err != nil {
		t.Fatalf("HasGrant: %v", err)
	}
	if !ok {
		t.Error("seeded grant missing")
	}

	other := domain.Address("0xcccccccccccccccccccccccccccccccccccccccc")
	ok, err = s.HasGrant(ctx, id, other)
	if err != nil {
		t.Fatalf("HasGrant: %v", err)
	}
	if ok {
		t.Error("unexpected grant for stranger")
	}

	if err := s.AddGrant(ctx, id, other); err != nil {
		t.Fatalf("AddGrant: %v", err)
	}
	// Idempotent.
	if err := s.AddGrant(ctx, id, other); err != nil {
		t.Fatalf("AddGrant repeat: %v", err)
	}
	ok, err = s.HasGrant(ctx, id, other)
	if err != nil {
		t.Fatalf("HasGrant: %v", err)
	}
	if !ok {
		t.Error("grant not recorded")
	}

	if err := s.RemoveGrant(ctx, id, other); err != nil {
		t.Fatalf("RemoveGrant: %v", err)
	}
	ok, err = s.HasGrant(ctx, id, other)
	if err != nil {
		t.Fatalf("HasGrant: %v", err)
	}
	if ok {
		t.Error("grant survived revocation")
	}
	// Removing a missing grant is a no-op.
	if err := s.RemoveGrant(ctx, id, other); err != nil {
		t.Fatalf("RemoveGrant repeat: %v", err)
	}
}

package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"whisperwall/cfg"
	"whisperwall/metrics"
	"whisperwall/pkg/domain"
	"whisperwall/pkg/fhe"
	"whisperwall/svc/cache"
	"whisperwall/svc/db"
	"whisperwall/svc/util"
)

// Wall is the board engine: the append-only whisper ledger, the encrypted
// vote tallies, and the per-whisper decrypt ACL. Reads go through the LRU
// and Redis; every mutation lands in SQLite first and only then touches the
// caches, so the ledger is always the source of truth.
type Wall struct {
	db            *db.SQLite
	lru           *cache.LRU
	rdb           *db.Redis
	codec         fhe.Codec
	bus           *Bus
	cfg           *cfg.Cfg
	syncQueue     chan uint64
	syncWorkerWg  sync.WaitGroup
	activePostOps int32
	voteMu        sync.Mutex
	shutdownCtx   context.Context
	shutdownFn    context.CancelFunc
	shutdown      atomic.Bool
	opWg          sync.WaitGroup
}

func NewWall(sqlDB *db.SQLite, lru *cache.LRU, rdb *db.Redis, codec fhe.Codec, c *cfg.Cfg) *Wall {
	if sqlDB == nil || lru == nil || codec == nil || c == nil {
		panic("wall service: nil dependency (sqlDB, lru, codec, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	w := &Wall{
		db:          sqlDB,
		lru:         lru,
		rdb:         rdb,
		codec:       codec,
		bus:         NewBus(),
		cfg:         c,
		syncQueue:   make(chan uint64, c.WorkerPoolSize*100),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 20
	}
	w.startWorkers(c.WorkerPoolSize)
	return w
}

func (w *Wall) Events() *Bus {
	return w.bus
}

func (w *Wall) startWorkers(n int) {
	for i := 0; i < n; i++ {
		w.syncWorkerWg.Add(1)
		go w.syncWorker()
	}
}

// syncWorker refreshes the caches for whispers touched by a mutation, so
// mutating requests never wait on Redis round trips.
func (w *Wall) syncWorker() {
	defer w.syncWorkerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("syncWorker panicked")
		}
	}()
	for id := range w.syncQueue {
		ctx, cancel := context.WithTimeout(w.shutdownCtx, 5*time.Second)
		whisper, err := w.db.Get(ctx, id)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				cancel()
				return
			}
			util.Warn().Err(err).Uint64("id", id).Msg("failed to refresh whisper cache")
			cancel()
			continue
		}
		w.lru.Set(ctx, whisper, w.cfg.WhisperCacheTTL)
		if w.rdb != nil {
			if err := w.rdb.CacheWhisper(ctx, whisper, w.cfg.WhisperCacheTTL); err != nil {
				util.Warn().Err(err).Uint64("id", id).Msg("failed to cache in Redis")
			}
		}
		cancel()
	}
}

func (w *Wall) Shutdown() {
	w.shutdown.Store(true)
	close(w.syncQueue)
	w.shutdownFn()
	done := make(chan struct{})
	go func() {
		w.syncWorkerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("sync workers didn't stop in time")
	}
	w.opWg.Wait()
	w.bus.Close()
	util.Debug().Msg("wall service shutdown complete")
}

func (w *Wall) enqueueSync(id uint64) {
	select {
	case w.syncQueue <- id:
	default:
		util.Warn().Uint64("id", id).Msg("sync queue full, dropping cache refresh")
	}
}

// Post appends a whisper. Validation happens before any state is touched, so
// a rejected post consumes no id. Encrypted content must arrive with an input
// proof binding the handle to the board contract and the author.
func (w *Wall) Post(ctx context.Context, params domain.PostParams) (*domain.Whisper, error) {
	if w.shutdown.Load() {
		return nil, errors.New("service shutting down")
	}
	w.opWg.Add(1)
	defer w.opWg.Done()
	currentLoad := atomic.AddInt32(&w.activePostOps, 1)
	if currentLoad > int32(w.cfg.MaxWorkerLoad) {
		atomic.AddInt32(&w.activePostOps, -1)
		return nil, errors.New("worker pool overloaded")
	}
	defer atomic.AddInt32(&w.activePostOps, -1)

	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(params.PlainContent) > int(w.cfg.MaxContentSize) {
		return nil, domain.ErrInvalidRequest
	}
	if params.ContentMode == domain.ContentEncrypted {
		if err := w.codec.VerifyProof(ctx, params.EncryptedHandle, params.InputProof,
			w.cfg.ContractAddress, params.Author.String()); err != nil {
			return nil, errors.Wrap(err, "verify input proof")
		}
		metrics.EncryptionOps.WithLabelValues("proof_verify").Inc()
	}

	likeHandle, err := w.codec.EncryptZero(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "init like tally")
	}
	dislikeHandle, err := w.codec.EncryptZero(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "init dislike tally")
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Add(2)

	whisper := &domain.Whisper{
		Author:          params.Author,
		Type:            params.Type,
		ContentMode:     params.ContentMode,
		PlainContent:    params.PlainContent,
		EncryptedHandle: params.EncryptedHandle,
		Recipient:       params.Recipient,
		Tag:             params.Tag,
		CreatedAt:       time.Now().UTC(),
		IsAnonymous:     params.IsAnonymous,
	}
	grantees := []domain.Address{params.Author}
	if params.Type == domain.WhisperPrivate {
		grantees = append(grantees, params.Recipient)
	}
	id, err := w.db.Append(ctx, whisper, likeHandle, dislikeHandle, grantees)
	if err != nil {
		return nil, errors.Wrap(err, "append whisper")
	}
	whisper.ID = id

	w.lru.Set(ctx, whisper, w.cfg.WhisperCacheTTL)
	w.enqueueSync(id)
	metrics.WhisperPosted.WithLabelValues(whisper.Type.String(), whisper.ContentMode.String()).Inc()
	w.bus.Publish(Event{
		Type:      EventWhisperPosted,
		WhisperID: id,
		Actor:     whisper.Author,
		Whisper:   whisper.Type,
		Mode:      whisper.ContentMode,
	})
	return whisper, nil
}

// Get dereferences one whisper through the read path. Tombstoned whispers
// stay addressable but their content never leaves the engine again.
func (w *Wall) Get(ctx context.Context, id uint64) (*domain.Whisper, error) {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.WhisperRetrieved.Inc()
	return redacted(whisper), nil
}

// resolve is the raw read path: LRU, then Redis, then the ledger. Returns
// the record as stored, tombstone content included.
func (w *Wall) resolve(ctx context.Context, id uint64) (*domain.Whisper, error) {
	if whisper := w.lru.Get(ctx, id); whisper != nil {
		metrics.CacheHits.Inc()
		return whisper, nil
	}
	metrics.CacheMisses.Inc()
	if w.rdb != nil {
		if whisper, err := w.rdb.GetWhisper(ctx, id); err == nil && whisper != nil {
			metrics.CacheHits.Inc()
			w.lru.Set(ctx, whisper, w.cfg.WhisperCacheTTL)
			return whisper, nil
		}
	}
	whisper, err := w.db.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrWhisperNotFound) {
			return nil, domain.ErrWhisperNotFound
		}
		return nil, errors.Wrap(err, "get whisper")
	}
	w.lru.Set(ctx, whisper, w.cfg.WhisperCacheTTL)
	if w.rdb != nil {
		if err := w.rdb.CacheWhisper(ctx, whisper, w.cfg.WhisperCacheTTL); err != nil {
			util.Warn().Err(err).Uint64("id", id).Msg("failed to cache in Redis")
		}
	}
	return whisper, nil
}

// redacted strips content from tombstoned records before they leave the
// engine. Identity, type and timestamps stay visible.
func redacted(w *domain.Whisper) *domain.Whisper {
	if !w.IsDeleted {
		return w
	}
	c := *w
	c.PlainContent = ""
	c.EncryptedHandle = nil
	return &c
}

// Delete tombstones a whisper. Author-only; a second delete reports the
// conflict rather than succeeding silently.
func (w *Wall) Delete(ctx context.Context, id uint64, caller domain.Address) error {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	if whisper.IsDeleted {
		return domain.ErrWhisperAlreadyDeleted
	}
	if whisper.Author != caller {
		return domain.ErrUnauthorizedAccess
	}
	if err := w.db.MarkDeleted(ctx, id, caller); err != nil {
		return err
	}
	w.lru.Delete(id)
	if w.rdb != nil {
		if err := w.rdb.DeleteWhisper(ctx, id); err != nil {
			util.Warn().Err(err).Uint64("id", id).Msg("failed to delete from redis")
		}
	}
	// Re-warm the caches with the tombstoned record.
	w.enqueueSync(id)
	metrics.WhisperDeleted.Inc()
	w.bus.Publish(Event{Type: EventWhisperDeleted, WhisperID: id, Actor: caller})
	util.Info().Uint64("id", id).Msg("whisper tombstoned")
	return nil
}

// Vote moves the caller's vote state and applies the matching homomorphic
// deltas to the encrypted tallies. Repeating the current state is a no-op.
// The mutex serializes the read-modify-write over the tally handles; the
// final write is still a single transaction.
func (w *Wall) Vote(ctx context.Context, id uint64, voter domain.Address, newVote domain.VoteType) error {
	if !newVote.Valid() {
		return domain.ErrInvalidVoteType
	}
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	if whisper.IsDeleted {
		return domain.ErrWhisperAlreadyDeleted
	}

	w.voteMu.Lock()
	defer w.voteMu.Unlock()

	oldVote, err := w.db.Vote(ctx, id, voter)
	if err != nil {
		return errors.Wrap(err, "load vote state")
	}
	if oldVote == newVote {
		return nil
	}
	delta := domain.Transition(oldVote, newVote)
	likeHandle, dislikeHandle, err := w.db.Tally(ctx, id)
	if err != nil {
		return errors.Wrap(err, "load tallies")
	}
	likeHandle, err = w.applyDelta(ctx, likeHandle, delta.Like)
	if err != nil {
		return errors.Wrap(err, "adjust like tally")
	}
	dislikeHandle, err = w.applyDelta(ctx, dislikeHandle, delta.Dislike)
	if err != nil {
		return errors.Wrap(err, "adjust dislike tally")
	}
	if err := w.db.ApplyVote(ctx, id, voter, newVote, likeHandle, dislikeHandle); err != nil {
		return errors.Wrap(err, "apply vote")
	}
	metrics.VoteCast.WithLabelValues(newVote.String()).Inc()
	w.bus.Publish(Event{Type: EventWhisperVoted, WhisperID: id, Actor: voter, Vote: newVote})
	return nil
}

func (w *Wall) applyDelta(ctx context.Context, handle []byte, delta int) ([]byte, error) {
	switch {
	case delta > 0:
		metrics.EncryptionOps.WithLabelValues("add").Inc()
		return w.codec.AddOne(ctx, handle)
	case delta < 0:
		metrics.EncryptionOps.WithLabelValues("sub").Inc()
		return w.codec.SubOne(ctx, handle)
	default:
		return handle, nil
	}
}

// VoteOf reports the voter's current state for a whisper, VoteNone when the
// voter never voted.
func (w *Wall) VoteOf(ctx context.Context, id uint64, voter domain.Address) (domain.VoteType, error) {
	if _, err := w.resolve(ctx, id); err != nil {
		return domain.VoteNone, err
	}
	return w.db.Vote(ctx, id, voter)
}

// Tally returns the opaque encrypted counter handles. Counts are only
// recoverable through DecryptTally under a valid decryption signature.
func (w *Wall) Tally(ctx context.Context, id uint64) (likeHandle, dislikeHandle []byte, err error) {
	if _, err := w.resolve(ctx, id); err != nil {
		return nil, nil, err
	}
	return w.db.Tally(ctx, id)
}

// GrantAccess lets the author extend decrypt access to another address.
func (w *Wall) GrantAccess(ctx context.Context, id uint64, caller, grantee domain.Address) error {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	if whisper.Author != caller {
		return domain.ErrUnauthorizedAccess
	}
	if grantee.IsZero() {
		return domain.ErrInvalidAddress
	}
	if err := w.db.AddGrant(ctx, id, grantee); err != nil {
		return err
	}
	metrics.AccessGrants.WithLabelValues("grant").Inc()
	w.bus.Publish(Event{Type: EventAccessGranted, WhisperID: id, Actor: caller, Subject: grantee})
	return nil
}

// RevokeAccess removes a grant. Author and recipient keep standing access
// regardless of grant rows, so revoking them changes nothing.
func (w *Wall) RevokeAccess(ctx context.Context, id uint64, caller, grantee domain.Address) error {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	if whisper.Author != caller {
		return domain.ErrUnauthorizedAccess
	}
	if err := w.db.RemoveGrant(ctx, id, grantee); err != nil {
		return err
	}
	metrics.AccessGrants.WithLabelValues("revoke").Inc()
	w.bus.Publish(Event{Type: EventAccessRevoked, WhisperID: id, Actor: caller, Subject: grantee})
	return nil
}

// RequestAccess is the self-service grant path. Public whispers accept any
// requester. Private whispers only re-affirm the participants: anyone else
// must be granted by the author explicitly.
func (w *Wall) RequestAccess(ctx context.Context, id uint64, caller domain.Address) error {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return err
	}
	if whisper.Type == domain.WhisperPrivate &&
		caller != whisper.Author && caller != whisper.Recipient {
		return domain.ErrUnauthorizedAccess
	}
	if err := w.db.AddGrant(ctx, id, caller); err != nil {
		return err
	}
	metrics.AccessGrants.WithLabelValues("request").Inc()
	w.bus.Publish(Event{Type: EventAccessGranted, WhisperID: id, Actor: caller, Subject: caller})
	return nil
}

// IsAuthorized reports decrypt authorization: author and recipient always,
// everyone else through a grant row.
func (w *Wall) IsAuthorized(ctx context.Context, id uint64, addr domain.Address) (bool, error) {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return false, err
	}
	if addr == whisper.Author {
		return true, nil
	}
	if whisper.Type == domain.WhisperPrivate && addr == whisper.Recipient {
		return true, nil
	}
	return w.db.HasGrant(ctx, id, addr)
}

// Decrypt releases the plaintext of an encrypted whisper to an authorized
// caller holding a valid decryption signature. The signature must belong to
// the caller; authorization alone never releases plaintext.
func (w *Wall) Decrypt(ctx context.Context, id uint64, caller domain.Address, sig *fhe.DecryptionSignature) ([]byte, error) {
	whisper, err := w.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if whisper.IsDeleted {
		return nil, domain.ErrWhisperAlreadyDeleted
	}
	if whisper.ContentMode != domain.ContentEncrypted {
		return nil, domain.ErrInvalidRequest
	}
	ok, err := w.IsAuthorized(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.DecryptOps.WithLabelValues("denied").Inc()
		return nil, domain.ErrDecryptDenied
	}
	if sig == nil || !strings.EqualFold(sig.UserAddress, caller.String()) {
		metrics.DecryptOps.WithLabelValues("denied").Inc()
		return nil, domain.ErrDecryptDenied
	}
	plaintext, err := w.codec.UserDecrypt(ctx, whisper.EncryptedHandle, w.cfg.ContractAddress, sig)
	if err != nil {
		metrics.DecryptOps.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, "user decrypt")
	}
	metrics.DecryptOps.WithLabelValues("ok").Inc()
	return plaintext, nil
}

// DecryptTally releases the numeric like and dislike counts under the same
// authorization gate as content decryption.
func (w *Wall) DecryptTally(ctx context.Context, id uint64, caller domain.Address, sig *fhe.DecryptionSignature) (like, dislike uint64, err error) {
	ok, err := w.IsAuthorized(ctx, id, caller)
	if err != nil {
		return 0, 0, err
	}
	if !ok || sig == nil || !strings.EqualFold(sig.UserAddress, caller.String()) {
		metrics.DecryptOps.WithLabelValues("denied").Inc()
		return 0, 0, domain.ErrDecryptDenied
	}
	likeHandle, dislikeHandle, err := w.db.Tally(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	likePlain, err := w.codec.UserDecrypt(ctx, likeHandle, w.cfg.ContractAddress, sig)
	if err != nil {
		metrics.DecryptOps.WithLabelValues("failed").Inc()
		return 0, 0, errors.Wrap(err, "decrypt like tally")
	}
	dislikePlain, err := w.codec.UserDecrypt(ctx, dislikeHandle, w.cfg.ContractAddress, sig)
	if err != nil {
		metrics.DecryptOps.WithLabelValues("failed").Inc()
		return 0, 0, errors.Wrap(err, "decrypt dislike tally")
	}
	like, err = fhe.DecodeCounter(likePlain)
	if err != nil {
		return 0, 0, errors.Wrap(err, "decode like tally")
	}
	dislike, err = fhe.DecodeCounter(dislikePlain)
	if err != nil {
		return 0, 0, errors.Wrap(err, "decode dislike tally")
	}
	metrics.DecryptOps.WithLabelValues("ok").Inc()
	return like, dislike, nil
}

func (w *Wall) clampLimit(limit uint64) uint64 {
	if limit == 0 || limit > uint64(w.cfg.MaxPageLimit) {
		return uint64(w.cfg.MaxPageLimit)
	}
	return limit
}

func (w *Wall) page(ctx context.Context, ids []uint64) ([]*domain.Whisper, error) {
	out := make([]*domain.Whisper, 0, len(ids))
	for _, id := range ids {
		whisper, err := w.resolve(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve whisper %d", id)
		}
		out = append(out, redacted(whisper))
	}
	return out, nil
}

// PublicWhispers pages the public feed in insertion order. Offsets are
// stable: new posts only ever extend the index, so concatenating pages
// yields the feed with no gaps or duplicates.
func (w *Wall) PublicWhispers(ctx context.Context, offset, limit uint64) ([]*domain.Whisper, error) {
	ids, err := w.db.PublicIDs(ctx, offset, w.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return w.page(ctx, ids)
}

// WhispersBy pages everything an author posted, private whispers included.
func (w *Wall) WhispersBy(ctx context.Context, author domain.Address, offset, limit uint64) ([]*domain.Whisper, error) {
	ids, err := w.db.AuthorIDs(ctx, author, offset, w.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return w.page(ctx, ids)
}

// InboxFor pages the private whispers addressed to the caller. Only the
// recipient may read their own inbox.
func (w *Wall) InboxFor(ctx context.Context, caller, recipient domain.Address, offset, limit uint64) ([]*domain.Whisper, error) {
	if caller != recipient {
		return nil, domain.ErrUnauthorizedAccess
	}
	ids, err := w.db.InboxIDs(ctx, recipient, offset, w.clampLimit(limit))
	if err != nil {
		return nil, err
	}
	return w.page(ctx, ids)
}

// Counts reports the running totals without scanning the ledger.
func (w *Wall) Counts(ctx context.Context) (total, public uint64, err error) {
	return w.db.Counts(ctx)
}

package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"whisperwall/cfg"
	"whisperwall/pkg/domain"
	"whisperwall/pkg/fhe"
	"whisperwall/svc/cache"
	"whisperwall/svc/db"
	"whisperwall/svc/lim"
	"whisperwall/svc/svc"
)

const apiContract = "0x00000000000000000000000000000000000000c1"

type wallet struct {
	signer *fhe.LocalSigner
	addr   string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	s, err := fhe.NewLocalSigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return wallet{signer: s, addr: s.Address()}
}

func newTestServer(t *testing.T) (*Server, fhe.Codec) {
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

	store, err := db.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	lruCache, err := cache.NewLRU(64)
	if err != nil {
		t.Fatalf("lru: %v", err)
	}
	c := &cfg.Cfg{
		Port:                  "0",
		MaxContentSize:        16 * 1024,
		MaxWorkerLoad:         100,
		MaxPageLimit:          100,
		WorkerPoolSize:        2,
		ChainID:               31337,
		ContractAddress:       apiContract,
		SignatureDurationDays: 30,
		WhisperCacheTTL:       time.Minute,
		ContextTimeout:        10 * time.Second,
		AllowedOrigins:        []string{"*"},
	}
	c.RateLimit.RPM = 100000
	c.RateLimit.Burst = 100000
	c.RateLimit.ConservativeLimit = 100000

	wall := svc.NewWall(store, lruCache, nil, codec, c)
	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, nil, nil)
	t.Cleanup(func() {
		limiter.Stop()
		wall.Shutdown()
		store.Close()
	})
	return NewServer(c, wall, limiter, store, nil), codec
}

func doJSON(t *testing.T, s *Server, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set("X-Wallet-Address", caller)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func postPlain(t *testing.T, s *Server, caller, content string) domain.Whisper {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/whispers", caller, PostReq{
		WhisperType: uint8(domain.WhisperPublic),
		ContentMode: uint8(domain.ContentPlain),
		Content:     content,
		Tag:         string(domain.TagRandom),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post = %d: %s", rec.Code, rec.Body.String())
	}
	var w domain.Whisper
	decode(t, rec, &w)
	return w
}

func signatureFor(t *testing.T, codec fhe.Codec, wl wallet) *fhe.DecryptionSignature {
	t.Helper()
	kp, err := codec.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	dom := fhe.TypedDomain{Name: "WhisperWall", Version: "1", ChainID: 31337, VerifyingContract: apiContract}
	start := time.Now().Unix()
	req := fhe.NewSigningRequest(dom, kp.PublicKey, []string{apiContract}, wl.addr, start, 30)
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

func TestWalletAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/whispers", "", PostReq{
		WhisperType: uint8(domain.WhisperPublic),
		ContentMode: uint8(domain.ContentPlain),
		Content:     "anonymous?",
		Tag:         string(domain.TagRandom),
	})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing wallet header = %d, want 401", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers", "not-an-address", PostReq{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed wallet header = %d, want 400", rec.Code)
	}
}

func TestPublicReadsNeedNoWallet(t *testing.T) {
	s, _ := newTestServer(t)
	author := newWallet(t)
	postPlain(t, s, author.addr, "readable by anyone")

	rec := doJSON(t, s, http.MethodGet, "/whispers/public", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("public feed = %d: %s", rec.Code, rec.Body.String())
	}
	var feed []domain.Whisper
	decode(t, rec, &feed)
	if len(feed) != 1 {
		t.Errorf("feed length = %d, want 1", len(feed))
	}

	rec = doJSON(t, s, http.MethodGet, "/counts", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("counts = %d", rec.Code)
	}
	var counts map[string]uint64
	decode(t, rec, &counts)
	if counts["total"] != 1 || counts["public"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestPostGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)
	author := newWallet(t)
	stranger := newWallet(t)

	posted := postPlain(t, s, author.addr, "short lived")

	rec := doJSON(t, s, http.MethodGet, "/whispers/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var got domain.Whisper
	decode(t, rec, &got)
	if got.ID != posted.ID || got.PlainContent != "short lived" {
		t.Errorf("unexpected whisper %+v", got)
	}

	rec = doJSON(t, s, http.MethodDelete, "/whispers/1", stranger.addr, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger delete = %d, want 403", rec.Code)
	}
	rec = doJSON(t, s, http.MethodDelete, "/whispers/1", author.addr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s, http.MethodDelete, "/whispers/1", author.addr, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("double delete = %d, want 409", rec.Code)
	}

	// Tombstone stays addressable, content gone.
	rec = doJSON(t, s, http.MethodGet, "/whispers/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get tombstone = %d", rec.Code)
	}
	got = domain.Whisper{}
	decode(t, rec, &got)
	if !got.IsDeleted || got.PlainContent != "" {
		t.Errorf("tombstone leaked content %+v", got)
	}

	rec = doJSON(t, s, http.MethodGet, "/whispers/999", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing whisper = %d, want 404", rec.Code)
	}
}

func TestVoteEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	author := newWallet(t)
	voter := newWallet(t)
	postPlain(t, s, author.addr, "vote me")

	rec := doJSON(t, s, http.MethodPost, "/whispers/1/vote", voter.addr, VoteReq{Vote: uint8(domain.VoteLike)})
	if rec.Code != http.StatusOK {
		t.Fatalf("vote = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/whispers/1/vote", voter.addr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get vote = %d", rec.Code)
	}
	var state map[string]interface{}
	decode(t, rec, &state)
	if state["state"] != "like" {
		t.Errorf("vote state = %v", state)
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/vote", voter.addr, VoteReq{Vote: 9})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid vote = %d, want 400", rec.Code)
	}
}

func TestDecryptEndpoint(t *testing.T) {
	s, codec := newTestServer(t)
	author := newWallet(t)
	stranger := newWallet(t)
	ctx := context.Background()

	handle, proof, err := codec.Encrypt(ctx, []byte("wire secret"), apiContract, author.addr)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	rec := doJSON(t, s, http.MethodPost, "/whispers", author.addr, PostReq{
		WhisperType:     uint8(domain.WhisperPublic),
		ContentMode:     uint8(domain.ContentEncrypted),
		EncryptedHandle: handle,
		InputProof:      proof,
		Tag:             string(domain.TagSecret),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post encrypted = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/decrypt", author.addr,
		DecryptReq{Signature: signatureFor(t, codec, author)})
	if rec.Code != http.StatusOK {
		t.Fatalf("decrypt = %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	decode(t, rec, &out)
	if out["content"] != "wire secret" {
		t.Errorf("content = %q", out["content"])
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/decrypt", stranger.addr,
		DecryptReq{Signature: signatureFor(t, codec, stranger)})
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger decrypt = %d, want 403", rec.Code)
	}
}

func TestDecryptTallyEndpoint(t *testing.T) {
	s, codec := newTestServer(t)
	author := newWallet(t)
	voter := newWallet(t)
	postPlain(t, s, author.addr, "tally me")

	rec := doJSON(t, s, http.MethodPost, "/whispers/1/vote", voter.addr, VoteReq{Vote: uint8(domain.VoteLike)})
	if rec.Code != http.StatusOK {
		t.Fatalf("vote = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/tally/decrypt", author.addr,
		DecryptReq{Signature: signatureFor(t, codec, author)})
	if rec.Code != http.StatusOK {
		t.Fatalf("decrypt tally = %d: %s", rec.Code, rec.Body.String())
	}
	var tally map[string]uint64
	decode(t, rec, &tally)
	if tally["likes"] != 1 || tally["dislikes"] != 0 {
		t.Errorf("tally = %v", tally)
	}
}

func TestAccessEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	author := newWallet(t)
	friend := newWallet(t)
	postPlain(t, s, author.addr, "grant me")

	rec := doJSON(t, s, http.MethodGet, "/whispers/1/access", friend.addr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("check access = %d", rec.Code)
	}
	var out map[string]bool
	decode(t, rec, &out)
	if out["authorized"] {
		t.Error("stranger reported authorized")
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/access/grant", author.addr, AccessReq{Grantee: friend.addr})
	if rec.Code != http.StatusOK {
		t.Fatalf("grant = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s, http.MethodGet, "/whispers/1/access", friend.addr, nil)
	decode(t, rec, &out)
	if !out["authorized"] {
		t.Error("grant not visible")
	}

	rec = doJSON(t, s, http.MethodPost, "/whispers/1/access/revoke", author.addr, AccessReq{Grantee: friend.addr})
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke = %d", rec.Code)
	}
	rec = doJSON(t, s, http.MethodGet, "/whispers/1/access", friend.addr, nil)
	decode(t, rec, &out)
	if out["authorized"] {
		t.Error("revocation not visible")
	}
}

func TestContentTypeEnforced(t *testing.T) {
	s, _ := newTestServer(t)
	author := newWallet(t)
	req := httptest.NewRequest(http.MethodPost, "/whispers", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Wallet-Address", author.addr)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("wrong content type = %d, want 415", rec.Code)
	}
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"<script>x</script>", "&lt;script&gt;x&lt;/script&gt;"},
		{"line\nbreak\tkept", "line\nbreak\tkept"},
		{"control\x00stripped", "controlstripped"},
	}
	for _, tt := range tests {
		if got := sanitizeContent(tt.in); got != tt.want {
			t.Errorf("sanitizeContent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

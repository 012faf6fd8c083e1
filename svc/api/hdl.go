package api

import (
	"encoding/json"
	"html"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"whisperwall/cfg"
	"whisperwall/pkg/domain"
	"whisperwall/pkg/fhe"
	"whisperwall/svc/svc"
	"whisperwall/svc/util"
)

const maxRequestSize = 128 * 1024

type Hdl struct {
	wall *svc.Wall
	cfg  *cfg.Cfg
}

type PostReq struct {
	WhisperType     uint8  `json:"whisper_type"`
	ContentMode     uint8  `json:"content_mode"`
	Content         string `json:"content,omitempty"`
	EncryptedHandle []byte `json:"encrypted_handle,omitempty"`
	InputProof      []byte `json:"input_proof,omitempty"`
	Recipient       string `json:"recipient,omitempty"`
	Tag             string `json:"tag"`
	Anonymous       bool   `json:"anonymous,omitempty"`
}

type VoteReq struct {
	Vote uint8 `json:"vote"`
}

type AccessReq struct {
	Grantee string `json:"grantee"`
}

type DecryptReq struct {
	Signature *fhe.DecryptionSignature `json:"signature"`
}

func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func whisperID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidRequest
	}
	return id, nil
}

func pageParams(r *http.Request) (offset, limit uint64) {
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, _ = strconv.ParseUint(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.ParseUint(v, 10, 64)
	}
	return offset, limit
}

func (h *Hdl) PostWhisper(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req PostReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxContentSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	params := domain.PostParams{
		Author:          Caller(r.Context()),
		Type:            domain.WhisperType(req.WhisperType),
		ContentMode:     domain.ContentMode(req.ContentMode),
		PlainContent:    sanitizeContent(req.Content),
		EncryptedHandle: req.EncryptedHandle,
		InputProof:      req.InputProof,
		Tag:             domain.Tag(req.Tag),
		IsAnonymous:     req.Anonymous,
	}
	if req.Recipient != "" {
		recipient, err := domain.ParseAddress(req.Recipient)
		if err != nil {
			writeErr(w, domain.ErrInvalidAddress, requestID)
			return
		}
		params.Recipient = recipient
	}
	whisper, err := h.wall.Post(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("failed to post whisper")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Uint64("whisper_id", whisper.ID).
		Str("type", whisper.Type.String()).
		Str("mode", whisper.ContentMode.String()).
		Str("author", util.RedactAddress(whisper.Author.String())).
		Msg("whisper posted")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(whisper)
}

func (h *Hdl) GetWhisper(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	whisper, err := h.wall.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(whisper)
}

func (h *Hdl) DeleteWhisper(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if err := h.wall.Delete(r.Context(), id, Caller(r.Context())); err != nil {
		log.Warn().Err(err).Uint64("whisper_id", id).Msg("failed to delete whisper")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) PublicFeed(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	offset, limit := pageParams(r)
	whispers, err := h.wall.PublicWhispers(r.Context(), offset, limit)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(whispers)
}

func (h *Hdl) MyWhispers(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	offset, limit := pageParams(r)
	whispers, err := h.wall.WhispersBy(r.Context(), Caller(r.Context()), offset, limit)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(whispers)
}

func (h *Hdl) Inbox(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	offset, limit := pageParams(r)
	caller := Caller(r.Context())
	whispers, err := h.wall.InboxFor(r.Context(), caller, caller, offset, limit)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(whispers)
}

func (h *Hdl) CastVote(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req VoteReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := h.wall.Vote(r.Context(), id, Caller(r.Context()), domain.VoteType(req.Vote)); err != nil {
		log.Warn().Err(err).Uint64("whisper_id", id).Msg("failed to cast vote")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "voted"})
}

func (h *Hdl) GetVote(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	vote, err := h.wall.VoteOf(r.Context(), id, Caller(r.Context()))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"vote":  uint8(vote),
		"state": vote.String(),
	})
}

// GetTally returns the opaque encrypted counter handles. Numeric counts only
// come out of DecryptTally under a valid decryption signature.
func (h *Hdl) GetTally(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	likeHandle, dislikeHandle, err := h.wall.Tally(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string][]byte{
		"like_handle":    likeHandle,
		"dislike_handle": dislikeHandle,
	})
}

func (h *Hdl) RequestAccess(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if err := h.wall.RequestAccess(r.Context(), id, Caller(r.Context())); err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "granted"})
}

func (h *Hdl) GrantAccess(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req AccessReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	grantee, err := domain.ParseAddress(req.Grantee)
	if err != nil {
		writeErr(w, domain.ErrInvalidAddress, requestID)
		return
	}
	if err := h.wall.GrantAccess(r.Context(), id, Caller(r.Context()), grantee); err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "granted"})
}

func (h *Hdl) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req AccessReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	grantee, err := domain.ParseAddress(req.Grantee)
	if err != nil {
		writeErr(w, domain.ErrInvalidAddress, requestID)
		return
	}
	if err := h.wall.RevokeAccess(r.Context(), id, Caller(r.Context()), grantee); err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}

func (h *Hdl) CheckAccess(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	addr := Caller(r.Context())
	if q := r.URL.Query().Get("address"); q != "" {
		addr, err = domain.ParseAddress(q)
		if err != nil {
			writeErr(w, domain.ErrInvalidAddress, requestID)
			return
		}
	}
	authorized, err := h.wall.IsAuthorized(r.Context(), id, addr)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"authorized": authorized})
}

func (h *Hdl) DecryptWhisper(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req DecryptReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	plaintext, err := h.wall.Decrypt(r.Context(), id, Caller(r.Context()), req.Signature)
	if err != nil {
		log.Warn().
			Err(err).
			Uint64("whisper_id", id).
			Str("caller", util.RedactAddress(Caller(r.Context()).String())).
			Msg("decrypt denied or failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"content": string(plaintext)})
}

func (h *Hdl) DecryptTally(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id, err := whisperID(r)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	var req DecryptReq
	if !h.decodeJSON(w, r, &req) {
		return
	}
	like, dislike, err := h.wall.DecryptTally(r.Context(), id, Caller(r.Context()), req.Signature)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]uint64{
		"likes":    like,
		"dislikes": dislike,
	})
}

func (h *Hdl) GetCounts(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	total, public, err := h.wall.Counts(r.Context())
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]uint64{
		"total":  total,
		"public": public,
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(errors.Cause(err)).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	return html.EscapeString(s)
}

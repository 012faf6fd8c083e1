package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrContentRequired       = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrRecipientRequired     = NewErr("RECIPIENT_REQUIRED", "recipient required for private whisper", http.StatusBadRequest)
	ErrInvalidWhisperType    = NewErr("INVALID_WHISPER_TYPE", "invalid whisper type", http.StatusBadRequest)
	ErrInvalidContentMode    = NewErr("INVALID_CONTENT_MODE", "invalid content mode", http.StatusBadRequest)
	ErrInvalidVoteType       = NewErr("INVALID_VOTE_TYPE", "invalid vote type", http.StatusBadRequest)
	ErrInvalidTag            = NewErr("INVALID_TAG", "invalid tag", http.StatusBadRequest)
	ErrInvalidAddress        = NewErr("INVALID_ADDRESS", "invalid address", http.StatusBadRequest)
	ErrWhisperNotFound       = NewErr("WHISPER_NOT_FOUND", "whisper not found", http.StatusNotFound)
	ErrWhisperAlreadyDeleted = NewErr("WHISPER_ALREADY_DELETED", "whisper already deleted", http.StatusConflict)
	ErrUnauthorizedAccess    = NewErr("UNAUTHORIZED_ACCESS", "unauthorized access", http.StatusForbidden)
	ErrDecryptDenied         = NewErr("DECRYPT_DENIED", "decrypt access not granted", http.StatusForbidden)
	ErrInvalidRequest        = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrRateLimitExceeded     = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer        = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
